// Package api implements the Control API (C7): thin HTTP handlers over
// C2/C3/C4 plus a health aggregator, grounded on the teacher's
// http.ServeMux-based services (orchestrator/main.go, billing-service/
// main.go, federation/main.go all route with the stdlib mux rather than a
// router library, so this package follows suit).
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/translate-queue/internal/dispatcher"
	"github.com/swarmguard/translate-queue/internal/janitor"
	"github.com/swarmguard/translate-queue/internal/results"
	"github.com/swarmguard/translate-queue/internal/storyindex"
	"github.com/swarmguard/translate-queue/internal/task"
	"github.com/swarmguard/translate-queue/internal/taskerrors"
)

// API wires the Control API's dependencies and builds the HTTP mux.
type API struct {
	repo       *task.Repository
	dispatcher *dispatcher.Dispatcher
	results    *results.Store
	stories    *storyindex.Index
	gate       *janitor.Gate

	uploadDir          string
	maxFileSize        int64
	allowedAudioFormat map[string]bool

	version   string
	startedAt time.Time

	health Health
}

// Health aggregates the dependencies GET /health reports on.
type Health struct {
	PingStore    func() error
	MemoryUsage  func() float64 // 0-100
	StorageAvail func() bool
	Workers      func() ([]WorkerStatus, error)
	Stats        func() (map[string]interface{}, error)
}

// WorkerStatus mirrors one worker:{id} heartbeat record.
type WorkerStatus struct {
	WorkerID      string `json:"worker_id"`
	Status        string `json:"status"`
	LastHeartbeat string `json:"last_heartbeat"`
}

// New constructs the Control API.
func New(repo *task.Repository, d *dispatcher.Dispatcher, r *results.Store, stories *storyindex.Index, gate *janitor.Gate, uploadDir string, maxFileSize int64, allowedAudioFormats []string, version string, health Health) *API {
	formats := make(map[string]bool, len(allowedAudioFormats))
	for _, f := range allowedAudioFormats {
		formats[strings.ToLower(f)] = true
	}
	return &API{
		repo:               repo,
		dispatcher:         d,
		results:            r,
		stories:            stories,
		gate:               gate,
		uploadDir:          uploadDir,
		maxFileSize:        maxFileSize,
		allowedAudioFormat: formats,
		version:            version,
		startedAt:          time.Now().UTC(),
		health:             health,
	}
}

// Mux builds the HTTP handler tree under /api/v1, per §6's request surface.
func (a *API) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", a.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks", a.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/statistics/summary", a.handleStatistics)
	mux.HandleFunc("GET /api/v1/tasks/{id}", a.handleGetTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/results", a.handleGetResults)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", a.handleCancel)
	mux.HandleFunc("POST /api/v1/tasks/{id}/retry", a.handleRetry)
	mux.HandleFunc("GET /api/v1/story/{name}/text", a.handleStoryText)
	mux.HandleFunc("GET /api/v1/health", a.handleHealth)
	mux.HandleFunc("GET /api/v1/health/workers", a.handleHealthWorkers)
	mux.HandleFunc("GET /api/v1/health/metrics", a.handleHealthMetrics)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case taskerrors.Is(err, taskerrors.KindValidation):
		status = http.StatusBadRequest
	case taskerrors.Is(err, taskerrors.KindNotFound):
		status = http.StatusNotFound
	case taskerrors.Is(err, taskerrors.KindPreconditionFailed):
		status = http.StatusBadRequest
	case taskerrors.Is(err, taskerrors.KindStore), taskerrors.Is(err, taskerrors.KindCorruption):
		status = http.StatusInternalServerError
	}
	// Never expose internal details (§7 "never exposes internal stack
	// information"): surface only the error's own message, which taskerrors
	// constructors already keep operator-safe.
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleCreateTask implements POST /tasks: multipart upload of one or more
// audio files, optional reference text, optional story_name.
func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if a.gate != nil {
		a.gate.MaybeSweep(r.Context())
	}

	if err := r.ParseMultipartForm(a.maxFileSize); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form: " + err.Error()})
		return
	}

	sourceLanguage := r.FormValue("source_language")
	targetLanguages := r.Form["target_languages[]"]
	storyName := r.FormValue("story_name")
	title := r.FormValue("title")

	files := r.MultipartForm.File["audio_files"]
	if len(files) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one audio file is required"})
		return
	}

	audioPaths, err := a.saveAudioFiles(files)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	textData := map[string]string{}
	if refFiles := r.MultipartForm.File["reference_text"]; len(refFiles) > 0 {
		parsed, err := a.readReferenceText(refFiles[0])
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid reference text: " + err.Error()})
			return
		}
		textData = parsed
	}

	id, err := a.dispatcher.CreateTask(r.Context(), dispatcher.CreateRequest{
		SourceLanguage:  sourceLanguage,
		TargetLanguages: targetLanguages,
		AudioFiles:      audioPaths,
		TextData:        textData,
		StoryName:       storyName,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if storyName != "" && a.stories != nil {
		if title == "" {
			title = storyName
		}
		info := task.StoryInfo{
			TaskID:       id,
			Title:        title,
			Languages:    strings.Join(append([]string{sourceLanguage}, targetLanguages...), ","),
			SegmentCount: len(audioPaths),
		}
		if err := a.stories.Associate(r.Context(), storyName, info); err != nil {
			slog.Warn("story association failed", "story_name", storyName, "task_id", id, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"task_id": id,
		"status":  string(task.StatusPending),
		"message": "task accepted",
	})
}

func (a *API) saveAudioFiles(files []*multipart.FileHeader) ([]string, error) {
	if err := os.MkdirAll(a.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}

	paths := make([]string, 0, len(files))
	for _, fh := range files {
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if len(a.allowedAudioFormat) > 0 && !a.allowedAudioFormat[ext] {
			return nil, fmt.Errorf("unsupported audio format %q", ext)
		}
		if fh.Size > a.maxFileSize {
			return nil, fmt.Errorf("file %s exceeds maximum size", fh.Filename)
		}

		src, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload %s: %w", fh.Filename, err)
		}

		destName := fmt.Sprintf("%s%s", uuid.NewString(), ext)
		destPath := filepath.Join(a.uploadDir, destName)
		dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("create upload destination: %w", err)
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			return nil, fmt.Errorf("write upload %s: %w", fh.Filename, err)
		}
		paths = append(paths, destPath)
	}
	return paths, nil
}

func (a *API) readReferenceText(fh *multipart.FileHeader) (map[string]string, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	blob, err := io.ReadAll(io.LimitReader(f, 10<<20))
	if err != nil {
		return nil, err
	}
	var textData map[string]string
	if err := json.Unmarshal(blob, &textData); err != nil {
		return nil, err
	}
	return textData, nil
}

type taskStatusResponse struct {
	TaskID         string  `json:"task_id"`
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	AssignedWorker string  `json:"assigned_worker,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

func toStatusResponse(t *task.Task) taskStatusResponse {
	return taskStatusResponse{
		TaskID:         t.TaskID,
		Status:         string(t.Status),
		Progress:       t.Progress,
		CreatedAt:      t.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      t.UpdatedAt.Format(time.RFC3339Nano),
		AssignedWorker: t.AssignedWorker,
		ErrorMessage:   t.ErrorMessage,
	}
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := a.repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if t == nil {
		writeError(w, taskerrors.NotFound("task %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(t))
}

func (a *API) handleGetResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := a.repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if t == nil {
		writeError(w, taskerrors.NotFound("task %s not found", id))
		return
	}
	if t.Status != task.StatusCompleted {
		writeError(w, taskerrors.Validation("task %s is not COMPLETED (status=%s)", id, t.Status))
		return
	}
	packed, err := a.results.GetResult(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if packed == nil {
		writeError(w, taskerrors.NotFound("results for task %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, packed)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := a.dispatcher.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": t.TaskID, "status": string(t.Status)})
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := a.dispatcher.Retry(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": t.TaskID, "status": string(t.Status)})
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var statusFilter *task.Status
	if v := r.URL.Query().Get("status"); v != "" {
		s := task.Status(v)
		statusFilter = &s
	}

	tasks, err := a.repo.List(r.Context(), statusFilter, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]taskStatusResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toStatusResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.repo.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]int, len(stats))
	for status, count := range stats {
		out[string(status)] = count
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleStoryText(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	lang := r.URL.Query().Get("lang")
	textID := r.URL.Query().Get("text_id")
	source := r.URL.Query().Get("source")

	info, err := a.stories.Resolve(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if info == nil {
		writeError(w, taskerrors.NotFound("story %s not found", name))
		return
	}

	t, err := a.repo.Get(r.Context(), info.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if t == nil || t.Status != task.StatusCompleted {
		writeError(w, taskerrors.NotFound("story %s has no completed task", name))
		return
	}

	packed, err := a.results.GetResult(r.Context(), info.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	byFile, ok := packed[lang]
	if !ok {
		writeError(w, taskerrors.NotFound("no results for language %s", lang))
		return
	}
	if textID == "" {
		writeJSON(w, http.StatusOK, map[string][]string{"text_ids": results.SortedFileIDs(byFile)})
		return
	}
	entry, ok := byFile[textID]
	if !ok {
		writeError(w, taskerrors.NotFound("no results for text_id %s", textID))
		return
	}

	var content string
	switch source {
	case "TEXT":
		content = entry.TEXT
	case "TRANSLATION":
		content = entry.TRANSLATION
	case "AUDIO":
		if entry.AUDIO != nil {
			content = entry.AUDIO.Text
		} else {
			writeError(w, taskerrors.NotFound("no AUDIO content for %s/%s", lang, textID))
			return
		}
	default:
		writeError(w, taskerrors.Validation("source must be one of TEXT, AUDIO, TRANSLATION"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeConnected := true
	if a.health.PingStore != nil {
		if err := a.health.PingStore(); err != nil {
			storeConnected = false
		}
	}
	memUsage := 0.0
	if a.health.MemoryUsage != nil {
		memUsage = a.health.MemoryUsage()
	}
	storageAvail := true
	if a.health.StorageAvail != nil {
		storageAvail = a.health.StorageAvail()
	}

	status := "ok"
	if !storeConnected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            status,
		"memory_usage":      memUsage,
		"store_connected":   storeConnected,
		"storage_available": storageAvail,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"version":           a.version,
	})
}

func (a *API) handleHealthWorkers(w http.ResponseWriter, r *http.Request) {
	if a.health.Workers == nil {
		writeJSON(w, http.StatusOK, []WorkerStatus{})
		return
	}
	workers, err := a.health.Workers()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (a *API) handleHealthMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.repo.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	taskStats := make(map[string]int, len(stats))
	for status, count := range stats {
		taskStats[string(status)] = count
	}

	var systemStats interface{}
	if a.health.Stats != nil {
		systemStats, _ = a.health.Stats()
	}

	var workers []WorkerStatus
	if a.health.Workers != nil {
		workers, _ = a.health.Workers()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":     taskStats,
		"system":    systemStats,
		"workers":   workers,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
