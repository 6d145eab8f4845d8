package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/swarmguard/translate-queue/internal/dispatcher"
	"github.com/swarmguard/translate-queue/internal/janitor"
	"github.com/swarmguard/translate-queue/internal/results"
	"github.com/swarmguard/translate-queue/internal/storyindex"
	"github.com/swarmguard/translate-queue/internal/store"
	"github.com/swarmguard/translate-queue/internal/task"
)

func newTestAPI(t *testing.T) (*API, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStoreFromClient(client)
	repo := task.NewRepository(s)
	d, err := dispatcher.New(context.Background(), s, repo, "translation_tasks", "translation_workers", 3, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	dir := t.TempDir()
	cache, err := results.NewCache(dir+"/cache.db", 10)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	resultsSt, err := results.New(s, dir+"/results", cache)
	if err != nil {
		t.Fatalf("new results store: %v", err)
	}

	idx, err := storyindex.New(dir+"/stories.db", repo)
	if err != nil {
		t.Fatalf("new story index: %v", err)
	}

	j := janitor.New(s, repo, "translation_tasks", "translation_workers", 0, 0)
	gate := janitor.NewGate(j, 0)

	a := New(repo, d, resultsSt, idx, gate, dir+"/uploads", 10<<20, []string{".mp3", ".wav"}, "test", Health{
		PingStore: func() error { return s.Ping(context.Background()) },
	})

	return a, func() {
		cache.Close()
		idx.Close()
		client.Close()
		mr.Close()
	}
}

func buildUploadRequest(t *testing.T, fields map[string]string, fileName string, fileContent []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	fw, err := mw.CreateFormFile("audio_files", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(fileContent); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestCreateTaskThenGetTask(t *testing.T) {
	a, cleanup := newTestAPI(t)
	defer cleanup()
	mux := a.Mux()

	req := buildUploadRequest(t, map[string]string{
		"source_language":    "en",
		"target_languages[]": "ja",
	}, "a.mp3", []byte("fake audio bytes"))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	id := created["task_id"]
	if id == "" {
		t.Fatalf("expected task_id in response, got %v", created)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+id, nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}

	var status taskStatusResponse
	if err := json.Unmarshal(getRec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if status.Status != "PENDING" {
		t.Fatalf("expected PENDING, got %s", status.Status)
	}
}

func TestGetTaskNotFoundReturns404(t *testing.T) {
	a, cleanup := newTestAPI(t)
	defer cleanup()
	mux := a.Mux()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/does-not-exist", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateTaskRejectsUnsupportedAudioFormat(t *testing.T) {
	a, cleanup := newTestAPI(t)
	defer cleanup()
	mux := a.Mux()

	req := buildUploadRequest(t, map[string]string{
		"source_language":    "en",
		"target_languages[]": "ja",
	}, "a.exe", []byte("not audio"))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported format, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelNonexistentTaskReturns404(t *testing.T) {
	a, cleanup := newTestAPI(t)
	defer cleanup()
	mux := a.Mux()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/missing/cancel", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthReportsStoreConnected(t *testing.T) {
	a, cleanup := newTestAPI(t)
	defer cleanup()
	mux := a.Mux()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if body["store_connected"] != true {
		t.Fatalf("expected store_connected=true, got %v", body)
	}
}

func TestStoryTextNotFoundWhenUnassociated(t *testing.T) {
	a, cleanup := newTestAPI(t)
	defer cleanup()
	mux := a.Mux()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/story/unknown-tale/text?lang=ja&text_id=a&source=TRANSLATION", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}
