// Package results implements the Result Store (C4): a two-tier writer (fast
// store + durable file tier) with read fallback, fronted by a BoltDB cache
// of written and read results (see Cache).
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/swarmguard/translate-queue/internal/store"
	"github.com/swarmguard/translate-queue/internal/taskerrors"
)

// Segment is one STT-recognized span of audio.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// STTPayload is the structured output of STTEngine.transcribe, carried
// under a file entry's AUDIO key.
type STTPayload struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// FileEntry is the per-(language,file) slice of the packed structure: the
// source language carries TEXT/AUDIO, every target language carries
// TRANSLATION.
type FileEntry struct {
	TEXT        string      `json:"TEXT,omitempty"`
	AUDIO       *STTPayload `json:"AUDIO,omitempty"`
	TRANSLATION string      `json:"TRANSLATION,omitempty"`
}

// Packed is the full per-task result: language code → file id → FileEntry.
type Packed map[string]map[string]FileEntry

// envelope is the on-disk durable-file shape: {task_id, exported_at, data}.
type envelope struct {
	TaskID     string    `json:"task_id"`
	ExportedAt time.Time `json:"exported_at"`
	Data       Packed    `json:"data"`
}

func fastKey(taskID string) string { return "results:" + taskID }

// FastKey returns the fast-store key for a task's result blob, exported so
// the Janitor can delete it alongside an expired task record without
// depending on the full Store.
func FastKey(taskID string) string { return fastKey(taskID) }

// Store is the Result Store. Redis holds the fast tier; resultDir holds the
// durable file tier, one file per write, grounded on
// services/audit-trail/internal/persistent_log.go's os.OpenFile + JSON +
// fsync idiom (there applied to one append-only WAL segment; here to one
// file per task write, per spec.md §4.4/§6).
type Store struct {
	backing   store.Store
	resultDir string
	cache     *Cache
}

// New constructs a Result Store. resultDir is created if absent.
func New(backing store.Store, resultDir string, cache *Cache) (*Store, error) {
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return nil, taskerrors.Store(err, "creating result directory %s", resultDir)
	}
	return &Store{backing: backing, resultDir: resultDir, cache: cache}, nil
}

// WriteResult writes the packed structure to the fast store, then to a
// timestamped durable file. The fast-store write is authoritative: its
// failure is returned to the caller (blocking a COMPLETED transition); a
// durable-file failure is logged but does not fail the call.
func (s *Store) WriteResult(ctx context.Context, taskID string, packed Packed) error {
	blob, err := json.Marshal(packed)
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindStore, "marshaling result for task "+taskID, err)
	}

	if err := s.backing.Set(ctx, fastKey(taskID), string(blob), 0); err != nil {
		return taskerrors.Store(err, "writing fast-store result for task %s", taskID)
	}

	if err := s.writeDurableFile(taskID, packed); err != nil {
		slog.Warn("durable result file write failed", "task_id", taskID, "error", err)
	}

	if s.cache != nil {
		s.cache.Put(taskID, packed)
	}
	return nil
}

func (s *Store) writeDurableFile(taskID string, packed Packed) error {
	now := time.Now().UTC()
	name := fmt.Sprintf("task_%s_%s.json", taskID, now.Format("20060102_150405"))
	path := filepath.Join(s.resultDir, name)

	env := envelope{TaskID: taskID, ExportedAt: now, Data: packed}
	blob, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(blob); err != nil {
		return err
	}
	return f.Sync()
}

// GetResult reads the packed structure, preferring the BoltDB cache, then
// the fast store, then the most recently modified matching durable file.
// Returns (nil, nil) if nothing is found anywhere (§4.4).
func (s *Store) GetResult(ctx context.Context, taskID string) (Packed, error) {
	if s.cache != nil {
		if p, ok := s.cache.Get(taskID); ok {
			return p, nil
		}
	}

	raw, ok, err := s.backing.Get(ctx, fastKey(taskID))
	if err != nil {
		return nil, taskerrors.Store(err, "reading fast-store result for task %s", taskID)
	}
	if ok {
		var p Packed
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, taskerrors.Corruption(err, "fast-store result for task %s is malformed", taskID)
		}
		if s.cache != nil {
			s.cache.Put(taskID, p)
		}
		return p, nil
	}

	p, err := s.readLatestDurableFile(taskID)
	if err != nil {
		return nil, err
	}
	if p != nil && s.cache != nil {
		s.cache.Put(taskID, p)
	}
	return p, nil
}

func (s *Store) readLatestDurableFile(taskID string) (Packed, error) {
	entries, err := os.ReadDir(s.resultDir)
	if err != nil {
		return nil, taskerrors.Store(err, "listing result directory %s", s.resultDir)
	}

	prefix := fmt.Sprintf("task_%s_", taskID)
	var (
		latestName string
		latestMod  time.Time
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latestMod) {
			latestMod = info.ModTime()
			latestName = e.Name()
		}
	}
	if latestName == "" {
		return nil, nil
	}

	blob, err := os.ReadFile(filepath.Join(s.resultDir, latestName))
	if err != nil {
		return nil, taskerrors.Store(err, "reading durable result file %s", latestName)
	}
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, taskerrors.Corruption(err, "durable result file %s is malformed", latestName)
	}
	return env.Data, nil
}

// SortedFileIDs returns the file ids of a single language's entries in
// stable sorted order, for callers building deterministic listings over a
// Packed structure (e.g. the story-text lookup when no text_id is given).
func SortedFileIDs(m map[string]FileEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
