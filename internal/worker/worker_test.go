package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/swarmguard/translate-queue/internal/dispatcher"
	"github.com/swarmguard/translate-queue/internal/engine"
	"github.com/swarmguard/translate-queue/internal/pipeline"
	"github.com/swarmguard/translate-queue/internal/results"
	"github.com/swarmguard/translate-queue/internal/store"
	"github.com/swarmguard/translate-queue/internal/task"
)

type fakeSTT struct{}

func (fakeSTT) Transcribe(ctx context.Context, audioPath string) (engine.STTResult, error) {
	return engine.STTResult{Text: "hello world", Segments: []engine.STTSegment{{Start: 0, End: 1, Text: "hello world"}}}, nil
}

type fakeMT struct{}

func (fakeMT) Translate(ctx context.Context, text, source, target string) (string, error) {
	return fmt.Sprintf("[%s]%s", target, text), nil
}

type fakeMetrics struct{ memPercent float64 }

func (f fakeMetrics) Sample(ctx context.Context) (engine.SystemSample, error) {
	return engine.SystemSample{MemoryPercent: f.memPercent}, nil
}

func newTestWorker(t *testing.T) (*Worker, *task.Repository, *dispatcher.Dispatcher, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStoreFromClient(client)
	repo := task.NewRepository(s)
	d, err := dispatcher.New(context.Background(), s, repo, "translation_tasks", "translation_workers", 3, []string{"en", "ja"})
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

	p := pipeline.New(fakeSTT{}, fakeMT{}, engine.NewLevenshteinWER(), 0.3, 2)
	w := New(s, repo, d, p, resultsSt, fakeMetrics{memPercent: 10}, Config{
		MaxThreads:        2,
		HeartbeatInterval: 50 * time.Millisecond,
		WorkerTimeout:     time.Minute,
		MemoryLimitPct:    90,
	})

	return w, repo, d, func() {
		cache.Close()
		client.Close()
		mr.Close()
	}
}

func TestRunCompletesClaimedTask(t *testing.T) {
	w, repo, d, cleanup := newTestWorker(t)
	defer cleanup()

	ctx := context.Background()
	id, err := d.CreateTask(ctx, dispatcher.CreateRequest{
		SourceLanguage:  "en",
		TargetLanguages: []string{"ja"},
		AudioFiles:      []string{"a.mp3"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := w.Run(runCtx); err != nil {
		t.Fatalf("run: %v", err)
	}

	loaded, err := repo.Get(context.Background(), id)
	if err != nil || loaded == nil {
		t.Fatalf("reload task: %v", err)
	}
	if loaded.Status != task.StatusCompleted {
		t.Fatalf("expected task COMPLETED, got %s (progress=%f, error=%s)", loaded.Status, loaded.Progress, loaded.ErrorMessage)
	}
	if loaded.Progress != 1.0 {
		t.Fatalf("expected progress 1.0, got %f", loaded.Progress)
	}
}

func TestHealthGateRefusesClaimsOverMemoryLimit(t *testing.T) {
	w, repo, d, cleanup := newTestWorker(t)
	defer cleanup()
	w.sysMetrics = fakeMetrics{memPercent: 99}
	w.cfg.MemoryLimitPct = 90

	ctx := context.Background()
	id, err := d.CreateTask(ctx, dispatcher.CreateRequest{
		SourceLanguage:  "en",
		TargetLanguages: []string{"ja"},
		AudioFiles:      []string{"a.mp3"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := w.Run(runCtx); err != nil {
		t.Fatalf("run: %v", err)
	}

	loaded, err := repo.Get(context.Background(), id)
	if err != nil || loaded == nil {
		t.Fatalf("reload task: %v", err)
	}
	if loaded.Status != task.StatusPending {
		t.Fatalf("expected task to remain PENDING while health gate refuses claims, got %s", loaded.Status)
	}
}
