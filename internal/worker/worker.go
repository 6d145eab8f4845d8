// Package worker implements the Worker Runtime (C5): a fixed-size thread
// pool that repeatedly heartbeats, health-gates, sweeps orphans, pulls
// pending entries, and drives each claimed task through the pipeline
// orchestrator to a terminal status, per §4.5.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/translate-queue/internal/dispatcher"
	"github.com/swarmguard/translate-queue/internal/engine"
	"github.com/swarmguard/translate-queue/internal/pipeline"
	"github.com/swarmguard/translate-queue/internal/results"
	"github.com/swarmguard/translate-queue/internal/store"
	"github.com/swarmguard/translate-queue/internal/task"
)

const heartbeatTTL = 60 * time.Second

func workerKey(id string) string   { return "worker:" + id }
func sentinelKey(id string) string { return "worker:" + id + ":alive" }

// Config carries every tunable the Worker Runtime's lifecycle needs (§4.5,
// §6 env vars).
type Config struct {
	MaxThreads        int
	HeartbeatInterval time.Duration
	WorkerTimeout     time.Duration
	MemoryLimitPct    float64
}

// Worker is one Worker Runtime process.
type Worker struct {
	id string

	store      store.Store
	repo       *task.Repository
	dispatcher *dispatcher.Dispatcher
	pipeline   *pipeline.Pipeline
	resultsSt  *results.Store
	sysMetrics engine.Metrics

	cfg Config

	tasksClaimed metric.Int64Counter
	tasksFailed  metric.Int64Counter
	heartbeats   metric.Int64Counter
	activeTasks  metric.Int64Gauge
}

// New constructs a Worker Runtime with a freshly generated worker_id.
func New(s store.Store, repo *task.Repository, d *dispatcher.Dispatcher, p *pipeline.Pipeline, r *results.Store, sysMetrics engine.Metrics, cfg Config) *Worker {
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 10
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 300 * time.Second
	}
	if cfg.MemoryLimitPct <= 0 {
		cfg.MemoryLimitPct = 90
	}

	meter := otel.Meter("translate-queue")
	tasksClaimed, _ := meter.Int64Counter("tq_worker_tasks_claimed_total")
	tasksFailed, _ := meter.Int64Counter("tq_worker_tasks_failed_total")
	heartbeats, _ := meter.Int64Counter("tq_worker_heartbeats_total")
	activeTasks, _ := meter.Int64Gauge("tq_worker_active_tasks")

	return &Worker{
		id:           uuid.NewString(),
		store:        s,
		repo:         repo,
		dispatcher:   d,
		pipeline:     p,
		resultsSt:    r,
		sysMetrics:   sysMetrics,
		cfg:          cfg,
		tasksClaimed: tasksClaimed,
		tasksFailed:  tasksFailed,
		heartbeats:   heartbeats,
		activeTasks:  activeTasks,
	}
}

// ID returns the generated worker_id.
func (w *Worker) ID() string { return w.id }

// Run executes the main loop (§4.5 steps 1-6) until ctx is cancelled, then
// drains in-flight work, emits a final "stopping" heartbeat, and deletes
// the worker's keys.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker starting", "worker_id", w.id, "max_threads", w.cfg.MaxThreads)
	defer w.shutdown(context.Background())

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	if err := w.heartbeat(ctx, "running"); err != nil {
		slog.Warn("initial heartbeat failed", "worker_id", w.id, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.heartbeat(ctx, "running"); err != nil {
				slog.Warn("heartbeat failed", "worker_id", w.id, "error", err)
			}
		default:
		}

		if !w.healthGate(ctx) {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		orphaned, err := w.dispatcher.ClaimOrphaned(ctx, w.id, w.cfg.WorkerTimeout)
		if err != nil {
			slog.Warn("orphan sweep failed", "worker_id", w.id, "error", err)
			orphaned = nil
		}

		claimed, err := w.dispatcher.ClaimPending(ctx, w.id, int64(w.cfg.MaxThreads))
		if err != nil {
			slog.Warn("claim pending failed", "worker_id", w.id, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		// Orphaned claims were reassigned directly to this consumer and must
		// be run by entry id now — XREADGROUP ">" will never redeliver them.
		claimed = append(orphaned, claimed...)
		if len(claimed) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		w.activeTasks.Record(ctx, int64(len(claimed)))
		var wg sync.WaitGroup
		for _, c := range claimed {
			wg.Add(1)
			w.tasksClaimed.Add(ctx, 1)
			go func(entry dispatcher.ClaimedEntry) {
				defer wg.Done()
				w.executeTask(ctx, entry)
			}(c)
		}
		wg.Wait()
		w.activeTasks.Record(ctx, 0)
	}
}

// healthGate implements §4.5 step 2: refuse to pull new work if the store
// is unreachable or the worker's own memory headroom (§5 "Resource
// limits") is exhausted.
func (w *Worker) healthGate(ctx context.Context) bool {
	if err := w.store.Ping(ctx); err != nil {
		slog.Warn("health gate: store ping failed", "worker_id", w.id, "error", err)
		return false
	}
	sample, err := w.sysMetrics.Sample(ctx)
	if err != nil {
		return true // best-effort backpressure (§5): sampling failure doesn't block claims
	}
	if sample.MemoryPercent >= w.cfg.MemoryLimitPct {
		slog.Warn("health gate: memory limit exceeded, refusing new claims",
			"worker_id", w.id, "memory_percent", sample.MemoryPercent, "limit", w.cfg.MemoryLimitPct)
		return false
	}
	return true
}

// executeTask runs one claimed entry's task through the pipeline (§4.5
// "Per-task execution"), always ACKing at the end regardless of outcome.
func (w *Worker) executeTask(ctx context.Context, entry dispatcher.ClaimedEntry) {
	id := entry.Task.TaskID
	defer func() {
		if err := w.dispatcher.Acknowledge(ctx, entry.EntryID); err != nil {
			slog.Warn("ack failed", "worker_id", w.id, "task_id", id, "entry_id", entry.EntryID, "error", err)
		}
	}()

	progress := 0.2
	if _, err := w.repo.UpdateStatus(ctx, id, task.StatusProcessing, task.TransitionOpts{Progress: &progress}); err != nil {
		w.failTask(ctx, id, err)
		return
	}

	packed, err := w.pipeline.Run(ctx, entry.Task, func(ctx context.Context) (bool, error) {
		current, err := w.repo.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if current == nil {
			return false, fmt.Errorf("task %s vanished mid-execution", id)
		}
		return current.Status == task.StatusCancelled, nil
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrCancelled) {
			slog.Info("task cancelled mid-pipeline", "worker_id", w.id, "task_id", id)
			return
		}
		w.failTask(ctx, id, err)
		return
	}

	progress = 0.8
	if _, err := w.repo.UpdateStatus(ctx, id, task.StatusProcessing, task.TransitionOpts{Progress: &progress}); err != nil {
		w.failTask(ctx, id, err)
		return
	}

	if err := w.resultsSt.WriteResult(ctx, id, packed); err != nil {
		w.failTask(ctx, id, err)
		return
	}

	completeProgress := 1.0
	if _, err := w.repo.UpdateStatus(ctx, id, task.StatusCompleted, task.TransitionOpts{Progress: &completeProgress}); err != nil {
		slog.Warn("failed to mark task COMPLETED after successful write", "worker_id", w.id, "task_id", id, "error", err)
	}
}

func (w *Worker) failTask(ctx context.Context, id string, taskErr error) {
	w.tasksFailed.Add(ctx, 1)
	msg := taskErr.Error()
	if _, err := w.repo.UpdateStatus(ctx, id, task.StatusFailed, task.TransitionOpts{ErrorMessage: &msg}); err != nil {
		slog.Error("failed to mark task FAILED", "worker_id", w.id, "task_id", id, "original_error", taskErr, "update_error", err)
	}
}

// heartbeat writes the worker's hash record plus a short-TTL sentinel key,
// per §4.5 step 1.
func (w *Worker) heartbeat(ctx context.Context, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := w.store.HSet(ctx, workerKey(w.id), map[string]string{
		"status":         status,
		"last_heartbeat": now,
	}); err != nil {
		return err
	}
	if err := w.store.Set(ctx, sentinelKey(w.id), "1", heartbeatTTL); err != nil {
		return err
	}
	w.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	return nil
}

// shutdown emits the final "stopping" heartbeat and removes the worker's
// keys (§4.5: "emit a final 'stopping' heartbeat, delete worker key and
// sentinel, exit").
func (w *Worker) shutdown(ctx context.Context) {
	if err := w.heartbeat(ctx, "stopping"); err != nil {
		slog.Warn("final heartbeat failed", "worker_id", w.id, "error", err)
	}
	if err := w.store.Del(ctx, workerKey(w.id), sentinelKey(w.id)); err != nil {
		slog.Warn("failed to delete worker keys on shutdown", "worker_id", w.id, "error", err)
	}
	slog.Info("worker stopped", "worker_id", w.id)
}
