// Package janitor implements the Janitor (C6): periodic cleanup of
// terminal tasks beyond a retention window and idle stream consumers,
// per §4.6. Sweep is safe to call opportunistically (from the Control
// API's create_task path, time-guarded) or on a standalone cron schedule
// (cmd/janitor).
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/translate-queue/internal/results"
	"github.com/swarmguard/translate-queue/internal/store"
	"github.com/swarmguard/translate-queue/internal/task"
)

// Janitor owns the retention/idle-threshold configuration and the handles
// needed to perform a sweep.
type Janitor struct {
	store  store.Store
	repo   *task.Repository
	stream string
	group  string

	retention     time.Duration
	idleThreshold time.Duration

	tasksSwept     metric.Int64Counter
	consumersSwept metric.Int64Counter
}

// New constructs a Janitor. retention is the task-GC age window (default
// 24h per §6); idleThreshold is the consumer-GC idle window (default
// 3600000ms per §6).
func New(s store.Store, repo *task.Repository, stream, group string, retention, idleThreshold time.Duration) *Janitor {
	meter := otel.Meter("translate-queue")
	tasksSwept, _ := meter.Int64Counter("tq_janitor_tasks_swept_total")
	consumersSwept, _ := meter.Int64Counter("tq_janitor_consumers_swept_total")

	return &Janitor{
		store:          s,
		repo:           repo,
		stream:         stream,
		group:          group,
		retention:      retention,
		idleThreshold:  idleThreshold,
		tasksSwept:     tasksSwept,
		consumersSwept: consumersSwept,
	}
}

// terminalForGC is the set of statuses eligible for task GC (§4.6): wider
// than task.Status.Terminal(), which excludes FAILED because retry can
// revive it — GC only cares that the task is not actively in flight and
// has aged out.
func terminalForGC(s task.Status) bool {
	return s == task.StatusCompleted || s == task.StatusFailed || s == task.StatusCancelled
}

// Sweep runs both GC passes once and returns the counts removed.
func (j *Janitor) Sweep(ctx context.Context) (tasksSwept, consumersSwept int, err error) {
	tasksSwept, err = j.sweepTasks(ctx)
	if err != nil {
		return tasksSwept, 0, err
	}
	consumersSwept, err = j.sweepConsumers(ctx)
	return tasksSwept, consumersSwept, err
}

func (j *Janitor) sweepTasks(ctx context.Context) (int, error) {
	tasks, err := j.repo.List(ctx, nil, 0)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-j.retention)
	swept := 0
	for _, t := range tasks {
		if !terminalForGC(t.Status) || t.UpdatedAt.After(cutoff) {
			continue
		}
		if err := j.repo.Delete(ctx, t.TaskID); err != nil {
			slog.Warn("janitor: failed to delete expired task", "task_id", t.TaskID, "error", err)
			continue
		}
		if err := j.store.Del(ctx, results.FastKey(t.TaskID)); err != nil {
			slog.Warn("janitor: failed to delete result blob", "task_id", t.TaskID, "error", err)
		}
		swept++
	}
	if swept > 0 {
		j.tasksSwept.Add(ctx, int64(swept))
	}
	return swept, nil
}

func (j *Janitor) sweepConsumers(ctx context.Context) (int, error) {
	consumers, err := j.store.Consumers(ctx, j.stream, j.group)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, c := range consumers {
		if c.Pending > 0 || c.Idle < j.idleThreshold {
			continue
		}
		if err := j.store.DeleteConsumer(ctx, j.stream, j.group, c.Name); err != nil {
			slog.Warn("janitor: failed to delete idle consumer", "consumer", c.Name, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		j.consumersSwept.Add(ctx, int64(swept))
	}
	return swept, nil
}

// Gate time-guards opportunistic sweeps triggered from the create_task
// request path (§4.6: "a time-guarded call invoked opportunistically from
// create_task; safe because it is idempotent and bounded") so a high
// volume of create_task calls doesn't turn every request into a full scan.
type Gate struct {
	j        *Janitor
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewGate wraps j with a minimum-interval guard.
func NewGate(j *Janitor, interval time.Duration) *Gate {
	return &Gate{j: j, interval: interval}
}

// MaybeSweep runs a sweep only if the interval has elapsed since the last
// run; otherwise it is a no-op. Safe to call on every create_task request.
func (g *Gate) MaybeSweep(ctx context.Context) {
	g.mu.Lock()
	now := time.Now()
	if now.Sub(g.last) < g.interval {
		g.mu.Unlock()
		return
	}
	g.last = now
	g.mu.Unlock()

	if _, _, err := g.j.Sweep(ctx); err != nil {
		slog.Warn("janitor: opportunistic sweep failed", "error", err)
	}
}
