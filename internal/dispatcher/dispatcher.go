// Package dispatcher implements the Dispatcher (C3): it owns the stream and
// consumer group, creates tasks, claims pending and orphaned entries,
// acknowledges completions, and mediates retry/cancel.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/swarmguard/translate-queue/internal/store"
	"github.com/swarmguard/translate-queue/internal/task"
	"github.com/swarmguard/translate-queue/internal/taskerrors"
)

// Dispatcher owns the translation_tasks stream and translation_workers
// consumer group, grounded on original_source/core/task_manager.py's
// TaskManager.
type Dispatcher struct {
	store      store.Store
	repo       *task.Repository
	stream     string
	group      string
	retryLimit int
	supported  map[string]bool
}

// New constructs a Dispatcher and ensures the consumer group exists
// (idempotent create, matching TaskManager._setup_stream).
func New(ctx context.Context, s store.Store, repo *task.Repository, stream, group string, retryLimit int, supportedLanguages []string) (*Dispatcher, error) {
	if err := s.GroupCreate(ctx, stream, group); err != nil {
		return nil, taskerrors.Store(err, "creating consumer group %s on stream %s", group, stream)
	}
	supported := make(map[string]bool, len(supportedLanguages))
	for _, l := range supportedLanguages {
		supported[l] = true
	}
	return &Dispatcher{
		store:      s,
		repo:       repo,
		stream:     stream,
		group:      group,
		retryLimit: retryLimit,
		supported:  supported,
	}, nil
}

// CreateRequest carries the validated inputs for CreateTask.
type CreateRequest struct {
	SourceLanguage  string
	TargetLanguages []string
	AudioFiles      []string
	TextData        map[string]string
	StoryName       string
}

// CreateTask validates languages and non-empty audio, persists a PENDING
// task record, and appends a stream entry. Returns the new task_id.
func (d *Dispatcher) CreateTask(ctx context.Context, req CreateRequest) (string, error) {
	if len(req.AudioFiles) == 0 {
		return "", taskerrors.Validation("at least one audio file is required")
	}
	if err := d.validateLanguage(req.SourceLanguage); err != nil {
		return "", err
	}
	if len(req.TargetLanguages) == 0 {
		return "", taskerrors.Validation("at least one target language is required")
	}
	for _, lang := range req.TargetLanguages {
		if err := d.validateLanguage(lang); err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	t := &task.Task{
		TaskID:          id,
		Status:          task.StatusPending,
		SourceLanguage:  req.SourceLanguage,
		TargetLanguages: req.TargetLanguages,
		AudioFiles:      req.AudioFiles,
		TextData:        req.TextData,
		CreatedAt:       now,
		UpdatedAt:       now,
		StoryName:       req.StoryName,
	}

	if err := d.repo.Create(ctx, t); err != nil {
		return "", err
	}

	if err := d.appendEntryWithRetry(ctx, id, task.StatusPending); err != nil {
		return "", err
	}
	return id, nil
}

// appendEntryWithRetry appends a stream entry for the task. Per §7's
// propagation policy, a transient stream failure is retried once before
// surfacing a StoreError (the dispatcher never fails create permanently on
// a single hiccup).
func (d *Dispatcher) appendEntryWithRetry(ctx context.Context, taskID string, status task.Status) error {
	fields := map[string]string{
		"task_id":   taskID,
		"status":    string(status),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	_, err := d.store.StreamAdd(ctx, d.stream, fields)
	if err == nil {
		return nil
	}
	slog.Warn("stream append failed, retrying once", "task_id", taskID, "error", err)
	_, err = d.store.StreamAdd(ctx, d.stream, fields)
	if err != nil {
		return taskerrors.Store(err, "appending stream entry for task %s", taskID)
	}
	return nil
}

func (d *Dispatcher) validateLanguage(lang string) error {
	if len(d.supported) == 0 {
		return nil
	}
	if !d.supported[lang] {
		return taskerrors.Validation("unsupported language %q", lang)
	}
	return nil
}

// ClaimedEntry pairs a delivered stream entry with its loaded task.
type ClaimedEntry struct {
	EntryID string
	Task    *task.Task
}

// ClaimPending reads up to n new entries for this consumer. Entries whose
// task is absent or not PENDING are ACKed and discarded (poison cleanup);
// entries for a legitimately-PENDING task are transitioned to PROCESSING
// with progress=0.1 and returned.
func (d *Dispatcher) ClaimPending(ctx context.Context, consumer string, n int64) ([]ClaimedEntry, error) {
	entries, err := d.store.ReadGroup(ctx, d.stream, d.group, consumer, n, time.Second)
	if err != nil {
		return nil, taskerrors.Store(err, "reading pending entries for consumer %s", consumer)
	}

	var claimed []ClaimedEntry
	for _, e := range entries {
		taskID := e.Fields["task_id"]
		t, err := d.repo.Get(ctx, taskID)
		if err != nil || t == nil {
			slog.Warn("poison stream entry: task missing or unreadable", "entry_id", e.ID, "task_id", taskID)
			_ = d.store.Ack(ctx, d.stream, d.group, e.ID)
			continue
		}
		if t.Status != task.StatusPending {
			slog.Info("stream entry for non-pending task discarded", "entry_id", e.ID, "task_id", taskID, "status", t.Status)
			_ = d.store.Ack(ctx, d.stream, d.group, e.ID)
			continue
		}
		progress := 0.1
		updated, err := d.repo.UpdateStatus(ctx, taskID, task.StatusProcessing, task.TransitionOpts{
			AssignedWorker: &consumer,
			Progress:       &progress,
		})
		if err != nil {
			slog.Warn("failed to transition claimed task to PROCESSING", "task_id", taskID, "error", err)
			_ = d.store.Ack(ctx, d.stream, d.group, e.ID)
			continue
		}
		claimed = append(claimed, ClaimedEntry{EntryID: e.ID, Task: updated})
	}
	return claimed, nil
}

// ClaimOrphaned scans the pending-entries range for deliveries idle beyond
// workerTimeout, claims them for this consumer (XCLAIM moves them into this
// consumer's PEL — a subsequent XREADGROUP ">" will never redeliver them),
// reassigns the underlying task to this consumer with progress reset, and
// returns the claimed (entryID, task) pairs for the caller to run directly,
// mirroring TaskManager.claim_orphaned_tasks's direct-by-message_id handoff
// rather than re-queuing through ClaimPending. retry_count is never
// incremented here — only explicit Retry does that (§5 "Cancellation &
// timeouts").
func (d *Dispatcher) ClaimOrphaned(ctx context.Context, consumer string, workerTimeout time.Duration) ([]ClaimedEntry, error) {
	pending, err := d.store.PendingRange(ctx, d.stream, d.group, workerTimeout, 100)
	if err != nil {
		return nil, taskerrors.Store(err, "scanning pending range")
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	claimedEntries, err := d.store.Claim(ctx, d.stream, d.group, consumer, workerTimeout, ids...)
	if err != nil {
		return nil, taskerrors.Store(err, "claiming orphaned entries")
	}

	var claimed []ClaimedEntry
	for _, e := range claimedEntries {
		taskID := e.Fields["task_id"]
		t, err := d.repo.Get(ctx, taskID)
		if err != nil || t == nil {
			slog.Warn("orphaned entry for missing task, acking", "entry_id", e.ID, "task_id", taskID)
			_ = d.store.Ack(ctx, d.stream, d.group, e.ID)
			continue
		}
		if t.Status != task.StatusProcessing {
			slog.Info("orphaned entry for non-processing task discarded", "entry_id", e.ID, "task_id", taskID, "status", t.Status)
			_ = d.store.Ack(ctx, d.stream, d.group, e.ID)
			continue
		}
		updated, err := d.repo.UpdateStatus(ctx, taskID, task.StatusProcessing, task.TransitionOpts{
			AssignedWorker: &consumer,
			ResetProgress:  true,
		})
		if err != nil {
			slog.Warn("failed to reassign orphaned task", "task_id", taskID, "error", err)
			_ = d.store.Ack(ctx, d.stream, d.group, e.ID)
			continue
		}
		claimed = append(claimed, ClaimedEntry{EntryID: e.ID, Task: updated})
	}
	return claimed, nil
}

// Acknowledge ACKs a stream entry. Idempotent: ACKing an already-ACKed
// entry is a no-op from the store's perspective.
func (d *Dispatcher) Acknowledge(ctx context.Context, entryID string) error {
	if err := d.store.Ack(ctx, d.stream, d.group, entryID); err != nil {
		return taskerrors.Store(err, "acknowledging entry %s", entryID)
	}
	return nil
}

// Retry re-enqueues a FAILED task, incrementing retry_count. Rejects tasks
// not in FAILED, or whose retry_count has already reached the limit.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*task.Task, error) {
	t, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, taskerrors.NotFound("task %s not found", id)
	}
	if t.Status != task.StatusFailed {
		return nil, taskerrors.PreconditionFailed("task %s is not FAILED (status=%s)", id, t.Status)
	}
	if t.RetryCount >= d.retryLimit {
		return nil, taskerrors.PreconditionFailed("task %s has reached the retry limit (%d)", id, d.retryLimit)
	}

	updated, err := d.repo.UpdateStatus(ctx, id, task.StatusPending, task.TransitionOpts{
		IncrementRetry: true,
		ClearError:     true,
	})
	if err != nil {
		return nil, err
	}
	if err := d.appendEntryWithRetry(ctx, id, task.StatusPending); err != nil {
		return nil, err
	}
	return updated, nil
}

// Cancel sets a task's status to CANCELLED. Workers observe this
// cooperatively between pipeline stages.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*task.Task, error) {
	t, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, taskerrors.NotFound("task %s not found", id)
	}
	if t.Status != task.StatusPending && t.Status != task.StatusProcessing {
		return nil, taskerrors.PreconditionFailed("task %s cannot be cancelled from status %s", id, t.Status)
	}
	return d.repo.UpdateStatus(ctx, id, task.StatusCancelled, task.TransitionOpts{})
}

// String implements fmt.Stringer for log lines that want to print the
// dispatcher's identity.
func (d *Dispatcher) String() string {
	return fmt.Sprintf("dispatcher(stream=%s, group=%s)", d.stream, d.group)
}
