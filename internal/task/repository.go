package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/swarmguard/translate-queue/internal/store"
	"github.com/swarmguard/translate-queue/internal/taskerrors"
)

const taskKeyPrefix = "task:"

func taskKey(id string) string { return taskKeyPrefix + id }

// Repository is the Task Repository (C2): typed CRUD plus the status
// transition state machine from §4.3.
type Repository struct {
	store store.Store
}

// NewRepository constructs a Repository over the given backing store.
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// Create persists a brand-new task record. Returns a KindValidation error if a task
// with the same id already exists (task_id is immutable once created).
func (r *Repository) Create(ctx context.Context, t *Task) error {
	existing, err := r.store.HGetAll(ctx, taskKey(t.TaskID))
	if err != nil {
		return taskerrors.Store(err, "checking for existing task %s", t.TaskID)
	}
	if len(existing) > 0 {
		return taskerrors.Validation("task %s already exists", t.TaskID)
	}
	if t.TextData == nil {
		t.TextData = map[string]string{}
	}
	if err := r.store.HSet(ctx, taskKey(t.TaskID), t.toFields()); err != nil {
		return taskerrors.Store(err, "persisting task %s", t.TaskID)
	}
	return nil
}

// Get loads a task by id. Returns (nil, nil) if absent, matching §4.2's
// "get(id) → task | none" contract; corrupted records return an error
// rather than a partial Task.
func (r *Repository) Get(ctx context.Context, id string) (*Task, error) {
	fields, err := r.store.HGetAll(ctx, taskKey(id))
	if err != nil {
		return nil, taskerrors.Store(err, "loading task %s", id)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	t, err := fromFields(id, fields)
	if err != nil {
		slog.Warn("corrupt task record", "task_id", id, "error", err)
		return nil, err
	}
	return t, nil
}

// TransitionOpts carries the optional side-fields a status transition may
// update alongside status itself.
type TransitionOpts struct {
	AssignedWorker *string
	ErrorMessage   *string
	Progress       *float64
	ResetProgress  bool // explicit reset to 0.0, distinguishing "unset" from "set to zero"
	IncrementRetry bool
	ClearError     bool
}

// transitions enumerates every permitted (from, to) edge in §4.3's state
// machine. CANCELLED is reachable from both PENDING and PROCESSING;
// terminal states (COMPLETED, CANCELLED) have no outgoing edges.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusPending:   true, // orphan reclaim
	},
	StatusFailed: {
		StatusPending: true, // explicit retry
	},
}

func canTransition(from, to Status) bool {
	// A PROCESSING task may be re-written to PROCESSING to advance its
	// progress (§4.5 "transition to PROCESSING(progress=0.2)" then
	// "...(progress=0.8)") — this is a same-status update, not a graph edge.
	if from == to {
		return from == StatusProcessing
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// UpdateStatus loads the current record, validates the transition against
// §4.3's graph, applies opts, bumps updated_at, and persists. Rejects any
// transition out of a terminal state or not named in the graph
// (PreconditionFailed).
func (r *Repository) UpdateStatus(ctx context.Context, id string, newStatus Status, opts TransitionOpts) (*Task, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, taskerrors.NotFound("task %s not found", id)
	}
	if !canTransition(t.Status, newStatus) {
		return nil, taskerrors.PreconditionFailed("cannot transition task %s from %s to %s", id, t.Status, newStatus)
	}

	prevStatus := t.Status
	t.Status = newStatus
	if opts.AssignedWorker != nil {
		t.AssignedWorker = *opts.AssignedWorker
	}
	if opts.ClearError {
		t.ErrorMessage = ""
	}
	if opts.ErrorMessage != nil {
		t.ErrorMessage = *opts.ErrorMessage
	}
	if opts.IncrementRetry {
		t.RetryCount++
	}
	switch {
	case opts.ResetProgress:
		t.Progress = 0.0
	case opts.Progress != nil:
		if *opts.Progress < t.Progress && newStatus == StatusProcessing && prevStatus == StatusProcessing {
			return nil, taskerrors.PreconditionFailed("progress must be non-decreasing while processing task %s", id)
		}
		t.Progress = *opts.Progress
	}
	if newStatus == StatusPending {
		// Both orphan reclaim and explicit retry re-enter the queue at zero.
		t.Progress = 0.0
	}
	t.UpdatedAt = time.Now().UTC()

	if err := r.store.HSet(ctx, taskKey(id), t.toFields()); err != nil {
		return nil, taskerrors.Store(err, "persisting task %s", id)
	}
	return t, nil
}

// Delete removes a task record outright. Used by the Janitor (C6) for
// retention-window GC; never called from the normal task lifecycle.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.store.Del(ctx, taskKey(id)); err != nil {
		return taskerrors.Store(err, "deleting task %s", id)
	}
	return nil
}

// List scans task:* and returns tasks matching an optional status filter,
// bounded by limit. Corrupted records are logged and skipped rather than
// aborting the whole listing (§4.2, §7 Corruption).
func (r *Repository) List(ctx context.Context, statusFilter *Status, limit int) ([]*Task, error) {
	keys, err := r.store.Scan(ctx, taskKeyPrefix+"*", 200)
	if err != nil {
		return nil, taskerrors.Store(err, "scanning tasks")
	}
	sort.Strings(keys)

	var out []*Task
	for _, key := range keys {
		id := key[len(taskKeyPrefix):]
		t, err := r.Get(ctx, id)
		if err != nil || t == nil {
			continue
		}
		if statusFilter != nil && t.Status != *statusFilter {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Statistics returns a count of tasks by status.
func (r *Repository) Statistics(ctx context.Context) (map[Status]int, error) {
	tasks, err := r.List(ctx, nil, 0)
	if err != nil {
		return nil, err
	}
	stats := map[Status]int{}
	for _, t := range tasks {
		stats[t.Status]++
	}
	return stats, nil
}

// StoryInfo is the Story Index's per-entry payload.
type StoryInfo struct {
	TaskID       string `json:"task_id"`
	Title        string `json:"title"`
	Languages    string `json:"languages"`
	SegmentCount int    `json:"segment_count"`
}

func storyKey(name string) string { return "story:" + name }

// AssociateStory records a story_name → task_id link, per §3's Story Index.
func (r *Repository) AssociateStory(ctx context.Context, name string, info StoryInfo) error {
	fields := map[string]string{
		"task_id":       info.TaskID,
		"title":         info.Title,
		"languages":     info.Languages,
		"segment_count": fmt.Sprintf("%d", info.SegmentCount),
	}
	if err := r.store.HSet(ctx, storyKey(name), fields); err != nil {
		return taskerrors.Store(err, "associating story %s", name)
	}
	return nil
}

// GetStory resolves a story_name to its StoryInfo, or (nil, nil) if absent.
func (r *Repository) GetStory(ctx context.Context, name string) (*StoryInfo, error) {
	fields, err := r.store.HGetAll(ctx, storyKey(name))
	if err != nil {
		return nil, taskerrors.Store(err, "loading story %s", name)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	segCount, _ := parseInt(fields["segment_count"])
	return &StoryInfo{
		TaskID:       fields["task_id"],
		Title:        fields["title"],
		Languages:    fields["languages"],
		SegmentCount: segCount,
	}, nil
}
