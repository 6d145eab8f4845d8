package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/swarmguard/translate-queue/internal/store"
	"github.com/swarmguard/translate-queue/internal/task"
	"github.com/swarmguard/translate-queue/internal/taskerrors"
)

func newTestDispatcher(t *testing.T, retryLimit int) (*Dispatcher, *task.Repository, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStoreFromClient(client)
	repo := task.NewRepository(s)
	d, err := New(context.Background(), s, repo, "translation_tasks", "translation_workers", retryLimit, []string{"en", "ja", "zh"})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, repo, func() {
		client.Close()
		mr.Close()
	}
}

func TestCreateTaskRejectsEmptyAudio(t *testing.T) {
	d, _, cleanup := newTestDispatcher(t, 3)
	defer cleanup()

	_, err := d.CreateTask(context.Background(), CreateRequest{
		SourceLanguage:  "en",
		TargetLanguages: []string{"ja"},
		AudioFiles:      nil,
	})
	if !taskerrors.Is(err, taskerrors.KindValidation) {
		t.Fatalf("expected validation error for empty audio, got %v", err)
	}
}

func TestCreateTaskRejectsUnsupportedLanguage(t *testing.T) {
	d, _, cleanup := newTestDispatcher(t, 3)
	defer cleanup()

	_, err := d.CreateTask(context.Background(), CreateRequest{
		SourceLanguage:  "xx",
		TargetLanguages: []string{"ja"},
		AudioFiles:      []string{"a.mp3"},
	})
	if !taskerrors.Is(err, taskerrors.KindValidation) {
		t.Fatalf("expected validation error for unsupported language, got %v", err)
	}
}

func TestCreateThenClaimPendingTransitionsToProcessing(t *testing.T) {
	d, repo, cleanup := newTestDispatcher(t, 3)
	defer cleanup()
	ctx := context.Background()

	id, err := d.CreateTask(ctx, CreateRequest{
		SourceLanguage:  "en",
		TargetLanguages: []string{"ja"},
		AudioFiles:      []string{"a.mp3"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := d.ClaimPending(ctx, "worker-1", 10)
	if err != nil {
		t.Fatalf("claim pending: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed entry, got %d", len(claimed))
	}
	if claimed[0].Task.Status != task.StatusProcessing || claimed[0].Task.AssignedWorker != "worker-1" {
		t.Fatalf("unexpected claimed task state: %+v", claimed[0].Task)
	}

	if err := d.Acknowledge(ctx, claimed[0].EntryID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	loaded, err := repo.Get(ctx, id)
	if err != nil || loaded == nil {
		t.Fatalf("reload task: %v", err)
	}
	if loaded.Status != task.StatusProcessing {
		t.Fatalf("expected task still PROCESSING after ack, got %s", loaded.Status)
	}
}

// TestOrphanReclaimScenario mirrors scenario S3: a worker claims an entry and
// crashes before ACK; after the idle threshold, another worker's orphan
// sweep reclaims it, and the task stays PROCESSING, reassigned to that
// worker with progress reset and retry_count unchanged.
func TestOrphanReclaimScenario(t *testing.T) {
	d, repo, cleanup := newTestDispatcher(t, 3)
	defer cleanup()
	ctx := context.Background()

	id, err := d.CreateTask(ctx, CreateRequest{
		SourceLanguage:  "en",
		TargetLanguages: []string{"ja"},
		AudioFiles:      []string{"a.mp3"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := d.ClaimPending(ctx, "worker-1", 10); err != nil {
		t.Fatalf("worker-1 claim: %v", err)
	}
	// worker-1 "crashes" without ACKing.

	time.Sleep(20 * time.Millisecond)
	// ClaimOrphaned must hand back the claimed entry directly: once XCLAIM
	// moves it into worker-2's PEL, a later XREADGROUP ">" will never
	// redeliver it, so there is nothing left for ClaimPending to pick up.
	reclaimed, err := d.ClaimOrphaned(ctx, "worker-2", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("claim orphaned: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("expected 1 reclaimed entry, got %d", len(reclaimed))
	}
	if reclaimed[0].Task.TaskID != id {
		t.Fatalf("expected reclaimed entry for task %s, got %s", id, reclaimed[0].Task.TaskID)
	}
	if reclaimed[0].Task.Status != task.StatusProcessing {
		t.Fatalf("expected reclaimed task reassigned as PROCESSING, got %s", reclaimed[0].Task.Status)
	}
	if reclaimed[0].Task.AssignedWorker != "worker-2" {
		t.Fatalf("expected reclaimed task reassigned to worker-2, got %q", reclaimed[0].Task.AssignedWorker)
	}
	if reclaimed[0].Task.Progress != 0 {
		t.Fatalf("expected reclaimed task progress reset to 0, got %v", reclaimed[0].Task.Progress)
	}
	if reclaimed[0].Task.RetryCount != 0 {
		t.Fatalf("expected retry_count unchanged by orphan reclaim, got %d", reclaimed[0].Task.RetryCount)
	}

	loaded, err := repo.Get(ctx, id)
	if err != nil || loaded == nil {
		t.Fatalf("reload task: %v", err)
	}
	if loaded.Status != task.StatusProcessing {
		t.Fatalf("expected task to remain PROCESSING under worker-2, got %s", loaded.Status)
	}

	// No further claim_pending can redeliver the entry: it already lives in
	// worker-2's PEL, not the stream's unclaimed backlog.
	claimedAgain, err := d.ClaimPending(ctx, "worker-2", 10)
	if err != nil {
		t.Fatalf("worker-2 re-claim: %v", err)
	}
	if len(claimedAgain) != 0 {
		t.Fatalf("expected no further entries from claim_pending, got %d", len(claimedAgain))
	}

	if err := d.Acknowledge(ctx, reclaimed[0].EntryID); err != nil {
		t.Fatalf("acknowledge reclaimed entry: %v", err)
	}
}

// TestRetryLimitExhaustion mirrors scenario S5.
func TestRetryLimitExhaustion(t *testing.T) {
	d, repo, cleanup := newTestDispatcher(t, 2)
	defer cleanup()
	ctx := context.Background()

	id, err := d.CreateTask(ctx, CreateRequest{
		SourceLanguage:  "en",
		TargetLanguages: []string{"ja"},
		AudioFiles:      []string{"a.mp3"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		claimed, err := d.ClaimPending(ctx, "worker-1", 10)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("claim iteration %d: claimed=%v err=%v", i, claimed, err)
		}
		errMsg := "engine exploded"
		if _, err := repo.UpdateStatus(ctx, id, task.StatusFailed, task.TransitionOpts{ErrorMessage: &errMsg}); err != nil {
			t.Fatalf("fail iteration %d: %v", i, err)
		}
		if err := d.Acknowledge(ctx, claimed[0].EntryID); err != nil {
			t.Fatalf("ack iteration %d: %v", i, err)
		}
		if _, err := d.Retry(ctx, id); err != nil {
			t.Fatalf("retry iteration %d: %v", i, err)
		}
	}

	// Task is now PENDING again with retry_count=2; fail it one more time.
	claimed, err := d.ClaimPending(ctx, "worker-1", 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("final claim: claimed=%v err=%v", claimed, err)
	}
	errMsg := "engine exploded"
	if _, err := repo.UpdateStatus(ctx, id, task.StatusFailed, task.TransitionOpts{ErrorMessage: &errMsg}); err != nil {
		t.Fatalf("final fail: %v", err)
	}
	if err := d.Acknowledge(ctx, claimed[0].EntryID); err != nil {
		t.Fatalf("final ack: %v", err)
	}

	_, err = d.Retry(ctx, id)
	if !taskerrors.Is(err, taskerrors.KindPreconditionFailed) {
		t.Fatalf("expected precondition failure once retry limit exhausted, got %v", err)
	}
}

func TestCancelMidFlight(t *testing.T) {
	d, repo, cleanup := newTestDispatcher(t, 3)
	defer cleanup()
	ctx := context.Background()

	id, err := d.CreateTask(ctx, CreateRequest{
		SourceLanguage:  "en",
		TargetLanguages: []string{"ja"},
		AudioFiles:      []string{"a.mp3"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := d.ClaimPending(ctx, "worker-1", 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := d.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	loaded, err := repo.Get(ctx, id)
	if err != nil || loaded == nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Status != task.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", loaded.Status)
	}
}

func TestPoisonStreamEntryIsAckedAndDiscarded(t *testing.T) {
	d, _, cleanup := newTestDispatcher(t, 3)
	defer cleanup()
	ctx := context.Background()

	// Append a stream entry whose task_id has no backing task record.
	if err := d.appendEntryWithRetry(ctx, "ghost-task", task.StatusPending); err != nil {
		t.Fatalf("append ghost entry: %v", err)
	}

	claimed, err := d.ClaimPending(ctx, "worker-1", 10)
	if err != nil {
		t.Fatalf("claim pending: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected poison entry to be discarded, got %d claimed", len(claimed))
	}
}
