package results

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/swarmguard/translate-queue/internal/store"
	"go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) (*Store, *Cache, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backing := store.NewRedisStoreFromClient(client)

	dir := t.TempDir()
	cache, err := NewCache(filepath.Join(dir, "results-cache.db"), 10)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	s, err := New(backing, filepath.Join(dir, "results"), cache)
	if err != nil {
		t.Fatalf("new result store: %v", err)
	}
	return s, cache, func() {
		cache.Close()
		client.Close()
		mr.Close()
	}
}

func samplePacked() Packed {
	return Packed{
		"en": {
			"a": FileEntry{TEXT: "", AUDIO: &STTPayload{Text: "hello", Segments: []Segment{{Start: 0, End: 1, Text: "hello"}}}},
		},
		"zh": {
			"a": FileEntry{TRANSLATION: "你好"},
		},
	}
}

func TestWriteThenReadFromFastStore(t *testing.T) {
	s, _, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	packed := samplePacked()
	if err := s.WriteResult(ctx, "t1", packed); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.GetResult(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["zh"]["a"].TRANSLATION != "你好" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestReadFallsBackToDurableFileWhenFastStoreCleared(t *testing.T) {
	s, cache, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	packed := samplePacked()
	if err := s.WriteResult(ctx, "t2", packed); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Simulate the fast store being cleared (e.g. Janitor GC) and the
	// cache being cold in both its memory and BoltDB tiers, forcing a
	// durable-file read.
	if err := s.backing.Del(ctx, fastKey("t2")); err != nil {
		t.Fatalf("del fast key: %v", err)
	}
	cache.mu.Lock()
	delete(cache.mem, "t2")
	cache.mu.Unlock()
	if err := cache.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResults).Delete([]byte("t2"))
	}); err != nil {
		t.Fatalf("clear boltdb cache entry: %v", err)
	}

	got, err := s.GetResult(ctx, "t2")
	if err != nil {
		t.Fatalf("get after fast-store clear: %v", err)
	}
	if got == nil {
		t.Fatalf("expected durable-file fallback to find a result")
	}
	if got["zh"]["a"].TRANSLATION != "你好" {
		t.Fatalf("unexpected fallback result: %+v", got)
	}
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	s, _, cleanup := newTestStore(t)
	defer cleanup()

	got, err := s.GetResult(context.Background(), "missing")
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", got, err)
	}
}
