package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client)
	return s, func() {
		s.Close()
		mr.Close()
	}
}

func TestKVRoundTrip(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.Set(ctx, "k1", "v1", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get(ctx, "k1")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("get: v=%q ok=%v err=%v", v, ok, err)
	}

	if err := s.Del(ctx, "k1"); err != nil {
		t.Fatalf("del: %v", err)
	}
	_, ok, err = s.Get(ctx, "k1")
	if err != nil || ok {
		t.Fatalf("expected miss after del, ok=%v err=%v", ok, err)
	}
}

func TestHashRoundTrip(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	fields := map[string]string{"status": "PENDING", "progress": "0.0"}
	if err := s.HSet(ctx, "task:1", fields); err != nil {
		t.Fatalf("hset: %v", err)
	}
	got, err := s.HGetAll(ctx, "task:1")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if got["status"] != "PENDING" || got["progress"] != "0.0" {
		t.Fatalf("unexpected hash contents: %v", got)
	}

	if err := s.HDel(ctx, "task:1", "progress"); err != nil {
		t.Fatalf("hdel: %v", err)
	}
	got, _ = s.HGetAll(ctx, "task:1")
	if _, present := got["progress"]; present {
		t.Fatalf("expected progress removed: %v", got)
	}
}

func TestScan(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	for _, k := range []string{"task:1", "task:2", "other:1"} {
		if err := s.Set(ctx, k, "x", 0); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	keys, err := s.Scan(ctx, "task:*", 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 task keys, got %v", keys)
	}
}

func TestStreamDispatchAndAck(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	const stream = "translation_tasks"
	const group = "translation_workers"

	if err := s.GroupCreate(ctx, stream, group); err != nil {
		t.Fatalf("group create: %v", err)
	}
	// idempotent re-create must not error
	if err := s.GroupCreate(ctx, stream, group); err != nil {
		t.Fatalf("idempotent group create: %v", err)
	}

	id, err := s.StreamAdd(ctx, stream, map[string]string{"task_id": "t1", "status": "PENDING"})
	if err != nil {
		t.Fatalf("stream add: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty entry id")
	}

	entries, err := s.ReadGroup(ctx, stream, group, "worker-a", 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("read group: %v", err)
	}
	if len(entries) != 1 || entries[0].Fields["task_id"] != "t1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	if err := s.Ack(ctx, stream, group, entries[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
}
