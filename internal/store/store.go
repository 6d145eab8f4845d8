// Package store defines the key-value + stream abstraction (C1) that the
// Task Repository, Dispatcher, and Result Store are built on, plus a
// github.com/redis/go-redis/v9-backed implementation.
package store

import (
	"context"
	"time"
)

// StreamEntry is one delivered or claimed entry from a consumer group read.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// PendingEntry describes one outstanding (unacked) delivery, as reported by
// XPENDING's extended form.
type PendingEntry struct {
	ID         string
	Consumer   string
	IdleTime   time.Duration
	Deliveries int64
}

// ConsumerInfo describes one consumer registered in a group.
type ConsumerInfo struct {
	Name    string
	Pending int64
	Idle    time.Duration
}

// Store is the capability set §4.1 requires of the backing store: key-value,
// hash, scan, and stream/consumer-group primitives. Every method takes a
// context so callers can bound network round-trips.
type Store interface {
	// Key-value
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error

	// Hash
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Scan
	Scan(ctx context.Context, pattern string, count int64) ([]string, error)

	// Stream
	StreamAdd(ctx context.Context, stream string, fields map[string]string) (string, error)
	GroupCreate(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	PendingRange(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamEntry, error)
	Consumers(ctx context.Context, stream, group string) ([]ConsumerInfo, error)
	DeleteConsumer(ctx context.Context, stream, group, consumer string) error

	// Health
	Ping(ctx context.Context) error

	Close() error
}
