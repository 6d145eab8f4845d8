// Package storyindex is a BoltDB-backed read-through cache in front of the
// Task Repository's Redis-backed story_name -> task_id association
// (task.Repository.AssociateStory/GetStory), mirroring
// services/orchestrator/persistence.go's WorkflowStore.PutWorkflow/
// GetWorkflow cache-then-store pattern almost exactly: Redis stays
// authoritative, BoltDB plus an in-memory mirror exist only to remove
// round-trips for hot story lookups from the Control API.
package storyindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/translate-queue/internal/task"
	"github.com/swarmguard/translate-queue/internal/taskerrors"
)

var bucketStories = []byte("stories")

// Index is the Story Index: Redis (via repo) is authoritative, BoltDB plus
// an in-memory map front it as a warm read cache.
type Index struct {
	repo *task.Repository
	db   *bbolt.DB

	mu  sync.RWMutex
	mem map[string]task.StoryInfo

	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
}

// New opens (or creates) a BoltDB file at dbPath and wraps repo with a warm
// cache in front of it.
func New(dbPath string, repo *task.Repository) (*Index, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open story index boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStories)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create story index bucket: %w", err)
	}

	meter := otel.Meter("translate-queue")
	hits, _ := meter.Int64Counter("tq_story_index_cache_hits_total")
	misses, _ := meter.Int64Counter("tq_story_index_cache_misses_total")

	return &Index{
		repo:        repo,
		db:          db,
		mem:         make(map[string]task.StoryInfo),
		cacheHits:   hits,
		cacheMisses: misses,
	}, nil
}

// Close closes the underlying BoltDB handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Associate writes through to the Redis-backed repository and then updates
// both cache tiers, per §3/"Story Index (C3/C7 extension)".
func (idx *Index) Associate(ctx context.Context, name string, info task.StoryInfo) error {
	if err := idx.repo.AssociateStory(ctx, name, info); err != nil {
		return err
	}

	blob, err := json.Marshal(info)
	if err == nil {
		_ = idx.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketStories).Put([]byte(name), blob)
		})
	}

	idx.mu.Lock()
	idx.mem[name] = info
	idx.mu.Unlock()
	return nil
}

// Resolve returns the StoryInfo for a story_name, checking the in-memory
// mirror, then BoltDB, then falling back to Redis via the repository
// (warming both cache tiers on a cache miss). Returns (nil, nil) if the
// story_name is not associated anywhere.
func (idx *Index) Resolve(ctx context.Context, name string) (*task.StoryInfo, error) {
	idx.mu.RLock()
	if info, ok := idx.mem[name]; ok {
		idx.mu.RUnlock()
		idx.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", "memory")))
		return &info, nil
	}
	idx.mu.RUnlock()

	var (
		info  task.StoryInfo
		found bool
	)
	err := idx.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketStories).Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &info)
	})
	if err != nil {
		return nil, taskerrors.Corruption(err, "story index entry %s is malformed", name)
	}
	if found {
		idx.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", "boltdb")))
		idx.promote(name, info)
		return &info, nil
	}
	idx.cacheMisses.Add(ctx, 1)

	fromRepo, err := idx.repo.GetStory(ctx, name)
	if err != nil {
		return nil, err
	}
	if fromRepo == nil {
		return nil, nil
	}

	idx.promote(name, *fromRepo)
	if blob, err := json.Marshal(*fromRepo); err == nil {
		_ = idx.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketStories).Put([]byte(name), blob)
		})
	}
	return fromRepo, nil
}

func (idx *Index) promote(name string, info task.StoryInfo) {
	idx.mu.Lock()
	idx.mem[name] = info
	idx.mu.Unlock()
}
