package results

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
)

var bucketResults = []byte("results")

// cacheEntry pairs a packed result with the time it was cached, so eviction
// can pick the oldest entry exactly as
// services/orchestrator/persistence.go's evictOldestExecution does for
// WorkflowExecution.
type cacheEntry struct {
	packed   Packed
	cachedAt time.Time
}

// Cache is a BoltDB-backed cache of packed results, filled on every result
// write and on every read served by the fast store or a durable file. An
// in-memory map of at most maxCacheSize entries fronts the BoltDB file;
// when the map is full, the entry cached longest ago is dropped from it (a
// memory hit does not refresh an entry's age). The BoltDB bucket itself is
// never pruned.
type Cache struct {
	db           *bbolt.DB
	mu           sync.RWMutex
	mem          map[string]cacheEntry
	maxCacheSize int

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// NewCache opens (or creates) a BoltDB file at dbPath for the result cache.
func NewCache(dbPath string, maxCacheSize int) (*Cache, error) {
	if maxCacheSize <= 0 {
		maxCacheSize = 1000
	}
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open result cache boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResults)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create result cache bucket: %w", err)
	}

	meter := otel.Meter("translate-queue")
	hits, _ := meter.Int64Counter("tq_result_cache_hits_total")
	misses, _ := meter.Int64Counter("tq_result_cache_misses_total")

	return &Cache{
		db:           db,
		mem:          make(map[string]cacheEntry),
		maxCacheSize: maxCacheSize,
		hits:         hits,
		misses:       misses,
	}, nil
}

// Close closes the underlying BoltDB handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns a cached packed result, checking the in-memory mirror first
// and falling back to BoltDB.
func (c *Cache) Get(taskID string) (Packed, bool) {
	c.mu.RLock()
	if e, ok := c.mem[taskID]; ok {
		c.mu.RUnlock()
		c.hits.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tier", "memory")))
		return e.packed, true
	}
	c.mu.RUnlock()

	var packed Packed
	found := false
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketResults)
		v := b.Get([]byte(taskID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &packed)
	})
	if err != nil || !found {
		c.misses.Add(context.Background(), 1)
		return nil, false
	}

	c.mu.Lock()
	c.promote(taskID, packed)
	c.mu.Unlock()
	c.hits.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tier", "boltdb")))
	return packed, true
}

// Put stores a packed result in both the in-memory mirror and BoltDB.
func (c *Cache) Put(taskID string, packed Packed) {
	blob, err := json.Marshal(packed)
	if err != nil {
		return
	}
	_ = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(taskID), blob)
	})

	c.mu.Lock()
	c.promote(taskID, packed)
	c.mu.Unlock()
}

// promote inserts into the in-memory mirror, evicting the oldest entry if
// the cache is at capacity. Callers must hold c.mu.
func (c *Cache) promote(taskID string, packed Packed) {
	if _, exists := c.mem[taskID]; !exists && len(c.mem) >= c.maxCacheSize {
		c.evictOldest()
	}
	c.mem[taskID] = cacheEntry{packed: packed, cachedAt: time.Now()}
}

func (c *Cache) evictOldest() {
	var oldestID string
	var oldestTime time.Time
	for id, e := range c.mem {
		if oldestID == "" || e.cachedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = e.cachedAt
		}
	}
	if oldestID != "" {
		delete(c.mem, oldestID)
	}
}
