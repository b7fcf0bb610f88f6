// Package statuscache keeps the hot run status snapshot in Redis so the
// UI's polling loop stays off the database.
package statuscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailtrace/internal/domain"
)

// Cache is a Redis-backed status snapshot store. Entries expire on their
// own; the database remains the source of truth.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a cache over an existing client. ttl <= 0 falls back to a
// minute, comfortably past the worker's heartbeat interval.
func New(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

func key(runID string) string { return "run:status:" + runID }

// Set stores the snapshot for its run.
func (c *Cache) Set(ctx context.Context, snap domain.StatusSnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := c.rdb.Set(ctx, key(snap.RunID), doc, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache status: %w", err)
	}
	return nil
}

// Get returns the cached snapshot, or (nil, nil) on a miss.
func (c *Cache) Get(ctx context.Context, runID string) (*domain.StatusSnapshot, error) {
	doc, err := c.rdb.Get(ctx, key(runID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	var snap domain.StatusSnapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &snap, nil
}

// Invalidate drops the cached snapshot for a run.
func (c *Cache) Invalidate(ctx context.Context, runID string) error {
	return c.rdb.Del(ctx, key(runID)).Err()
}
