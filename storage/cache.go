package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasks-api/domain"
)

// The whole collection is cached under a single key, so any write can
// invalidate the snapshot without tracking per-record dependencies.
const tasksCacheKey = "tasks"

// Cache holds the task collection snapshot in Redis with a fixed TTL.
// Every failure mode degrades to a miss: an unreachable Redis must never
// fail the read path.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a snapshot cache using the provided Redis client and TTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{redis: client, ttl: ttl}
}

// Get returns the cached snapshot, or reports a miss when the entry is
// absent, expired, undecodable or Redis is unreachable.
func (c *Cache) Get(ctx context.Context) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.WithError(err).Debug("tasks cache read failed")
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		// Corrupt entry: drop it so the next populate starts clean.
		_ = c.redis.Del(ctx, tasksCacheKey).Err()
		return nil, false
	}
	return tasks, true
}

// Set overwrites the snapshot and restarts its TTL.
func (c *Cache) Set(ctx context.Context, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, tasksCacheKey, data, c.ttl).Err(); err != nil {
		log.WithError(err).Debug("tasks cache write failed")
	}
}

// Invalidate clears the snapshot. Invalidating an absent entry is a no-op.
func (c *Cache) Invalidate(ctx context.Context) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, tasksCacheKey).Err(); err != nil {
		log.WithError(err).Debug("tasks cache invalidation failed")
	}
}
