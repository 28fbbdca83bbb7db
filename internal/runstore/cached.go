package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"backend-runsync/internal/run"
)

// Cached is a write-through Redis cache for single-session reads in front of
// another repository.
type Cached struct {
	next   run.Repository
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewCached(next run.Repository, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(id string) string {
	return "run:" + id
}

func (c *Cached) Save(ctx context.Context, s run.Session) (run.Session, error) {
	saved, err := c.next.Save(ctx, s)
	if err != nil {
		return run.Session{}, err
	}
	c.store(ctx, saved)
	return saved, nil
}

func (c *Cached) Fetch(ctx context.Context, id string) (*run.Session, error) {
	data, err := c.rdb.Get(ctx, cacheKey(id)).Bytes()
	switch {
	case err == nil:
		var s run.Session
		if err := json.Unmarshal(data, &s); err == nil {
			return &s, nil
		}
		c.logger.Warn("dropping undecodable cached run", "session_id", id)
		c.rdb.Del(ctx, cacheKey(id))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("run cache read failed", "session_id", id, "error", err)
	}

	s, err := c.next.Fetch(ctx, id)
	if err != nil || s == nil {
		return s, err
	}
	c.store(ctx, *s)
	return s, nil
}

func (c *Cached) FetchAll(ctx context.Context, ownerID string) ([]run.Session, error) {
	return c.next.FetchAll(ctx, ownerID)
}

func (c *Cached) Delete(ctx context.Context, id string) error {
	if err := c.next.Delete(ctx, id); err != nil {
		return err
	}
	if err := c.rdb.Del(ctx, cacheKey(id)).Err(); err != nil {
		c.logger.Warn("run cache evict failed", "session_id", id, "error", err)
	}
	return nil
}

func (c *Cached) store(ctx context.Context, s run.Session) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(s.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("run cache write failed", "session_id", s.ID, "error", err)
	}
}
