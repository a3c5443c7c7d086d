// Package cache adds a Redis read-through layer in front of snapshot storage.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnayoung/go-market-integrity/internal/config"
	"github.com/johnayoung/go-market-integrity/internal/models"
	"github.com/johnayoung/go-market-integrity/internal/storage"
)

const (
	DefaultKeyPrefix = "universe:snapshot:"
	DefaultMaxTTL    = 24 * time.Hour
)

// Lookup outcomes reported to an Observer.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Observer receives cache lookup outcomes.
type Observer interface {
	ObserveCacheLookup(result string)
}

// SnapshotCache decorates a SnapshotStore with Redis. Exact-date reads go
// through the cache; saves invalidate the cached entry. Redis failures are
// logged and never fail the call. Every other method reaches the inner store.
type SnapshotCache struct {
	storage.SnapshotStore

	rdb      redis.Cmdable
	prefix   string
	maxTTL   time.Duration
	observer Observer
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a SnapshotCache.
type Option func(*SnapshotCache)

// WithObserver registers a lookup observer.
func WithObserver(o Observer) Option {
	return func(c *SnapshotCache) { c.observer = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *SnapshotCache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *SnapshotCache) { c.logger = l }
}

// NewSnapshotCache wraps inner. A nil rdb disables caching. Entries live at
// most maxTTL and never past the snapshot's own expiry.
func NewSnapshotCache(inner storage.SnapshotStore, rdb redis.Cmdable, prefix string, maxTTL time.Duration, opts ...Option) *SnapshotCache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	c := &SnapshotCache{
		SnapshotStore: inner,
		rdb:           rdb,
		prefix:        prefix,
		maxTTL:        maxTTL,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "snapshot_cache")
	return c
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// GetSnapshot returns the cached snapshot when present, otherwise reads the
// inner store and populates the cache.
func (c *SnapshotCache) GetSnapshot(ctx context.Context, indexID string, date time.Time) (*models.UniverseSnapshot, error) {
	if c.rdb == nil {
		return c.SnapshotStore.GetSnapshot(ctx, indexID, date)
	}
	key := c.key(indexID, date)

	b, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var snap models.UniverseSnapshot
		if jerr := json.Unmarshal(b, &snap); jerr == nil {
			c.observe(ResultHit)
			return &snap, nil
		}
		c.logger.Warn("dropping corrupt cache entry", "key", key)
		_ = c.rdb.Del(ctx, key).Err()
		c.observe(ResultMiss)
	case errors.Is(err, redis.Nil):
		c.observe(ResultMiss)
	default:
		c.logger.Warn("cache read failed", "key", key, "error", err)
		c.observe(ResultError)
	}

	snap, err := c.SnapshotStore.GetSnapshot(ctx, indexID, date)
	if err != nil || snap == nil {
		return snap, err
	}
	c.store(ctx, key, snap)
	return snap, nil
}

// SaveSnapshot writes to the inner store and invalidates the cached entry.
func (c *SnapshotCache) SaveSnapshot(ctx context.Context, snapshot models.UniverseSnapshot) error {
	if err := c.SnapshotStore.SaveSnapshot(ctx, snapshot); err != nil {
		return err
	}
	if c.rdb == nil {
		return nil
	}
	key := c.key(snapshot.IndexID, snapshot.SnapshotDate)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("cache invalidation failed", "key", key, "error", err)
	}
	return nil
}

func (c *SnapshotCache) store(ctx context.Context, key string, snap *models.UniverseSnapshot) {
	ttl := c.ttlFor(snap)
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// ttlFor bounds the cache lifetime by the snapshot expiry. Expired
// snapshots are not cached.
func (c *SnapshotCache) ttlFor(snap *models.UniverseSnapshot) time.Duration {
	if snap.ExpiresAt == nil {
		return c.maxTTL
	}
	return min(snap.ExpiresAt.Sub(c.now()), c.maxTTL)
}

func (c *SnapshotCache) key(indexID string, date time.Time) string {
	return c.prefix + safe(indexID) + ":" + date.UTC().Format(time.DateOnly)
}

func (c *SnapshotCache) observe(result string) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(result)
	}
}

func safe(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	return strings.ReplaceAll(s, ":", "_")
}
