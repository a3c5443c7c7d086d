package universe

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/johnayoung/go-market-integrity/internal/models"
	"github.com/johnayoung/go-market-integrity/internal/storage"
)

// DefaultSnapshotTTL bounds how long a materialized universe is trusted.
const DefaultSnapshotTTL = 24 * time.Hour

// SnapshotsRepository caches materialized universes with a TTL.
type SnapshotsRepository struct {
	store  storage.SnapshotStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// SnapshotOption configures a SnapshotsRepository.
type SnapshotOption func(*SnapshotsRepository)

// WithSnapshotClock replaces time.Now.
func WithSnapshotClock(now func() time.Time) SnapshotOption {
	return func(r *SnapshotsRepository) { r.now = now }
}

// WithSnapshotLogger sets the logger.
func WithSnapshotLogger(logger *slog.Logger) SnapshotOption {
	return func(r *SnapshotsRepository) { r.logger = logger }
}

// NewSnapshotsRepository wraps a snapshot store. A ttl of zero stores
// snapshots that never expire.
func NewSnapshotsRepository(store storage.SnapshotStore, ttl time.Duration, opts ...SnapshotOption) *SnapshotsRepository {
	r := &SnapshotsRepository{store: store, ttl: ttl, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "snapshots")
	return r
}

// Save upserts the snapshot of indexID on date, stamping the cache time,
// ticker count and expiry.
func (r *SnapshotsRepository) Save(ctx context.Context, indexID string, date time.Time, tickers []string, sourceVersion string) (*models.UniverseSnapshot, error) {
	now := r.now().UTC()
	s := models.UniverseSnapshot{
		IndexID:       indexID,
		SnapshotDate:  models.NormalizeDate(date),
		Tickers:       slices.Clone(tickers),
		TickerCount:   len(tickers),
		SourceVersion: sourceVersion,
		CachedAt:      now,
	}
	if s.Tickers == nil {
		s.Tickers = []string{}
	}
	if r.ttl > 0 {
		exp := now.Add(r.ttl)
		s.ExpiresAt = &exp
	}
	if err := r.store.SaveSnapshot(ctx, s); err != nil {
		return nil, fmt.Errorf("save snapshot %s@%s: %w", indexID, s.SnapshotDate.Format(time.DateOnly), err)
	}
	return &s, nil
}

// Get returns the unexpired snapshot for an exact date, or nil.
func (r *SnapshotsRepository) Get(ctx context.Context, indexID string, date time.Time) (*models.UniverseSnapshot, error) {
	s, err := r.store.GetSnapshot(ctx, indexID, date)
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s@%s: %w", indexID, date.Format(time.DateOnly), err)
	}
	if s == nil || s.IsExpired(r.now()) {
		return nil, nil
	}
	return s, nil
}

// GetClosestBefore returns the newest unexpired snapshot dated on or before date, or nil.
func (r *SnapshotsRepository) GetClosestBefore(ctx context.Context, indexID string, date time.Time) (*models.UniverseSnapshot, error) {
	s, err := r.store.ClosestSnapshotBefore(ctx, indexID, date, r.now())
	if err != nil {
		return nil, fmt.Errorf("closest snapshot %s before %s: %w", indexID, date.Format(time.DateOnly), err)
	}
	return s, nil
}

// ListDates returns stored snapshot dates in ascending order.
func (r *SnapshotsRepository) ListDates(ctx context.Context, indexID string) ([]time.Time, error) {
	dates, err := r.store.ListSnapshotDates(ctx, indexID)
	if err != nil {
		return nil, fmt.Errorf("list snapshot dates of %s: %w", indexID, err)
	}
	return dates, nil
}

// PurgeExpired deletes snapshots whose expiry has elapsed.
func (r *SnapshotsRepository) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := r.store.PurgeExpiredSnapshots(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired snapshots: %w", err)
	}
	r.logger.Info("purged expired snapshots", "count", n)
	return n, nil
}
