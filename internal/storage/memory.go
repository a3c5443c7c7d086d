package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

type seriesKey struct {
	symbol string
	tf     models.Timeframe
}

type changeKey struct {
	oldSymbol string
	newSymbol string
	date      time.Time
}

type snapshotKey struct {
	indexID string
	date    time.Time
}

// MemoryStorage is a thread-safe in-memory implementation of FullStorage.
type MemoryStorage struct {
	mu sync.RWMutex

	candles      map[seriesKey]map[time.Time]models.Candle
	constituents map[models.ConstituentKey]models.IndexConstituent
	changes      map[changeKey]models.TickerChange
	snapshots    map[snapshotKey]models.UniverseSnapshot

	closed bool
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		candles:      make(map[seriesKey]map[time.Time]models.Candle),
		constituents: make(map[models.ConstituentKey]models.IndexConstituent),
		changes:      make(map[changeKey]models.TickerChange),
		snapshots:    make(map[snapshotKey]models.UniverseSnapshot),
	}
}

// Initialize implements StorageManager.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	return ctx.Err()
}

// Close implements StorageManager.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// HealthCheck implements HealthChecker.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// check must be called with the lock held.
func (m *MemoryStorage) check(ctx context.Context, op, table string) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError(op, table, "", err)
	}
	if m.closed {
		return NewStorageError(op, table, "", ErrClosed)
	}
	return nil
}

// UpsertCandles implements CandleStorer. Candles are validated before any is written.
func (m *MemoryStorage) UpsertCandles(ctx context.Context, candles []models.Candle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "insert", "candles"); err != nil {
		return 0, err
	}

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return 0, NewInsertError("candles", fmt.Errorf("candle at index %d: %w", i, err))
		}
	}

	for _, c := range candles {
		key := seriesKey{c.Symbol, c.Timeframe}
		if m.candles[key] == nil {
			m.candles[key] = make(map[time.Time]models.Candle)
		}
		c.Timestamp = c.Timestamp.UTC()
		c.QualityFlags = slices.Clone(c.QualityFlags)
		m.candles[key][c.Timestamp] = c
	}
	return len(candles), nil
}

// Query implements CandleReader.
func (m *MemoryStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, NewQueryError("candles", "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", "candles"); err != nil {
		return nil, err
	}

	var matched []models.Candle
	for ts, c := range m.candles[seriesKey{req.Symbol, req.Timeframe}] {
		if !req.Start.IsZero() && ts.Before(req.Start) {
			continue
		}
		if !req.End.IsZero() && !ts.Before(req.End) {
			continue
		}
		matched = append(matched, c)
	}

	desc := req.OrderBy == OrderTimestampDesc
	sort.Slice(matched, func(i, j int) bool {
		if desc {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	resp := paginate(matched, req)
	resp.QueryTime = time.Since(start)
	return resp, nil
}

// GetLastCandle implements CandleReader.
func (m *MemoryStorage) GetLastCandle(ctx context.Context, symbol string, tf models.Timeframe) (*models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", "candles"); err != nil {
		return nil, err
	}

	var latest *models.Candle
	for _, c := range m.candles[seriesKey{symbol, tf}] {
		if latest == nil || c.Timestamp.After(latest.Timestamp) {
			cp := c
			latest = &cp
		}
	}
	return latest, nil
}

// PurgeCandles implements CandleRetention.
func (m *MemoryStorage) PurgeCandles(ctx context.Context, symbol string, tf models.Timeframe, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "delete", "candles"); err != nil {
		return 0, err
	}

	var removed int64
	series := m.candles[seriesKey{symbol, tf}]
	for ts := range series {
		if ts.Before(before) {
			delete(series, ts)
			removed++
		}
	}
	return removed, nil
}

// UpsertConstituents implements ConstituentStore.
func (m *MemoryStorage) UpsertConstituents(ctx context.Context, constituents []models.IndexConstituent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "insert", "index_constituents"); err != nil {
		return err
	}

	for i := range constituents {
		if err := constituents[i].Validate(); err != nil {
			return NewInsertError("index_constituents", fmt.Errorf("constituent at index %d: %w", i, err))
		}
	}
	for _, c := range constituents {
		c.DateAdded = models.NormalizeDate(c.DateAdded)
		if c.DateRemoved != nil {
			d := models.NormalizeDate(*c.DateRemoved)
			c.DateRemoved = &d
		}
		m.constituents[c.Key()] = c
	}
	return nil
}

func (m *MemoryStorage) filterConstituents(indexID string, keep func(models.IndexConstituent) bool) []models.IndexConstituent {
	var out []models.IndexConstituent
	for _, c := range m.constituents {
		if c.IndexID == indexID && keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DateAdded.Equal(out[j].DateAdded) {
			return out[i].DateAdded.Before(out[j].DateAdded)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// ConstituentsAsOf implements ConstituentStore.
func (m *MemoryStorage) ConstituentsAsOf(ctx context.Context, indexID string, date time.Time) ([]models.IndexConstituent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", "index_constituents"); err != nil {
		return nil, err
	}
	return m.filterConstituents(indexID, func(c models.IndexConstituent) bool {
		return c.ActiveOn(date)
	}), nil
}

func within(t, from, to time.Time) bool {
	d := models.NormalizeDate(t)
	return !d.Before(models.NormalizeDate(from)) && !d.After(models.NormalizeDate(to))
}

// ConstituentsAddedBetween implements ConstituentStore.
func (m *MemoryStorage) ConstituentsAddedBetween(ctx context.Context, indexID string, from, to time.Time) ([]models.IndexConstituent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", "index_constituents"); err != nil {
		return nil, err
	}
	return m.filterConstituents(indexID, func(c models.IndexConstituent) bool {
		return within(c.DateAdded, from, to)
	}), nil
}

// ConstituentsRemovedBetween implements ConstituentStore.
func (m *MemoryStorage) ConstituentsRemovedBetween(ctx context.Context, indexID string, from, to time.Time) ([]models.IndexConstituent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", "index_constituents"); err != nil {
		return nil, err
	}
	return m.filterConstituents(indexID, func(c models.IndexConstituent) bool {
		return c.DateRemoved != nil && within(*c.DateRemoved, from, to)
	}), nil
}

// ConstituentHistory implements ConstituentStore.
func (m *MemoryStorage) ConstituentHistory(ctx context.Context, indexID, symbol string) ([]models.IndexConstituent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", "index_constituents"); err != nil {
		return nil, err
	}
	return m.filterConstituents(indexID, func(c models.IndexConstituent) bool {
		return c.Symbol == symbol
	}), nil
}

// CurrentConstituents implements ConstituentStore.
func (m *MemoryStorage) CurrentConstituents(ctx context.Context, indexID string) ([]models.IndexConstituent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", "index_constituents"); err != nil {
		return nil, err
	}
	return m.filterConstituents(indexID, func(c models.IndexConstituent) bool {
		return c.DateRemoved == nil
	}), nil
}

// UpsertTickerChanges implements TickerChangeStore.
func (m *MemoryStorage) UpsertTickerChanges(ctx context.Context, changes []models.TickerChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "insert", "ticker_changes"); err != nil {
		return err
	}

	for i := range changes {
		if err := changes[i].Validate(); err != nil {
			return NewInsertError("ticker_changes", fmt.Errorf("change at index %d: %w", i, err))
		}
	}
	for _, tc := range changes {
		tc.ChangeDate = models.NormalizeDate(tc.ChangeDate)
		m.changes[changeKey{tc.OldSymbol, tc.NewSymbol, tc.ChangeDate}] = tc
	}
	return nil
}

func (m *MemoryStorage) filterChanges(keep func(models.TickerChange) bool) []models.TickerChange {
	var out []models.TickerChange
	for _, tc := range m.changes {
		if keep(tc) {
			out = append(out, tc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ChangeDate.Equal(out[j].ChangeDate) {
			return out[i].ChangeDate.Before(out[j].ChangeDate)
		}
		if out[i].OldSymbol != out[j].OldSymbol {
			return out[i].OldSymbol < out[j].OldSymbol
		}
		return out[i].NewSymbol < out[j].NewSymbol
	})
	return out
}

// ChangesFrom implements TickerChangeStore.
func (m *MemoryStorage) ChangesFrom(ctx context.Context, oldSymbol string) ([]models.TickerChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", "ticker_changes"); err != nil {
		return nil, err
	}
	return m.filterChanges(func(tc models.TickerChange) bool { return tc.OldSymbol == oldSymbol }), nil
}

// ChangesTo implements TickerChangeStore.
func (m *MemoryStorage) ChangesTo(ctx context.Context, newSymbol string) ([]models.TickerChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", "ticker_changes"); err != nil {
		return nil, err
	}
	return m.filterChanges(func(tc models.TickerChange) bool { return tc.NewSymbol == newSymbol }), nil
}

// ListTickerChanges implements TickerChangeStore.
func (m *MemoryStorage) ListTickerChanges(ctx context.Context) ([]models.TickerChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", "ticker_changes"); err != nil {
		return nil, err
	}
	return m.filterChanges(func(models.TickerChange) bool { return true }), nil
}

// SaveSnapshot implements SnapshotStore.
func (m *MemoryStorage) SaveSnapshot(ctx context.Context, s models.UniverseSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "insert", "universe_snapshots"); err != nil {
		return err
	}
	s.SnapshotDate = models.NormalizeDate(s.SnapshotDate)
	s.Tickers = slices.Clone(s.Tickers)
	m.snapshots[snapshotKey{s.IndexID, s.SnapshotDate}] = s
	return nil
}

// GetSnapshot implements SnapshotStore.
func (m *MemoryStorage) GetSnapshot(ctx context.Context, indexID string, date time.Time) (*models.UniverseSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", "universe_snapshots"); err != nil {
		return nil, err
	}
	s, ok := m.snapshots[snapshotKey{indexID, models.NormalizeDate(date)}]
	if !ok {
		return nil, nil
	}
	s.Tickers = slices.Clone(s.Tickers)
	return &s, nil
}

// ClosestSnapshotBefore implements SnapshotStore.
func (m *MemoryStorage) ClosestSnapshotBefore(ctx context.Context, indexID string, date, validAt time.Time) (*models.UniverseSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", "universe_snapshots"); err != nil {
		return nil, err
	}

	target := models.NormalizeDate(date)
	var best *models.UniverseSnapshot
	for key, s := range m.snapshots {
		if key.indexID != indexID || key.date.After(target) || s.IsExpired(validAt) {
			continue
		}
		if best == nil || key.date.After(best.SnapshotDate) {
			cp := s
			cp.Tickers = slices.Clone(s.Tickers)
			best = &cp
		}
	}
	return best, nil
}

// ListSnapshotDates implements SnapshotStore.
func (m *MemoryStorage) ListSnapshotDates(ctx context.Context, indexID string) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", "universe_snapshots"); err != nil {
		return nil, err
	}

	var dates []time.Time
	for key := range m.snapshots {
		if key.indexID == indexID {
			dates = append(dates, key.date)
		}
	}
	slices.SortFunc(dates, func(a, b time.Time) int { return a.Compare(b) })
	return dates, nil
}

// PurgeExpiredSnapshots implements SnapshotStore.
func (m *MemoryStorage) PurgeExpiredSnapshots(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "delete", "universe_snapshots"); err != nil {
		return 0, err
	}

	var removed int64
	for key, s := range m.snapshots {
		if s.IsExpired(now) {
			delete(m.snapshots, key)
			removed++
		}
	}
	return removed, nil
}

var _ FullStorage = (*MemoryStorage)(nil)
