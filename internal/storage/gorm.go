package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

// Supported relational drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// OpenGorm opens a relational database for reference data.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, NewStorageError("open", "", "", fmt.Errorf("unsupported driver %q", driver))
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open %s database: %w", driver, err))
	}
	return db, nil
}

type constituentRecord struct {
	ID             uint                `gorm:"primaryKey"`
	IndexID        string              `gorm:"size:32;not null;uniqueIndex:uq_constituent,priority:1;index:idx_constituent_window,priority:1"`
	Symbol         string              `gorm:"size:32;not null;uniqueIndex:uq_constituent,priority:2"`
	DateAdded      time.Time           `gorm:"not null;uniqueIndex:uq_constituent,priority:3;index:idx_constituent_window,priority:2"`
	DateRemoved    *time.Time          `gorm:"index:idx_constituent_window,priority:3"`
	ReasonAdded    string              `gorm:"size:255"`
	ReasonRemoved  string              `gorm:"size:255"`
	Sector         string              `gorm:"size:64"`
	Industry       string              `gorm:"size:128"`
	MarketCapAtAdd decimal.NullDecimal `gorm:"type:numeric(24,2)"`
	Provider       string              `gorm:"size:32"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (constituentRecord) TableName() string { return "index_constituents" }

type tickerChangeRecord struct {
	ID               uint                `gorm:"primaryKey"`
	OldSymbol        string              `gorm:"size:32;not null;uniqueIndex:uq_ticker_change,priority:1"`
	NewSymbol        string              `gorm:"size:32;not null;uniqueIndex:uq_ticker_change,priority:2;index"`
	ChangeDate       time.Time           `gorm:"not null;uniqueIndex:uq_ticker_change,priority:3"`
	ChangeType       string              `gorm:"size:16;not null"`
	ConversionRatio  decimal.NullDecimal `gorm:"type:numeric(18,8)"`
	Reason           string              `gorm:"size:255"`
	AcquiringCompany string              `gorm:"size:128"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (tickerChangeRecord) TableName() string { return "ticker_changes" }

type snapshotRecord struct {
	ID            uint       `gorm:"primaryKey"`
	IndexID       string     `gorm:"size:32;not null;uniqueIndex:uq_snapshot,priority:1"`
	SnapshotDate  time.Time  `gorm:"not null;uniqueIndex:uq_snapshot,priority:2"`
	Tickers       []string   `gorm:"type:text;serializer:json"`
	TickerCount   int        `gorm:"not null"`
	SourceVersion string     `gorm:"size:64"`
	CachedAt      time.Time  `gorm:"not null"`
	ExpiresAt     *time.Time `gorm:"index"`
	UpdatedAt     time.Time
}

func (snapshotRecord) TableName() string { return "universe_snapshots" }

// GormUniverseStore keeps constituents, ticker changes and snapshots in a
// relational database through GORM. Postgres is the production target;
// SQLite serves local runs and tests.
type GormUniverseStore struct {
	db     *gorm.DB
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool
}

// NewGormUniverseStore wraps an open GORM handle.
func NewGormUniverseStore(db *gorm.DB, logger *slog.Logger) *GormUniverseStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GormUniverseStore{db: db, logger: logger.With("component", "gorm_universe_store")}
}

func (g *GormUniverseStore) session(ctx context.Context, op, table string) (*gorm.DB, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return nil, NewStorageError(op, table, "", ErrClosed)
	}
	return g.db.WithContext(ctx), nil
}

// Initialize implements StorageManager by migrating the schema.
func (g *GormUniverseStore) Initialize(ctx context.Context) error {
	db, err := g.session(ctx, "initialize", "")
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(&constituentRecord{}, &tickerChangeRecord{}, &snapshotRecord{}); err != nil {
		return NewStorageError("initialize", "", "", fmt.Errorf("failed to migrate: %w", err))
	}
	g.logger.Info("universe schema migrated", "dialect", g.db.Dialector.Name())
	return nil
}

// Close implements StorageManager.
func (g *GormUniverseStore) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	sqlDB, err := g.db.DB()
	if err != nil {
		return NewStorageError("close", "", "", err)
	}
	return sqlDB.Close()
}

// HealthCheck implements HealthChecker.
func (g *GormUniverseStore) HealthCheck(ctx context.Context) error {
	db, err := g.session(ctx, "health_check", "")
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return NewStorageError("health_check", "", "", err)
	}
	return sqlDB.PingContext(ctx)
}

func toConstituentRecord(c models.IndexConstituent) constituentRecord {
	rec := constituentRecord{
		IndexID:       c.IndexID,
		Symbol:        c.Symbol,
		DateAdded:     models.NormalizeDate(c.DateAdded),
		ReasonAdded:   c.ReasonAdded,
		ReasonRemoved: c.ReasonRemoved,
		Sector:        c.Sector,
		Industry:      c.Industry,
		Provider:      c.Provider,
	}
	if c.DateRemoved != nil {
		d := models.NormalizeDate(*c.DateRemoved)
		rec.DateRemoved = &d
	}
	if c.MarketCapAtAdd != nil {
		rec.MarketCapAtAdd = decimal.NewNullDecimal(*c.MarketCapAtAdd)
	}
	return rec
}

func (r constituentRecord) toModel() models.IndexConstituent {
	c := models.IndexConstituent{
		IndexID:       r.IndexID,
		Symbol:        r.Symbol,
		DateAdded:     r.DateAdded.UTC(),
		ReasonAdded:   r.ReasonAdded,
		ReasonRemoved: r.ReasonRemoved,
		Sector:        r.Sector,
		Industry:      r.Industry,
		Provider:      r.Provider,
	}
	if r.DateRemoved != nil {
		d := r.DateRemoved.UTC()
		c.DateRemoved = &d
	}
	if r.MarketCapAtAdd.Valid {
		v := r.MarketCapAtAdd.Decimal
		c.MarketCapAtAdd = &v
	}
	return c
}

// UpsertConstituents implements ConstituentStore.
func (g *GormUniverseStore) UpsertConstituents(ctx context.Context, constituents []models.IndexConstituent) error {
	if len(constituents) == 0 {
		return nil
	}
	db, err := g.session(ctx, "insert", "index_constituents")
	if err != nil {
		return err
	}

	// A batch may not touch the same key twice under ON CONFLICT; the last entry wins.
	index := make(map[models.ConstituentKey]int, len(constituents))
	records := make([]constituentRecord, 0, len(constituents))
	for i, c := range constituents {
		if err := c.Validate(); err != nil {
			return NewInsertError("index_constituents", fmt.Errorf("constituent at index %d: %w", i, err))
		}
		rec := toConstituentRecord(c)
		if j, ok := index[c.Key()]; ok {
			records[j] = rec
			continue
		}
		index[c.Key()] = len(records)
		records = append(records, rec)
	}

	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "index_id"}, {Name: "symbol"}, {Name: "date_added"}},
		DoUpdates: clause.AssignmentColumns([]string{"date_removed", "reason_removed", "sector", "industry", "provider", "updated_at"}),
	}).Create(&records).Error
	if err != nil {
		return NewInsertError("index_constituents", err)
	}
	return nil
}

func (g *GormUniverseStore) findConstituents(ctx context.Context, scope func(*gorm.DB) *gorm.DB) ([]models.IndexConstituent, error) {
	db, err := g.session(ctx, "query", "index_constituents")
	if err != nil {
		return nil, err
	}
	var rows []constituentRecord
	if err := scope(db.Model(&constituentRecord{})).Order("date_added ASC, symbol ASC").Find(&rows).Error; err != nil {
		return nil, NewQueryError("index_constituents", "", err)
	}
	out := make([]models.IndexConstituent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ConstituentsAsOf implements ConstituentStore.
func (g *GormUniverseStore) ConstituentsAsOf(ctx context.Context, indexID string, date time.Time) ([]models.IndexConstituent, error) {
	d := models.NormalizeDate(date)
	return g.findConstituents(ctx, func(q *gorm.DB) *gorm.DB {
		return q.Where("index_id = ? AND date_added <= ? AND (date_removed IS NULL OR date_removed > ?)", indexID, d, d)
	})
}

// ConstituentsAddedBetween implements ConstituentStore.
func (g *GormUniverseStore) ConstituentsAddedBetween(ctx context.Context, indexID string, from, to time.Time) ([]models.IndexConstituent, error) {
	return g.findConstituents(ctx, func(q *gorm.DB) *gorm.DB {
		return q.Where("index_id = ? AND date_added >= ? AND date_added <= ?",
			indexID, models.NormalizeDate(from), models.NormalizeDate(to))
	})
}

// ConstituentsRemovedBetween implements ConstituentStore.
func (g *GormUniverseStore) ConstituentsRemovedBetween(ctx context.Context, indexID string, from, to time.Time) ([]models.IndexConstituent, error) {
	return g.findConstituents(ctx, func(q *gorm.DB) *gorm.DB {
		return q.Where("index_id = ? AND date_removed >= ? AND date_removed <= ?",
			indexID, models.NormalizeDate(from), models.NormalizeDate(to))
	})
}

// ConstituentHistory implements ConstituentStore.
func (g *GormUniverseStore) ConstituentHistory(ctx context.Context, indexID, symbol string) ([]models.IndexConstituent, error) {
	return g.findConstituents(ctx, func(q *gorm.DB) *gorm.DB {
		return q.Where("index_id = ? AND symbol = ?", indexID, symbol)
	})
}

// CurrentConstituents implements ConstituentStore.
func (g *GormUniverseStore) CurrentConstituents(ctx context.Context, indexID string) ([]models.IndexConstituent, error) {
	return g.findConstituents(ctx, func(q *gorm.DB) *gorm.DB {
		return q.Where("index_id = ? AND date_removed IS NULL", indexID)
	})
}

func toTickerChangeRecord(tc models.TickerChange) tickerChangeRecord {
	rec := tickerChangeRecord{
		OldSymbol:        tc.OldSymbol,
		NewSymbol:        tc.NewSymbol,
		ChangeDate:       models.NormalizeDate(tc.ChangeDate),
		ChangeType:       string(tc.ChangeType),
		Reason:           tc.Reason,
		AcquiringCompany: tc.AcquiringCompany,
	}
	if tc.ConversionRatio != nil {
		rec.ConversionRatio = decimal.NewNullDecimal(*tc.ConversionRatio)
	}
	return rec
}

func (r tickerChangeRecord) toModel() models.TickerChange {
	tc := models.TickerChange{
		OldSymbol:        r.OldSymbol,
		NewSymbol:        r.NewSymbol,
		ChangeDate:       r.ChangeDate.UTC(),
		ChangeType:       models.ChangeType(r.ChangeType),
		Reason:           r.Reason,
		AcquiringCompany: r.AcquiringCompany,
	}
	if r.ConversionRatio.Valid {
		v := r.ConversionRatio.Decimal
		tc.ConversionRatio = &v
	}
	return tc
}

// UpsertTickerChanges implements TickerChangeStore.
func (g *GormUniverseStore) UpsertTickerChanges(ctx context.Context, changes []models.TickerChange) error {
	if len(changes) == 0 {
		return nil
	}
	db, err := g.session(ctx, "insert", "ticker_changes")
	if err != nil {
		return err
	}

	index := make(map[changeKey]int, len(changes))
	records := make([]tickerChangeRecord, 0, len(changes))
	for i, tc := range changes {
		if err := tc.Validate(); err != nil {
			return NewInsertError("ticker_changes", fmt.Errorf("change at index %d: %w", i, err))
		}
		rec := toTickerChangeRecord(tc)
		key := changeKey{rec.OldSymbol, rec.NewSymbol, rec.ChangeDate}
		if j, ok := index[key]; ok {
			records[j] = rec
			continue
		}
		index[key] = len(records)
		records = append(records, rec)
	}

	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "old_symbol"}, {Name: "new_symbol"}, {Name: "change_date"}},
		DoUpdates: clause.AssignmentColumns([]string{"change_type", "conversion_ratio", "reason", "acquiring_company", "updated_at"}),
	}).Create(&records).Error
	if err != nil {
		return NewInsertError("ticker_changes", err)
	}
	return nil
}

func (g *GormUniverseStore) findChanges(ctx context.Context, query string, args ...any) ([]models.TickerChange, error) {
	db, err := g.session(ctx, "query", "ticker_changes")
	if err != nil {
		return nil, err
	}
	q := db.Model(&tickerChangeRecord{})
	if query != "" {
		q = q.Where(query, args...)
	}
	var rows []tickerChangeRecord
	if err := q.Order("change_date ASC, old_symbol ASC, new_symbol ASC").Find(&rows).Error; err != nil {
		return nil, NewQueryError("ticker_changes", query, err)
	}
	out := make([]models.TickerChange, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ChangesFrom implements TickerChangeStore.
func (g *GormUniverseStore) ChangesFrom(ctx context.Context, oldSymbol string) ([]models.TickerChange, error) {
	return g.findChanges(ctx, "old_symbol = ?", oldSymbol)
}

// ChangesTo implements TickerChangeStore.
func (g *GormUniverseStore) ChangesTo(ctx context.Context, newSymbol string) ([]models.TickerChange, error) {
	return g.findChanges(ctx, "new_symbol = ?", newSymbol)
}

// ListTickerChanges implements TickerChangeStore.
func (g *GormUniverseStore) ListTickerChanges(ctx context.Context) ([]models.TickerChange, error) {
	return g.findChanges(ctx, "")
}

func (r snapshotRecord) toModel() *models.UniverseSnapshot {
	s := &models.UniverseSnapshot{
		IndexID:       r.IndexID,
		SnapshotDate:  r.SnapshotDate.UTC(),
		Tickers:       r.Tickers,
		TickerCount:   r.TickerCount,
		SourceVersion: r.SourceVersion,
		CachedAt:      r.CachedAt.UTC(),
	}
	if r.ExpiresAt != nil {
		e := r.ExpiresAt.UTC()
		s.ExpiresAt = &e
	}
	return s
}

// SaveSnapshot implements SnapshotStore.
func (g *GormUniverseStore) SaveSnapshot(ctx context.Context, s models.UniverseSnapshot) error {
	db, err := g.session(ctx, "insert", "universe_snapshots")
	if err != nil {
		return err
	}

	rec := snapshotRecord{
		IndexID:       s.IndexID,
		SnapshotDate:  models.NormalizeDate(s.SnapshotDate),
		Tickers:       s.Tickers,
		TickerCount:   s.TickerCount,
		SourceVersion: s.SourceVersion,
		CachedAt:      s.CachedAt.UTC(),
	}
	if rec.Tickers == nil {
		rec.Tickers = []string{}
	}
	if s.ExpiresAt != nil {
		e := s.ExpiresAt.UTC()
		rec.ExpiresAt = &e
	}

	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "index_id"}, {Name: "snapshot_date"}},
		DoUpdates: clause.AssignmentColumns([]string{"tickers", "ticker_count", "source_version", "cached_at", "expires_at", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return NewInsertError("universe_snapshots", err)
	}
	return nil
}

func (g *GormUniverseStore) firstSnapshot(q *gorm.DB) (*models.UniverseSnapshot, error) {
	var rows []snapshotRecord
	if err := q.Limit(1).Find(&rows).Error; err != nil {
		return nil, NewQueryError("universe_snapshots", "", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toModel(), nil
}

// GetSnapshot implements SnapshotStore.
func (g *GormUniverseStore) GetSnapshot(ctx context.Context, indexID string, date time.Time) (*models.UniverseSnapshot, error) {
	db, err := g.session(ctx, "query", "universe_snapshots")
	if err != nil {
		return nil, err
	}
	return g.firstSnapshot(db.Where("index_id = ? AND snapshot_date = ?", indexID, models.NormalizeDate(date)))
}

// ClosestSnapshotBefore implements SnapshotStore.
func (g *GormUniverseStore) ClosestSnapshotBefore(ctx context.Context, indexID string, date, validAt time.Time) (*models.UniverseSnapshot, error) {
	db, err := g.session(ctx, "query", "universe_snapshots")
	if err != nil {
		return nil, err
	}
	return g.firstSnapshot(db.
		Where("index_id = ? AND snapshot_date <= ?", indexID, models.NormalizeDate(date)).
		Where("expires_at IS NULL OR expires_at > ?", validAt.UTC()).
		Order("snapshot_date DESC"))
}

// ListSnapshotDates implements SnapshotStore.
func (g *GormUniverseStore) ListSnapshotDates(ctx context.Context, indexID string) ([]time.Time, error) {
	db, err := g.session(ctx, "query", "universe_snapshots")
	if err != nil {
		return nil, err
	}
	var rows []snapshotRecord
	if err := db.Select("snapshot_date").Where("index_id = ?", indexID).Order("snapshot_date ASC").Find(&rows).Error; err != nil {
		return nil, NewQueryError("universe_snapshots", "", err)
	}
	dates := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		dates = append(dates, r.SnapshotDate.UTC())
	}
	return dates, nil
}

// PurgeExpiredSnapshots implements SnapshotStore.
func (g *GormUniverseStore) PurgeExpiredSnapshots(ctx context.Context, now time.Time) (int64, error) {
	db, err := g.session(ctx, "delete", "universe_snapshots")
	if err != nil {
		return 0, err
	}
	res := db.Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).Delete(&snapshotRecord{})
	if res.Error != nil {
		return 0, NewDeleteError("universe_snapshots", res.Error)
	}
	if res.RowsAffected > 0 {
		g.logger.Info("purged expired snapshots", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

var _ UniverseStore = (*GormUniverseStore)(nil)
