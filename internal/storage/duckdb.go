package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

// DuckDBStorage stores candles in DuckDB. Prices are kept as DECIMAL columns
// and read back through their text form so no precision is lost on the way out.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool
}

// NewDuckDBStorage opens a DuckDB database. dbPath may be ":memory:".
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// DuckDB allows a single writer; an in-memory database also lives on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger.With("component", "duckdb_storage"),
	}, nil
}

const createCandlesTable = `
CREATE TABLE IF NOT EXISTS candles (
	symbol VARCHAR NOT NULL,
	timeframe VARCHAR NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	open DECIMAL(18,6) NOT NULL,
	high DECIMAL(18,6) NOT NULL,
	low DECIMAL(18,6) NOT NULL,
	close DECIMAL(18,6) NOT NULL,
	volume BIGINT NOT NULL,
	vwap DECIMAL(18,6),
	trade_count BIGINT,
	adjusted BOOLEAN NOT NULL DEFAULT false,
	split_adjusted BOOLEAN NOT NULL DEFAULT false,
	dividend_adjusted BOOLEAN NOT NULL DEFAULT false,
	interpolated BOOLEAN NOT NULL DEFAULT false,
	quality_flags VARCHAR NOT NULL DEFAULT '',
	provider VARCHAR NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
	CONSTRAINT candles_pk PRIMARY KEY (symbol, timeframe, ts),
	CONSTRAINT candles_ohlc_valid CHECK (high >= open AND high >= close AND low <= open AND low <= close AND low <= high),
	CONSTRAINT candles_volume_non_negative CHECK (volume >= 0)
)`

// Initialize implements StorageManager.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return NewStorageError("initialize", "", "", ErrClosed)
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	for _, setting := range []string{"SET enable_progress_bar = false", "SET TimeZone = 'UTC'"} {
		if _, err := d.db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to apply setting", "setting", setting, "error", err)
		}
	}

	if _, err := d.db.ExecContext(ctx, createCandlesTable); err != nil {
		return NewStorageError("initialize", "candles", createCandlesTable, fmt.Errorf("failed to create candles table: %w", err))
	}
	return nil
}

// Close implements StorageManager.
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.db.Close(); err != nil {
		return NewStorageError("close", "", "", err)
	}
	d.logger.Info("DuckDB storage closed")
	return nil
}

// HealthCheck implements HealthChecker.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return NewStorageError("health_check", "", "", ErrClosed)
	}

	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", err)
	}
	return nil
}

const upsertCandle = `
INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume, vwap, trade_count,
	adjusted, split_adjusted, dividend_adjusted, interpolated, quality_flags, provider, updated_at)
VALUES (?, ?, ?, CAST(? AS DECIMAL(18,6)), CAST(? AS DECIMAL(18,6)), CAST(? AS DECIMAL(18,6)), CAST(? AS DECIMAL(18,6)),
	?, CAST(? AS DECIMAL(18,6)), ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
	open = EXCLUDED.open,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	close = EXCLUDED.close,
	volume = EXCLUDED.volume,
	vwap = EXCLUDED.vwap,
	trade_count = EXCLUDED.trade_count,
	adjusted = EXCLUDED.adjusted,
	split_adjusted = EXCLUDED.split_adjusted,
	dividend_adjusted = EXCLUDED.dividend_adjusted,
	interpolated = EXCLUDED.interpolated,
	quality_flags = EXCLUDED.quality_flags,
	provider = EXCLUDED.provider,
	updated_at = EXCLUDED.updated_at`

// UpsertCandles implements CandleStorer. The batch is written in one
// transaction; a duplicate key inside the batch keeps the last occurrence.
func (d *DuckDBStorage) UpsertCandles(ctx context.Context, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return 0, NewInsertError("candles", fmt.Errorf("candle at index %d: %w", i, err))
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0, NewInsertError("candles", ErrClosed)
	}

	start := time.Now()
	batch := dedupeCandles(candles)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewInsertError("candles", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, upsertCandle)
	if err != nil {
		return 0, NewInsertError("candles", fmt.Errorf("failed to prepare upsert: %w", err))
	}
	defer stmt.Close()

	for _, c := range batch {
		if _, err := stmt.ExecContext(ctx, candleArgs(c)...); err != nil {
			return 0, NewInsertError("candles", fmt.Errorf("failed to upsert candle %s: %w", c.String(), err))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, NewInsertError("candles", fmt.Errorf("failed to commit: %w", err))
	}

	d.logger.Debug("upserted candles", "count", len(batch), "duration", time.Since(start))
	return len(batch), nil
}

// dedupeCandles keeps the last candle per key, preserving first-seen order.
// DuckDB rejects an upsert that touches the same row twice in one transaction.
func dedupeCandles(candles []models.Candle) []models.Candle {
	index := make(map[models.CandleKey]int, len(candles))
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		k := c.Key()
		if i, ok := index[k]; ok {
			out[i] = c
			continue
		}
		index[k] = len(out)
		out = append(out, c)
	}
	return out
}

func candleArgs(c models.Candle) []any {
	var vwap, trades any
	if c.VWAP != nil {
		vwap = c.VWAP.String()
	}
	if c.TradeCount != nil {
		trades = *c.TradeCount
	}
	return []any{
		c.Symbol, string(c.Timeframe), c.Timestamp.UTC(),
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
		c.Volume, vwap, trades,
		c.Adjusted, c.SplitAdjusted, c.DividendAdjusted, c.Interpolated,
		strings.Join(c.QualityFlags, ","), c.Provider,
	}
}

const candleColumns = `symbol, timeframe, ts,
	CAST(open AS VARCHAR), CAST(high AS VARCHAR), CAST(low AS VARCHAR), CAST(close AS VARCHAR),
	volume, CAST(vwap AS VARCHAR), trade_count,
	adjusted, split_adjusted, dividend_adjusted, interpolated, quality_flags, provider`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(row rowScanner) (models.Candle, error) {
	var (
		c                      models.Candle
		tf                     string
		open, high, low, close string
		vwap                   sql.NullString
		trades                 sql.NullInt64
		flags                  string
	)
	if err := row.Scan(&c.Symbol, &tf, &c.Timestamp, &open, &high, &low, &close,
		&c.Volume, &vwap, &trades,
		&c.Adjusted, &c.SplitAdjusted, &c.DividendAdjusted, &c.Interpolated, &flags, &c.Provider); err != nil {
		return c, err
	}

	c.Timeframe = models.Timeframe(tf)
	c.Timestamp = c.Timestamp.UTC()
	var err error
	if c.Open, err = decimal.NewFromString(open); err != nil {
		return c, fmt.Errorf("invalid open %q: %w", open, err)
	}
	if c.High, err = decimal.NewFromString(high); err != nil {
		return c, fmt.Errorf("invalid high %q: %w", high, err)
	}
	if c.Low, err = decimal.NewFromString(low); err != nil {
		return c, fmt.Errorf("invalid low %q: %w", low, err)
	}
	if c.Close, err = decimal.NewFromString(close); err != nil {
		return c, fmt.Errorf("invalid close %q: %w", close, err)
	}
	if vwap.Valid {
		v, err := decimal.NewFromString(vwap.String)
		if err != nil {
			return c, fmt.Errorf("invalid vwap %q: %w", vwap.String, err)
		}
		c.VWAP = &v
	}
	if trades.Valid {
		n := trades.Int64
		c.TradeCount = &n
	}
	if flags != "" {
		c.QualityFlags = strings.Split(flags, ",")
	}
	return c, nil
}

// buildWhere renders the filter shared by Query and its count.
func buildWhere(req QueryRequest) (string, []any) {
	conds := []string{"symbol = ?", "timeframe = ?"}
	args := []any{req.Symbol, string(req.Timeframe)}
	if !req.Start.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, req.Start.UTC())
	}
	if !req.End.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, req.End.UTC())
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query implements CandleReader.
func (d *DuckDBStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, NewQueryError("candles", "", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, NewQueryError("candles", "", ErrClosed)
	}

	where, args := buildWhere(req)

	countQuery := "SELECT COUNT(*) FROM candles" + where
	var total int
	if err := d.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, NewQueryError("candles", countQuery, fmt.Errorf("failed to count: %w", err))
	}

	order := "ASC"
	if req.OrderBy == OrderTimestampDesc {
		order = "DESC"
	}
	query := "SELECT " + candleColumns + " FROM candles" + where + " ORDER BY ts " + order
	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", req.Limit)
	}
	if req.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", req.Offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("candles", query, fmt.Errorf("failed to execute query: %w", err))
	}
	defer rows.Close()

	candles := make([]models.Candle, 0, req.Limit)
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, NewQueryError("candles", query, fmt.Errorf("failed to scan row: %w", err))
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("candles", query, fmt.Errorf("row iteration error: %w", err))
	}

	next := min(req.Offset, total) + len(candles)
	return &QueryResponse{
		Candles:    candles,
		Total:      total,
		HasMore:    next < total,
		NextOffset: next,
		QueryTime:  time.Since(start),
	}, nil
}

// GetLastCandle implements CandleReader.
func (d *DuckDBStorage) GetLastCandle(ctx context.Context, symbol string, tf models.Timeframe) (*models.Candle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, NewQueryError("candles", "", ErrClosed)
	}

	query := "SELECT " + candleColumns + " FROM candles WHERE symbol = ? AND timeframe = ? ORDER BY ts DESC LIMIT 1"
	c, err := scanCandle(d.db.QueryRowContext(ctx, query, symbol, string(tf)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("candles", query, err)
	}
	return &c, nil
}

// PurgeCandles implements CandleRetention.
func (d *DuckDBStorage) PurgeCandles(ctx context.Context, symbol string, tf models.Timeframe, before time.Time) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0, NewDeleteError("candles", ErrClosed)
	}

	res, err := d.db.ExecContext(ctx,
		"DELETE FROM candles WHERE symbol = ? AND timeframe = ? AND ts < ?", symbol, string(tf), before.UTC())
	if err != nil {
		return 0, NewDeleteError("candles", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, NewDeleteError("candles", err)
	}
	d.logger.Info("purged candles", "symbol", symbol, "timeframe", tf, "before", before, "count", n)
	return n, nil
}

var _ CandleStorage = (*DuckDBStorage)(nil)
