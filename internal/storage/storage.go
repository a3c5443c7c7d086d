// Package storage defines the persistence contract used by ingestion and
// universe resolution, together with its backends: an in-memory store, a
// DuckDB candle store and a GORM-backed relational store for reference data.
//
// Reads that find nothing return nil or an empty slice rather than an error.
// Every write is a natural-key upsert, so replays are idempotent.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage is closed")

// CandleStorer persists candles.
type CandleStorer interface {
	// UpsertCandles writes candles keyed by (symbol, timeframe, timestamp),
	// overwriting existing rows, and returns the number written.
	UpsertCandles(ctx context.Context, candles []models.Candle) (int, error)
}

// CandleReader retrieves candles.
type CandleReader interface {
	// Query returns candles matching the request.
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)

	// GetLastCandle returns the newest candle for a series, or nil when none exists.
	GetLastCandle(ctx context.Context, symbol string, tf models.Timeframe) (*models.Candle, error)
}

// CandleRetention removes old candles. It is the only path that deletes candles.
type CandleRetention interface {
	PurgeCandles(ctx context.Context, symbol string, tf models.Timeframe, before time.Time) (int64, error)
}

// CandleStore combines every candle operation.
type CandleStore interface {
	CandleStorer
	CandleReader
	CandleRetention
}

// ConstituentStore persists index membership intervals.
type ConstituentStore interface {
	// UpsertConstituents writes intervals keyed by (index, symbol, date added);
	// on conflict only the removal fields and descriptive columns change.
	UpsertConstituents(ctx context.Context, constituents []models.IndexConstituent) error

	// ConstituentsAsOf returns intervals with DateAdded <= date and
	// (DateRemoved is nil or DateRemoved > date).
	ConstituentsAsOf(ctx context.Context, indexID string, date time.Time) ([]models.IndexConstituent, error)

	// ConstituentsAddedBetween returns intervals whose DateAdded lies in [from, to].
	ConstituentsAddedBetween(ctx context.Context, indexID string, from, to time.Time) ([]models.IndexConstituent, error)

	// ConstituentsRemovedBetween returns intervals whose DateRemoved lies in [from, to].
	ConstituentsRemovedBetween(ctx context.Context, indexID string, from, to time.Time) ([]models.IndexConstituent, error)

	// ConstituentHistory returns every interval of a symbol ordered by DateAdded.
	ConstituentHistory(ctx context.Context, indexID, symbol string) ([]models.IndexConstituent, error)

	// CurrentConstituents returns intervals that have not been closed.
	CurrentConstituents(ctx context.Context, indexID string) ([]models.IndexConstituent, error)
}

// TickerChangeStore persists the symbol rename graph.
type TickerChangeStore interface {
	// UpsertTickerChanges writes edges keyed by (old symbol, new symbol, change date).
	UpsertTickerChanges(ctx context.Context, changes []models.TickerChange) error

	// ChangesFrom returns the outgoing edges of a symbol.
	ChangesFrom(ctx context.Context, oldSymbol string) ([]models.TickerChange, error)

	// ChangesTo returns the incoming edges of a symbol.
	ChangesTo(ctx context.Context, newSymbol string) ([]models.TickerChange, error)

	// ListTickerChanges returns every edge ordered by change date.
	ListTickerChanges(ctx context.Context) ([]models.TickerChange, error)
}

// SnapshotStore persists materialized universe snapshots.
type SnapshotStore interface {
	// SaveSnapshot upserts by (index, snapshot date).
	SaveSnapshot(ctx context.Context, snapshot models.UniverseSnapshot) error

	// GetSnapshot returns the snapshot for an exact date regardless of expiry, or nil.
	GetSnapshot(ctx context.Context, indexID string, date time.Time) (*models.UniverseSnapshot, error)

	// ClosestSnapshotBefore returns the newest snapshot dated on or before date
	// that has not expired at validAt, or nil.
	ClosestSnapshotBefore(ctx context.Context, indexID string, date, validAt time.Time) (*models.UniverseSnapshot, error)

	// ListSnapshotDates returns the stored snapshot dates in ascending order.
	ListSnapshotDates(ctx context.Context, indexID string) ([]time.Time, error)

	// PurgeExpiredSnapshots deletes rows whose expiry is at or before now.
	PurgeExpiredSnapshots(ctx context.Context, now time.Time) (int64, error)
}

// HealthChecker provides health monitoring for storage backends.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StorageManager handles backend lifecycle.
type StorageManager interface {
	// Initialize creates tables and indexes. It is idempotent.
	Initialize(ctx context.Context) error
	Close() error
	HealthChecker
}

// UniverseStore combines the reference-data stores.
type UniverseStore interface {
	ConstituentStore
	TickerChangeStore
	SnapshotStore
	StorageManager
}

// CandleStorage is a managed candle backend.
type CandleStorage interface {
	CandleStore
	StorageManager
}

// FullStorage is implemented by backends that hold both candles and reference data.
type FullStorage interface {
	CandleStore
	ConstituentStore
	TickerChangeStore
	SnapshotStore
	StorageManager
}

// Ordering values for QueryRequest.OrderBy.
const (
	OrderTimestampAsc  = "timestamp_asc"
	OrderTimestampDesc = "timestamp_desc"
)

// QueryRequest filters stored candles.
type QueryRequest struct {
	Symbol    string
	Timeframe models.Timeframe

	// Start is inclusive; a zero value means unbounded.
	Start time.Time
	// End is exclusive; a zero value means unbounded.
	End time.Time

	// Limit caps the number of results (0 = no limit).
	Limit  int
	Offset int

	// OrderBy is OrderTimestampAsc (default) or OrderTimestampDesc.
	OrderBy string
}

// Validate checks the request for required fields.
func (r *QueryRequest) Validate() error {
	if r.Symbol == "" {
		return errors.New("symbol is required")
	}
	if !r.Timeframe.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownTimeframe, r.Timeframe)
	}
	if !r.Start.IsZero() && !r.End.IsZero() && !r.End.After(r.Start) {
		return errors.New("end must be after start")
	}
	if r.Limit < 0 || r.Offset < 0 {
		return errors.New("limit and offset must be non-negative")
	}
	switch r.OrderBy {
	case "", OrderTimestampAsc, OrderTimestampDesc:
	default:
		return fmt.Errorf("invalid order %q", r.OrderBy)
	}
	return nil
}

// QueryResponse contains the results of a candle query.
type QueryResponse struct {
	Candles []models.Candle
	// Total is the number of matches before limit and offset.
	Total      int
	HasMore    bool
	NextOffset int
	QueryTime  time.Duration
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	Operation string
	Table     string
	Query     string
	Err       error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Query: query, Err: err}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Query: query, Err: err}
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}

// NewDeleteError creates a StorageError for delete operations.
func NewDeleteError(table string, err error) *StorageError {
	return &StorageError{Operation: "delete", Table: table, Err: err}
}

// paginate applies offset and limit to an ordered result set.
func paginate(candles []models.Candle, req QueryRequest) *QueryResponse {
	total := len(candles)
	start := min(req.Offset, total)
	end := total
	if req.Limit > 0 {
		end = min(start+req.Limit, total)
	}
	page := make([]models.Candle, end-start)
	copy(page, candles[start:end])
	return &QueryResponse{
		Candles:    page,
		Total:      total,
		HasMore:    end < total,
		NextOffset: end,
	}
}
