package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

// createTestDuckDBStorage creates an initialized in-memory DuckDB store.
func createTestDuckDBStorage(t *testing.T) *DuckDBStorage {
	t.Helper()

	store, err := NewDuckDBStorage(":memory:", slog.Default())
	require.NoError(t, err, "failed to create test DuckDB storage")
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDuckDBStorage_CandleStore(t *testing.T) {
	testCandleStore(t, createTestDuckDBStorage(t))
}

func TestDuckDBStorage_InitializeIsIdempotent(t *testing.T) {
	store := createTestDuckDBStorage(t)
	assert.NoError(t, store.Initialize(context.Background()))
	assert.NoError(t, store.HealthCheck(context.Background()))
}

func TestDuckDBStorage_DuplicateKeysInBatch(t *testing.T) {
	store := createTestDuckDBStorage(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

	batch := createTestCandles("AAPL", models.Timeframe1m, 2, start)
	dup := batch[0]
	dup.Volume = 7
	batch = append(batch, dup)

	n, err := store.UpsertCandles(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	resp, err := store.Query(ctx, QueryRequest{Symbol: "AAPL", Timeframe: models.Timeframe1m})
	require.NoError(t, err)
	require.Len(t, resp.Candles, 2)
	assert.Equal(t, int64(7), resp.Candles[0].Volume)
}

func TestDuckDBStorage_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candles.duckdb")
	ctx := context.Background()
	start := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

	store, err := NewDuckDBStorage(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(ctx))
	_, err = store.UpsertCandles(ctx, createTestCandles("SPY", models.Timeframe1d, 5, start))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewDuckDBStorage(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Initialize(ctx))

	last, err := reopened.GetLastCandle(ctx, "SPY", models.Timeframe1d)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Timestamp.Equal(start.Add(4*24*time.Hour)))
}

func TestDuckDBStorage_Closed(t *testing.T) {
	store, err := NewDuckDBStorage(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	ctx := context.Background()
	_, err = store.UpsertCandles(ctx, createTestCandles("AAPL", models.Timeframe1m, 1, time.Now()))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = store.GetLastCandle(ctx, "AAPL", models.Timeframe1m)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.HealthCheck(ctx), ErrClosed)
}
