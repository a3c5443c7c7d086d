package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

// createTestCandles generates a contiguous series with a gentle upward drift.
func createTestCandles(symbol string, tf models.Timeframe, count int, start time.Time) []models.Candle {
	candles := make([]models.Candle, count)
	base := decimal.NewFromInt(100)
	for i := 0; i < count; i++ {
		open := base.Add(decimal.NewFromFloat(0.25).Mul(decimal.NewFromInt(int64(i))))
		candles[i] = models.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			Timestamp: start.Add(time.Duration(i) * tf.Duration()),
			Open:      open,
			High:      open.Add(decimal.NewFromInt(1)),
			Low:       open.Sub(decimal.NewFromInt(1)),
			Close:     open.Add(decimal.NewFromFloat(0.5)),
			Volume:    int64(1000 + i*10),
			Provider:  "test",
		}
	}
	return candles
}

func date(s string) time.Time {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func datePtr(s string) *time.Time {
	d := date(s)
	return &d
}

// testCandleStore exercises the CandleStore contract shared by every backend.
func testCandleStore(t *testing.T, store CandleStorage) {
	ctx := context.Background()
	start := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

	t.Run("empty series has no last candle", func(t *testing.T) {
		last, err := store.GetLastCandle(ctx, "NONE", models.Timeframe1m)
		require.NoError(t, err)
		assert.Nil(t, last)
	})

	t.Run("upsert and query round trip", func(t *testing.T) {
		candles := createTestCandles("AAPL", models.Timeframe1m, 10, start)
		vwap := decimal.RequireFromString("100.123456")
		trades := int64(42)
		candles[0].VWAP = &vwap
		candles[0].TradeCount = &trades
		candles[0].QualityFlags = []string{models.FlagInterpolated}
		candles[0].Interpolated = true

		n, err := store.UpsertCandles(ctx, candles)
		require.NoError(t, err)
		assert.Equal(t, 10, n)

		resp, err := store.Query(ctx, QueryRequest{Symbol: "AAPL", Timeframe: models.Timeframe1m})
		require.NoError(t, err)
		require.Len(t, resp.Candles, 10)
		assert.Equal(t, 10, resp.Total)
		assert.False(t, resp.HasMore)

		first := resp.Candles[0]
		assert.True(t, first.Timestamp.Equal(start))
		assert.True(t, first.Open.Equal(candles[0].Open))
		require.NotNil(t, first.VWAP)
		assert.True(t, first.VWAP.Equal(vwap))
		require.NotNil(t, first.TradeCount)
		assert.Equal(t, int64(42), *first.TradeCount)
		assert.True(t, first.Interpolated)
		assert.Equal(t, []string{models.FlagInterpolated}, first.QualityFlags)
		assert.Nil(t, resp.Candles[1].VWAP)
		assert.Nil(t, resp.Candles[1].TradeCount)
	})

	t.Run("upsert overwrites by key", func(t *testing.T) {
		updated := createTestCandles("AAPL", models.Timeframe1m, 1, start)
		updated[0].Close = decimal.RequireFromString("100.75")
		updated[0].Volume = 5

		_, err := store.UpsertCandles(ctx, updated)
		require.NoError(t, err)

		resp, err := store.Query(ctx, QueryRequest{Symbol: "AAPL", Timeframe: models.Timeframe1m, Limit: 1})
		require.NoError(t, err)
		require.Len(t, resp.Candles, 1)
		assert.Equal(t, 10, resp.Total)
		assert.True(t, resp.Candles[0].Close.Equal(decimal.RequireFromString("100.75")))
		assert.Equal(t, int64(5), resp.Candles[0].Volume)
	})

	t.Run("range is start inclusive end exclusive", func(t *testing.T) {
		resp, err := store.Query(ctx, QueryRequest{
			Symbol:    "AAPL",
			Timeframe: models.Timeframe1m,
			Start:     start.Add(2 * time.Minute),
			End:       start.Add(5 * time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, resp.Candles, 3)
		assert.True(t, resp.Candles[0].Timestamp.Equal(start.Add(2*time.Minute)))
		assert.True(t, resp.Candles[2].Timestamp.Equal(start.Add(4*time.Minute)))
	})

	t.Run("pagination and descending order", func(t *testing.T) {
		resp, err := store.Query(ctx, QueryRequest{
			Symbol:    "AAPL",
			Timeframe: models.Timeframe1m,
			Limit:     4,
			Offset:    2,
			OrderBy:   OrderTimestampDesc,
		})
		require.NoError(t, err)
		require.Len(t, resp.Candles, 4)
		assert.True(t, resp.HasMore)
		assert.Equal(t, 6, resp.NextOffset)
		assert.True(t, resp.Candles[0].Timestamp.Equal(start.Add(7*time.Minute)))
		assert.True(t, resp.Candles[0].Timestamp.After(resp.Candles[1].Timestamp))
	})

	t.Run("last candle", func(t *testing.T) {
		last, err := store.GetLastCandle(ctx, "AAPL", models.Timeframe1m)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.True(t, last.Timestamp.Equal(start.Add(9*time.Minute)))
	})

	t.Run("series are isolated by timeframe", func(t *testing.T) {
		_, err := store.UpsertCandles(ctx, createTestCandles("AAPL", models.Timeframe5m, 3, start))
		require.NoError(t, err)

		resp, err := store.Query(ctx, QueryRequest{Symbol: "AAPL", Timeframe: models.Timeframe5m})
		require.NoError(t, err)
		assert.Len(t, resp.Candles, 3)
	})

	t.Run("invalid candle rejects the batch", func(t *testing.T) {
		bad := createTestCandles("MSFT", models.Timeframe1m, 2, start)
		bad[1].High = decimal.NewFromInt(1)

		_, err := store.UpsertCandles(ctx, bad)
		require.Error(t, err)
		var serr *StorageError
		assert.ErrorAs(t, err, &serr)

		resp, err := store.Query(ctx, QueryRequest{Symbol: "MSFT", Timeframe: models.Timeframe1m})
		require.NoError(t, err)
		assert.Empty(t, resp.Candles)
	})

	t.Run("invalid query", func(t *testing.T) {
		_, err := store.Query(ctx, QueryRequest{Timeframe: models.Timeframe1m})
		assert.Error(t, err)
	})

	t.Run("purge removes only older candles", func(t *testing.T) {
		n, err := store.PurgeCandles(ctx, "AAPL", models.Timeframe1m, start.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		resp, err := store.Query(ctx, QueryRequest{Symbol: "AAPL", Timeframe: models.Timeframe1m})
		require.NoError(t, err)
		assert.Len(t, resp.Candles, 7)
	})
}

// testUniverseStore exercises the reference-data contract shared by every backend.
func testUniverseStore(t *testing.T, store UniverseStore) {
	ctx := context.Background()

	t.Run("constituent intervals", func(t *testing.T) {
		marketCap := decimal.RequireFromString("2500000000000")
		require.NoError(t, store.UpsertConstituents(ctx, []models.IndexConstituent{
			{IndexID: "SPX", Symbol: "AAPL", DateAdded: date("2000-01-01"), MarketCapAtAdd: &marketCap, Sector: "Tech"},
			{IndexID: "SPX", Symbol: "XOM", DateAdded: date("2000-01-01"), DateRemoved: datePtr("2020-08-31")},
			{IndexID: "SPX", Symbol: "TSLA", DateAdded: date("2020-12-21")},
			{IndexID: "NDX", Symbol: "AAPL", DateAdded: date("2001-01-01")},
		}))

		got, err := store.ConstituentsAsOf(ctx, "SPX", date("2020-08-31"))
		require.NoError(t, err)
		assert.Equal(t, []string{"AAPL"}, constituentSymbols(got))

		got, err = store.ConstituentsAsOf(ctx, "SPX", date("2020-08-30"))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"AAPL", "XOM"}, constituentSymbols(got))
		for _, c := range got {
			if c.Symbol == "AAPL" {
				require.NotNil(t, c.MarketCapAtAdd)
				assert.True(t, c.MarketCapAtAdd.Equal(marketCap))
				assert.Equal(t, "Tech", c.Sector)
			}
		}

		current, err := store.CurrentConstituents(ctx, "SPX")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"AAPL", "TSLA"}, constituentSymbols(current))

		added, err := store.ConstituentsAddedBetween(ctx, "SPX", date("2020-01-01"), date("2020-12-31"))
		require.NoError(t, err)
		assert.Equal(t, []string{"TSLA"}, constituentSymbols(added))

		removed, err := store.ConstituentsRemovedBetween(ctx, "SPX", date("2020-08-31"), date("2020-08-31"))
		require.NoError(t, err)
		assert.Equal(t, []string{"XOM"}, constituentSymbols(removed))
	})

	t.Run("upsert closes an open interval", func(t *testing.T) {
		require.NoError(t, store.UpsertConstituents(ctx, []models.IndexConstituent{
			{IndexID: "SPX", Symbol: "TSLA", DateAdded: date("2020-12-21"), DateRemoved: datePtr("2024-01-02"), ReasonRemoved: "test"},
			{IndexID: "SPX", Symbol: "TSLA", DateAdded: date("2024-06-03")},
		}))

		history, err := store.ConstituentHistory(ctx, "SPX", "TSLA")
		require.NoError(t, err)
		require.Len(t, history, 2)
		require.NotNil(t, history[0].DateRemoved)
		assert.True(t, history[0].DateRemoved.Equal(date("2024-01-02")))
		assert.Equal(t, "test", history[0].ReasonRemoved)
		assert.Nil(t, history[1].DateRemoved)

		got, err := store.ConstituentsAsOf(ctx, "SPX", date("2024-03-01"))
		require.NoError(t, err)
		assert.NotContains(t, constituentSymbols(got), "TSLA")
	})

	t.Run("invalid constituent", func(t *testing.T) {
		err := store.UpsertConstituents(ctx, []models.IndexConstituent{
			{IndexID: "SPX", Symbol: "BAD", DateAdded: date("2020-01-02"), DateRemoved: datePtr("2020-01-02")},
		})
		assert.Error(t, err)
	})

	t.Run("ticker changes", func(t *testing.T) {
		ratio := decimal.NewFromInt(1)
		require.NoError(t, store.UpsertTickerChanges(ctx, []models.TickerChange{
			{OldSymbol: "FB", NewSymbol: "META", ChangeDate: date("2022-06-09"), ChangeType: models.ChangeRename, ConversionRatio: &ratio},
			{OldSymbol: "TWTR", NewSymbol: "X", ChangeDate: date("2023-07-24"), ChangeType: models.ChangeAcquisition},
		}))
		// Replaying an edge is idempotent.
		require.NoError(t, store.UpsertTickerChanges(ctx, []models.TickerChange{
			{OldSymbol: "FB", NewSymbol: "META", ChangeDate: date("2022-06-09"), ChangeType: models.ChangeRename, Reason: "rebrand"},
		}))

		from, err := store.ChangesFrom(ctx, "FB")
		require.NoError(t, err)
		require.Len(t, from, 1)
		assert.Equal(t, "META", from[0].NewSymbol)
		assert.Equal(t, "rebrand", from[0].Reason)

		to, err := store.ChangesTo(ctx, "META")
		require.NoError(t, err)
		require.Len(t, to, 1)
		assert.Equal(t, "FB", to[0].OldSymbol)

		all, err := store.ListTickerChanges(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "FB", all[0].OldSymbol)

		none, err := store.ChangesFrom(ctx, "ZZZ")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("snapshots", func(t *testing.T) {
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		expires := now.Add(24 * time.Hour)
		require.NoError(t, store.SaveSnapshot(ctx, models.UniverseSnapshot{
			IndexID: "SPX", SnapshotDate: date("2024-01-02"), Tickers: []string{"AAPL", "MSFT"},
			TickerCount: 2, CachedAt: now, ExpiresAt: &expires,
		}))
		expired := now.Add(-time.Hour)
		require.NoError(t, store.SaveSnapshot(ctx, models.UniverseSnapshot{
			IndexID: "SPX", SnapshotDate: date("2024-02-01"), Tickers: []string{"AAPL"},
			TickerCount: 1, CachedAt: now.Add(-2 * time.Hour), ExpiresAt: &expired,
		}))

		got, err := store.GetSnapshot(ctx, "SPX", date("2024-01-02"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, []string{"AAPL", "MSFT"}, got.Tickers)
		assert.Equal(t, 2, got.TickerCount)

		missing, err := store.GetSnapshot(ctx, "SPX", date("2023-01-02"))
		require.NoError(t, err)
		assert.Nil(t, missing)

		closest, err := store.ClosestSnapshotBefore(ctx, "SPX", date("2024-03-01"), now)
		require.NoError(t, err)
		require.NotNil(t, closest)
		assert.True(t, closest.SnapshotDate.Equal(date("2024-01-02")), "expired snapshot must be skipped")

		dates, err := store.ListSnapshotDates(ctx, "SPX")
		require.NoError(t, err)
		require.Len(t, dates, 2)
		assert.True(t, dates[0].Before(dates[1]))

		purged, err := store.PurgeExpiredSnapshots(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)

		dates, err = store.ListSnapshotDates(ctx, "SPX")
		require.NoError(t, err)
		assert.Len(t, dates, 1)
	})
}

func constituentSymbols(cs []models.IndexConstituent) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Symbol)
	}
	return out
}

func TestQueryRequestValidate(t *testing.T) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		req     QueryRequest
		wantErr bool
	}{
		{"valid", QueryRequest{Symbol: "AAPL", Timeframe: models.Timeframe1d}, false},
		{"missing symbol", QueryRequest{Timeframe: models.Timeframe1d}, true},
		{"bad timeframe", QueryRequest{Symbol: "AAPL", Timeframe: "7m"}, true},
		{"end before start", QueryRequest{Symbol: "AAPL", Timeframe: models.Timeframe1d, Start: start, End: start}, true},
		{"negative limit", QueryRequest{Symbol: "AAPL", Timeframe: models.Timeframe1d, Limit: -1}, true},
		{"bad order", QueryRequest{Symbol: "AAPL", Timeframe: models.Timeframe1d, OrderBy: "sideways"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func snapshotFixture(indexID, day string, tickers ...string) models.UniverseSnapshot {
	return models.UniverseSnapshot{
		IndexID:      indexID,
		SnapshotDate: date(day),
		Tickers:      tickers,
		TickerCount:  len(tickers),
		CachedAt:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}
