package universe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-market-integrity/internal/storage"
)

func TestSnapshotsRepository_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	repo := NewSnapshotsRepository(storage.NewMemoryStorage(), time.Hour, WithSnapshotClock(clock))

	saved, err := repo.Save(ctx, "SPX", day("2024-04-30"), []string{"AAPL", "MSFT"}, "v1")
	require.NoError(t, err)
	assert.Equal(t, 2, saved.TickerCount)
	assert.True(t, saved.CachedAt.Equal(now))
	require.NotNil(t, saved.ExpiresAt)
	assert.True(t, saved.ExpiresAt.Equal(now.Add(time.Hour)))

	got, err := repo.Get(ctx, "SPX", day("2024-04-30"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"AAPL", "MSFT"}, got.Tickers)
	assert.Equal(t, "v1", got.SourceVersion)

	now = now.Add(time.Hour)
	got, err = repo.Get(ctx, "SPX", day("2024-04-30"))
	require.NoError(t, err)
	assert.Nil(t, got, "snapshot expires exactly at its expiry time")

	closest, err := repo.GetClosestBefore(ctx, "SPX", day("2024-05-01"))
	require.NoError(t, err)
	assert.Nil(t, closest)

	n, err := repo.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	dates, err := repo.ListDates(ctx, "SPX")
	require.NoError(t, err)
	assert.Empty(t, dates)
}

func TestSnapshotsRepository_ClosestBefore(t *testing.T) {
	ctx := context.Background()
	repo := NewSnapshotsRepository(storage.NewMemoryStorage(), 0)

	for _, d := range []string{"2024-01-02", "2024-02-01", "2024-03-01"} {
		_, err := repo.Save(ctx, "SPX", day(d), []string{"AAPL"}, "")
		require.NoError(t, err)
	}

	got, err := repo.GetClosestBefore(ctx, "SPX", day("2024-02-15"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.SnapshotDate.Equal(day("2024-02-01")))
	assert.Nil(t, got.ExpiresAt, "zero ttl never expires")

	got, err = repo.GetClosestBefore(ctx, "SPX", day("2024-03-01"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.SnapshotDate.Equal(day("2024-03-01")))

	got, err = repo.GetClosestBefore(ctx, "SPX", day("2023-12-31"))
	require.NoError(t, err)
	assert.Nil(t, got)

	dates, err := repo.ListDates(ctx, "SPX")
	require.NoError(t, err)
	assert.Len(t, dates, 3)
}
