package universe

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-market-integrity/internal/storage"
)

const seedDoc = `
index_id: SP500
provider: manual
constituents:
  - {symbol: aapl, added: 1982-11-30, sector: Technology, market_cap: "1500000000"}
  - {symbol: FB, added: 2013-12-23}
  - {symbol: TWTR, added: 2018-06-07, removed: 2022-10-28, reason_removed: acquired}
ticker_changes:
  - {old: FB, new: META, date: 2022-06-09}
`

func TestParseSeed(t *testing.T) {
	constituents, changes, err := ParseSeed(strings.NewReader(seedDoc))
	require.NoError(t, err)
	require.Len(t, constituents, 3)
	require.Len(t, changes, 1)

	assert.Equal(t, "AAPL", constituents[0].Symbol)
	assert.Equal(t, "SP500", constituents[0].IndexID)
	assert.Equal(t, "manual", constituents[0].Provider)
	require.NotNil(t, constituents[0].MarketCapAtAdd)
	assert.Equal(t, "1500000000", constituents[0].MarketCapAtAdd.String())
	require.NotNil(t, constituents[2].DateRemoved)
	assert.Equal(t, day("2022-10-28"), *constituents[2].DateRemoved)

	assert.Equal(t, rename("FB", "META", "2022-06-09"), changes[0])
}

func TestParseSeedReportsEveryProblem(t *testing.T) {
	doc := `
index_id: SP500
constituents:
  - {symbol: AAPL, added: 11/30/1982}
  - {symbol: X, added: 2020-01-02, removed: 2019-01-02}
ticker_changes:
  - {old: FB, new: FB, date: 2022-06-09}
  - {old: A, new: B, date: 2022-06-09, type: teleport}
`
	_, _, err := ParseSeed(strings.NewReader(doc))
	require.Error(t, err)
	for _, want := range []string{"constituents[0]", "constituents[1]", "ticker_changes[0]", "ticker_changes[1]"} {
		assert.Contains(t, err.Error(), want)
	}

	_, _, err = ParseSeed(strings.NewReader("index_id: SP500\nmembers: []\n"))
	assert.ErrorContains(t, err, "decode seed")
}

func TestImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	r := newTestResolver(store, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), nil)

	for range 2 {
		stats, err := Import(ctx, strings.NewReader(seedDoc), r)
		require.NoError(t, err)
		assert.Equal(t, &ImportStats{Constituents: 3, TickerChanges: 1}, stats)
	}

	members, err := r.TradeableAsOf(ctx, "SP500", day("2020-01-02"))
	require.NoError(t, err)
	assert.Equal(t, []Member{
		{HistoricalSymbol: "AAPL", CurrentSymbol: "AAPL"},
		{HistoricalSymbol: "FB", CurrentSymbol: "META"},
		{HistoricalSymbol: "TWTR", CurrentSymbol: "TWTR"},
	}, members)

	count, err := r.Constituents().GetConstituentCount(ctx, "SP500", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
