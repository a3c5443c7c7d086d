package universe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-market-integrity/internal/models"
	"github.com/johnayoung/go-market-integrity/internal/storage"
)

func TestResolveToCurrentSymbol(t *testing.T) {
	ctx := context.Background()
	repo := NewTickerChangesRepository(storage.NewMemoryStorage(), nil)
	require.NoError(t, repo.Record(ctx,
		rename("FB", "META", "2022-06-09"),
		rename("GOOG", "GOOGL", "2014-04-03"),
		rename("A1", "A2", "2010-01-01"),
		rename("A2", "A3", "2015-01-01"),
	))

	tests := []struct {
		symbol string
		want   string
	}{
		{"FB", "META"},
		{"META", "META"},
		{"A1", "A3"},
		{"A2", "A3"},
		{"UNKNOWN", "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			got, err := repo.ResolveToCurrentSymbol(ctx, tt.symbol)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveToCurrentSymbol_FollowsMostRecentEdge(t *testing.T) {
	g := NewRenameGraph([]models.TickerChange{
		rename("X", "OLDER", "2001-01-01"),
		rename("X", "NEWER", "2005-01-01"),
	})
	got, err := ResolveCurrent(context.Background(), g, "X")
	require.NoError(t, err)
	assert.Equal(t, "NEWER", got)
}

func TestResolveToCurrentSymbol_TerminatesOnCycles(t *testing.T) {
	ctx := context.Background()

	t.Run("two cycle in graph", func(t *testing.T) {
		g := NewRenameGraph([]models.TickerChange{
			rename("A", "B", "2010-01-01"),
			rename("B", "A", "2011-01-01"),
		})
		got, err := ResolveCurrent(ctx, g, "A")
		require.NoError(t, err)
		assert.Equal(t, "B", got)

		got, err = ResolveHistorical(ctx, g, "A", day("2000-01-01"))
		require.NoError(t, err)
		assert.Equal(t, "B", got)
	})

	t.Run("three cycle in store", func(t *testing.T) {
		repo := NewTickerChangesRepository(storage.NewMemoryStorage(), nil)
		require.NoError(t, repo.Record(ctx,
			rename("A", "B", "2010-01-01"),
			rename("B", "C", "2011-01-01"),
			rename("C", "A", "2012-01-01"),
		))
		got, err := repo.ResolveToCurrentSymbol(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, "C", got)
	})
}

func TestResolveToHistoricalSymbol(t *testing.T) {
	ctx := context.Background()
	repo := NewTickerChangesRepository(storage.NewMemoryStorage(), nil)
	require.NoError(t, repo.Record(ctx,
		rename("FB", "META", "2022-06-09"),
		rename("A1", "A2", "2010-01-01"),
		rename("A2", "A3", "2015-01-01"),
	))

	tests := []struct {
		name   string
		symbol string
		asOf   string
		want   string
	}{
		{"before rename", "META", "2021-01-01", "FB"},
		{"on rename date", "META", "2022-06-09", "META"},
		{"after rename", "META", "2023-01-01", "META"},
		{"chain fully back", "A3", "2005-01-01", "A1"},
		{"chain partially back", "A3", "2012-01-01", "A2"},
		{"no edges", "IBM", "1990-01-01", "IBM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ResolveToHistoricalSymbol(ctx, tt.symbol, day(tt.asOf))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_IgnoresSpinoffs(t *testing.T) {
	g := NewRenameGraph([]models.TickerChange{
		{OldSymbol: "GE", NewSymbol: "GEHC", ChangeDate: day("2023-01-04"), ChangeType: models.ChangeSpinoff},
	})
	got, err := ResolveCurrent(context.Background(), g, "GE")
	require.NoError(t, err)
	assert.Equal(t, "GE", got)
}

func TestRenameGraph_SkipsInvalidEdges(t *testing.T) {
	g := NewRenameGraph([]models.TickerChange{
		rename("A", "A", "2010-01-01"),
		rename("A", "B", "2010-01-01"),
	})
	assert.Equal(t, 1, g.Len())
}

func TestTickerHistory(t *testing.T) {
	ctx := context.Background()
	repo := NewTickerChangesRepository(storage.NewMemoryStorage(), nil)
	require.NoError(t, repo.Record(ctx,
		rename("A1", "A2", "2010-01-01"),
		rename("A2", "A3", "2015-01-01"),
	))

	history, err := repo.History(ctx, "A2")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "A1", history[0].OldSymbol)
	assert.Equal(t, "A3", history[1].NewSymbol)
}

type failingEdges struct{}

func (failingEdges) Outgoing(context.Context, string) ([]models.TickerChange, error) {
	return nil, errors.New("boom")
}

func (failingEdges) Incoming(context.Context, string) ([]models.TickerChange, error) {
	return nil, errors.New("boom")
}

func TestResolve_PropagatesSourceErrors(t *testing.T) {
	got, err := ResolveCurrent(context.Background(), failingEdges{}, "X")
	assert.Error(t, err)
	assert.Equal(t, "X", got)
}
