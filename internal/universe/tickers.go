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

// EdgeSource supplies the rename edges around a symbol.
type EdgeSource interface {
	Outgoing(ctx context.Context, symbol string) ([]models.TickerChange, error)
	Incoming(ctx context.Context, symbol string) ([]models.TickerChange, error)
}

// RenameGraph is an in-memory arena of rename edges indexed by symbol.
// Resolving many symbols against one loaded graph avoids a query per hop.
type RenameGraph struct {
	edges []models.TickerChange
	out   map[string][]int
	in    map[string][]int
}

// NewRenameGraph indexes changes. Invalid edges are skipped.
func NewRenameGraph(changes []models.TickerChange) *RenameGraph {
	g := &RenameGraph{out: make(map[string][]int), in: make(map[string][]int)}
	for _, tc := range changes {
		g.Add(tc)
	}
	return g
}

// Add inserts an edge and reports whether it was accepted.
func (g *RenameGraph) Add(tc models.TickerChange) bool {
	if tc.Validate() != nil {
		return false
	}
	tc.ChangeDate = models.NormalizeDate(tc.ChangeDate)
	i := len(g.edges)
	g.edges = append(g.edges, tc)
	g.out[tc.OldSymbol] = append(g.out[tc.OldSymbol], i)
	g.in[tc.NewSymbol] = append(g.in[tc.NewSymbol], i)
	return true
}

// Len returns the number of edges.
func (g *RenameGraph) Len() int { return len(g.edges) }

func (g *RenameGraph) collect(idx []int) []models.TickerChange {
	out := make([]models.TickerChange, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.edges[i])
	}
	return out
}

// Outgoing implements EdgeSource.
func (g *RenameGraph) Outgoing(_ context.Context, symbol string) ([]models.TickerChange, error) {
	return g.collect(g.out[symbol]), nil
}

// Incoming implements EdgeSource.
func (g *RenameGraph) Incoming(_ context.Context, symbol string) ([]models.TickerChange, error) {
	return g.collect(g.in[symbol]), nil
}

type storeEdges struct {
	store storage.TickerChangeStore
}

func (s storeEdges) Outgoing(ctx context.Context, symbol string) ([]models.TickerChange, error) {
	return s.store.ChangesFrom(ctx, symbol)
}

func (s storeEdges) Incoming(ctx context.Context, symbol string) ([]models.TickerChange, error) {
	return s.store.ChangesTo(ctx, symbol)
}

// follows reports whether an edge carries the identity of the old symbol.
// A spinoff creates a new listing while the parent keeps trading.
func follows(tc models.TickerChange) bool {
	return tc.ChangeType != models.ChangeSpinoff
}

// ResolveCurrent follows the most recent outgoing edge until none remains or
// the next symbol was already visited. It always terminates and returns the
// last symbol reached.
func ResolveCurrent(ctx context.Context, src EdgeSource, symbol string) (string, error) {
	current := symbol
	visited := map[string]struct{}{current: {}}
	for {
		edges, err := src.Outgoing(ctx, current)
		if err != nil {
			return current, fmt.Errorf("outgoing edges of %s: %w", current, err)
		}

		var next *models.TickerChange
		for i := range edges {
			e := &edges[i]
			if !follows(*e) {
				continue
			}
			if next == nil || e.ChangeDate.After(next.ChangeDate) ||
				(e.ChangeDate.Equal(next.ChangeDate) && e.NewSymbol < next.NewSymbol) {
				next = e
			}
		}
		if next == nil {
			return current, nil
		}
		if _, seen := visited[next.NewSymbol]; seen {
			return current, nil
		}
		visited[next.NewSymbol] = struct{}{}
		current = next.NewSymbol
	}
}

// ResolveHistorical walks backwards from symbol, at each step taking the
// earliest incoming edge dated after asOf, and returns the name in effect on
// asOf. The same visited guard as ResolveCurrent applies.
func ResolveHistorical(ctx context.Context, src EdgeSource, symbol string, asOf time.Time) (string, error) {
	day := models.NormalizeDate(asOf)
	current := symbol
	visited := map[string]struct{}{current: {}}
	for {
		edges, err := src.Incoming(ctx, current)
		if err != nil {
			return current, fmt.Errorf("incoming edges of %s: %w", current, err)
		}

		var prev *models.TickerChange
		for i := range edges {
			e := &edges[i]
			if !follows(*e) || !models.NormalizeDate(e.ChangeDate).After(day) {
				continue
			}
			if prev == nil || e.ChangeDate.Before(prev.ChangeDate) ||
				(e.ChangeDate.Equal(prev.ChangeDate) && e.OldSymbol < prev.OldSymbol) {
				prev = e
			}
		}
		if prev == nil {
			return current, nil
		}
		if _, seen := visited[prev.OldSymbol]; seen {
			return current, nil
		}
		visited[prev.OldSymbol] = struct{}{}
		current = prev.OldSymbol
	}
}

// TickerChangesRepository records rename edges and resolves symbols across them.
type TickerChangesRepository struct {
	store  storage.TickerChangeStore
	logger *slog.Logger
}

// NewTickerChangesRepository wraps a ticker change store.
func NewTickerChangesRepository(store storage.TickerChangeStore, logger *slog.Logger) *TickerChangesRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &TickerChangesRepository{store: store, logger: logger.With("component", "ticker_changes")}
}

// Record upserts edges by (old symbol, new symbol, change date).
func (r *TickerChangesRepository) Record(ctx context.Context, changes ...models.TickerChange) error {
	if err := r.store.UpsertTickerChanges(ctx, changes); err != nil {
		return fmt.Errorf("record ticker changes: %w", err)
	}
	return nil
}

// ResolveToCurrentSymbol returns the best-known present-day symbol.
func (r *TickerChangesRepository) ResolveToCurrentSymbol(ctx context.Context, historical string) (string, error) {
	sym, err := ResolveCurrent(ctx, storeEdges{r.store}, historical)
	if err != nil {
		return "", err
	}
	if sym != historical {
		r.logger.Debug("resolved current symbol", "from", historical, "to", sym)
	}
	return sym, nil
}

// ResolveToHistoricalSymbol returns what current was called on asOf.
func (r *TickerChangesRepository) ResolveToHistoricalSymbol(ctx context.Context, current string, asOf time.Time) (string, error) {
	sym, err := ResolveHistorical(ctx, storeEdges{r.store}, current, asOf)
	if err != nil {
		return "", err
	}
	return sym, nil
}

// History returns every edge touching symbol, ordered by change date.
func (r *TickerChangesRepository) History(ctx context.Context, symbol string) ([]models.TickerChange, error) {
	from, err := r.store.ChangesFrom(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("changes from %s: %w", symbol, err)
	}
	to, err := r.store.ChangesTo(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("changes to %s: %w", symbol, err)
	}
	all := append(from, to...)
	slices.SortStableFunc(all, func(a, b models.TickerChange) int {
		return a.ChangeDate.Compare(b.ChangeDate)
	})
	return all, nil
}

// LoadGraph reads every edge into a RenameGraph.
func (r *TickerChangesRepository) LoadGraph(ctx context.Context) (*RenameGraph, error) {
	changes, err := r.store.ListTickerChanges(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rename graph: %w", err)
	}
	return NewRenameGraph(changes), nil
}
