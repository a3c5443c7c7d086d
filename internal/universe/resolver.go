package universe

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Member is one tradeable name in a point-in-time universe.
type Member struct {
	// HistoricalSymbol is the symbol as recorded in the index on the date.
	HistoricalSymbol string `json:"historical_symbol"`
	// CurrentSymbol is where that listing trades today.
	CurrentSymbol string `json:"current_symbol"`
}

// Observer receives snapshot lookup outcomes.
type Observer interface {
	ObserveSnapshotLookup(indexID string, hit bool)
}

// Resolver combines the three repositories into universe answers.
type Resolver struct {
	constituents *ConstituentsRepository
	tickers      *TickerChangesRepository
	snapshots    *SnapshotsRepository
	observer     Observer
	logger       *slog.Logger
}

// NewResolver builds a resolver. observer may be nil.
func NewResolver(constituents *ConstituentsRepository, tickers *TickerChangesRepository, snapshots *SnapshotsRepository, observer Observer, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		constituents: constituents,
		tickers:      tickers,
		snapshots:    snapshots,
		observer:     observer,
		logger:       logger.With("component", "universe_resolver"),
	}
}

// Constituents returns the membership repository.
func (r *Resolver) Constituents() *ConstituentsRepository { return r.constituents }

// Tickers returns the rename repository.
func (r *Resolver) Tickers() *TickerChangesRepository { return r.tickers }

// Snapshots returns the snapshot repository.
func (r *Resolver) Snapshots() *SnapshotsRepository { return r.snapshots }

// UniverseAsOf returns the sorted members of indexID on date. An unexpired
// snapshot for the exact date answers directly; otherwise membership is
// computed from the intervals and cached. A failed cache write is logged only.
func (r *Resolver) UniverseAsOf(ctx context.Context, indexID string, date time.Time) ([]string, error) {
	snap, err := r.snapshots.Get(ctx, indexID, date)
	if err != nil {
		r.logger.Warn("snapshot lookup failed", "index_id", indexID, "error", err)
	}
	if snap != nil {
		r.observe(indexID, true)
		return snap.Tickers, nil
	}
	r.observe(indexID, false)

	tickers, err := r.constituents.GetConstituentsAsOf(ctx, indexID, date)
	if err != nil {
		return nil, err
	}
	if _, err := r.snapshots.Save(ctx, indexID, date, tickers, ""); err != nil {
		r.logger.Warn("snapshot save failed", "index_id", indexID, "error", err)
	}
	return tickers, nil
}

// TradeableAsOf pairs each member of indexID on date with its present-day symbol.
func (r *Resolver) TradeableAsOf(ctx context.Context, indexID string, date time.Time) ([]Member, error) {
	symbols, err := r.UniverseAsOf(ctx, indexID, date)
	if err != nil {
		return nil, err
	}
	graph, err := r.tickers.LoadGraph(ctx)
	if err != nil {
		return nil, err
	}

	members := make([]Member, 0, len(symbols))
	for _, sym := range symbols {
		current, err := ResolveCurrent(ctx, graph, sym)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", sym, err)
		}
		members = append(members, Member{HistoricalSymbol: sym, CurrentSymbol: current})
	}
	return members, nil
}

func (r *Resolver) observe(indexID string, hit bool) {
	if r.observer != nil {
		r.observer.ObserveSnapshotLookup(indexID, hit)
	}
}
