// Package universe answers point-in-time questions about index membership:
// which symbols an index held on a date, what a company was called then, and
// what it is called now. Answers never depend on data dated after the query.
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

// ChangeSet lists membership changes inside a date window.
type ChangeSet struct {
	Additions []models.IndexConstituent `json:"additions"`
	Removals  []models.IndexConstituent `json:"removals"`
}

// ConstituentsRepository reads and writes membership intervals.
type ConstituentsRepository struct {
	store  storage.ConstituentStore
	logger *slog.Logger
}

// NewConstituentsRepository wraps a constituent store.
func NewConstituentsRepository(store storage.ConstituentStore, logger *slog.Logger) *ConstituentsRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConstituentsRepository{store: store, logger: logger.With("component", "constituents")}
}

// Upsert writes intervals by (index, symbol, date added). Replays are idempotent.
func (r *ConstituentsRepository) Upsert(ctx context.Context, constituents ...models.IndexConstituent) error {
	if err := r.store.UpsertConstituents(ctx, constituents); err != nil {
		return fmt.Errorf("upsert constituents: %w", err)
	}
	return nil
}

// MarkRemoved closes the open interval of symbol in indexID. It reports false
// when the symbol has no open interval.
func (r *ConstituentsRepository) MarkRemoved(ctx context.Context, indexID, symbol string, removedOn time.Time, reason string) (bool, error) {
	current, err := r.store.CurrentConstituents(ctx, indexID)
	if err != nil {
		return false, fmt.Errorf("load current constituents: %w", err)
	}

	for _, c := range current {
		if c.Symbol != symbol {
			continue
		}
		d := models.NormalizeDate(removedOn)
		c.DateRemoved = &d
		c.ReasonRemoved = reason
		if err := r.store.UpsertConstituents(ctx, []models.IndexConstituent{c}); err != nil {
			return false, fmt.Errorf("mark %s removed from %s: %w", symbol, indexID, err)
		}
		r.logger.Info("constituent removed", "index_id", indexID, "symbol", symbol, "date", d.Format(time.DateOnly))
		return true, nil
	}
	return false, nil
}

// GetConstituentsAsOf returns the distinct symbols whose interval contains
// date, sorted. This is the survivorship-bias-free membership query.
func (r *ConstituentsRepository) GetConstituentsAsOf(ctx context.Context, indexID string, date time.Time) ([]string, error) {
	rows, err := r.store.ConstituentsAsOf(ctx, indexID, date)
	if err != nil {
		return nil, fmt.Errorf("constituents of %s as of %s: %w", indexID, date.Format(time.DateOnly), err)
	}
	return distinctSymbols(rows), nil
}

// WasInIndexOnDate reports whether symbol was a member of indexID on date.
func (r *ConstituentsRepository) WasInIndexOnDate(ctx context.Context, indexID, symbol string, date time.Time) (bool, error) {
	history, err := r.History(ctx, indexID, symbol)
	if err != nil {
		return false, err
	}
	for _, c := range history {
		if c.ActiveOn(date) {
			return true, nil
		}
	}
	return false, nil
}

// GetChangesInRange returns additions by date added and removals by date
// removed, both within [from, to].
func (r *ConstituentsRepository) GetChangesInRange(ctx context.Context, indexID string, from, to time.Time) (*ChangeSet, error) {
	added, err := r.store.ConstituentsAddedBetween(ctx, indexID, from, to)
	if err != nil {
		return nil, fmt.Errorf("additions to %s: %w", indexID, err)
	}
	removed, err := r.store.ConstituentsRemovedBetween(ctx, indexID, from, to)
	if err != nil {
		return nil, fmt.Errorf("removals from %s: %w", indexID, err)
	}
	return &ChangeSet{Additions: added, Removals: removed}, nil
}

// GetConstituentCount counts distinct members on asOf, or current members when asOf is nil.
func (r *ConstituentsRepository) GetConstituentCount(ctx context.Context, indexID string, asOf *time.Time) (int, error) {
	var (
		rows []models.IndexConstituent
		err  error
	)
	if asOf == nil {
		rows, err = r.store.CurrentConstituents(ctx, indexID)
	} else {
		rows, err = r.store.ConstituentsAsOf(ctx, indexID, *asOf)
	}
	if err != nil {
		return 0, fmt.Errorf("count constituents of %s: %w", indexID, err)
	}
	return len(distinctSymbols(rows)), nil
}

// History returns every interval of symbol in indexID ordered by date added.
func (r *ConstituentsRepository) History(ctx context.Context, indexID, symbol string) ([]models.IndexConstituent, error) {
	rows, err := r.store.ConstituentHistory(ctx, indexID, symbol)
	if err != nil {
		return nil, fmt.Errorf("history of %s in %s: %w", symbol, indexID, err)
	}
	return rows, nil
}

func distinctSymbols(rows []models.IndexConstituent) []string {
	out := make([]string, 0, len(rows))
	for _, c := range rows {
		out = append(out, c.Symbol)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
