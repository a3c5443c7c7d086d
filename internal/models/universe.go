package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// NormalizeDate truncates t to midnight UTC. Membership and rename dates are
// civil dates, so every comparison happens on normalized values.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD civil date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// IndexConstituent is one membership interval [DateAdded, DateRemoved) of a
// symbol in an index. A nil DateRemoved means the symbol is still a member.
// Re-adding a symbol after removal creates a new interval.
type IndexConstituent struct {
	IndexID        string           `json:"index_id"`
	Symbol         string           `json:"symbol"`
	DateAdded      time.Time        `json:"date_added"`
	DateRemoved    *time.Time       `json:"date_removed,omitempty"`
	ReasonAdded    string           `json:"reason_added,omitempty"`
	ReasonRemoved  string           `json:"reason_removed,omitempty"`
	Sector         string           `json:"sector,omitempty"`
	Industry       string           `json:"industry,omitempty"`
	MarketCapAtAdd *decimal.Decimal `json:"market_cap_at_add,omitempty"`
	Provider       string           `json:"provider,omitempty"`
}

// ConstituentKey is the natural key of a membership interval.
type ConstituentKey struct {
	IndexID   string
	Symbol    string
	DateAdded time.Time
}

// Key returns the natural key with the date normalized.
func (c *IndexConstituent) Key() ConstituentKey {
	return ConstituentKey{IndexID: c.IndexID, Symbol: c.Symbol, DateAdded: NormalizeDate(c.DateAdded)}
}

// Validate checks required fields and that DateRemoved is strictly after DateAdded.
func (c *IndexConstituent) Validate() error {
	if c.IndexID == "" {
		return &ValidationError{Field: "index_id", Message: "index id cannot be empty"}
	}
	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if c.DateAdded.IsZero() {
		return &ValidationError{Field: "date_added", Message: "date added cannot be zero"}
	}
	if c.DateRemoved != nil && !NormalizeDate(*c.DateRemoved).After(NormalizeDate(c.DateAdded)) {
		return &ValidationError{
			Field:   "date_removed",
			Message: fmt.Sprintf("date removed %s must be after date added %s", c.DateRemoved.Format(time.DateOnly), c.DateAdded.Format(time.DateOnly)),
		}
	}
	return nil
}

// ActiveOn reports whether the interval contains date:
// DateAdded <= date AND (DateRemoved is nil OR DateRemoved > date).
func (c *IndexConstituent) ActiveOn(date time.Time) bool {
	d := NormalizeDate(date)
	if NormalizeDate(c.DateAdded).After(d) {
		return false
	}
	return c.DateRemoved == nil || NormalizeDate(*c.DateRemoved).After(d)
}

// ChangeType classifies a symbol identity change.
type ChangeType string

const (
	ChangeRename      ChangeType = "rename"
	ChangeMerger      ChangeType = "merger"
	ChangeSpinoff     ChangeType = "spinoff"
	ChangeAcquisition ChangeType = "acquisition"
	ChangeRestructure ChangeType = "restructure"
)

// Valid reports whether ct is a known change type.
func (ct ChangeType) Valid() bool {
	switch ct {
	case ChangeRename, ChangeMerger, ChangeSpinoff, ChangeAcquisition, ChangeRestructure:
		return true
	}
	return false
}

// TickerChange is a directed edge OldSymbol -> NewSymbol effective on ChangeDate.
type TickerChange struct {
	OldSymbol        string           `json:"old_symbol"`
	NewSymbol        string           `json:"new_symbol"`
	ChangeDate       time.Time        `json:"change_date"`
	ChangeType       ChangeType       `json:"change_type"`
	ConversionRatio  *decimal.Decimal `json:"conversion_ratio,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	AcquiringCompany string           `json:"acquiring_company,omitempty"`
}

// Validate checks required fields of the edge.
func (tc *TickerChange) Validate() error {
	if tc.OldSymbol == "" || tc.NewSymbol == "" {
		return &ValidationError{Field: "symbol", Message: "old and new symbol are required"}
	}
	if tc.OldSymbol == tc.NewSymbol {
		return &ValidationError{Field: "new_symbol", Message: "new symbol must differ from old symbol"}
	}
	if tc.ChangeDate.IsZero() {
		return &ValidationError{Field: "change_date", Message: "change date cannot be zero"}
	}
	if !tc.ChangeType.Valid() {
		return &ValidationError{Field: "change_type", Message: fmt.Sprintf("unknown change type %q", tc.ChangeType)}
	}
	if tc.ConversionRatio != nil && !tc.ConversionRatio.IsPositive() {
		return &ValidationError{Field: "conversion_ratio", Message: "conversion ratio must be positive"}
	}
	return nil
}

// UniverseSnapshot is a cached, materialized membership list for an index on a date.
type UniverseSnapshot struct {
	IndexID       string     `json:"index_id"`
	SnapshotDate  time.Time  `json:"snapshot_date"`
	Tickers       []string   `json:"tickers"`
	TickerCount   int        `json:"ticker_count"`
	SourceVersion string     `json:"source_version,omitempty"`
	CachedAt      time.Time  `json:"cached_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the snapshot's TTL has elapsed at now.
func (s *UniverseSnapshot) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}
