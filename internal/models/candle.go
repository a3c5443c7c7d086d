// Package models provides the canonical data structures shared by ingestion,
// validation and universe resolution: candles, gap reports, validation issues
// and point-in-time index membership records.
package models

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Quality flags attached to candles by the pipeline.
const (
	FlagInterpolated = "interpolated"
	FlagAggregated   = "aggregated"
)

// Candle is one OHLCV bar for a symbol at a timeframe and timestamp.
// The tuple (Symbol, Timeframe, Timestamp) identifies a candle; storing a candle
// with an existing key overwrites the previous row.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`

	VWAP       *decimal.Decimal `json:"vwap,omitempty"`
	TradeCount *int64           `json:"trade_count,omitempty"`

	Adjusted         bool `json:"adjusted"`
	SplitAdjusted    bool `json:"split_adjusted"`
	DividendAdjusted bool `json:"dividend_adjusted"`

	// Interpolated marks synthetic bars so volume-weighted analytics can skip them.
	Interpolated bool     `json:"interpolated"`
	QualityFlags []string `json:"quality_flags,omitempty"`
	Provider     string   `json:"provider,omitempty"`
}

// CandleKey is the identity of a stored candle.
type CandleKey struct {
	Symbol    string
	Timeframe Timeframe
	Timestamp time.Time
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the structural invariants of a candle: required identity
// fields, high >= {open, close, low}, low <= {open, close, high} and a
// non-negative volume.
func (c *Candle) Validate() error {
	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if !c.Timeframe.Valid() {
		return &ValidationError{Field: "timeframe", Message: fmt.Sprintf("unsupported timeframe %q", c.Timeframe)}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}
	if c.Volume < 0 {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	upper := decimal.Max(c.Open, c.Close, c.Low)
	if c.High.LessThan(upper) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high (%s) must be greater than or equal to open, close and low (%s)", c.High, upper),
		}
	}

	lower := decimal.Min(c.Open, c.Close, c.High)
	if c.Low.GreaterThan(lower) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low (%s) must be less than or equal to open, close and high (%s)", c.Low, lower),
		}
	}

	return nil
}

// Key returns the identity tuple of the candle.
func (c *Candle) Key() CandleKey {
	return CandleKey{Symbol: c.Symbol, Timeframe: c.Timeframe, Timestamp: c.Timestamp.UTC()}
}

// HasFlag reports whether the quality flag is set.
func (c *Candle) HasFlag(flag string) bool {
	return slices.Contains(c.QualityFlags, flag)
}

// AddFlag sets a quality flag if it is not already present.
func (c *Candle) AddFlag(flag string) {
	if !c.HasFlag(flag) {
		c.QualityFlags = append(c.QualityFlags, flag)
	}
}

// String returns a compact human-readable representation.
func (c *Candle) String() string {
	return fmt.Sprintf("%s/%s@%s O:%s H:%s L:%s C:%s V:%d",
		c.Symbol, c.Timeframe, c.Timestamp.UTC().Format(time.RFC3339),
		c.Open, c.High, c.Low, c.Close, c.Volume)
}

// SortCandles orders candles by timestamp ascending in place.
func SortCandles(candles []Candle) {
	slices.SortStableFunc(candles, func(a, b Candle) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}
