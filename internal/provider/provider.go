// Package provider fetches raw OHLCV bars from upstream market-data vendors.
// Providers speak their own timeframe vocabulary; TimeframeMap translates the
// canonical timeframes before a request is made.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

// ErrUnsupportedTimeframe is returned when a provider has no equivalent for a timeframe.
var ErrUnsupportedTimeframe = errors.New("unsupported timeframe")

// Provider is the upstream bar source consumed by ingestion.
type Provider interface {
	// Name tags the candles produced from this provider.
	Name() string
	// FetchBars returns bars for symbol in [from, to], oldest first. A zero
	// limit means no limit.
	FetchBars(ctx context.Context, symbol, providerTimeframe string, from, to time.Time, limit int) ([]RawBar, error)
}

// RawBar is one bar as delivered by a provider, before validation.
type RawBar struct {
	Timestamp  time.Time `json:"t"`
	Open       float64   `json:"o"`
	High       float64   `json:"h"`
	Low        float64   `json:"l"`
	Close      float64   `json:"c"`
	Volume     int64     `json:"v"`
	VWAP       *float64  `json:"vw,omitempty"`
	TradeCount *int64    `json:"n,omitempty"`
}

// Adjustment describes the corporate-action adjustment applied to prices.
type Adjustment string

const (
	AdjustmentRaw      Adjustment = "raw"
	AdjustmentSplit    Adjustment = "split"
	AdjustmentDividend Adjustment = "dividend"
	AdjustmentAll      Adjustment = "all"
)

// ParseAdjustment validates an adjustment name.
func ParseAdjustment(s string) (Adjustment, error) {
	switch a := Adjustment(s); a {
	case AdjustmentRaw, AdjustmentSplit, AdjustmentDividend, AdjustmentAll:
		return a, nil
	case "":
		return AdjustmentRaw, nil
	}
	return "", fmt.Errorf("unknown adjustment %q", s)
}

// Flags returns the candle flags implied by the adjustment.
func (a Adjustment) Flags() (adjusted, split, dividend bool) {
	switch a {
	case AdjustmentSplit:
		return true, true, false
	case AdjustmentDividend:
		return true, false, true
	case AdjustmentAll:
		return true, true, true
	}
	return false, false, false
}

// Adjuster is implemented by providers that report the adjustment of their prices.
type Adjuster interface {
	Adjustment() Adjustment
}

// TimeframeMap translates canonical timeframes into a provider's vocabulary.
type TimeframeMap map[models.Timeframe]string

// Lookup returns the provider string for tf.
func (m TimeframeMap) Lookup(tf models.Timeframe) (string, error) {
	s, ok := m[tf]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedTimeframe, tf)
	}
	return s, nil
}

// AlpacaTimeframes is the Alpaca market-data vocabulary.
func AlpacaTimeframes() TimeframeMap {
	return TimeframeMap{
		models.Timeframe1m:  "1Min",
		models.Timeframe5m:  "5Min",
		models.Timeframe15m: "15Min",
		models.Timeframe30m: "30Min",
		models.Timeframe1h:  "1Hour",
		models.Timeframe4h:  "4Hour",
		models.Timeframe1d:  "1Day",
		models.Timeframe1w:  "1Week",
	}
}

// RESTTimeframes passes canonical names through unchanged.
func RESTTimeframes() TimeframeMap {
	m := make(TimeframeMap, len(models.AllTimeframes()))
	for _, tf := range models.AllTimeframes() {
		m[tf] = string(tf)
	}
	return m
}
