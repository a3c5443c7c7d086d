// Package staleness decides whether the newest data point of a series is too
// old for its timeframe.
package staleness

import (
	"math"
	"sort"
	"time"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

// DefaultThresholds returns twice the nominal bar duration for every timeframe.
func DefaultThresholds() map[models.Timeframe]time.Duration {
	out := make(map[models.Timeframe]time.Duration, len(models.AllTimeframes()))
	for _, tf := range models.AllTimeframes() {
		out[tf] = 2 * tf.Duration()
	}
	return out
}

// Result describes the freshness of one series.
type Result struct {
	IsStale bool `json:"is_stale"`
	// StaleMinutes is the age of the last data point; +Inf when there is none.
	StaleMinutes  float64       `json:"stale_minutes"`
	Threshold     time.Duration `json:"threshold"`
	LastTimestamp *time.Time    `json:"last_timestamp,omitempty"`
}

// Checker evaluates freshness against per-timeframe thresholds.
type Checker struct {
	thresholds map[models.Timeframe]time.Duration
	now        func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// NewChecker builds a checker from the defaults with overrides applied on top.
func NewChecker(overrides map[models.Timeframe]time.Duration, opts ...Option) *Checker {
	thresholds := DefaultThresholds()
	for tf, d := range overrides {
		if d > 0 {
			thresholds[tf] = d
		}
	}
	c := &Checker{thresholds: thresholds, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Threshold returns the freshness limit for tf. Unknown timeframes fall back to
// twice their nominal duration, which is zero.
func (c *Checker) Threshold(tf models.Timeframe) time.Duration {
	if d, ok := c.thresholds[tf]; ok {
		return d
	}
	return 2 * tf.Duration()
}

// Check evaluates one series. A nil last timestamp is always stale with an
// infinite age.
func (c *Checker) Check(last *time.Time, tf models.Timeframe) Result {
	threshold := c.Threshold(tf)
	if last == nil || last.IsZero() {
		return Result{IsStale: true, StaleMinutes: math.Inf(1), Threshold: threshold}
	}

	age := c.now().Sub(*last)
	ts := *last
	return Result{
		IsStale:       age > threshold,
		StaleMinutes:  age.Minutes(),
		Threshold:     threshold,
		LastTimestamp: &ts,
	}
}

// CheckMultiple applies Check to every symbol in the map.
func (c *Checker) CheckMultiple(lastBySymbol map[string]*time.Time, tf models.Timeframe) map[string]Result {
	out := make(map[string]Result, len(lastBySymbol))
	for symbol, last := range lastBySymbol {
		out[symbol] = c.Check(last, tf)
	}
	return out
}

// StaleSymbols returns the sorted list of symbols whose data is stale.
func (c *Checker) StaleSymbols(lastBySymbol map[string]*time.Time, tf models.Timeframe) []string {
	var stale []string
	for symbol, res := range c.CheckMultiple(lastBySymbol, tf) {
		if res.IsStale {
			stale = append(stale, symbol)
		}
	}
	sort.Strings(stale)
	return stale
}
