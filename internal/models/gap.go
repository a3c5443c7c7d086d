package models

import "time"

// GapInfo describes one missing stretch between two consecutive candles.
// Gaps are derived on demand and never persisted.
type GapInfo struct {
	// ExpectedTimestamp is where the first missing bar should have been.
	ExpectedTimestamp time.Time `json:"expected_timestamp"`
	PreviousTimestamp time.Time `json:"previous_timestamp"`
	NextTimestamp     time.Time `json:"next_timestamp"`
	// GapMinutes is the observed distance between the two surrounding candles.
	GapMinutes float64 `json:"gap_minutes"`
	// GapCandles is the number of missing bars.
	GapCandles int `json:"gap_candles"`
}

// MissingTimestamps lists the timestamps of every bar absent from the gap.
func (g GapInfo) MissingTimestamps(step time.Duration) []time.Time {
	out := make([]time.Time, 0, g.GapCandles)
	ts := g.ExpectedTimestamp
	for i := 0; i < g.GapCandles; i++ {
		out = append(out, ts)
		ts = ts.Add(step)
	}
	return out
}

// GapReport is the outcome of a gap scan over one series.
type GapReport struct {
	Timeframe           Timeframe `json:"timeframe"`
	Gaps                []GapInfo `json:"gaps"`
	TotalMissingCandles int       `json:"total_missing_candles"`
	HasGaps             bool      `json:"has_gaps"`
}

// Add appends a gap and keeps the summary fields in step.
func (r *GapReport) Add(g GapInfo) {
	r.Gaps = append(r.Gaps, g)
	r.TotalMissingCandles += g.GapCandles
	r.HasGaps = true
}
