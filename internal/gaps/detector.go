package gaps

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

// Detector applies a Policy to candle series.
type Detector struct {
	policy Policy
	logger *slog.Logger
}

// NewDetector creates a detector. A nil logger falls back to slog.Default().
func NewDetector(policy Policy, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		policy: policy,
		logger: logger.With("component", "gap_detector"),
	}
}

// Policy returns the detector's policy.
func (d *Detector) Policy() Policy { return d.policy }

// Detect runs DetectGaps with the policy tolerance.
func (d *Detector) Detect(candles []models.Candle) (*models.GapReport, error) {
	report, err := d.policy.Detect(candles)
	if err != nil {
		return nil, err
	}
	if report.HasGaps {
		d.logger.Debug("gaps detected",
			"timeframe", report.Timeframe,
			"gaps", len(report.Gaps),
			"missing_candles", report.TotalMissingCandles)
	}
	return report, nil
}

// Fill runs FillGaps with the policy tolerance and interpolation cap.
func (d *Detector) Fill(candles []models.Candle) (*FillResult, error) {
	result, err := d.policy.Fill(candles, nil)
	if err != nil {
		return nil, err
	}
	if len(result.Filled) > 0 || len(result.Unfilled) > 0 {
		d.logger.Debug("gap fill complete",
			"filled", len(result.Filled),
			"unfilled", len(result.Unfilled))
	}
	return result, nil
}

// DetectGaps walks consecutive candles ordered by timestamp and reports every
// pair whose distance exceeds the nominal interval times toleranceMultiplier.
// The interval comes from the series' timeframe (the first candle's).
// A gap of distance D over interval I reports floor(D/I)-1 missing candles.
func DetectGaps(candles []models.Candle, toleranceMultiplier float64) (*models.GapReport, error) {
	report := &models.GapReport{Gaps: []models.GapInfo{}}
	if len(candles) == 0 {
		return report, nil
	}
	report.Timeframe = candles[0].Timeframe

	err := scan(sortedCopy(candles), toleranceMultiplier, func(_ int, g models.GapInfo) {
		report.Add(g)
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// scan calls fn with the index of the candle preceding each gap in an ordered series.
func scan(series []models.Candle, toleranceMultiplier float64, fn func(i int, g models.GapInfo)) error {
	if len(series) == 0 {
		return nil
	}
	tf := series[0].Timeframe
	expected := tf.Duration()
	if expected <= 0 {
		return fmt.Errorf("detect gaps: %w: %q", models.ErrUnknownTimeframe, tf)
	}
	if toleranceMultiplier <= 0 {
		toleranceMultiplier = DefaultToleranceMultiplier
	}
	threshold := time.Duration(float64(expected) * toleranceMultiplier)

	for i := 1; i < len(series); i++ {
		prev, next := series[i-1].Timestamp, series[i].Timestamp
		actual := next.Sub(prev)
		if actual <= threshold {
			continue
		}
		fn(i-1, models.GapInfo{
			ExpectedTimestamp: prev.Add(expected),
			PreviousTimestamp: prev,
			NextTimestamp:     next,
			GapMinutes:        actual.Minutes(),
			GapCandles:        int(actual/expected) - 1,
		})
	}
	return nil
}

// Detect runs DetectGaps with the policy tolerance.
func (p Policy) Detect(candles []models.Candle) (*models.GapReport, error) {
	return DetectGaps(candles, p.tolerance())
}

// ShouldInterpolate reports whether a gap is small enough to fill synthetically.
func ShouldInterpolate(gap models.GapInfo, maxInterpolateCandles int) bool {
	return gap.GapCandles >= 1 && gap.GapCandles <= maxInterpolateCandles
}

func sortedCopy(candles []models.Candle) []models.Candle {
	series := slices.Clone(candles)
	models.SortCandles(series)
	return series
}
