package gaps

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

var two = decimal.NewFromInt(2)

// FillResult is the outcome of FillGaps.
type FillResult struct {
	// Candles is the ordered series including synthetic bars.
	Candles []models.Candle
	// Filled lists the gaps that were bridged.
	Filled []models.GapInfo
	// Unfilled lists gaps above the cap; they stay in the series untouched.
	Unfilled []models.GapInfo
}

// InterpolateCandle synthesizes one bar at timestamp between prev and next.
// It opens at prev's close, closes at next's open, carries zero volume and is
// marked interpolated.
func InterpolateCandle(prev, next models.Candle, timestamp time.Time) models.Candle {
	open := prev.Close
	closePrice := next.Open
	mid := open.Add(closePrice).Div(two)

	return models.Candle{
		Symbol:           prev.Symbol,
		Timeframe:        prev.Timeframe,
		Timestamp:        timestamp,
		Open:             open,
		High:             decimal.Max(open, closePrice, mid),
		Low:              decimal.Min(open, closePrice, mid),
		Close:            closePrice,
		Volume:           0,
		Adjusted:         prev.Adjusted,
		SplitAdjusted:    prev.SplitAdjusted,
		DividendAdjusted: prev.DividendAdjusted,
		Interpolated:     true,
		QualityFlags:     []string{models.FlagInterpolated},
		Provider:         prev.Provider,
	}
}

// FillGaps bridges gaps of at most maxInterpolateCandles missing bars using the
// default tolerance. Larger gaps pass through unfilled and are returned in
// Unfilled so they can be reported instead of silently smoothed.
func FillGaps(candles []models.Candle, maxInterpolateCandles int) (*FillResult, error) {
	return fillGaps(candles, DefaultToleranceMultiplier, maxInterpolateCandles, nil)
}

// Fill bridges gaps within the policy cap. Gaps for which skip returns true are
// left untouched and reported in neither list; skip may be nil.
func (p Policy) Fill(candles []models.Candle, skip func(models.GapInfo) bool) (*FillResult, error) {
	return fillGaps(candles, p.tolerance(), p.MaxInterpolateCandles, skip)
}

func fillGaps(candles []models.Candle, tolerance float64, maxInterpolate int, skip func(models.GapInfo) bool) (*FillResult, error) {
	series := sortedCopy(candles)
	result := &FillResult{Candles: series}

	fillAfter := make(map[int]models.GapInfo)
	err := scan(series, tolerance, func(i int, g models.GapInfo) {
		if skip != nil && skip(g) {
			return
		}
		if ShouldInterpolate(g, maxInterpolate) {
			fillAfter[i] = g
			result.Filled = append(result.Filled, g)
			return
		}
		result.Unfilled = append(result.Unfilled, g)
	})
	if err != nil {
		return nil, err
	}
	if len(fillAfter) == 0 {
		return result, nil
	}

	step := series[0].Timeframe.Duration()
	out := make([]models.Candle, 0, len(series)+len(fillAfter)*maxInterpolate)
	for i, c := range series {
		out = append(out, c)
		g, ok := fillAfter[i]
		if !ok {
			continue
		}
		for _, ts := range g.MissingTimestamps(step) {
			out = append(out, InterpolateCandle(c, series[i+1], ts))
		}
	}
	result.Candles = out
	return result, nil
}
