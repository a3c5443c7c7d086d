package ingestion

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

// ErrNotCoarser is returned when the aggregation target is not strictly
// coarser than the source timeframe.
var ErrNotCoarser = errors.New("target timeframe is not coarser than source")

// AggregateCandles rolls every ratio consecutive source candles into one
// target candle, where ratio = target minutes / source minutes. Input is
// sorted by timestamp first. A trailing group shorter than ratio is dropped.
func AggregateCandles(candles []models.Candle, target models.Timeframe) ([]models.Candle, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownTimeframe, target)
	}
	if len(candles) == 0 {
		return []models.Candle{}, nil
	}

	source := candles[0].Timeframe
	for _, c := range candles[1:] {
		if c.Timeframe != source || c.Symbol != candles[0].Symbol {
			return nil, fmt.Errorf("aggregate: mixed series %s/%s and %s/%s",
				candles[0].Symbol, source, c.Symbol, c.Timeframe)
		}
	}
	if !source.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownTimeframe, source)
	}
	if target.Minutes() <= source.Minutes() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNotCoarser, source, target)
	}
	if target.Minutes()%source.Minutes() != 0 {
		return nil, fmt.Errorf("aggregate: %s is not a whole multiple of %s", target, source)
	}
	ratio := target.Minutes() / source.Minutes()

	sorted := make([]models.Candle, len(candles))
	copy(sorted, candles)
	models.SortCandles(sorted)

	out := make([]models.Candle, 0, len(sorted)/ratio)
	for start := 0; start+ratio <= len(sorted); start += ratio {
		out = append(out, rollUp(sorted[start:start+ratio], target))
	}
	return out, nil
}

func rollUp(group []models.Candle, target models.Timeframe) models.Candle {
	first, last := group[0], group[len(group)-1]
	agg := models.Candle{
		Symbol:           first.Symbol,
		Timeframe:        target,
		Timestamp:        first.Timestamp,
		Open:             first.Open,
		High:             first.High,
		Low:              first.Low,
		Close:            last.Close,
		Adjusted:         first.Adjusted,
		SplitAdjusted:    first.SplitAdjusted,
		DividendAdjusted: first.DividendAdjusted,
		Provider:         first.Provider,
	}

	var (
		vwapNumerator decimal.Decimal
		vwapVolume    int64
		trades        int64
		haveTrades    bool
	)
	for _, c := range group {
		agg.High = decimal.Max(agg.High, c.High)
		agg.Low = decimal.Min(agg.Low, c.Low)
		agg.Volume += c.Volume
		if c.Interpolated {
			agg.Interpolated = true
		}
		if c.VWAP != nil && c.Volume > 0 {
			vwapNumerator = vwapNumerator.Add(c.VWAP.Mul(decimal.NewFromInt(c.Volume)))
			vwapVolume += c.Volume
		}
		if c.TradeCount != nil {
			trades += *c.TradeCount
			haveTrades = true
		}
	}
	if vwapVolume > 0 {
		vwap := vwapNumerator.Div(decimal.NewFromInt(vwapVolume))
		agg.VWAP = &vwap
	}
	if haveTrades {
		agg.TradeCount = &trades
	}
	if agg.Interpolated {
		agg.AddFlag(models.FlagInterpolated)
	}
	agg.AddFlag(models.FlagAggregated)
	return agg
}
