package ingestion

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-market-integrity/internal/models"
	"github.com/johnayoung/go-market-integrity/internal/provider"
)

// convertBars maps provider bars onto canonical candles sorted by timestamp.
// Bars failing candle validation are returned as errors instead.
func convertBars(symbol string, tf models.Timeframe, p provider.Provider, bars []provider.RawBar) ([]models.Candle, []error) {
	adjustment := provider.AdjustmentRaw
	if a, ok := p.(provider.Adjuster); ok {
		adjustment = a.Adjustment()
	}
	adjusted, split, dividend := adjustment.Flags()

	candles := make([]models.Candle, 0, len(bars))
	var rejects []error
	for _, b := range bars {
		c := models.Candle{
			Symbol:           symbol,
			Timeframe:        tf,
			Timestamp:        b.Timestamp.UTC(),
			Open:             decimal.NewFromFloat(b.Open),
			High:             decimal.NewFromFloat(b.High),
			Low:              decimal.NewFromFloat(b.Low),
			Close:            decimal.NewFromFloat(b.Close),
			Volume:           b.Volume,
			TradeCount:       b.TradeCount,
			Adjusted:         adjusted,
			SplitAdjusted:    split,
			DividendAdjusted: dividend,
			Provider:         p.Name(),
		}
		if b.VWAP != nil {
			vwap := decimal.NewFromFloat(*b.VWAP)
			c.VWAP = &vwap
		}
		if err := c.Validate(); err != nil {
			rejects = append(rejects, fmt.Errorf("rejected bar at %s: %w", b.Timestamp.UTC().Format(time.RFC3339), err))
			continue
		}
		candles = append(candles, c)
	}
	models.SortCandles(candles)
	return candles, rejects
}
