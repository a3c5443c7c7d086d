package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	errs "github.com/johnayoung/go-market-integrity/internal/errors"
)

// barsClient is the slice of the Alpaca market-data client this package uses.
type barsClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaConfig configures an AlpacaProvider.
type AlpacaConfig struct {
	APIKey     string
	APISecret  string
	BaseURL    string // empty uses the SDK default
	Feed       string // iex or sip
	Adjustment Adjustment
}

// AlpacaProvider fetches bars through the Alpaca market-data SDK.
type AlpacaProvider struct {
	client     barsClient
	feed       string
	adjustment Adjustment
	classifier *errs.Classifier
	logger     *slog.Logger
}

// NewAlpacaProvider creates a provider backed by the Alpaca SDK client.
func NewAlpacaProvider(cfg AlpacaConfig, classifier *errs.Classifier, logger *slog.Logger) *AlpacaProvider {
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
		Feed:      cfg.Feed,
	})
	return newAlpacaProvider(client, cfg, classifier, logger)
}

func newAlpacaProvider(client barsClient, cfg AlpacaConfig, classifier *errs.Classifier, logger *slog.Logger) *AlpacaProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Adjustment == "" {
		cfg.Adjustment = AdjustmentRaw
	}
	return &AlpacaProvider{
		client:     client,
		feed:       cfg.Feed,
		adjustment: cfg.Adjustment,
		classifier: classifier,
		logger:     logger.With("component", "provider", "provider", "alpaca"),
	}
}

// Name implements Provider.
func (p *AlpacaProvider) Name() string { return "alpaca" }

// Adjustment implements Adjuster.
func (p *AlpacaProvider) Adjustment() Adjustment { return p.adjustment }

// FetchBars implements Provider.
func (p *AlpacaProvider) FetchBars(ctx context.Context, symbol, providerTimeframe string, from, to time.Time, limit int) ([]RawBar, error) {
	tf, err := parseAlpacaTimeframe(providerTimeframe)
	if err != nil {
		return nil, err
	}
	req := marketdata.GetBarsRequest{
		TimeFrame:  tf,
		Adjustment: marketdata.Adjustment(p.adjustment),
		Start:      from,
		End:        to,
		TotalLimit: limit,
		Feed:       p.feed,
	}

	var bars []marketdata.Bar
	fetch := func() error {
		// The SDK call takes no context; check before each attempt.
		if err := ctx.Err(); err != nil {
			return err
		}
		bars, err = p.client.GetBars(symbol, req)
		return err
	}
	if p.classifier != nil {
		err = p.classifier.Retry(ctx, "alpaca", "get_bars", fetch)
	} else {
		err = fetch()
	}
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s %s: %w", symbol, providerTimeframe, err)
	}

	out := make([]RawBar, 0, len(bars))
	for _, b := range bars {
		out = append(out, fromAlpacaBar(b))
	}
	p.logger.Debug("fetched bars", "symbol", symbol, "timeframe", providerTimeframe, "count", len(out))
	return out, nil
}

func fromAlpacaBar(b marketdata.Bar) RawBar {
	raw := RawBar{
		Timestamp: b.Timestamp.UTC(),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    int64(b.Volume),
	}
	if b.VWAP > 0 {
		vwap := b.VWAP
		raw.VWAP = &vwap
	}
	if b.TradeCount > 0 {
		n := int64(b.TradeCount)
		raw.TradeCount = &n
	}
	return raw
}

// parseAlpacaTimeframe turns "15Min" or "1Day" into an SDK TimeFrame.
func parseAlpacaTimeframe(s string) (marketdata.TimeFrame, error) {
	units := []struct {
		suffix string
		unit   marketdata.TimeFrameUnit
	}{
		{"Min", marketdata.Min},
		{"Hour", marketdata.Hour},
		{"Day", marketdata.Day},
		{"Week", marketdata.Week},
		{"Month", marketdata.Month},
	}
	for _, u := range units {
		num, ok := strings.CutSuffix(s, u.suffix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil || n <= 0 {
			break
		}
		return marketdata.NewTimeFrame(n, u.unit), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("%w: %q", ErrUnsupportedTimeframe, s)
}
