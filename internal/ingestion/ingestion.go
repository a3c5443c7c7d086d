// Package ingestion pulls raw bars from a provider, converts them into
// canonical candles, optionally scans them for gaps and persists them.
//
// Per-symbol work never fails across its boundary: every problem is recorded
// in the Result so that one bad symbol cannot stop a universe run.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/go-market-integrity/internal/gaps"
	"github.com/johnayoung/go-market-integrity/internal/models"
	"github.com/johnayoung/go-market-integrity/internal/provider"
	"github.com/johnayoung/go-market-integrity/internal/storage"
)

const (
	// DefaultConcurrency is the batch size of IngestUniverse.
	DefaultConcurrency = 5
	// DefaultBatchDelay separates universe batches.
	DefaultBatchDelay = time.Second
	// DefaultLookback is how far IncrementalUpdate reaches without prior data.
	DefaultLookback = 30 * 24 * time.Hour
	// DefaultGapTolerance applies when Options.MaxGapMinutes is unset.
	DefaultGapTolerance = 2.0
	// DefaultStoreBatchSize bounds a single upsert call.
	DefaultStoreBatchSize = 1000

	incrementalOverlap = 24 * time.Hour
)

// Options selects the window and behavior of one ingestion.
type Options struct {
	From      time.Time        `json:"from"`
	To        time.Time        `json:"to"`
	Timeframe models.Timeframe `json:"timeframe"`
	// DetectGaps runs a gap scan over the converted candles.
	DetectGaps bool `json:"detect_gaps"`
	// MaxGapMinutes sets the gap tolerance to MaxGapMinutes / nominal minutes.
	MaxGapMinutes float64 `json:"max_gap_minutes,omitempty"`
	// Limit caps the number of bars requested; zero means no cap.
	Limit int `json:"limit,omitempty"`
}

// Result summarizes one symbol's ingestion.
type Result struct {
	Symbol         string            `json:"symbol"`
	Timeframe      models.Timeframe  `json:"timeframe"`
	RunID          string            `json:"run_id"`
	CandlesFetched int               `json:"candles_fetched"`
	CandlesStored  int               `json:"candles_stored"`
	Rejected       int               `json:"rejected"`
	Gaps           *models.GapReport `json:"gaps,omitempty"`
	Errors         []string          `json:"errors"`
	Duration       time.Duration     `json:"duration"`
}

// OK reports whether the run finished without errors.
func (r *Result) OK() bool { return len(r.Errors) == 0 }

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Observer receives every finished Result.
type Observer interface {
	ObserveIngestion(r *Result)
}

// CandleStore is the storage the service needs.
type CandleStore interface {
	storage.CandleStorer
	storage.CandleReader
}

// Service orchestrates provider fetches and candle persistence.
type Service struct {
	provider       provider.Provider
	timeframes     provider.TimeframeMap
	store          CandleStore
	observer       Observer
	batchDelay     time.Duration
	storeBatchSize int
	lookback       time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTimeframes sets the provider vocabulary. The default passes names through.
func WithTimeframes(m provider.TimeframeMap) Option {
	return func(s *Service) { s.timeframes = m }
}

// WithObserver registers a result observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithBatchDelay sets the pause between universe batches.
func WithBatchDelay(d time.Duration) Option {
	return func(s *Service) { s.batchDelay = d }
}

// WithStoreBatchSize bounds the candles written per upsert call.
func WithStoreBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.storeBatchSize = n
		}
	}
}

// WithLookback sets the IncrementalUpdate window used when no data is stored.
func WithLookback(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lookback = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates an ingestion service.
func NewService(p provider.Provider, store CandleStore, opts ...Option) *Service {
	s := &Service{
		provider:       p,
		timeframes:     provider.RESTTimeframes(),
		store:          store,
		batchDelay:     DefaultBatchDelay,
		storeBatchSize: DefaultStoreBatchSize,
		lookback:       DefaultLookback,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ingestion")
	return s
}

// IngestSymbol fetches, converts, optionally gap-scans and stores one symbol.
// It never returns an error; failures are listed in Result.Errors.
func (s *Service) IngestSymbol(ctx context.Context, symbol string, opts Options) *Result {
	started := s.now()
	result := &Result{
		Symbol:    symbol,
		Timeframe: opts.Timeframe,
		RunID:     uuid.NewString(),
		Errors:    []string{},
	}
	logger := s.logger.With("run_id", result.RunID, "symbol", symbol, "timeframe", opts.Timeframe)
	defer func() {
		result.Duration = s.now().Sub(started)
		if s.observer != nil {
			s.observer.ObserveIngestion(result)
		}
	}()

	if err := validateOptions(symbol, opts); err != nil {
		result.addError("%v", err)
		return result
	}
	providerTF, err := s.timeframes.Lookup(opts.Timeframe)
	if err != nil {
		result.addError("%v", err)
		return result
	}

	bars, err := s.provider.FetchBars(ctx, symbol, providerTF, opts.From, opts.To, opts.Limit)
	if err != nil {
		logger.Warn("provider fetch failed", "error", err)
		result.addError("provider %s: %v", s.provider.Name(), err)
		return result
	}
	result.CandlesFetched = len(bars)
	if len(bars) == 0 {
		result.addError("no data returned for %s %s between %s and %s",
			symbol, opts.Timeframe, opts.From.Format(time.RFC3339), opts.To.Format(time.RFC3339))
		return result
	}

	candles, rejects := convertBars(symbol, opts.Timeframe, s.provider, bars)
	result.Rejected = len(rejects)
	for _, r := range rejects {
		result.addError("%v", r)
	}

	if opts.DetectGaps && len(candles) > 1 {
		report, err := gaps.DetectGaps(candles, gapTolerance(opts))
		if err != nil {
			result.addError("gap detection: %v", err)
		} else {
			result.Gaps = report
		}
	}

	for start := 0; start < len(candles); start += s.storeBatchSize {
		end := min(start+s.storeBatchSize, len(candles))
		n, err := s.store.UpsertCandles(ctx, candles[start:end])
		result.CandlesStored += n
		if err != nil {
			logger.Error("storing candles failed", "error", err)
			result.addError("storage: %v", err)
			break
		}
	}

	attrs := []any{
		"fetched", result.CandlesFetched,
		"stored", result.CandlesStored,
		"rejected", result.Rejected,
	}
	if result.Gaps != nil {
		attrs = append(attrs, "gaps", len(result.Gaps.Gaps), "missing_candles", result.Gaps.TotalMissingCandles)
	}
	logger.Info("ingestion complete", attrs...)
	return result
}

func validateOptions(symbol string, opts Options) error {
	if symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !opts.Timeframe.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownTimeframe, opts.Timeframe)
	}
	if opts.From.IsZero() || opts.To.IsZero() {
		return fmt.Errorf("from and to are required")
	}
	if opts.To.Before(opts.From) {
		return fmt.Errorf("invalid window: to %s is before from %s",
			opts.To.Format(time.RFC3339), opts.From.Format(time.RFC3339))
	}
	return nil
}

// gapTolerance converts MaxGapMinutes into a multiple of the nominal
// interval. Values below one interval are raised to 1 so contiguous bars are
// never reported.
func gapTolerance(opts Options) float64 {
	if opts.MaxGapMinutes <= 0 {
		return DefaultGapTolerance
	}
	return max(opts.MaxGapMinutes/float64(opts.Timeframe.Minutes()), 1)
}

// IngestUniverse ingests symbols in batches of concurrency, waiting for each
// batch to finish and pausing between batches. Duplicate symbols are
// ingested once. Symbols not started because ctx ended get a Result carrying
// the context error.
func (s *Service) IngestUniverse(ctx context.Context, symbols []string, opts Options, concurrency int) map[string]*Result {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	unique := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		if _, ok := seen[sym]; !ok {
			seen[sym] = struct{}{}
			unique = append(unique, sym)
		}
	}

	results := make(map[string]*Result, len(unique))
	var mu sync.Mutex
	started := s.now()

	for batchStart := 0; batchStart < len(unique); batchStart += concurrency {
		batch := unique[batchStart:min(batchStart+concurrency, len(unique))]

		if batchStart > 0 {
			if err := sleep(ctx, s.batchDelay); err != nil {
				s.skipRemaining(unique[batchStart:], opts, err, results)
				break
			}
		}

		var g errgroup.Group
		for _, sym := range batch {
			g.Go(func() error {
				r := s.IngestSymbol(ctx, sym, opts)
				mu.Lock()
				results[sym] = r
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	s.logger.Info("universe ingestion complete",
		"symbols", len(unique),
		"failed", failed,
		"timeframe", opts.Timeframe,
		"duration", s.now().Sub(started))
	return results
}

func (s *Service) skipRemaining(symbols []string, opts Options, cause error, results map[string]*Result) {
	for _, sym := range symbols {
		results[sym] = &Result{
			Symbol:    sym,
			Timeframe: opts.Timeframe,
			RunID:     uuid.NewString(),
			Errors:    []string{fmt.Sprintf("not started: %v", cause)},
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backfill ingests [start, end] with gap detection. A nil end means now.
func (s *Service) Backfill(ctx context.Context, symbol string, tf models.Timeframe, start time.Time, end *time.Time) *Result {
	to := s.now().UTC()
	if end != nil {
		to = *end
	}
	return s.IngestSymbol(ctx, symbol, Options{
		From:       start,
		To:         to,
		Timeframe:  tf,
		DetectGaps: true,
	})
}

// IncrementalUpdate ingests from one day before the newest stored candle, or
// over the lookback window when nothing is stored, through now.
func (s *Service) IncrementalUpdate(ctx context.Context, symbol string, tf models.Timeframe) *Result {
	now := s.now().UTC()
	last, err := s.store.GetLastCandle(ctx, symbol, tf)
	if err != nil {
		result := &Result{
			Symbol:    symbol,
			Timeframe: tf,
			RunID:     uuid.NewString(),
			Errors:    []string{fmt.Sprintf("storage: last candle: %v", err)},
		}
		if s.observer != nil {
			s.observer.ObserveIngestion(result)
		}
		return result
	}

	from := now.Add(-s.lookback)
	if last != nil {
		from = last.Timestamp.Add(-incrementalOverlap)
	}
	return s.IngestSymbol(ctx, symbol, Options{From: from, To: now, Timeframe: tf})
}
