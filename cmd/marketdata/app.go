package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/johnayoung/go-market-integrity/internal/cache"
	"github.com/johnayoung/go-market-integrity/internal/calendar"
	"github.com/johnayoung/go-market-integrity/internal/config"
	errs "github.com/johnayoung/go-market-integrity/internal/errors"
	"github.com/johnayoung/go-market-integrity/internal/gaps"
	"github.com/johnayoung/go-market-integrity/internal/ingestion"
	"github.com/johnayoung/go-market-integrity/internal/logger"
	"github.com/johnayoung/go-market-integrity/internal/metrics"
	"github.com/johnayoung/go-market-integrity/internal/models"
	"github.com/johnayoung/go-market-integrity/internal/provider"
	"github.com/johnayoung/go-market-integrity/internal/staleness"
	"github.com/johnayoung/go-market-integrity/internal/storage"
	"github.com/johnayoung/go-market-integrity/internal/universe"
	"github.com/johnayoung/go-market-integrity/internal/validator"
)

// app holds the wired services for one CLI invocation. Stores and the
// provider are opened on first use so each command only touches what it needs.
type app struct {
	cfg        *config.AppConfig
	logs       *logger.Manager
	logger     *slog.Logger
	recorder   *metrics.Recorder
	classifier *errs.Classifier
	calendar   *calendar.Calendar

	memory   *storage.MemoryStorage
	candles  storage.CandleStorage
	universe storage.UniverseStore
	resolver *universe.Resolver

	// providerOverride replaces the configured provider in tests.
	providerOverride provider.Provider

	closers []func() error
}

func newApp(cfg *config.AppConfig, logs *logger.Manager) (*app, error) {
	cal, err := buildCalendar(cfg.Calendar)
	if err != nil {
		return nil, err
	}
	recorder := metrics.NewRecorder(cfg.Metrics.Namespace, nil)
	classifier := errs.NewClassifier(cfg.ErrorHandling, logs.Component("errors"))
	recorder.WatchErrors(classifier)
	return &app{
		cfg:        cfg,
		logs:       logs,
		logger:     logs.Component("cli"),
		recorder:   recorder,
		classifier: classifier,
		calendar:   cal,
	}, nil
}

// Close releases stores in reverse order of opening.
func (a *app) Close() error {
	var joined error
	for i := len(a.closers) - 1; i >= 0; i-- {
		joined = errors.Join(joined, a.closers[i]())
	}
	a.closers = nil
	return joined
}

func (a *app) sharedMemory() *storage.MemoryStorage {
	if a.memory == nil {
		a.memory = storage.NewMemoryStorage()
	}
	return a.memory
}

func (a *app) candleStore(ctx context.Context) (storage.CandleStorage, error) {
	if a.candles != nil {
		return a.candles, nil
	}
	var store storage.CandleStorage
	switch a.cfg.Storage.Type {
	case "memory":
		store = a.sharedMemory()
	case "duckdb":
		duck, err := storage.NewDuckDBStorage(a.cfg.Storage.DatabaseURL, a.logs.Component("storage"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, duck.Close)
		store = duck
	default:
		return nil, fmt.Errorf("unsupported storage type %q", a.cfg.Storage.Type)
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize candle storage: %w", err)
	}
	a.candles = store
	return store, nil
}

func (a *app) universeStore(ctx context.Context) (storage.UniverseStore, error) {
	if a.universe != nil {
		return a.universe, nil
	}
	var store storage.UniverseStore
	switch a.cfg.UniverseDB.Driver {
	case "memory":
		store = a.sharedMemory()
	case "postgres", "sqlite":
		db, err := storage.OpenGorm(a.cfg.UniverseDB.Driver, a.cfg.UniverseDB.DSN)
		if err != nil {
			return nil, err
		}
		gs := storage.NewGormUniverseStore(db, a.logs.Component("storage"))
		a.closers = append(a.closers, gs.Close)
		store = gs
	default:
		return nil, fmt.Errorf("unsupported universe driver %q", a.cfg.UniverseDB.Driver)
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize universe storage: %w", err)
	}
	a.universe = store
	return store, nil
}

// snapshotStore returns the universe store's snapshot half, fronted by Redis
// when enabled. An unreachable Redis degrades to the bare store.
func (a *app) snapshotStore(ctx context.Context, store storage.SnapshotStore) storage.SnapshotStore {
	rc := a.cfg.Redis
	if !rc.Enabled {
		return store
	}
	rdb, err := cache.NewClient(ctx, rc)
	if err != nil {
		a.logger.Warn("snapshot cache disabled", "error", err)
		return store
	}
	a.closers = append(a.closers, rdb.Close)
	return cache.NewSnapshotCache(store, rdb, rc.KeyPrefix, rc.MaxTTL,
		cache.WithObserver(a.recorder),
		cache.WithLogger(a.logs.Component("cache")))
}

func (a *app) universeResolver(ctx context.Context) (*universe.Resolver, error) {
	if a.resolver != nil {
		return a.resolver, nil
	}
	store, err := a.universeStore(ctx)
	if err != nil {
		return nil, err
	}
	l := a.logs.Component("universe")
	a.resolver = universe.NewResolver(
		universe.NewConstituentsRepository(store, l),
		universe.NewTickerChangesRepository(store, l),
		universe.NewSnapshotsRepository(a.snapshotStore(ctx, store), a.cfg.Snapshots.TTL, universe.WithSnapshotLogger(l)),
		a.recorder,
		l,
	)
	return a.resolver, nil
}

func (a *app) provider() (provider.Provider, provider.TimeframeMap, error) {
	if a.providerOverride != nil {
		return a.providerOverride, provider.RESTTimeframes(), nil
	}
	pc := a.cfg.Provider
	adjustment, err := provider.ParseAdjustment(pc.Adjustment)
	if err != nil {
		return nil, nil, err
	}
	l := a.logs.Component("provider")

	switch pc.Type {
	case "alpaca":
		p := provider.NewAlpacaProvider(provider.AlpacaConfig{
			APIKey:     pc.APIKey,
			APISecret:  pc.APISecret,
			BaseURL:    pc.BaseURL,
			Feed:       pc.Feed,
			Adjustment: adjustment,
		}, a.classifier, l)
		return p, provider.AlpacaTimeframes(), nil
	case "rest":
		p := provider.NewRESTProvider(pc.BaseURL,
			provider.WithHTTPClient(&http.Client{Timeout: pc.Timeout}),
			provider.WithRateLimit(pc.RateLimit, pc.Burst),
			provider.WithCredentials(pc.APIKey, pc.APISecret),
			provider.WithClassifier(a.classifier),
			provider.WithAdjustment(adjustment),
			provider.WithLogger(l))
		return p, provider.RESTTimeframes(), nil
	default:
		return nil, nil, fmt.Errorf("unsupported provider type %q", pc.Type)
	}
}

func (a *app) ingestionService(ctx context.Context) (*ingestion.Service, error) {
	store, err := a.candleStore(ctx)
	if err != nil {
		return nil, err
	}
	p, tfs, err := a.provider()
	if err != nil {
		return nil, err
	}
	ic := a.cfg.Ingestion
	return ingestion.NewService(p, store,
		ingestion.WithTimeframes(tfs),
		ingestion.WithObserver(a.recorder),
		ingestion.WithBatchDelay(ic.BatchDelay),
		ingestion.WithStoreBatchSize(a.cfg.Storage.BatchSize),
		ingestion.WithLookback(ic.Lookback),
		ingestion.WithLogger(a.logs.Component("ingestion")),
	), nil
}

// scheduler builds periodic updates for symbols over the configured or
// given timeframes.
func (a *app) scheduler(ctx context.Context, symbols, timeframes []string, now func() time.Time) (*ingestion.Scheduler, error) {
	svc, err := a.ingestionService(ctx)
	if err != nil {
		return nil, err
	}
	sc := a.cfg.Scheduler
	if len(timeframes) == 0 {
		timeframes = sc.Timeframes
	}
	tfs := make([]models.Timeframe, 0, len(timeframes))
	for _, raw := range timeframes {
		tf, err := models.ParseTimeframe(raw)
		if err != nil {
			return nil, err
		}
		tfs = append(tfs, tf)
	}
	return ingestion.NewScheduler(svc, a.calendar, ingestion.SchedulerConfig{
		Symbols:           symbols,
		Timeframes:        tfs,
		TickInterval:      sc.TickInterval,
		MaxConcurrentJobs: sc.MaxConcurrentJobs,
		JobTimeout:        sc.JobTimeout,
		RetryDelay:        sc.RetryDelay,
		MarketHoursOnly:   sc.MarketHoursOnly,
		IncludeExtended:   sc.IncludeExtended,
	},
		ingestion.WithSchedulerClock(now),
		ingestion.WithSchedulerLogger(a.logs.Component("scheduler")))
}

func (a *app) validator() (*validator.Validator, error) {
	overrides, err := stalenessOverrides(a.cfg.Staleness)
	if err != nil {
		return nil, err
	}
	detector, err := validator.NewHeuristicDetector(anomalyRules(a.cfg.Validation)...)
	if err != nil {
		return nil, err
	}
	return validator.New(a.calendar, staleness.NewChecker(overrides),
		validator.WithAnomalyDetector(detector),
		validator.WithObserver(a.recorder),
		validator.WithLogger(a.logs.Component("validator")),
	), nil
}

func buildCalendar(cc config.CalendarConfig) (*calendar.Calendar, error) {
	if cc.Name != "" && cc.Name != "NYSE" {
		return nil, fmt.Errorf("unsupported calendar %q", cc.Name)
	}
	cfg := calendar.DefaultNYSEConfig()
	if cc.Timezone != "" {
		loc, err := time.LoadLocation(cc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("calendar timezone: %w", err)
		}
		cfg.Location = loc
	}
	for _, raw := range cc.ExtraHolidays {
		d, err := models.ParseDate(raw)
		if err != nil {
			return nil, fmt.Errorf("calendar extra holiday: %w", err)
		}
		cfg.Holidays = append(cfg.Holidays, d)
	}
	return calendar.New(cfg)
}

func validationConfig(vc config.ValidationConfig) validator.Config {
	return validator.Config{
		CalendarAware: vc.CalendarAware,
		AutoFillGaps:  vc.AutoFillGaps,
		Gaps: gaps.Policy{
			ToleranceMultiplier:   vc.ToleranceMultiplier,
			MaxInterpolateCandles: vc.MaxInterpolateCandles,
		},
		MinCandles:         vc.MinCandles,
		CriticalGapCandles: vc.CriticalGapCandles,
	}
}

// anomalyRules builds the default rule set with configured thresholds.
func anomalyRules(vc config.ValidationConfig) []validator.Rule {
	rules := validator.DefaultRules()
	for i := range rules {
		switch rules[i].Kind {
		case validator.RulePriceSpike:
			if vc.PriceSpikeRatio > 0 {
				rules[i].PriceSpike.MaxRatio = vc.PriceSpikeRatio
			}
		case validator.RuleVolumeSpike:
			if vc.VolumeSpikeMultiplier > 0 {
				rules[i].VolumeSpike.Multiplier = vc.VolumeSpikeMultiplier
			}
			if vc.VolumeLookback > 0 {
				rules[i].VolumeSpike.Lookback = vc.VolumeLookback
			}
		case validator.RuleFlashCrash:
			if vc.FlashCrashDropPercent > 0 {
				rules[i].FlashCrash.DropPercent = vc.FlashCrashDropPercent
			}
			if vc.FlashCrashRecoveryPercent > 0 {
				rules[i].FlashCrash.RecoveryPercent = vc.FlashCrashRecoveryPercent
			}
		}
	}
	return rules
}

func stalenessOverrides(sc config.StalenessConfig) (map[models.Timeframe]time.Duration, error) {
	out := make(map[models.Timeframe]time.Duration, len(sc.Thresholds))
	for raw, d := range sc.Thresholds {
		tf, err := models.ParseTimeframe(raw)
		if err != nil {
			return nil, fmt.Errorf("staleness threshold: %w", err)
		}
		out[tf] = d
	}
	return out, nil
}
