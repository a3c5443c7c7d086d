package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/johnayoung/go-market-integrity/internal/api"
	"github.com/johnayoung/go-market-integrity/internal/config"
	"github.com/johnayoung/go-market-integrity/internal/ingestion"
	"github.com/johnayoung/go-market-integrity/internal/logger"
	"github.com/johnayoung/go-market-integrity/internal/models"
	"github.com/johnayoung/go-market-integrity/internal/storage"
	"github.com/johnayoung/go-market-integrity/internal/universe"
)

var errUsage = errors.New("usage error")

// configError marks failures to load configuration or build logging.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// cli carries state shared by every command of one invocation.
type cli struct {
	configPath string
	envFile    string
	logLevel   string

	app  *app
	logs *logger.Manager

	// prepare runs after the app is wired; tests use it to swap collaborators.
	prepare func(*app)
	now     func() time.Time
}

func newCLI() *cli {
	return &cli{now: time.Now}
}

func newRootCmdWith(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:               "marketdata",
		Short:             "Calendar-aware candle ingestion, validation and historical universes",
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintln(cmd.ErrOrStderr(), cmd.UsageString())
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "config.yaml", "path to the YAML configuration file")
	pf.StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	pf.StringVar(&c.logLevel, "log-level", "", "override the configured log level")

	universeCmd := &cobra.Command{Use: "universe", Short: "Point-in-time index membership"}
	universeCmd.AddCommand(c.universeAsOfCmd(), c.universeResolveCmd(), c.universeImportCmd())

	snapshotsCmd := &cobra.Command{Use: "snapshots", Short: "Materialized universe snapshots"}
	snapshotsCmd.AddCommand(c.snapshotsPurgeCmd())

	candlesCmd := &cobra.Command{Use: "candles", Short: "Stored candle maintenance"}
	candlesCmd.AddCommand(c.candlesPurgeCmd())

	root.AddCommand(
		c.ingestCmd(),
		c.backfillCmd(),
		c.updateCmd(),
		c.scheduleCmd(),
		c.validateCmd(),
		universeCmd,
		snapshotsCmd,
		candlesCmd,
		c.serveCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewConfigManager(c.configPath, c.envFile, nil).LoadConfig(cmd.Context())
	if err != nil {
		return &configError{err}
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	logs, err := logger.NewManager(cfg.Logging)
	if err != nil {
		return &configError{err}
	}
	logs.SetDefault()

	a, err := newApp(cfg, logs)
	if err != nil {
		_ = logs.Close()
		return &configError{err}
	}
	if c.prepare != nil {
		c.prepare(a)
	}
	c.app, c.logs = a, logs
	return nil
}

// teardown closes whatever setup opened. It runs after the command whether
// or not it failed.
func (c *cli) teardown() error {
	var err error
	if c.app != nil {
		err = c.app.Close()
	}
	if c.logs != nil {
		err = errors.Join(err, c.logs.Close())
	}
	return err
}

// window resolves --start/--end, defaulting to [now - lookback, now].
func (c *cli) window(start, end string) (time.Time, time.Time, error) {
	to := c.now().UTC()
	if end != "" {
		d, err := models.ParseDate(end)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: --end: %v", errUsage, err)
		}
		to = d
	}
	from := to.Add(-c.app.cfg.Ingestion.Lookback)
	if start != "" {
		d, err := models.ParseDate(start)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: --start: %v", errUsage, err)
		}
		from = d
	}
	return from, to, nil
}

func (c *cli) timeframe(raw string) (models.Timeframe, error) {
	if raw == "" {
		raw = c.app.cfg.Ingestion.DefaultTimeframe
	}
	tf, err := models.ParseTimeframe(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUsage, err)
	}
	return tf, nil
}

func (c *cli) symbols(flag []string) ([]string, error) {
	out := flag
	if len(out) == 0 {
		out = c.app.cfg.Ingestion.Symbols
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: --symbols is required", errUsage)
	}
	upper := make([]string, len(out))
	for i, s := range out {
		upper[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return upper, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func failedResults(results []*ingestion.Result) error {
	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d symbols failed", failed, len(results))
	}
	return nil
}

func (c *cli) ingestCmd() *cobra.Command {
	var (
		symbols       []string
		tf            string
		start, end    string
		detectGaps    bool
		maxGapMinutes float64
		limit         int
		concurrency   int
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch, convert and store candles for a set of symbols",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			syms, err := c.symbols(symbols)
			if err != nil {
				return err
			}
			timeframe, err := c.timeframe(tf)
			if err != nil {
				return err
			}
			from, to, err := c.window(start, end)
			if err != nil {
				return err
			}
			svc, err := c.app.ingestionService(ctx)
			if err != nil {
				return err
			}

			ic := c.app.cfg.Ingestion
			opts := ingestion.Options{
				From:          from,
				To:            to,
				Timeframe:     timeframe,
				DetectGaps:    detectGaps,
				MaxGapMinutes: ic.MaxGapMinutes,
				Limit:         ic.Limit,
			}
			if cmd.Flags().Changed("max-gap-minutes") {
				opts.MaxGapMinutes = maxGapMinutes
			}
			if cmd.Flags().Changed("limit") {
				opts.Limit = limit
			}
			if !cmd.Flags().Changed("concurrency") {
				concurrency = ic.Concurrency
			}

			bySymbol := svc.IngestUniverse(ctx, syms, opts, concurrency)
			results := make([]*ingestion.Result, 0, len(bySymbol))
			for _, r := range bySymbol {
				results = append(results, r)
			}
			slices.SortFunc(results, func(a, b *ingestion.Result) int { return strings.Compare(a.Symbol, b.Symbol) })
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			return failedResults(results)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&symbols, "symbols", nil, "comma-separated symbols (default: ingestion.symbols)")
	f.StringVar(&tf, "timeframe", "", "candle timeframe (default: ingestion.default_timeframe)")
	f.StringVar(&start, "start", "", "first day, YYYY-MM-DD (default: end minus lookback)")
	f.StringVar(&end, "end", "", "last day, YYYY-MM-DD (default: now)")
	f.BoolVar(&detectGaps, "detect-gaps", false, "scan ingested candles for gaps")
	f.Float64Var(&maxGapMinutes, "max-gap-minutes", 0, "gap tolerance in minutes")
	f.IntVar(&limit, "limit", 0, "cap on bars requested per symbol")
	f.IntVar(&concurrency, "concurrency", ingestion.DefaultConcurrency, "symbols fetched per batch")
	return cmd
}

func (c *cli) backfillCmd() *cobra.Command {
	var symbol, tf, start, end string
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Ingest a historical range for one symbol with gap detection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			timeframe, err := c.timeframe(tf)
			if err != nil {
				return err
			}
			from, err := models.ParseDate(start)
			if err != nil {
				return fmt.Errorf("%w: --start: %v", errUsage, err)
			}
			var to *time.Time
			if end != "" {
				d, err := models.ParseDate(end)
				if err != nil {
					return fmt.Errorf("%w: --end: %v", errUsage, err)
				}
				to = &d
			}
			svc, err := c.app.ingestionService(ctx)
			if err != nil {
				return err
			}
			result := svc.Backfill(ctx, strings.ToUpper(symbol), timeframe, from, to)
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			return failedResults([]*ingestion.Result{result})
		},
	}
	f := cmd.Flags()
	f.StringVar(&symbol, "symbol", "", "symbol to backfill")
	f.StringVar(&tf, "timeframe", "", "candle timeframe")
	f.StringVar(&start, "start", "", "first day, YYYY-MM-DD")
	f.StringVar(&end, "end", "", "last day, YYYY-MM-DD (default: now)")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func (c *cli) updateCmd() *cobra.Command {
	var (
		symbols []string
		tf      string
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Ingest everything newer than the last stored candle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			syms, err := c.symbols(symbols)
			if err != nil {
				return err
			}
			timeframe, err := c.timeframe(tf)
			if err != nil {
				return err
			}
			svc, err := c.app.ingestionService(ctx)
			if err != nil {
				return err
			}
			results := make([]*ingestion.Result, 0, len(syms))
			for _, s := range syms {
				results = append(results, svc.IncrementalUpdate(ctx, s, timeframe))
			}
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			return failedResults(results)
		},
	}
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "comma-separated symbols (default: ingestion.symbols)")
	cmd.Flags().StringVar(&tf, "timeframe", "", "candle timeframe")
	return cmd
}

func (c *cli) scheduleCmd() *cobra.Command {
	var (
		symbols, timeframes []string
		once, catchUp       bool
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run incremental updates after every bar boundary until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			syms, err := c.symbols(symbols)
			if err != nil {
				return err
			}
			for _, raw := range timeframes {
				if _, err := c.timeframe(raw); err != nil {
					return err
				}
			}
			s, err := c.app.scheduler(ctx, syms, timeframes, c.now)
			if err != nil {
				return err
			}
			if once || catchUp {
				stats := s.RunOnce(ctx)
				if once {
					if err := writeJSON(cmd.OutOrStdout(), stats); err != nil {
						return err
					}
					if stats.FailedJobs > 0 {
						return fmt.Errorf("%d of %d jobs failed", stats.FailedJobs, stats.TotalJobs)
					}
					return nil
				}
			}
			if err := s.Run(ctx); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), s.Stats())
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&symbols, "symbols", nil, "comma-separated symbols (default: ingestion.symbols)")
	f.StringSliceVar(&timeframes, "timeframes", nil, "timeframes to keep current (default: scheduler.timeframes)")
	f.BoolVar(&once, "once", false, "run every job once and exit")
	f.BoolVar(&catchUp, "catch-up", false, "run every job once before waiting for the next boundary")
	return cmd
}

func (c *cli) validateCmd() *cobra.Command {
	var (
		symbol, tf, start, end string
		aggregate              string
		autoFill, strict       bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored candles against the trading calendar",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			timeframe, err := c.timeframe(tf)
			if err != nil {
				return err
			}
			from, to, err := c.window(start, end)
			if err != nil {
				return err
			}
			store, err := c.app.candleStore(ctx)
			if err != nil {
				return err
			}
			resp, err := store.Query(ctx, storage.QueryRequest{
				Symbol:    strings.ToUpper(symbol),
				Timeframe: timeframe,
				Start:     from,
				End:       to.Add(24 * time.Hour),
			})
			if err != nil {
				return err
			}
			series := resp.Candles
			if aggregate != "" {
				target, err := models.ParseTimeframe(aggregate)
				if err != nil {
					return fmt.Errorf("%w: --aggregate: %v", errUsage, err)
				}
				if series, err = ingestion.AggregateCandles(series, target); err != nil {
					return err
				}
			}

			v, err := c.app.validator()
			if err != nil {
				return &configError{err}
			}
			vc := validationConfig(c.app.cfg.Validation)
			if cmd.Flags().Changed("auto-fill") {
				vc.AutoFillGaps = autoFill
			}
			result := v.Validate(ctx, series, vc)
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if strict && !result.IsValid {
				return fmt.Errorf("validation failed: quality score %.1f", result.QualityScore)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&symbol, "symbol", "", "symbol to validate")
	f.StringVar(&tf, "timeframe", "", "stored candle timeframe")
	f.StringVar(&start, "start", "", "first day, YYYY-MM-DD")
	f.StringVar(&end, "end", "", "last day, YYYY-MM-DD")
	f.StringVar(&aggregate, "aggregate", "", "roll the series up to this coarser timeframe first")
	f.BoolVar(&autoFill, "auto-fill", false, "interpolate small gaps and include the filled series")
	f.BoolVar(&strict, "strict", false, "exit non-zero when the series is invalid")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

func (c *cli) universeAsOfCmd() *cobra.Command {
	var index, date string
	var tradeable bool
	cmd := &cobra.Command{
		Use:   "asof",
		Short: "List index members on a date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			asOf, err := c.asOf(date)
			if err != nil {
				return err
			}
			r, err := c.app.universeResolver(ctx)
			if err != nil {
				return err
			}
			out := map[string]any{"index_id": index, "as_of": asOf.Format(time.DateOnly)}
			if tradeable {
				members, err := r.TradeableAsOf(ctx, index, asOf)
				if err != nil {
					return err
				}
				out["members"] = members
			} else {
				symbols, err := r.UniverseAsOf(ctx, index, asOf)
				if err != nil {
					return err
				}
				out["symbols"] = symbols
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&index, "index", "", "index identifier")
	cmd.Flags().StringVar(&date, "date", "", "as-of date, YYYY-MM-DD (default: today)")
	cmd.Flags().BoolVar(&tradeable, "tradeable", false, "map historical symbols to current ones")
	_ = cmd.MarkFlagRequired("index")
	return cmd
}

func (c *cli) universeResolveCmd() *cobra.Command {
	var symbol, date string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Follow ticker changes forward, or backward to a date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			r, err := c.app.universeResolver(ctx)
			if err != nil {
				return err
			}
			sym := strings.ToUpper(symbol)
			current, err := r.Tickers().ResolveToCurrentSymbol(ctx, sym)
			if err != nil {
				return err
			}
			out := map[string]any{"symbol": sym, "current_symbol": current}
			if date != "" {
				asOf, err := c.asOf(date)
				if err != nil {
					return err
				}
				historical, err := r.Tickers().ResolveToHistoricalSymbol(ctx, sym, asOf)
				if err != nil {
					return err
				}
				out["as_of"], out["historical_symbol"] = asOf.Format(time.DateOnly), historical
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol to resolve")
	cmd.Flags().StringVar(&date, "as-of", "", "also resolve the symbol used on this date")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

func (c *cli) universeImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load constituents and ticker changes from a YAML seed file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			r, err := c.app.universeResolver(ctx)
			if err != nil {
				return err
			}
			stats, err := universe.Import(ctx, f, r)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "seed file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) snapshotsPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired universe snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			r, err := c.app.universeResolver(ctx)
			if err != nil {
				return err
			}
			n, err := r.Snapshots().PurgeExpired(ctx)
			if err != nil {
				return err
			}
			c.app.recorder.ObservePurge(n)
			return writeJSON(cmd.OutOrStdout(), map[string]int64{"purged": n})
		},
	}
}

func (c *cli) candlesPurgeCmd() *cobra.Command {
	var symbol, tf string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete candles older than storage.retention_days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			days := c.app.cfg.Storage.RetentionDays
			if days <= 0 {
				return fmt.Errorf("%w: storage.retention_days is not set", errUsage)
			}
			timeframe, err := c.timeframe(tf)
			if err != nil {
				return err
			}
			store, err := c.app.candleStore(ctx)
			if err != nil {
				return err
			}
			before := models.NormalizeDate(c.now()).AddDate(0, 0, -days)
			n, err := store.PurgeCandles(ctx, strings.ToUpper(symbol), timeframe, before)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"purged": n,
				"before": before.Format(time.DateOnly),
			})
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol to purge")
	cmd.Flags().StringVar(&tf, "timeframe", "", "candle timeframe")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP query API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a := c.app
			router, err := c.router(cmd)
			if err != nil {
				return err
			}
			return api.NewServer(a.cfg.API, router, a.logs.Component("api")).Run(ctx)
		},
	}
}

// router wires every store the API reads into a gin engine.
func (c *cli) router(cmd *cobra.Command) (*gin.Engine, error) {
	ctx := cmd.Context()
	a := c.app
	gin.SetMode(a.cfg.API.Mode)

	candles, err := a.candleStore(ctx)
	if err != nil {
		return nil, err
	}
	resolver, err := a.universeResolver(ctx)
	if err != nil {
		return nil, err
	}
	v, err := a.validator()
	if err != nil {
		return nil, &configError{err}
	}

	deps := api.Deps{
		Calendar:           a.calendar,
		Validator:          v,
		ValidationDefaults: validationConfig(a.cfg.Validation),
		Resolver:           resolver,
		HealthChecks: map[string]storage.HealthChecker{
			"candles":  candles,
			"universe": a.universe,
		},
		Logger: a.logs.Component("api"),
		Now:    c.now,
	}
	if a.cfg.Metrics.Enabled {
		deps.Metrics = a.recorder.Handler()
		deps.MetricsPath = a.cfg.Metrics.Path
	}
	return api.NewRouter(deps), nil
}

func (c *cli) asOf(raw string) (time.Time, error) {
	if raw == "" {
		return models.NormalizeDate(c.now()), nil
	}
	d, err := models.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	return d, nil
}
