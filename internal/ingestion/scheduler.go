package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-market-integrity/internal/calendar"
	"github.com/johnayoung/go-market-integrity/internal/models"
)

// Updater is the part of Service the scheduler drives.
type Updater interface {
	IncrementalUpdate(ctx context.Context, symbol string, tf models.Timeframe) *Result
}

// SchedulerConfig configures periodic incremental updates.
type SchedulerConfig struct {
	Symbols    []string
	Timeframes []models.Timeframe
	// TickInterval is how often due jobs are looked for.
	TickInterval time.Duration
	// MaxConcurrentJobs caps jobs in flight; due jobs beyond it wait a tick.
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	// RetryDelay reschedules a failed job instead of waiting for the next boundary.
	RetryDelay time.Duration
	// MarketHoursOnly skips runs whose bar did not overlap a session.
	MarketHoursOnly bool
	IncludeExtended bool
}

// DefaultSchedulerConfig returns a configuration with sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Timeframes:        []models.Timeframe{models.Timeframe1d},
		TickInterval:      time.Minute,
		MaxConcurrentJobs: DefaultConcurrency,
		JobTimeout:        5 * time.Minute,
		RetryDelay:        5 * time.Minute,
		MarketHoursOnly:   true,
	}
}

// Job is one scheduled (symbol, timeframe) update.
type Job struct {
	ID        string           `json:"id"`
	Symbol    string           `json:"symbol"`
	Timeframe models.Timeframe `json:"timeframe"`
	NextRun   time.Time        `json:"next_run"`
}

// SchedulerStats is a point-in-time view of scheduler activity.
type SchedulerStats struct {
	TotalJobs     int           `json:"total_jobs"`
	RunningJobs   int           `json:"running_jobs"`
	CompletedJobs int64         `json:"completed_jobs"`
	FailedJobs    int64         `json:"failed_jobs"`
	SkippedJobs   int64         `json:"skipped_jobs"`
	LastRunTime   time.Time     `json:"last_run_time"`
	NextRunTime   time.Time     `json:"next_run_time"`
	Uptime        time.Duration `json:"uptime"`
}

// ErrSchedulerRunning is returned by Run on a scheduler that is already running.
var ErrSchedulerRunning = errors.New("scheduler is already running")

// Scheduler runs IncrementalUpdate for every configured symbol and timeframe
// after each bar boundary.
type Scheduler struct {
	updater  Updater
	calendar *calendar.Calendar
	cfg      SchedulerConfig
	now      func() time.Time
	logger   *slog.Logger

	running atomic.Bool
	paused  atomic.Bool
	started time.Time

	mu   sync.Mutex
	jobs []*Job

	slots       chan struct{}
	runningJobs atomic.Int32
	completed   atomic.Int64
	failed      atomic.Int64
	skipped     atomic.Int64
	lastRun     atomic.Pointer[time.Time]

	wg sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock replaces time.Now.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates one job per symbol and timeframe, each first due at
// the next bar boundary.
func NewScheduler(u Updater, cal *calendar.Calendar, cfg SchedulerConfig, opts ...SchedulerOption) (*Scheduler, error) {
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("scheduler: no symbols configured")
	}
	if len(cfg.Timeframes) == 0 {
		return nil, errors.New("scheduler: no timeframes configured")
	}
	for _, tf := range cfg.Timeframes {
		if !tf.Valid() {
			return nil, fmt.Errorf("scheduler: %w: %q", models.ErrUnknownTimeframe, tf)
		}
	}
	def := DefaultSchedulerConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}

	s := &Scheduler{
		updater:  u,
		calendar: cal,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
		slots:    make(chan struct{}, cfg.MaxConcurrentJobs),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")

	now := s.now().UTC()
	seen := make(map[string]bool)
	for _, symbol := range cfg.Symbols {
		for _, tf := range cfg.Timeframes {
			id := symbol + "_" + string(tf)
			if seen[id] {
				continue
			}
			seen[id] = true
			s.jobs = append(s.jobs, &Job{ID: id, Symbol: symbol, Timeframe: tf, NextRun: nextBoundary(now, tf)})
		}
	}
	return s, nil
}

// Run processes due jobs every tick until ctx is done, then waits for jobs
// in flight.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSchedulerRunning
	}
	defer s.running.Store(false)
	s.started = s.now()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		"jobs", len(s.jobs),
		"tick_interval", s.cfg.TickInterval,
		"max_concurrent_jobs", s.cfg.MaxConcurrentJobs,
		"market_hours_only", s.cfg.MarketHoursOnly)

	for {
		select {
		case <-ticker.C:
			if s.paused.Load() {
				continue
			}
			s.tick(ctx)
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped", "completed", s.completed.Load(), "failed", s.failed.Load())
			return nil
		}
	}
}

// RunOnce runs every job immediately, ignoring boundaries and sessions, and
// waits for them to finish. It is the catch-up pass before Run.
func (s *Scheduler) RunOnce(ctx context.Context) SchedulerStats {
	now := s.now().UTC()
	s.lastRun.Store(&now)
	for _, j := range s.Jobs() {
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			s.wg.Wait()
			return s.Stats()
		}
		s.runningJobs.Add(1)
		s.wg.Add(1)
		go s.execute(ctx, j)
	}
	s.wg.Wait()
	return s.Stats()
}

// Pause stops new jobs from starting; jobs in flight finish.
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume undoes Pause.
func (s *Scheduler) Resume() { s.paused.Store(false) }

func (s *Scheduler) IsRunning() bool { return s.running.Load() }
func (s *Scheduler) IsPaused() bool { return s.paused.Load() }

// Jobs returns a copy of the job table.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = *j
	}
	return out
}

// Stats returns current counters.
func (s *Scheduler) Stats() SchedulerStats {
	stats := SchedulerStats{
		RunningJobs:   int(s.runningJobs.Load()),
		CompletedJobs: s.completed.Load(),
		FailedJobs:    s.failed.Load(),
		SkippedJobs:   s.skipped.Load(),
	}
	if last := s.lastRun.Load(); last != nil {
		stats.LastRunTime = *last
	}
	if !s.started.IsZero() {
		stats.Uptime = s.now().Sub(s.started)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stats.TotalJobs = len(s.jobs)
	for _, j := range s.jobs {
		if stats.NextRunTime.IsZero() || j.NextRun.Before(stats.NextRunTime) {
			stats.NextRunTime = j.NextRun
		}
	}
	return stats
}

// tick starts every due job that a slot is free for.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if !j.NextRun.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()
	if len(due) == 0 {
		return
	}
	s.lastRun.Store(&now)

	for _, j := range due {
		if s.cfg.MarketHoursOnly && !s.barInSession(now, j.Timeframe) {
			s.skipped.Add(1)
			s.logger.Debug("outside trading session, skipping", "job", j.ID)
			s.reschedule(j, nextBoundary(now, j.Timeframe))
			continue
		}
		select {
		case s.slots <- struct{}{}:
		default:
			s.logger.Warn("no free slot for job", "job", j.ID, "max_concurrent", s.cfg.MaxConcurrentJobs)
			continue
		}
		// Push NextRun past now so the next tick does not start it twice.
		snapshot := s.reschedule(j, nextBoundary(now, j.Timeframe))
		s.runningJobs.Add(1)
		s.wg.Add(1)
		go s.execute(ctx, snapshot)
	}
}

func (s *Scheduler) execute(ctx context.Context, j Job) {
	defer s.wg.Done()
	defer func() {
		<-s.slots
		s.runningJobs.Add(-1)
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	result := s.updater.IncrementalUpdate(ctx, j.Symbol, j.Timeframe)
	if result.OK() {
		s.completed.Add(1)
		s.logger.Debug("job completed", "job", j.ID, "stored", result.CandlesStored)
		return
	}

	s.failed.Add(1)
	s.logger.Error("job failed", "job", j.ID, "errors", result.Errors)
	if s.cfg.RetryDelay > 0 && ctx.Err() == nil {
		retry := s.now().UTC().Add(s.cfg.RetryDelay)
		s.mu.Lock()
		for _, live := range s.jobs {
			if live.ID == j.ID && retry.Before(live.NextRun) {
				live.NextRun = retry
			}
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) reschedule(j *Job, next time.Time) Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.NextRun = next
	return *j
}

// barInSession reports whether the bar that just closed at now belongs to a
// trading session. Daily bars check the exchange-local day that just ended;
// weekly bars always run.
func (s *Scheduler) barInSession(now time.Time, tf models.Timeframe) bool {
	if s.calendar == nil {
		return true
	}
	switch tf {
	case models.Timeframe1w:
		return true
	case models.Timeframe1d:
		return s.calendar.IsTradingDay(now.Add(-time.Minute).In(s.calendar.Location()))
	}
	start := now.Add(-tf.Duration())
	return s.calendar.IsMarketOpen(start, s.cfg.IncludeExtended) ||
		s.calendar.IsMarketOpen(now.Add(-time.Minute), s.cfg.IncludeExtended)
}

// nextBoundary returns the first bar boundary strictly after now. Intraday
// bars align to UTC multiples of their length, daily bars to UTC midnight and
// weekly bars to Monday midnight UTC.
func nextBoundary(now time.Time, tf models.Timeframe) time.Time {
	now = now.UTC()
	switch tf {
	case models.Timeframe1d:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	case models.Timeframe1w:
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		days := (8 - int(midnight.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		return midnight.AddDate(0, 0, days)
	default:
		d := tf.Duration()
		return now.Truncate(d).Add(d)
	}
}
