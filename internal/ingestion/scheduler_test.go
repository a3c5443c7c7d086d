package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-market-integrity/internal/calendar"
	"github.com/johnayoung/go-market-integrity/internal/models"
)

type fakeUpdater struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (f *fakeUpdater) IncrementalUpdate(_ context.Context, symbol string, tf models.Timeframe) *Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, symbol+"_"+string(tf))
	r := &Result{Symbol: symbol, Timeframe: tf, CandlesStored: 1}
	if f.fail[symbol] {
		r.addError("fetch: upstream down")
	}
	return r
}

func (f *fakeUpdater) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newTestScheduler(t *testing.T, u Updater, clock *stepClock, cfg SchedulerConfig) *Scheduler {
	t.Helper()
	s, err := NewScheduler(u, calendar.MustNew(calendar.DefaultNYSEConfig()), cfg, WithSchedulerClock(clock.Now))
	require.NoError(t, err)
	return s
}

func TestNextBoundary(t *testing.T) {
	now := time.Date(2024, 1, 3, 15, 7, 30, 0, time.UTC) // Wednesday
	tests := []struct {
		tf   models.Timeframe
		want time.Time
	}{
		{models.Timeframe1m, time.Date(2024, 1, 3, 15, 8, 0, 0, time.UTC)},
		{models.Timeframe15m, time.Date(2024, 1, 3, 15, 15, 0, 0, time.UTC)},
		{models.Timeframe1h, time.Date(2024, 1, 3, 16, 0, 0, 0, time.UTC)},
		{models.Timeframe4h, time.Date(2024, 1, 3, 16, 0, 0, 0, time.UTC)},
		{models.Timeframe1d, time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)},
		{models.Timeframe1w, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(string(tt.tf), func(t *testing.T) {
			assert.Equal(t, tt.want, nextBoundary(now, tt.tf))
		})
	}

	monday := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, monday.AddDate(0, 0, 7), nextBoundary(monday, models.Timeframe1w))
}

func TestNewSchedulerValidates(t *testing.T) {
	clock := &stepClock{t: time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC)}
	_, err := NewScheduler(&fakeUpdater{}, nil, SchedulerConfig{Timeframes: []models.Timeframe{models.Timeframe1h}})
	assert.ErrorContains(t, err, "no symbols")

	_, err = NewScheduler(&fakeUpdater{}, nil, SchedulerConfig{Symbols: []string{"AAPL"}, Timeframes: []models.Timeframe{"2h"}})
	assert.ErrorIs(t, err, models.ErrUnknownTimeframe)

	s := newTestScheduler(t, &fakeUpdater{}, clock, SchedulerConfig{
		Symbols:    []string{"AAPL", "MSFT", "AAPL"},
		Timeframes: []models.Timeframe{models.Timeframe1h, models.Timeframe1d},
	})
	jobs := s.Jobs()
	require.Len(t, jobs, 4)
	assert.Equal(t, "AAPL_1h", jobs[0].ID)
	assert.Equal(t, time.Date(2024, 1, 3, 16, 0, 0, 0, time.UTC), jobs[0].NextRun)
	assert.Equal(t, time.Date(2024, 1, 3, 16, 0, 0, 0, time.UTC), s.Stats().NextRunTime)
}

func TestTickRunsDueJobs(t *testing.T) {
	ctx := context.Background()
	// Wednesday 2024-01-03, 15:00 UTC is 10:00 in New York.
	clock := &stepClock{t: time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC)}
	u := &fakeUpdater{}
	s := newTestScheduler(t, u, clock, SchedulerConfig{
		Symbols:         []string{"AAPL", "MSFT"},
		Timeframes:      []models.Timeframe{models.Timeframe1h},
		MarketHoursOnly: true,
	})

	s.tick(ctx)
	s.wg.Wait()
	assert.Empty(t, u.Calls(), "nothing is due before the boundary")

	clock.Set(time.Date(2024, 1, 3, 16, 0, 5, 0, time.UTC))
	s.tick(ctx)
	s.wg.Wait()
	assert.ElementsMatch(t, []string{"AAPL_1h", "MSFT_1h"}, u.Calls())

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.CompletedJobs)
	assert.Equal(t, 0, stats.RunningJobs)
	assert.Equal(t, time.Date(2024, 1, 3, 17, 0, 0, 0, time.UTC), stats.NextRunTime)

	// A second tick within the same bar does not rerun anything.
	s.tick(ctx)
	s.wg.Wait()
	assert.Len(t, u.Calls(), 2)
}

func TestTickSkipsOutsideSessions(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2024, 1, 5, 12, 30, 0, 0, time.UTC)} // Friday
	u := &fakeUpdater{}
	s := newTestScheduler(t, u, clock, SchedulerConfig{
		Symbols:         []string{"AAPL"},
		Timeframes:      []models.Timeframe{models.Timeframe1h, models.Timeframe1d},
		MarketHoursOnly: true,
	})

	// 12:00-13:00 UTC is pre-market in New York.
	clock.Set(time.Date(2024, 1, 5, 13, 0, 0, 0, time.UTC))
	s.tick(ctx)
	s.wg.Wait()
	assert.Empty(t, u.Calls())
	assert.Equal(t, int64(1), s.Stats().SkippedJobs)

	// Midnight UTC closes Friday's daily bar; the hourly bar is after the close.
	clock.Set(time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC))
	s.tick(ctx)
	s.wg.Wait()
	assert.Equal(t, []string{"AAPL_1d"}, u.Calls())

	// Saturday had no session.
	clock.Set(time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC))
	s.tick(ctx)
	s.wg.Wait()
	assert.Equal(t, []string{"AAPL_1d"}, u.Calls())
	assert.Equal(t, int64(4), s.Stats().SkippedJobs)
}

func TestFailedJobRetriesEarly(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)}
	u := &fakeUpdater{fail: map[string]bool{"AAPL": true}}
	s := newTestScheduler(t, u, clock, SchedulerConfig{
		Symbols:    []string{"AAPL"},
		Timeframes: []models.Timeframe{models.Timeframe1d},
		RetryDelay: 10 * time.Minute,
	})

	clock.Set(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	s.tick(ctx)
	s.wg.Wait()

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.FailedJobs)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 10, 0, 0, time.UTC), stats.NextRunTime)
}

func TestTickRespectsConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)}
	u := &fakeUpdater{}
	s := newTestScheduler(t, u, clock, SchedulerConfig{
		Symbols:           []string{"A", "B", "C"},
		Timeframes:        []models.Timeframe{models.Timeframe1d},
		MaxConcurrentJobs: 1,
	})

	// Hold the only slot so every due job has to wait.
	s.slots <- struct{}{}
	clock.Set(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	s.tick(ctx)
	assert.Empty(t, u.Calls())
	<-s.slots

	s.tick(ctx)
	s.wg.Wait()
	assert.NotEmpty(t, u.Calls())
}

func TestRunOnceRunsEveryJob(t *testing.T) {
	clock := &stepClock{t: time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)} // Saturday
	u := &fakeUpdater{fail: map[string]bool{"MSFT": true}}
	s := newTestScheduler(t, u, clock, SchedulerConfig{
		Symbols:           []string{"AAPL", "MSFT"},
		Timeframes:        []models.Timeframe{models.Timeframe1h, models.Timeframe1d},
		MaxConcurrentJobs: 2,
		MarketHoursOnly:   true,
	})

	stats := s.RunOnce(context.Background())
	assert.ElementsMatch(t, []string{"AAPL_1h", "AAPL_1d", "MSFT_1h", "MSFT_1d"}, u.Calls())
	assert.Equal(t, int64(2), stats.CompletedJobs)
	assert.Equal(t, int64(2), stats.FailedJobs)
	assert.Equal(t, clock.Now(), stats.LastRunTime)
}

func TestRunStopsOnCancel(t *testing.T) {
	clock := &stepClock{t: time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, &fakeUpdater{}, clock, SchedulerConfig{
		Symbols:      []string{"AAPL"},
		Timeframes:   []models.Timeframe{models.Timeframe1d},
		TickInterval: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.IsRunning, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Run(ctx), ErrSchedulerRunning)

	s.Pause()
	assert.True(t, s.IsPaused())
	s.Resume()

	cancel()
	require.NoError(t, <-done)
	assert.False(t, s.IsRunning())
}
