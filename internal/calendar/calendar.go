// Package calendar classifies dates and instants against an exchange trading
// calendar: weekends, holidays, early closes, session windows and whether an
// observed gap between two candles is explained by the calendar.
//
// A Calendar is built from an immutable Config value, so different markets and
// tests can use different holiday sets side by side.
package calendar

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // exchange timezones must resolve in minimal containers
)

// ClockTime is a wall-clock time of day in the exchange timezone.
type ClockTime struct {
	Hour   int `json:"hour" yaml:"hour"`
	Minute int `json:"minute" yaml:"minute"`
}

// Minutes returns minutes since local midnight.
func (c ClockTime) Minutes() int {
	return c.Hour*60 + c.Minute
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClockTime parses an "HH:MM" string.
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Session is a half-open trading window [Open, Close) in local time.
type Session struct {
	Open  ClockTime
	Close ClockTime
}

// Config describes one exchange calendar. Dates in Holidays and EarlyCloses are
// compared by their calendar fields only.
type Config struct {
	Name        string
	Location    *time.Location
	Regular     Session
	Extended    Session
	EarlyClose  ClockTime
	Holidays    []time.Time
	EarlyCloses []time.Time
}

// Calendar answers trading-day questions for a single exchange. It is safe for
// concurrent use; nothing is mutated after New.
type Calendar struct {
	name        string
	loc         *time.Location
	regular     Session
	extended    Session
	earlyClose  ClockTime
	holidays    map[time.Time]struct{}
	earlyCloses map[time.Time]struct{}
}

// New validates cfg and builds a Calendar.
func New(cfg Config) (*Calendar, error) {
	var errs []error
	if cfg.Location == nil {
		errs = append(errs, errors.New("calendar location is required"))
	}
	if cfg.Regular.Open.Minutes() >= cfg.Regular.Close.Minutes() {
		errs = append(errs, fmt.Errorf("regular session open %s must precede close %s", cfg.Regular.Open, cfg.Regular.Close))
	}
	if cfg.Extended.Open.Minutes() >= cfg.Extended.Close.Minutes() {
		errs = append(errs, fmt.Errorf("extended session open %s must precede close %s", cfg.Extended.Open, cfg.Extended.Close))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	c := &Calendar{
		name:        cfg.Name,
		loc:         cfg.Location,
		regular:     cfg.Regular,
		extended:    cfg.Extended,
		earlyClose:  cfg.EarlyClose,
		holidays:    make(map[time.Time]struct{}, len(cfg.Holidays)),
		earlyCloses: make(map[time.Time]struct{}, len(cfg.EarlyCloses)),
	}
	for _, d := range cfg.Holidays {
		c.holidays[civil(d)] = struct{}{}
	}
	for _, d := range cfg.EarlyCloses {
		c.earlyCloses[civil(d)] = struct{}{}
	}
	return c, nil
}

// MustNew is like New but panics on an invalid configuration.
func MustNew(cfg Config) *Calendar {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// Name returns the configured calendar name.
func (c *Calendar) Name() string { return c.name }

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// civil reduces t to its calendar date, keyed at UTC midnight.
func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsWeekend reports whether date falls on a Saturday or Sunday.
func (c *Calendar) IsWeekend(date time.Time) bool {
	wd := date.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsHoliday reports whether date is a configured exchange holiday.
func (c *Calendar) IsHoliday(date time.Time) bool {
	_, ok := c.holidays[civil(date)]
	return ok
}

// IsEarlyClose reports whether date is a configured early-close session.
func (c *Calendar) IsEarlyClose(date time.Time) bool {
	_, ok := c.earlyCloses[civil(date)]
	return ok
}

// IsTradingDay reports whether date is neither a weekend nor a holiday.
func (c *Calendar) IsTradingDay(date time.Time) bool {
	return !c.IsWeekend(date) && !c.IsHoliday(date)
}

// closeMinutes returns the effective session close for a trading date.
func (c *Calendar) closeMinutes(date time.Time, s Session) int {
	if c.IsEarlyClose(date) {
		return c.earlyClose.Minutes()
	}
	return s.Close.Minutes()
}

// IsMarketOpen reports whether the exchange is in session at instant.
func (c *Calendar) IsMarketOpen(instant time.Time, includeExtended bool) bool {
	local := instant.In(c.loc)
	if !c.IsTradingDay(local) {
		return false
	}

	s := c.regular
	if includeExtended {
		s = c.extended
	}
	m := local.Hour()*60 + local.Minute()
	return m >= s.Open.Minutes() && m < c.closeMinutes(local, s)
}

// SessionBounds returns the open and close instants of the session on date.
// ok is false when date is not a trading day.
func (c *Calendar) SessionBounds(date time.Time, includeExtended bool) (open, close time.Time, ok bool) {
	if !c.IsTradingDay(date) {
		return time.Time{}, time.Time{}, false
	}
	s := c.regular
	if includeExtended {
		s = c.extended
	}
	y, mo, d := date.Date()
	closeMin := c.closeMinutes(date, s)
	open = time.Date(y, mo, d, s.Open.Hour, s.Open.Minute, 0, 0, c.loc)
	close = time.Date(y, mo, d, closeMin/60, closeMin%60, 0, 0, c.loc)
	return open, close, true
}

// NextTradingDay returns the first trading date strictly after date.
func (c *Calendar) NextTradingDay(date time.Time) time.Time {
	d := civil(date).AddDate(0, 0, 1)
	for !c.IsTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// PreviousTradingDay returns the last trading date strictly before date.
func (c *Calendar) PreviousTradingDay(date time.Time) time.Time {
	d := civil(date).AddDate(0, 0, -1)
	for !c.IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// TradingDaysBetween counts trading days strictly after start through end inclusive.
func (c *Calendar) TradingDaysBetween(start, end time.Time) int {
	from, to := civil(start), civil(end)
	count := 0
	for d := from.AddDate(0, 0, 1); !d.After(to); d = d.AddDate(0, 0, 1) {
		if c.IsTradingDay(d) {
			count++
		}
	}
	return count
}

// IsExpectedGap reports whether the interval between two consecutive candles at
// t1 and t2 is explained by the calendar: an overnight, weekend or holiday
// rollover. Gaps inside a single session are never expected.
func (c *Calendar) IsExpectedGap(t1, t2 time.Time) bool {
	l1, l2 := t1.In(c.loc), t2.In(c.loc)
	d1, d2 := civil(l1), civil(l2)

	if !d1.Equal(d2) {
		if c.NextTradingDay(d1).Equal(d2) {
			return true
		}
		for d := d1.AddDate(0, 0, 1); d.Before(d2); d = d.AddDate(0, 0, 1) {
			if !c.IsTradingDay(d) {
				return true
			}
		}
		return false
	}

	m1 := l1.Hour()*60 + l1.Minute()
	m2 := l2.Hour()*60 + l2.Minute()
	return m1 < c.closeMinutes(d1, c.regular) && m2 >= c.regular.Open.Minutes() && m2 < m1
}
