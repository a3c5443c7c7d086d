package calendar

import "time"

// NYSE holiday and early-close dates. Extend as the exchange publishes new years.
var (
	nyseHolidays = []string{
		"2024-01-01", "2024-01-15", "2024-02-19", "2024-03-29", "2024-05-27",
		"2024-06-19", "2024-07-04", "2024-09-02", "2024-11-28", "2024-12-25",
		"2025-01-01", "2025-01-09", "2025-01-20", "2025-02-17", "2025-04-18",
		"2025-05-26", "2025-06-19", "2025-07-04", "2025-09-01", "2025-11-27",
		"2025-12-25",
		"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03", "2026-05-25",
		"2026-06-19", "2026-07-03", "2026-09-07", "2026-11-26", "2026-12-25",
		"2027-01-01", "2027-01-18", "2027-02-15", "2027-03-26", "2027-05-31",
		"2027-06-18", "2027-07-05", "2027-09-06", "2027-11-25", "2027-12-24",
	}
	nyseEarlyCloses = []string{
		"2024-07-03", "2024-11-29", "2024-12-24",
		"2025-07-03", "2025-11-28", "2025-12-24",
		"2026-11-27", "2026-12-24",
		"2027-11-26",
	}
)

// DefaultNYSEConfig returns a fresh NYSE calendar configuration: regular
// session 09:30-16:00, extended 04:00-20:00, early close at 13:00.
func DefaultNYSEConfig() Config {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return Config{
		Name:        "NYSE",
		Location:    loc,
		Regular:     Session{Open: ClockTime{9, 30}, Close: ClockTime{16, 0}},
		Extended:    Session{Open: ClockTime{4, 0}, Close: ClockTime{20, 0}},
		EarlyClose:  ClockTime{13, 0},
		Holidays:    mustDates(nyseHolidays),
		EarlyCloses: mustDates(nyseEarlyCloses),
	}
}

// NYSE returns a calendar built from DefaultNYSEConfig.
func NYSE() *Calendar {
	return MustNew(DefaultNYSEConfig())
}

func mustDates(values []string) []time.Time {
	out := make([]time.Time, 0, len(values))
	for _, v := range values {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			panic(err)
		}
		out = append(out, d)
	}
	return out
}
