package models

import (
	"fmt"
	"time"
)

// Timeframe is the nominal bar duration of a candle series.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
)

// ErrUnknownTimeframe is returned when a timeframe string is not one of the supported values.
var ErrUnknownTimeframe = fmt.Errorf("unknown timeframe")

var timeframeMinutes = map[Timeframe]int{
	Timeframe1m:  1,
	Timeframe5m:  5,
	Timeframe15m: 15,
	Timeframe30m: 30,
	Timeframe1h:  60,
	Timeframe4h:  240,
	Timeframe1d:  1440,
	Timeframe1w:  10080,
}

// AllTimeframes returns every supported timeframe ordered from finest to coarsest.
func AllTimeframes() []Timeframe {
	return []Timeframe{
		Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m,
		Timeframe1h, Timeframe4h, Timeframe1d, Timeframe1w,
	}
}

// ParseTimeframe converts a string such as "15m" or "1d" into a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
	}
	return tf, nil
}

// Valid reports whether tf is a supported timeframe.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeMinutes[tf]
	return ok
}

// Minutes returns the nominal bar length in minutes, or 0 for an unknown timeframe.
func (tf Timeframe) Minutes() int {
	return timeframeMinutes[tf]
}

// Duration returns the nominal bar length, or 0 for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Minutes()) * time.Minute
}

func (tf Timeframe) String() string {
	return string(tf)
}
