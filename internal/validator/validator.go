// Package validator combines staleness, gap, calendar and anomaly checks into
// a single ValidationResult with a 0-100 quality score.
//
// Validation is a pure aggregation: the same candles and Config always yield
// the same result for a fixed clock. Findings are returned as data; Validate
// never fails.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/johnayoung/go-market-integrity/internal/calendar"
	"github.com/johnayoung/go-market-integrity/internal/gaps"
	"github.com/johnayoung/go-market-integrity/internal/models"
	"github.com/johnayoung/go-market-integrity/internal/staleness"
)

// Config controls a single validation run.
type Config struct {
	// CalendarAware drops gaps the trading calendar explains (nights, weekends, holidays).
	CalendarAware bool `json:"calendar_aware" yaml:"calendar_aware"`
	// AutoFillGaps interpolates gaps within the policy cap and exposes the filled series.
	AutoFillGaps bool `json:"auto_fill_gaps" yaml:"auto_fill_gaps"`
	// Gaps holds the detection tolerance and interpolation cap.
	Gaps gaps.Policy `json:"gaps" yaml:"gaps"`
	// MinCandles is the series length below which a warning is raised.
	MinCandles int `json:"min_candles" yaml:"min_candles"`
	// CriticalGapCandles is the missing-bar count above which a gap is critical.
	CriticalGapCandles int `json:"critical_gap_candles" yaml:"critical_gap_candles"`
}

// DefaultConfig returns a calendar-aware configuration without auto-fill.
func DefaultConfig() Config {
	return Config{
		CalendarAware:      true,
		AutoFillGaps:       false,
		Gaps:               gaps.DefaultPolicy(),
		MinCandles:         10,
		CriticalGapCandles: 5,
	}
}

// Observer receives a summary of every validation run.
type Observer interface {
	ObserveValidation(symbol string, tf models.Timeframe, score float64, valid bool)
}

// Validator orchestrates the individual checks.
type Validator struct {
	calendar  *calendar.Calendar
	staleness *staleness.Checker
	anomalies AnomalyDetector
	scoring   ScoringPolicy
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithAnomalyDetector sets the anomaly collaborator. Without one no anomaly
// issues are produced.
func WithAnomalyDetector(d AnomalyDetector) Option {
	return func(v *Validator) { v.anomalies = d }
}

// WithScoringPolicy replaces the default deduction weights.
func WithScoringPolicy(p ScoringPolicy) Option {
	return func(v *Validator) { v.scoring = p }
}

// WithObserver registers a run observer such as a metrics recorder.
func WithObserver(o Observer) Option {
	return func(v *Validator) { v.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithClock sets the clock used to stamp results.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New creates a validator. cal and checker are required.
func New(cal *calendar.Calendar, checker *staleness.Checker, opts ...Option) *Validator {
	v := &Validator{
		calendar:  cal,
		staleness: checker,
		scoring:   DefaultScoring(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "validator")
	return v
}

// Validate checks a candle series and always returns a result. An empty series
// yields a critical insufficient_data result with a score of zero.
func (v *Validator) Validate(ctx context.Context, candles []models.Candle, cfg Config) *models.ValidationResult {
	result := &models.ValidationResult{
		CandleCount: len(candles),
		Issues:      []models.ValidationIssue{},
		ValidatedAt: v.now(),
	}

	if len(candles) == 0 {
		result.Issues = append(result.Issues, models.ValidationIssue{
			Type:     models.IssueInsufficientData,
			Severity: models.SeverityCritical,
			Message:  "no candles to validate",
		})
		result.QualityScore = 0
		result.IsValid = false
		v.observe(result)
		return result
	}

	series := slices.Clone(candles)
	models.SortCandles(series)
	result.Symbol = series[0].Symbol
	result.Timeframe = series[0].Timeframe

	var deductions float64

	if cfg.MinCandles > 0 && len(series) < cfg.MinCandles {
		result.Issues = append(result.Issues, models.ValidationIssue{
			Type:     models.IssueInsufficientData,
			Severity: models.SeverityWarning,
			Message:  fmt.Sprintf("only %d candles, expected at least %d", len(series), cfg.MinCandles),
			Details:  map[string]any{"candle_count": len(series), "min_candles": cfg.MinCandles},
		})
		deductions += v.scoring.InsufficientData(len(series))
	}

	if issue, ok := v.checkStaleness(series); ok {
		result.Issues = append(result.Issues, issue)
		deductions += v.scoring.Staleness(issue.Severity)
	}

	gapIssues := v.checkGaps(series, cfg, result)
	result.Issues = append(result.Issues, gapIssues...)
	deductions += v.scoring.Gaps(gapIssues)

	anomalies := checkIntegrity(series)
	if v.anomalies != nil {
		found, err := v.anomalies.Detect(ctx, series)
		if err != nil {
			v.logger.Warn("anomaly detection failed", "symbol", result.Symbol, "error", err)
			result.Issues = append(result.Issues, models.ValidationIssue{
				Type:     models.IssueAnomaly,
				Severity: models.SeverityWarning,
				Message:  fmt.Sprintf("anomaly detection unavailable: %v", err),
			})
		} else {
			anomalies = append(anomalies, found...)
		}
	}
	result.Issues = append(result.Issues, anomalies...)
	deductions += v.scoring.Anomalies(anomalies)

	result.IsValid = !result.HasCritical()
	result.QualityScore = max(0, min(100, 100-deductions))

	v.logger.Debug("validation complete",
		"symbol", result.Symbol,
		"timeframe", result.Timeframe,
		"candles", result.CandleCount,
		"issues", len(result.Issues),
		"quality_score", result.QualityScore,
		"valid", result.IsValid)
	v.observe(result)
	return result
}

func (v *Validator) observe(result *models.ValidationResult) {
	if v.observer != nil {
		v.observer.ObserveValidation(result.Symbol, result.Timeframe, result.QualityScore, result.IsValid)
	}
}

// checkStaleness is critical when the age exceeds twice the threshold.
func (v *Validator) checkStaleness(series []models.Candle) (models.ValidationIssue, bool) {
	last := series[len(series)-1]
	ts := last.Timestamp
	res := v.staleness.Check(&ts, last.Timeframe)
	if !res.IsStale {
		return models.ValidationIssue{}, false
	}

	thresholdMinutes := res.Threshold.Minutes()
	severity := models.SeverityWarning
	if res.StaleMinutes > 2*thresholdMinutes {
		severity = models.SeverityCritical
	}

	// An undated bar has no age; JSON cannot carry +Inf.
	if math.IsInf(res.StaleMinutes, 1) {
		return models.ValidationIssue{
			Type:     models.IssueStaleness,
			Severity: severity,
			Message:  fmt.Sprintf("last candle has no timestamp, threshold is %.0f minutes", thresholdMinutes),
			Details:  map[string]any{"threshold_minutes": thresholdMinutes},
		}, true
	}
	return models.ValidationIssue{
		Type:      models.IssueStaleness,
		Severity:  severity,
		Message:   fmt.Sprintf("last candle is %.0f minutes old, threshold is %.0f", res.StaleMinutes, thresholdMinutes),
		Timestamp: &ts,
		Details:   map[string]any{"stale_minutes": res.StaleMinutes, "threshold_minutes": thresholdMinutes},
	}, true
}

// checkIntegrity reports every bar that breaks the OHLC invariants as a
// critical anomaly.
func checkIntegrity(series []models.Candle) []models.ValidationIssue {
	var issues []models.ValidationIssue
	for i := range series {
		err := series[i].Validate()
		if err == nil {
			continue
		}
		details := map[string]any{"check": "ohlc_integrity"}
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			details["field"] = verr.Field
		}
		issue := models.ValidationIssue{
			Type:     models.IssueAnomaly,
			Severity: models.SeverityCritical,
			Message:  err.Error(),
			Details:  details,
		}
		if ts := series[i].Timestamp; !ts.IsZero() {
			issue.Timestamp = &ts
		}
		issues = append(issues, issue)
	}
	return issues
}

func (v *Validator) checkGaps(series []models.Candle, cfg Config, result *models.ValidationResult) []models.ValidationIssue {
	var issues []models.ValidationIssue

	report, err := cfg.Gaps.Detect(series)
	if err != nil {
		return append(issues, models.ValidationIssue{
			Type:     models.IssueGap,
			Severity: models.SeverityWarning,
			Message:  fmt.Sprintf("gap detection skipped: %v", err),
		})
	}

	expected := func(g models.GapInfo) bool {
		return cfg.CalendarAware && v.calendar != nil && v.calendar.IsExpectedGap(g.PreviousTimestamp, g.NextTimestamp)
	}

	criticalAbove := cfg.CriticalGapCandles
	if criticalAbove <= 0 {
		criticalAbove = DefaultConfig().CriticalGapCandles
	}

	for _, g := range report.Gaps {
		if expected(g) {
			continue
		}
		severity := models.SeverityWarning
		if g.GapCandles > criticalAbove {
			severity = models.SeverityCritical
		}
		ts := g.ExpectedTimestamp
		issues = append(issues, models.ValidationIssue{
			Type:      models.IssueGap,
			Severity:  severity,
			Message:   fmt.Sprintf("%d missing candles after %s", g.GapCandles, g.PreviousTimestamp.UTC().Format(time.RFC3339)),
			Timestamp: &ts,
			Details: map[string]any{
				"gap_candles":        g.GapCandles,
				"gap_minutes":        g.GapMinutes,
				"previous_timestamp": g.PreviousTimestamp,
				"next_timestamp":     g.NextTimestamp,
			},
		})
	}

	if cfg.AutoFillGaps {
		filled, err := cfg.Gaps.Fill(series, expected)
		if err == nil {
			result.FilledCandles = filled.Candles
		}
	}
	return issues
}
