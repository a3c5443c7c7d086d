package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

// AnomalyDetector contributes anomaly findings to a validation run. Issues are
// added to the result verbatim.
type AnomalyDetector interface {
	Detect(ctx context.Context, candles []models.Candle) ([]models.ValidationIssue, error)
}

// RuleKind discriminates the payload carried by a Rule.
type RuleKind string

const (
	RulePriceSpike  RuleKind = "price_spike"
	RuleVolumeSpike RuleKind = "volume_spike"
	RuleFlashCrash  RuleKind = "flash_crash"
)

// PriceSpikeParams flags a close that moves by more than MaxRatio times (or
// falls below 1/MaxRatio of) the previous close.
type PriceSpikeParams struct {
	MaxRatio float64 `json:"max_ratio" yaml:"max_ratio"`
}

// VolumeSpikeParams flags a bar whose volume exceeds Multiplier times the
// average of the previous Lookback real bars.
type VolumeSpikeParams struct {
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	Lookback   int     `json:"lookback" yaml:"lookback"`
}

// FlashCrashParams flags a bar that trades at least DropPercent below its open
// and still closes within RecoveryPercent of the open.
type FlashCrashParams struct {
	DropPercent     float64 `json:"drop_percent" yaml:"drop_percent"`
	RecoveryPercent float64 `json:"recovery_percent" yaml:"recovery_percent"`
}

// Rule is one anomaly heuristic. Exactly the payload matching Kind must be set.
type Rule struct {
	Kind        RuleKind           `json:"kind" yaml:"kind"`
	Severity    models.Severity    `json:"severity" yaml:"severity"`
	PriceSpike  *PriceSpikeParams  `json:"price_spike,omitempty" yaml:"price_spike,omitempty"`
	VolumeSpike *VolumeSpikeParams `json:"volume_spike,omitempty" yaml:"volume_spike,omitempty"`
	FlashCrash  *FlashCrashParams  `json:"flash_crash,omitempty" yaml:"flash_crash,omitempty"`
}

// Validate checks that the payload agrees with the discriminant.
func (r Rule) Validate() error {
	if r.Severity.Rank() == 0 {
		return fmt.Errorf("rule %s: unknown severity %q", r.Kind, r.Severity)
	}
	set := 0
	for _, present := range []bool{r.PriceSpike != nil, r.VolumeSpike != nil, r.FlashCrash != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("rule %s: exactly one parameter payload must be set, got %d", r.Kind, set)
	}

	switch r.Kind {
	case RulePriceSpike:
		if r.PriceSpike == nil || r.PriceSpike.MaxRatio <= 1 {
			return fmt.Errorf("rule %s: max_ratio must be greater than 1", r.Kind)
		}
	case RuleVolumeSpike:
		if r.VolumeSpike == nil || r.VolumeSpike.Multiplier <= 1 || r.VolumeSpike.Lookback < 1 {
			return fmt.Errorf("rule %s: multiplier must be greater than 1 and lookback at least 1", r.Kind)
		}
	case RuleFlashCrash:
		if r.FlashCrash == nil || r.FlashCrash.DropPercent <= 0 || r.FlashCrash.RecoveryPercent < 0 {
			return fmt.Errorf("rule %s: drop_percent must be positive", r.Kind)
		}
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	return nil
}

// DefaultRules returns the stock heuristics: 5x close-to-close moves, 10x volume
// against the trailing 20 bars, and 10% intrabar drops that recover within 2%.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: RulePriceSpike, Severity: models.SeverityCritical, PriceSpike: &PriceSpikeParams{MaxRatio: 5}},
		{Kind: RuleVolumeSpike, Severity: models.SeverityWarning, VolumeSpike: &VolumeSpikeParams{Multiplier: 10, Lookback: 20}},
		{Kind: RuleFlashCrash, Severity: models.SeverityCritical, FlashCrash: &FlashCrashParams{DropPercent: 10, RecoveryPercent: 2}},
	}
}

// HeuristicDetector evaluates a fixed set of rules over a candle series.
// Interpolated candles are ignored.
type HeuristicDetector struct {
	rules []Rule
}

// NewHeuristicDetector validates rules and builds a detector.
func NewHeuristicDetector(rules ...Rule) (*HeuristicDetector, error) {
	var errs []error
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &HeuristicDetector{rules: rules}, nil
}

// Detect implements AnomalyDetector.
func (d *HeuristicDetector) Detect(ctx context.Context, candles []models.Candle) ([]models.ValidationIssue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bars := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if !c.Interpolated {
			bars = append(bars, c)
		}
	}
	models.SortCandles(bars)

	var issues []models.ValidationIssue
	for _, r := range d.rules {
		switch r.Kind {
		case RulePriceSpike:
			issues = append(issues, detectPriceSpikes(bars, r)...)
		case RuleVolumeSpike:
			issues = append(issues, detectVolumeSpikes(bars, r)...)
		case RuleFlashCrash:
			issues = append(issues, detectFlashCrashes(bars, r)...)
		}
	}
	return issues, nil
}

func anomalyIssue(r Rule, ts time.Time, msg string, details map[string]any) models.ValidationIssue {
	details["rule"] = string(r.Kind)
	return models.ValidationIssue{
		Type:      models.IssueAnomaly,
		Severity:  r.Severity,
		Message:   msg,
		Timestamp: &ts,
		Details:   details,
	}
}

func detectPriceSpikes(candles []models.Candle, r Rule) []models.ValidationIssue {
	maxRatio := decimal.NewFromFloat(r.PriceSpike.MaxRatio)
	minRatio := decimal.NewFromInt(1).Div(maxRatio)

	var out []models.ValidationIssue
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if !prev.IsPositive() {
			continue
		}
		ratio := candles[i].Close.Div(prev)
		if ratio.GreaterThan(maxRatio) || ratio.LessThan(minRatio) {
			out = append(out, anomalyIssue(r, candles[i].Timestamp,
				fmt.Sprintf("close moved %sx from previous close", ratio.StringFixed(2)),
				map[string]any{"ratio": ratio.InexactFloat64(), "previous_close": prev.String()}))
		}
	}
	return out
}

func detectVolumeSpikes(candles []models.Candle, r Rule) []models.ValidationIssue {
	p := r.VolumeSpike
	var out []models.ValidationIssue
	for i := p.Lookback; i < len(candles); i++ {
		var sum int64
		for _, c := range candles[i-p.Lookback : i] {
			sum += c.Volume
		}
		avg := float64(sum) / float64(p.Lookback)
		if avg <= 0 {
			continue
		}
		if float64(candles[i].Volume) > avg*p.Multiplier {
			out = append(out, anomalyIssue(r, candles[i].Timestamp,
				fmt.Sprintf("volume %d is %.1fx the trailing average", candles[i].Volume, float64(candles[i].Volume)/avg),
				map[string]any{"volume": candles[i].Volume, "trailing_average": avg}))
		}
	}
	return out
}

func detectFlashCrashes(candles []models.Candle, r Rule) []models.ValidationIssue {
	p := r.FlashCrash
	hundred := decimal.NewFromInt(100)
	drop := decimal.NewFromFloat(p.DropPercent)
	recovery := decimal.NewFromFloat(p.RecoveryPercent)

	var out []models.ValidationIssue
	for _, c := range candles {
		if !c.Open.IsPositive() {
			continue
		}
		dropPct := c.Open.Sub(c.Low).Div(c.Open).Mul(hundred)
		gapPct := c.Open.Sub(c.Close).Abs().Div(c.Open).Mul(hundred)
		if dropPct.GreaterThanOrEqual(drop) && gapPct.LessThanOrEqual(recovery) {
			out = append(out, anomalyIssue(r, c.Timestamp,
				fmt.Sprintf("intrabar drop of %s%% recovered to within %s%% of open", dropPct.StringFixed(2), gapPct.StringFixed(2)),
				map[string]any{"drop_percent": dropPct.InexactFloat64()}))
		}
	}
	return out
}
