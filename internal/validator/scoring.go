package validator

import "github.com/johnayoung/go-market-integrity/internal/models"

// ScoringPolicy turns findings into quality-score deductions. The default
// weights are conventions, not semantics; swap the policy to change them.
type ScoringPolicy interface {
	InsufficientData(candleCount int) float64
	Staleness(severity models.Severity) float64
	// Gaps receives every unexpected gap issue and returns the total deduction.
	Gaps(issues []models.ValidationIssue) float64
	// Anomalies receives every anomaly issue and returns the total deduction.
	Anomalies(issues []models.ValidationIssue) float64
}

// WeightedScoring is the default ScoringPolicy.
type WeightedScoring struct {
	InsufficientDataPenalty float64 `json:"insufficient_data_penalty" yaml:"insufficient_data_penalty"`
	StaleWarningPenalty     float64 `json:"stale_warning_penalty" yaml:"stale_warning_penalty"`
	StaleCriticalPenalty    float64 `json:"stale_critical_penalty" yaml:"stale_critical_penalty"`
	GapWarningPenalty       float64 `json:"gap_warning_penalty" yaml:"gap_warning_penalty"`
	GapCriticalPenalty      float64 `json:"gap_critical_penalty" yaml:"gap_critical_penalty"`
	GapCap                  float64 `json:"gap_cap" yaml:"gap_cap"`
	CriticalAnomalyPenalty  float64 `json:"critical_anomaly_penalty" yaml:"critical_anomaly_penalty"`
	AnomalyCap              float64 `json:"anomaly_cap" yaml:"anomaly_cap"`
}

// DefaultScoring returns 10 for thin data, 15/30 for stale data, gap penalties
// capped at 30 and critical anomaly penalties capped at 20.
func DefaultScoring() WeightedScoring {
	return WeightedScoring{
		InsufficientDataPenalty: 10,
		StaleWarningPenalty:     15,
		StaleCriticalPenalty:    30,
		GapWarningPenalty:       5,
		GapCriticalPenalty:      10,
		GapCap:                  30,
		CriticalAnomalyPenalty:  5,
		AnomalyCap:              20,
	}
}

func (w WeightedScoring) InsufficientData(int) float64 {
	return w.InsufficientDataPenalty
}

func (w WeightedScoring) Staleness(severity models.Severity) float64 {
	if severity == models.SeverityCritical {
		return w.StaleCriticalPenalty
	}
	return w.StaleWarningPenalty
}

func (w WeightedScoring) Gaps(issues []models.ValidationIssue) float64 {
	var total float64
	for _, issue := range issues {
		if issue.Severity == models.SeverityCritical {
			total += w.GapCriticalPenalty
		} else {
			total += w.GapWarningPenalty
		}
	}
	return min(total, w.GapCap)
}

func (w WeightedScoring) Anomalies(issues []models.ValidationIssue) float64 {
	var total float64
	for _, issue := range issues {
		if issue.Severity == models.SeverityCritical {
			total += w.CriticalAnomalyPenalty
		}
	}
	return min(total, w.AnomalyCap)
}
