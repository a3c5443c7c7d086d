package models

import (
	"fmt"
	"time"
)

// IssueType classifies a data-quality finding.
type IssueType string

const (
	IssueStaleness        IssueType = "staleness"
	IssueGap              IssueType = "gap"
	IssueAnomaly          IssueType = "anomaly"
	IssueInsufficientData IssueType = "insufficient_data"
)

// Severity is the ordered importance of a finding: info < warning < critical.
// Any critical issue makes a series invalid.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal position of the severity, 0 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity converts a string into a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// ValidationIssue is a single data-quality finding. Findings are data, not errors:
// callers choose whether to block or warn based on Severity.
type ValidationIssue struct {
	Type      IssueType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ValidationResult aggregates the findings for one candle series together with
// a 0-100 quality score.
type ValidationResult struct {
	Symbol       string            `json:"symbol,omitempty"`
	Timeframe    Timeframe         `json:"timeframe,omitempty"`
	CandleCount  int               `json:"candle_count"`
	Issues       []ValidationIssue `json:"issues"`
	QualityScore float64           `json:"quality_score"`
	IsValid      bool              `json:"is_valid"`
	ValidatedAt  time.Time         `json:"validated_at"`

	// FilledCandles holds the gap-filled series when auto-fill was requested.
	FilledCandles []Candle `json:"filled_candles,omitempty"`
}

// HighestSeverity returns the most severe issue level, or "" when there are no issues.
func (r *ValidationResult) HighestSeverity() Severity {
	var highest Severity
	for _, issue := range r.Issues {
		if issue.Severity.Rank() > highest.Rank() {
			highest = issue.Severity
		}
	}
	return highest
}

// IssuesOfType filters issues by type.
func (r *ValidationResult) IssuesOfType(t IssueType) []ValidationIssue {
	var out []ValidationIssue
	for _, issue := range r.Issues {
		if issue.Type == t {
			out = append(out, issue)
		}
	}
	return out
}

// HasCritical reports whether any issue is critical.
func (r *ValidationResult) HasCritical() bool {
	return r.HighestSeverity() == SeverityCritical
}
