package validator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-market-integrity/internal/calendar"
	"github.com/johnayoung/go-market-integrity/internal/models"
	"github.com/johnayoung/go-market-integrity/internal/staleness"
)

// Monday 2024-06-03 10:00 ET.
var sessionStart = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

type mockAnomalyDetector struct {
	mock.Mock
}

func (m *mockAnomalyDetector) Detect(ctx context.Context, candles []models.Candle) ([]models.ValidationIssue, error) {
	args := m.Called(ctx, candles)
	issues, _ := args.Get(0).([]models.ValidationIssue)
	return issues, args.Error(1)
}

type recordingObserver struct {
	calls int
	score float64
	valid bool
}

func (r *recordingObserver) ObserveValidation(_ string, _ models.Timeframe, score float64, valid bool) {
	r.calls++
	r.score = score
	r.valid = valid
}

func bar(ts time.Time) models.Candle {
	return models.Candle{
		Symbol:    "AAPL",
		Timeframe: models.Timeframe15m,
		Timestamp: ts,
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(101),
		Low:       decimal.NewFromInt(99),
		Close:     decimal.NewFromInt(100),
		Volume:    1000,
	}
}

// quarterHours builds 15-minute bars at the given offsets from sessionStart.
func quarterHours(offsets ...int) []models.Candle {
	out := make([]models.Candle, 0, len(offsets))
	for _, o := range offsets {
		out = append(out, bar(sessionStart.Add(time.Duration(o)*15*time.Minute)))
	}
	return out
}

func seq(from, to int, skip ...int) []int {
	skipped := make(map[int]bool)
	for _, s := range skip {
		skipped[s] = true
	}
	var out []int
	for i := from; i <= to; i++ {
		if !skipped[i] {
			out = append(out, i)
		}
	}
	return out
}

func newValidator(now time.Time, opts ...Option) *Validator {
	clock := func() time.Time { return now }
	checker := staleness.NewChecker(nil, staleness.WithClock(clock))
	return New(calendar.NYSE(), checker, append([]Option{WithClock(clock)}, opts...)...)
}

func lastTimestamp(candles []models.Candle) time.Time {
	return candles[len(candles)-1].Timestamp
}

func TestValidate_Empty(t *testing.T) {
	obs := &recordingObserver{}
	v := newValidator(sessionStart, WithObserver(obs))

	result := v.Validate(context.Background(), nil, DefaultConfig())

	require.NotNil(t, result)
	assert.False(t, result.IsValid)
	assert.Zero(t, result.QualityScore)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, models.IssueInsufficientData, result.Issues[0].Type)
	assert.Equal(t, models.SeverityCritical, result.Issues[0].Severity)
	assert.Equal(t, 1, obs.calls)
}

func TestValidate_CleanSeries(t *testing.T) {
	candles := quarterHours(seq(0, 11)...)
	v := newValidator(lastTimestamp(candles).Add(15 * time.Minute))

	result := v.Validate(context.Background(), candles, DefaultConfig())

	assert.True(t, result.IsValid)
	assert.Equal(t, 100.0, result.QualityScore)
	assert.Empty(t, result.Issues)
	assert.Equal(t, "AAPL", result.Symbol)
	assert.Equal(t, models.Timeframe15m, result.Timeframe)
	assert.Equal(t, 12, result.CandleCount)
}

func TestValidate_InsufficientData(t *testing.T) {
	candles := quarterHours(seq(0, 4)...)
	v := newValidator(lastTimestamp(candles))

	result := v.Validate(context.Background(), candles, DefaultConfig())

	assert.True(t, result.IsValid)
	assert.Equal(t, 90.0, result.QualityScore)
	require.Len(t, result.IssuesOfType(models.IssueInsufficientData), 1)
	assert.Equal(t, models.SeverityWarning, result.Issues[0].Severity)
}

func TestValidate_Staleness(t *testing.T) {
	candles := quarterHours(seq(0, 11)...)
	last := lastTimestamp(candles)

	tests := []struct {
		name     string
		age      time.Duration
		severity models.Severity
		score    float64
		valid    bool
	}{
		{"warning", 45 * time.Minute, models.SeverityWarning, 85, true},
		{"critical", 2 * time.Hour, models.SeverityCritical, 70, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newValidator(last.Add(tt.age))
			result := v.Validate(context.Background(), candles, DefaultConfig())

			stale := result.IssuesOfType(models.IssueStaleness)
			require.Len(t, stale, 1)
			assert.Equal(t, tt.severity, stale[0].Severity)
			assert.Equal(t, tt.score, result.QualityScore)
			assert.Equal(t, tt.valid, result.IsValid)
		})
	}
}

func TestValidate_Gaps(t *testing.T) {
	t.Run("single intra-session gap is a warning", func(t *testing.T) {
		candles := quarterHours(seq(0, 12, 5)...)
		v := newValidator(lastTimestamp(candles))

		result := v.Validate(context.Background(), candles, DefaultConfig())

		gapIssues := result.IssuesOfType(models.IssueGap)
		require.Len(t, gapIssues, 1)
		assert.Equal(t, models.SeverityWarning, gapIssues[0].Severity)
		assert.Equal(t, 95.0, result.QualityScore)
		assert.True(t, result.IsValid)
		assert.Nil(t, result.FilledCandles)
	})

	t.Run("more than five missing candles is critical", func(t *testing.T) {
		candles := quarterHours(append(seq(0, 5), seq(12, 20)...)...)
		v := newValidator(lastTimestamp(candles))

		result := v.Validate(context.Background(), candles, DefaultConfig())

		gapIssues := result.IssuesOfType(models.IssueGap)
		require.Len(t, gapIssues, 1)
		assert.Equal(t, models.SeverityCritical, gapIssues[0].Severity)
		assert.False(t, result.IsValid)
		assert.Equal(t, 90.0, result.QualityScore)
	})

	t.Run("gap deduction is capped", func(t *testing.T) {
		candles := quarterHours(seq(0, 20, 1, 3, 5, 7, 9, 11, 13, 15)...)
		v := newValidator(lastTimestamp(candles))

		result := v.Validate(context.Background(), candles, DefaultConfig())

		assert.Len(t, result.IssuesOfType(models.IssueGap), 8)
		assert.Equal(t, 70.0, result.QualityScore)
	})

	t.Run("auto fill exposes filled series", func(t *testing.T) {
		candles := quarterHours(seq(0, 12, 5)...)
		v := newValidator(lastTimestamp(candles))
		cfg := DefaultConfig()
		cfg.AutoFillGaps = true

		result := v.Validate(context.Background(), candles, cfg)

		require.Len(t, result.FilledCandles, 13)
		assert.True(t, result.FilledCandles[5].Interpolated)
		assert.Len(t, result.IssuesOfType(models.IssueGap), 1, "filled gaps are still reported")
	})
}

func TestValidate_CalendarAwareness(t *testing.T) {
	// Monday 15:00-15:45 ET then Tuesday 09:30-10:15 ET.
	monday := time.Date(2024, 6, 3, 19, 0, 0, 0, time.UTC)
	tuesday := time.Date(2024, 6, 4, 13, 30, 0, 0, time.UTC)
	var candles []models.Candle
	for i := 0; i < 4; i++ {
		candles = append(candles, bar(monday.Add(time.Duration(i)*15*time.Minute)))
	}
	for i := 0; i < 8; i++ {
		candles = append(candles, bar(tuesday.Add(time.Duration(i)*15*time.Minute)))
	}
	v := newValidator(lastTimestamp(candles))

	aware := v.Validate(context.Background(), candles, DefaultConfig())
	assert.Empty(t, aware.IssuesOfType(models.IssueGap))
	assert.True(t, aware.IsValid)

	cfg := DefaultConfig()
	cfg.CalendarAware = false
	naive := v.Validate(context.Background(), candles, cfg)
	gapIssues := naive.IssuesOfType(models.IssueGap)
	require.Len(t, gapIssues, 1)
	assert.Equal(t, models.SeverityCritical, gapIssues[0].Severity)
	assert.False(t, naive.IsValid)
}

func TestValidate_Anomalies(t *testing.T) {
	candles := quarterHours(seq(0, 11)...)
	now := lastTimestamp(candles)

	t.Run("critical anomalies are capped", func(t *testing.T) {
		detector := &mockAnomalyDetector{}
		var found []models.ValidationIssue
		for i := 0; i < 6; i++ {
			found = append(found, models.ValidationIssue{Type: models.IssueAnomaly, Severity: models.SeverityCritical, Message: "spike"})
		}
		found = append(found, models.ValidationIssue{Type: models.IssueAnomaly, Severity: models.SeverityWarning, Message: "volume"})
		detector.On("Detect", mock.Anything, mock.Anything).Return(found, nil)

		v := newValidator(now, WithAnomalyDetector(detector))
		result := v.Validate(context.Background(), candles, DefaultConfig())

		assert.Len(t, result.IssuesOfType(models.IssueAnomaly), 7)
		assert.Equal(t, 80.0, result.QualityScore)
		assert.False(t, result.IsValid)
		detector.AssertExpectations(t)
	})

	t.Run("detector failure becomes a warning", func(t *testing.T) {
		detector := &mockAnomalyDetector{}
		detector.On("Detect", mock.Anything, mock.Anything).Return(nil, errors.New("model offline"))

		v := newValidator(now, WithAnomalyDetector(detector))
		result := v.Validate(context.Background(), candles, DefaultConfig())

		issues := result.IssuesOfType(models.IssueAnomaly)
		require.Len(t, issues, 1)
		assert.Equal(t, models.SeverityWarning, issues[0].Severity)
		assert.Equal(t, 100.0, result.QualityScore)
		assert.True(t, result.IsValid)
	})
}

func TestValidate_OHLCIntegrity(t *testing.T) {
	candles := quarterHours(seq(0, 11)...)
	candles[3].High = decimal.NewFromInt(98)
	candles[7].Volume = -5
	v := newValidator(lastTimestamp(candles))

	result := v.Validate(context.Background(), candles, DefaultConfig())

	issues := result.IssuesOfType(models.IssueAnomaly)
	require.Len(t, issues, 2)
	assert.Equal(t, models.SeverityCritical, issues[0].Severity)
	assert.Equal(t, "high", issues[0].Details["field"])
	assert.Equal(t, "ohlc_integrity", issues[0].Details["check"])
	require.NotNil(t, issues[0].Timestamp)
	assert.Equal(t, candles[3].Timestamp, *issues[0].Timestamp)
	assert.Equal(t, "volume", issues[1].Details["field"])
	assert.False(t, result.IsValid)
	assert.Equal(t, 90.0, result.QualityScore)
}

func TestValidate_UndatedCandleMarshals(t *testing.T) {
	candle := bar(time.Time{})
	v := newValidator(sessionStart)

	result := v.Validate(context.Background(), []models.Candle{candle}, DefaultConfig())

	stale := result.IssuesOfType(models.IssueStaleness)
	require.Len(t, stale, 1)
	assert.Equal(t, models.SeverityCritical, stale[0].Severity)
	assert.NotContains(t, stale[0].Details, "stale_minutes")
	assert.Nil(t, stale[0].Timestamp)

	integrity := result.IssuesOfType(models.IssueAnomaly)
	require.Len(t, integrity, 1)
	assert.Equal(t, "timestamp", integrity[0].Details["field"])
	assert.False(t, result.IsValid)

	_, err := json.Marshal(result)
	require.NoError(t, err)
}

func TestValidate_CustomScoringPolicy(t *testing.T) {
	candles := quarterHours(seq(0, 4, 2)...)
	obs := &recordingObserver{}
	v := newValidator(lastTimestamp(candles).Add(time.Hour), WithScoringPolicy(WeightedScoring{}), WithObserver(obs))

	result := v.Validate(context.Background(), candles, DefaultConfig())

	assert.NotEmpty(t, result.Issues)
	assert.Equal(t, 100.0, result.QualityScore)
	assert.Equal(t, 1, obs.calls)
	assert.Equal(t, 100.0, obs.score)
}

func TestValidate_Deterministic(t *testing.T) {
	candles := quarterHours(seq(0, 20, 4, 9)...)
	v := newValidator(lastTimestamp(candles).Add(50 * time.Minute))

	first := v.Validate(context.Background(), candles, DefaultConfig())
	second := v.Validate(context.Background(), candles, DefaultConfig())
	assert.Equal(t, first, second)
}
