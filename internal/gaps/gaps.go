// Package gaps detects missing intervals in candle series and synthesizes
// single-bar fills for gaps small enough to bridge safely.
//
// Detection is purely structural: a gap is any inter-candle distance larger
// than the nominal bar duration times a tolerance factor. Whether a gap is
// explained by the trading calendar is decided by the caller (see the
// validator package), not here.
package gaps

// Default policy values. Neither has an empirical derivation; both are
// configurable through Policy.
const (
	DefaultToleranceMultiplier   = 1.5
	DefaultMaxInterpolateCandles = 1
)

// Policy bundles the tunable parameters for detection and filling.
type Policy struct {
	// ToleranceMultiplier scales the nominal interval before a distance counts as a gap.
	ToleranceMultiplier float64 `json:"tolerance_multiplier" yaml:"tolerance_multiplier"`
	// MaxInterpolateCandles is the largest gap, in missing bars, that FillGaps bridges.
	MaxInterpolateCandles int `json:"max_interpolate_candles" yaml:"max_interpolate_candles"`
}

// DefaultPolicy returns the 1.5x tolerance, single-candle interpolation policy.
func DefaultPolicy() Policy {
	return Policy{
		ToleranceMultiplier:   DefaultToleranceMultiplier,
		MaxInterpolateCandles: DefaultMaxInterpolateCandles,
	}
}

func (p Policy) tolerance() float64 {
	if p.ToleranceMultiplier <= 0 {
		return DefaultToleranceMultiplier
	}
	return p.ToleranceMultiplier
}
