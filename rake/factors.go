package rake

import (
	"fmt"
	"math"

	"github.com/dshills/epirake/dataset"
)

// DefaultFactorWarnAbove is the factor magnitude beyond which a cell is
// counted as extreme. Extreme factors are reported, never clamped: a factor
// of 50 usually means the target and envelope disagree badly for that
// stratum, and silently flattening it would hide the disagreement.
const DefaultFactorWarnAbove = 10.0

// FactorStats summarises a factor table for observability.
type FactorStats struct {
	// Cells is the number of factor cells computed.
	Cells int `json:"cells"`

	// Ones is the number of cells under the zero rule (factor forced to 1).
	Ones int `json:"ones"`

	// Extreme is the number of cells whose factor exceeds the warn
	// threshold (absolute value).
	Extreme int `json:"extreme"`

	// Min and Max are the extremes of the computed factors.
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Factors computes the raking factor table: envelope / childSums per cell,
// with the zero rule applied: wherever the envelope cell or the child sum
// is zero the factor is 1 and the children pass through unchanged.
//
// envelope and childSums must be aligned: identical dimensions and
// coordinates, with the location dimension carrying parent ids. warnAbove
// <= 0 falls back to DefaultFactorWarnAbove.
func Factors(envelope, childSums *dataset.Dataset, warnAbove float64) (*dataset.Dataset, FactorStats, error) {
	if warnAbove <= 0 {
		warnAbove = DefaultFactorWarnAbove
	}

	stats := FactorStats{Min: math.Inf(1), Max: math.Inf(-1)}
	factors, err := envelope.Zip(childSums, func(env, sum float64) float64 {
		var f float64
		if env == 0 || sum == 0 {
			f = 1
			stats.Ones++
		} else {
			f = env / sum
		}
		stats.Cells++
		if math.Abs(f) > warnAbove {
			stats.Extreme++
		}
		if f < stats.Min {
			stats.Min = f
		}
		if f > stats.Max {
			stats.Max = f
		}
		return f
	})
	if err != nil {
		return nil, FactorStats{}, fmt.Errorf("rake: factors: %w", err)
	}
	return factors, stats, nil
}

// Apply broadcasts a parent-level factor table onto child rows: each child
// cell is multiplied by the factor of its parent (looked up through
// parentOf) at the same age/sex/year coordinate.
func Apply(target, factors *dataset.Dataset, parentOf map[int64]int64) (*dataset.Dataset, error) {
	raked, err := target.Scale(dataset.DimLocation, parentOf, factors)
	if err != nil {
		return nil, fmt.Errorf("rake: apply: %w", err)
	}
	return raked, nil
}
