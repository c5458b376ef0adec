package validate

import (
	"fmt"
	"math"
	"time"

	"prediction-systemv1/internal/model"
)

// Magnitude bounds relative to the reference close. Fixed contract
// bounds, not tunables.
const (
	MaxStepChange = 0.03 // per-minute change ceiling
	MaxDrift      = 0.10 // cumulative absolute drift ceiling
	BandLow       = 0.85 // absolute lower band factor
	BandHigh      = 1.15 // absolute upper band factor
)

// maxPointSpacing is the widest gap hard validation accepts between
// consecutive forecast points.
const maxPointSpacing = time.Minute

// CheckSeries is the hard validation over a forecast series: point-wise
// finite and positive, non-empty, strictly ascending with at most
// one-minute spacing, and spanning at least the declared horizon minus
// one grid step.
func CheckSeries(series []model.ForecastPoint, horizonMinutes int) error {
	if len(series) == 0 {
		return fmt.Errorf("series empty")
	}
	for i, p := range series {
		if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
			return fmt.Errorf("point %d not finite", i)
		}
		if p.Price <= 0 {
			return fmt.Errorf("point %d not positive: %v", i, p.Price)
		}
		if i == 0 {
			continue
		}
		gap := p.TS.Sub(series[i-1].TS)
		if gap <= 0 {
			return fmt.Errorf("point %d timestamp not ascending", i)
		}
		if gap > maxPointSpacing {
			return fmt.Errorf("point %d gap %v exceeds %v", i, gap, maxPointSpacing)
		}
	}

	span := series[len(series)-1].TS.Sub(series[0].TS)
	need := time.Duration(horizonMinutes-1) * time.Minute
	if span < need {
		return fmt.Errorf("series spans %v, need at least %v for %dm horizon", span, need, horizonMinutes)
	}
	return nil
}

// CheckMagnitude verifies the series against the reference close: per-step
// change, cumulative drift, and the absolute band. Returns nil when the
// series is within bounds.
func CheckMagnitude(series []model.ForecastPoint, referenceClose float64) error {
	if referenceClose <= 0 {
		return fmt.Errorf("reference close not positive: %v", referenceClose)
	}
	lo, hi := referenceClose*BandLow, referenceClose*BandHigh

	prev := referenceClose
	for i, p := range series {
		if step := math.Abs(p.Price-prev) / prev; step > MaxStepChange {
			return fmt.Errorf("point %d step change %.4f exceeds %.2f", i, step, MaxStepChange)
		}
		if drift := math.Abs(p.Price-referenceClose) / referenceClose; drift > MaxDrift {
			return fmt.Errorf("point %d drift %.4f exceeds %.2f", i, drift, MaxDrift)
		}
		if p.Price < lo || p.Price > hi {
			return fmt.Errorf("point %d price %v outside band [%v, %v]", i, p.Price, lo, hi)
		}
		prev = p.Price
	}
	return nil
}

// Sanitize clamps out-of-bound points to the magnitude bounds in place and
// returns the clip count. Policy is clamp-to-bound: each point is clipped
// independently against the tightest applicable limit, walking forward so
// the per-step bound chains from the previous (possibly clipped) value.
func Sanitize(series []model.ForecastPoint, referenceClose float64) int {
	if referenceClose <= 0 || len(series) == 0 {
		return 0
	}
	bandLo, bandHi := referenceClose*BandLow, referenceClose*BandHigh
	driftLo, driftHi := referenceClose*(1-MaxDrift), referenceClose*(1+MaxDrift)

	clipped := 0
	prev := referenceClose
	for i := range series {
		p := series[i].Price
		lo := max(bandLo, driftLo, prev*(1-MaxStepChange))
		hi := min(bandHi, driftHi, prev*(1+MaxStepChange))

		v := p
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = prev
		}
		if v < lo {
			v = lo
		} else if v > hi {
			v = hi
		}
		if v != p {
			series[i].Price = v
			clipped++
		}
		prev = v
	}
	return clipped
}
