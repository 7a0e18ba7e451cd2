// Package metrics derives longitudinal metrics from district observations.
package metrics

import (
	"fmt"
	"math"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/pkg/types"
)

// DefaultTolerance is the relative tolerance for the counts-sum check.
const DefaultTolerance = 1e-6

// PercentPOC returns 100 * (total - white) / total, or missing when the
// total is zero.
func PercentPOC(c types.RaceCounts) types.Metric {
	return percent(c.POC(), c.Total())
}

// PercentWhite returns 100 * white / total, or missing when the total is zero.
func PercentWhite(c types.RaceCounts) types.Metric {
	return percent(c.White, c.Total())
}

func percent(part, total float64) types.Metric {
	if total == 0 {
		return types.None[float64]()
	}
	return types.Some(100 * part / total)
}

// YearsSinceDesignation returns year - designation, signed: negative before
// designation. It is missing when the designation year is unknown.
func YearsSinceDesignation(year types.Vintage, designationYear int) types.Optional[int] {
	if designationYear <= 0 {
		return types.None[int]()
	}
	return types.Some(int(year) - designationYear)
}

// Derive computes the metrics for one observation.
func Derive(o types.DemographicObservation) types.DerivedRow {
	return types.DerivedRow{
		DemographicObservation: o,
		POCPopulation:          o.Counts.POC(),
		PercentPOC:             PercentPOC(o.Counts),
		PercentWhite:           PercentWhite(o.Counts),
		YearsSinceDesignation:  YearsSinceDesignation(o.Year, o.DesignationYear),
	}
}

// DeriveAll derives every observation, preserving order.
func DeriveAll(obs []types.DemographicObservation) []types.DerivedRow {
	out := make([]types.DerivedRow, len(obs))
	for i, o := range obs {
		out[i] = Derive(o)
	}
	return out
}

// CheckInvariants verifies the derived rows:
//   - race counts sum to total population within the relative tolerance
//   - percentages lie in [0, 100]
//   - years since designation strictly increase with year per district
func CheckInvariants(rows []types.DerivedRow, tolerance float64) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	last := make(map[string]types.DerivedRow)
	for _, r := range rows {
		sum := r.Counts.Total()
		if math.Abs(sum-r.TotalPopulation) > tolerance*math.Max(1, math.Abs(r.TotalPopulation)) {
			return violation(r, fmt.Sprintf("race counts sum to %g, total population is %g", sum, r.TotalPopulation))
		}

		for _, m := range []types.Metric{r.PercentPOC, r.PercentWhite} {
			if v, ok := m.Get(); ok && (v < -tolerance || v > 100+tolerance) {
				return violation(r, fmt.Sprintf("percentage %g out of range", v))
			}
		}

		if prev, ok := last[r.DistrictID]; ok {
			if r.Year <= prev.Year {
				return violation(r, fmt.Sprintf("year %d follows %d", r.Year, prev.Year))
			}
			py, ok1 := prev.YearsSinceDesignation.Get()
			cy, ok2 := r.YearsSinceDesignation.Get()
			if ok1 && ok2 && cy <= py {
				return violation(r, fmt.Sprintf("years since designation %d does not increase from %d", cy, py))
			}
		}
		last[r.DistrictID] = r
	}
	return nil
}

func violation(r types.DerivedRow, msg string) error {
	return dserrors.NewMetricError(dserrors.CodeInvariantViolation,
		fmt.Sprintf("district %s year %d: %s", r.DistrictID, r.Year, msg)).
		WithDetails(map[string]interface{}{"district_id": r.DistrictID, "year": int(r.Year)})
}
