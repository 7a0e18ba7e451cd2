package metrics

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/pkg/types"
)

func observation(year types.Vintage, designation int, c types.RaceCounts) types.DemographicObservation {
	return types.DemographicObservation{
		DistrictID:      "HD1",
		Year:            year,
		Counts:          c,
		TotalPopulation: c.Total(),
		DesignationYear: designation,
	}
}

func TestDerive(t *testing.T) {
	row := Derive(observation(types.Vintage2000, 1985, types.RaceCounts{White: 250, Black: 700, TwoOrMore: 50}))

	assert.Equal(t, 750.0, row.POCPopulation)
	poc, ok := row.PercentPOC.Get()
	require.True(t, ok)
	assert.InDelta(t, 75.0, poc, 1e-12)

	white, ok := row.PercentWhite.Get()
	require.True(t, ok)
	assert.InDelta(t, 25.0, white, 1e-12)

	years, ok := row.YearsSinceDesignation.Get()
	require.True(t, ok)
	assert.Equal(t, 15, years)
}

func TestDerive_Missing(t *testing.T) {
	row := Derive(observation(types.Vintage1970, 0, types.RaceCounts{}))
	assert.False(t, row.PercentPOC.Valid, "zero population has no percentage")
	assert.False(t, row.PercentWhite.Valid)
	assert.False(t, row.YearsSinceDesignation.Valid, "undesignated district has no offset")

	before := Derive(observation(types.Vintage1970, 1985, types.RaceCounts{White: 1}))
	y, ok := before.YearsSinceDesignation.Get()
	require.True(t, ok)
	assert.Equal(t, -15, y)
}

func TestCheckInvariants(t *testing.T) {
	rows := DeriveAll([]types.DemographicObservation{
		observation(types.Vintage1970, 1985, types.RaceCounts{White: 10, Black: 5}),
		observation(types.Vintage1980, 1985, types.RaceCounts{White: 8, Black: 9}),
	})
	require.NoError(t, CheckInvariants(rows, DefaultTolerance))

	bad := append([]types.DerivedRow(nil), rows...)
	bad[1].TotalPopulation = 18
	err := CheckInvariants(bad, DefaultTolerance)
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeInvariantViolation, dserrors.GetCode(err))
	assert.Equal(t, dserrors.ErrCategoryMetric, dserrors.GetCategory(err))

	reversed := []types.DerivedRow{rows[1], rows[0]}
	require.Error(t, CheckInvariants(reversed, DefaultTolerance))
}

func TestProperty_Metrics(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	counts := gopter.CombineGens(
		gen.Float64Range(0, 1e5),
		gen.Float64Range(0, 1e5),
		gen.Float64Range(0, 1e3),
		gen.Float64Range(0, 1e4),
		gen.Float64Range(0, 1e4),
	).Map(func(v []interface{}) types.RaceCounts {
		return types.RaceCounts{
			White:     v[0].(float64),
			Black:     v[1].(float64),
			Native:    v[2].(float64),
			AAPIOther: v[3].(float64),
			TwoOrMore: v[4].(float64),
		}
	})

	properties.Property("counts sum to total population", prop.ForAll(
		func(c types.RaceCounts) bool {
			rows := DeriveAll([]types.DemographicObservation{observation(types.Vintage1990, 1970, c)})
			return CheckInvariants(rows, DefaultTolerance) == nil
		},
		counts,
	))

	properties.Property("percent POC and percent white sum to 100", prop.ForAll(
		func(c types.RaceCounts) bool {
			poc, ok1 := PercentPOC(c).Get()
			white, ok2 := PercentWhite(c).Get()
			if c.Total() == 0 {
				return !ok1 && !ok2
			}
			return ok1 && ok2 && poc >= 0 && poc <= 100+1e-9 && abs(poc+white-100) < 1e-9
		},
		counts,
	))

	properties.Property("years since designation strictly increase with year", prop.ForAll(
		func(designation int) bool {
			var prev int
			for i, v := range types.Vintages {
				y, ok := YearsSinceDesignation(v, designation).Get()
				if !ok || y != int(v)-designation {
					return false
				}
				if i > 0 && y <= prev {
					return false
				}
				prev = y
			}
			return true
		},
		gen.IntRange(1850, 2023),
	))

	properties.TestingRun(t)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
