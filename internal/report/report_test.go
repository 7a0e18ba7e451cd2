package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/districtshift/districtshift/internal/join"
	"github.com/districtshift/districtshift/internal/metrics"
	"github.com/districtshift/districtshift/pkg/types"
)

// row builds a derived row whose percent POC is poc at the given year.
func row(id string, year types.Vintage, designation int, total, poc float64) types.DerivedRow {
	white := total * (100 - poc) / 100
	return metrics.Derive(types.DemographicObservation{
		DistrictID:      id,
		Year:            year,
		Counts:          types.RaceCounts{White: white, Black: total - white},
		TotalPopulation: total,
		DesignationYear: designation,
	})
}

func TestFilter(t *testing.T) {
	rows := []types.DerivedRow{
		row("A", types.Vintage1970, 1900, 1000, 50), // 70 years since: dropped
		row("A", types.Vintage1980, 1970, 1000, 50), // kept
		row("B", types.Vintage1980, 1970, 400, 50),  // too small
		row("C", types.Vintage1980, 0, 1000, 50),    // undated
		row("D", types.Vintage1980, 1970, 0, 0),     // no population
	}
	got := Filter(rows, DefaultOptions())
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].DistrictID)
	assert.Equal(t, types.Vintage1980, got[0].Year)
}

func TestRegress(t *testing.T) {
	// percent POC = 80 - 0.5 * years after designation; 30 - 0.25 * years before.
	var rows []types.DerivedRow
	for _, v := range types.Vintages {
		rows = append(rows, row("A", v, 1960, 1000, 80-0.5*float64(int(v)-1960)))
		rows = append(rows, row("B", v, 2030, 1000, 30-0.25*float64(int(v)-2030)))
	}

	after := Regress(rows, After)
	require.True(t, after.Valid)
	assert.Equal(t, 6, after.N)
	assert.InDelta(t, 80, after.Intercept, 1e-9)
	assert.InDelta(t, -0.5, after.Slope, 1e-9)
	assert.InDelta(t, 1, after.RSquared, 1e-9)

	before := Regress(rows, Before)
	require.True(t, before.Valid)
	assert.Equal(t, 6, before.N)
	assert.InDelta(t, 30, before.Intercept, 1e-9)
	assert.InDelta(t, -0.25, before.Slope, 1e-9)
}

func TestRegress_InsufficientData(t *testing.T) {
	fit := Regress([]types.DerivedRow{row("A", types.Vintage1990, 1970, 1000, 40)}, After)
	assert.False(t, fit.Valid)
	assert.Equal(t, 1, fit.N)
	assert.Equal(t, "insufficient data", fit.Equation())

	same := Regress([]types.DerivedRow{
		row("A", types.Vintage1990, 1970, 1000, 40),
		row("B", types.Vintage1990, 1970, 1000, 60),
	}, After)
	assert.False(t, same.Valid, "a single x value has no slope")
}

func TestStatusRows(t *testing.T) {
	got := StatusRows([]join.StatusComparison{{
		Year:    types.Vintage2020,
		Inside:  types.RaceCounts{White: 75, Black: 25},
		Outside: types.RaceCounts{White: 10, Black: 30},
	}})
	require.Len(t, got, 1)
	assert.Equal(t, 100.0, got[0].InsidePopulation)
	in, _ := got[0].InsidePercentPOC.Get()
	out, _ := got[0].OutsidePercentPOC.Get()
	assert.InDelta(t, 25, in, 1e-9)
	assert.InDelta(t, 75, out, 1e-9)
}

func TestAttachTenure(t *testing.T) {
	rows := StatusRows([]join.StatusComparison{
		{Year: types.Vintage2010, Inside: types.RaceCounts{White: 50, Black: 50}, Outside: types.RaceCounts{Black: 10}},
		{Year: types.Vintage2020, Inside: types.RaceCounts{White: 75, Black: 25}, Outside: types.RaceCounts{Black: 40}},
	})
	cmp := join.TenureComparison{
		Inside:  join.TenureTotals{HousingTotal: 80, PercentRental: types.Some(62.5)},
		Outside: join.TenureTotals{HousingTotal: 20},
	}

	assert.False(t, AttachTenure(rows, types.Vintage1990, cmp))
	require.True(t, AttachTenure(rows, types.Vintage2020, cmp))
	assert.False(t, rows[0].InsideHousing.Valid)
	assert.Equal(t, types.Some(80.0), rows[1].InsideHousing)
	assert.Equal(t, types.Some(20.0), rows[1].OutsideHousing)
	assert.False(t, rows[1].OutsidePercentRental.Valid)

	path := filepath.Join(t.TempDir(), StatusCSV)
	require.NoError(t, WriteStatusCSV(path, rows))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "year,in_hist_district,total_pop,perc_poc,housing_total,perc_rental\n"+
		"2010,true,100,50,,\n"+
		"2010,false,10,100,,\n"+
		"2020,true,100,25,80,62.5\n"+
		"2020,false,40,100,20,\n", string(data))

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, &Summary{Status: rows}, language.English))
	assert.Contains(t, buf.String(), "62.5")
}

func TestWriteText(t *testing.T) {
	s := &Summary{
		Options: DefaultOptions(),
		Rows:    12345,
		Status: []StatusRow{{
			Year:              types.Vintage2020,
			InsidePopulation:  1234567,
			InsidePercentPOC:  types.Some(25.0),
			OutsidePopulation: 10,
		}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, s, language.English))
	out := buf.String()
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "1,234,567")
	assert.Contains(t, out, "25.0")
	assert.Contains(t, out, "insufficient data")
}

func TestWriteJSON_AndCharts(t *testing.T) {
	dir := t.TempDir()
	var rows []types.DerivedRow
	for _, v := range types.Vintages {
		rows = append(rows, row("A", v, 1985, 1200, 60-0.3*float64(int(v)-1985)))
		rows = append(rows, row("B", v, 1975, 900, 70-0.2*float64(int(v)-1975)))
	}
	s := Build(rows, DefaultOptions())
	require.True(t, s.After.Valid)
	require.True(t, s.Before.Valid)

	paths, err := RenderCharts(dir, Filter(rows, s.Options), s.After, s.Before)
	require.NoError(t, err)
	require.Len(t, paths, 4)
	for _, p := range paths {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
	s.Charts = paths

	path := filepath.Join(dir, "summary.json")
	require.NoError(t, WriteJSON(path, s))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Summary
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, s.FilteredRows, decoded.FilteredRows)
	assert.InDelta(t, s.After.Slope, decoded.After.Slope, 1e-12)
	assert.Len(t, decoded.Charts, 4)
}
