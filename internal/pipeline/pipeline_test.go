package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/districtshift/districtshift/internal/config"
	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/geo"
	"github.com/districtshift/districtshift/internal/report"
	"github.com/districtshift/districtshift/internal/store"
	"github.com/districtshift/districtshift/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const districtsFixture = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{"UNIQUEID":"HD1","NAME":"Capitol Hill"},
  "geometry":{"type":"Polygon","coordinates":[[[1300000,450000],[1302000,450000],[1302000,452000],[1300000,452000],[1300000,450000]]]}},
 {"type":"Feature","properties":{"UNIQUEID":"HD2","NAME":"Blagden Alley"},
  "geometry":{"type":"Polygon","coordinates":[[[1310000,440000],[1310600,440000],[1310600,441000],[1310000,441000],[1310000,440000]]]}}
]}`

const tractsFixture = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{"GEOID":"11001000100"},
  "geometry":{"type":"Polygon","coordinates":[[[1300000,450000],[1302000,450000],[1302000,452000],[1300000,452000],[1300000,450000]]]}},
 {"type":"Feature","properties":{"GEOID":"11001000201"},
  "geometry":{"type":"Polygon","coordinates":[[[1310000,440000],[1311000,440000],[1311000,441000],[1310000,441000],[1310000,440000]]]}},
 {"type":"Feature","properties":{"GEOID":"11001000300"},
  "geometry":{"type":"Polygon","coordinates":[[[1320000,440000],[1321000,440000],[1321000,441000],[1320000,441000],[1320000,440000]]]}}
]}`

const datesFixture = "UNIQUEID,NAME,designation_date\nHD1,Capitol Hill,1976-06-19\nHD2,Blagden Alley,1990\n"

const countsFixture = `geoid,year,white,black,native,aapi_other,two_races
11001000100,2000,300,600,0,0,100
11001000100,2010,500,400,0,50,50
11001000201,2000,100,100,0,0,0
11001000201,2010,150,50,0,0,0
11001000300,2000,10,80,0,10,0
11001000300,2010,20,70,0,10,0
11001009900,2000,5,5,0,0,0
24031700100,2000,999,0,0,0,0
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
		return p
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Inputs.Districts = write("districts.geojson", districtsFixture)
	cfg.Inputs.Tracts = write("tracts.geojson", tractsFixture)
	cfg.Inputs.DesignationDates = write("dates.csv", datesFixture)
	cfg.Inputs.Demographics = write("counts.csv", countsFixture)
	cfg.Analysis.Years = []int{2000, 2010}
	cfg.Analysis.SourceCRS = config.CRSProjected
	cfg.Report.Charts = false
	return cfg
}

func TestSourceCRS(t *testing.T) {
	assert.Equal(t, geo.CRSUnknown, SourceCRS(config.CRSAuto))
	assert.Equal(t, geo.CRSGeographic, SourceCRS(config.CRSGeographic))
	assert.Equal(t, geo.CRSStatePlaneFeet, SourceCRS(config.CRSProjected))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analysis.Allocation = "nearest"
	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Type = config.StorageLocal

	p, err := New(cfg, nil)
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Rows, 4)

	type key struct {
		district string
		year     types.Vintage
	}
	byKey := map[key]types.DerivedRow{}
	for _, r := range res.Rows {
		byKey[key{r.DistrictID, r.Year}] = r
	}

	hd1 := byKey[key{"HD1", types.Vintage2000}]
	assert.Equal(t, "Capitol Hill", hd1.DistrictName)
	assert.Equal(t, []types.TractKey{"11001000100"}, hd1.Tracts)
	assert.Equal(t, 1000.0, hd1.TotalPopulation)
	assert.Equal(t, 1976, hd1.DesignationYear)
	require.True(t, hd1.PercentPOC.Valid)
	assert.InDelta(t, 70, hd1.PercentPOC.Value, 1e-9)
	assert.Equal(t, 24, hd1.YearsSinceDesignation.Value)

	hd2 := byKey[key{"HD2", types.Vintage2010}]
	assert.Equal(t, []types.TractKey{"11001000201"}, hd2.Tracts)
	assert.Equal(t, 200.0, hd2.TotalPopulation)
	assert.Equal(t, 20, hd2.YearsSinceDesignation.Value)

	require.Len(t, res.Dropped, 1)
	assert.Equal(t, types.Vintage2000, res.Dropped[0].Year)

	var names []string
	for _, f := range res.Files {
		names = append(names, filepath.Base(f))
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		store.ResultsCSV,
		report.StatusCSV,
		store.MetadataPath(store.ResultsFile),
		store.ResultsFile,
		SummaryFile,
	}, names)

	entries, err := os.ReadDir(cfg.Output.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, len(res.Files), "staging directory is removed")

	rows, err := store.ReadCSV(filepath.Join(cfg.Output.Dir, store.ResultsCSV))
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	sidecar, err := store.ReadSidecar(res.Store.MetadataPath)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, sidecar.RunID)
	assert.Equal(t, int64(4), sidecar.Stats.RowCount)

	require.Len(t, res.Published, len(res.Files))
	for _, obj := range res.Published {
		assert.FileExists(t, filepath.Join(cfg.Storage.Path, obj))
	}

	var stages []string
	for _, st := range res.Stages {
		stages = append(stages, st.Name)
	}
	assert.Contains(t, stages, "load_demographics")
	assert.Contains(t, stages, "match")
	assert.NotContains(t, stages, "export")
	require.Len(t, res.Slowest, 3)
	assert.GreaterOrEqual(t, res.Slowest[0].Duration, res.Slowest[2].Duration)

	require.Len(t, res.Summary.Status, 2)
	assert.Equal(t, 1200.0, res.Summary.Status[0].InsidePopulation)
	assert.Equal(t, 100.0, res.Summary.Status[0].OutsidePopulation)
	cached, err := os.ReadDir(cfg.Output.CacheDir)
	require.NoError(t, err)
	assert.NotEmpty(t, cached, "links are cached for the next run")
}

const tenureFixture = `GEOID,pop_total,pop_white,housing_total,housing_owned,housing_rental
11001000100,1000,400,500,200,300
11001000300,100,50,100,90,10
`

func TestRun_Tenure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Inputs.Tenure = filepath.Join(t.TempDir(), "acs.csv")
	require.NoError(t, os.WriteFile(cfg.Inputs.Tenure, []byte(tenureFixture), 0644))
	cfg.Census.Year = 2012

	p, err := New(cfg, nil)
	require.NoError(t, err)
	res, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Summary.Tenure, 1)
	hd1 := res.Summary.Tenure[0]
	assert.Equal(t, "HD1", hd1.DistrictID)
	assert.Equal(t, 1000.0, hd1.Population)
	assert.InDelta(t, 60, hd1.PercentPOC.Value, 1e-9)
	assert.InDelta(t, 60, hd1.PercentRental.Value, 1e-9)

	require.Len(t, res.Summary.Status, 2)
	assert.False(t, res.Summary.Status[0].InsideHousing.Valid, "2000 has no ACS estimates")
	status2010 := res.Summary.Status[1]
	assert.Equal(t, types.Some(500.0), status2010.InsideHousing)
	assert.Equal(t, types.Some(100.0), status2010.OutsideHousing)
	assert.InDelta(t, 10, status2010.OutsidePercentRental.Value, 1e-9)

	assert.FileExists(t, filepath.Join(cfg.Output.Dir, report.TenureCSV))
}

func TestLoadGeometry(t *testing.T) {
	p, err := New(testConfig(t), nil)
	require.NoError(t, err)

	districts, tracts, err := p.LoadGeometry(context.Background())
	require.NoError(t, err)
	assert.Len(t, districts, 2)
	assert.Len(t, tracts, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = p.LoadGeometry(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_Areal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analysis.Allocation = config.AllocationAreal

	p, err := New(cfg, nil)
	require.NoError(t, err)
	res, err := p.Run(context.Background())
	require.NoError(t, err)

	for _, r := range res.Rows {
		if r.DistrictID == "HD2" && r.Year == types.Vintage2000 {
			assert.InDelta(t, 120, r.TotalPopulation, 1e-9)
			assert.InDelta(t, 50, r.PercentPOC.Value, 1e-9)
		}
	}
}

func TestRun_MissingInputLeavesNoOutput(t *testing.T) {
	cfg := testConfig(t)
	cfg.Inputs.Demographics = filepath.Join(t.TempDir(), "absent.csv")

	p, err := New(cfg, nil)
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeFileNotFound, dserrors.GetCode(err))

	entries, err := os.ReadDir(cfg.Output.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_Canceled(t *testing.T) {
	p, err := New(testConfig(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
