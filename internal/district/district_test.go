package district

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/geo"
)

func TestParseYear(t *testing.T) {
	tests := map[string]int{
		"1985":         1985,
		"1985.0":       1985,
		" 1964 ":       1964,
		"1985-06-01":   1985,
		"6/1/1985":     1985,
		"06/01/1985":   1985,
		"June 1, 1985": 1985,
		"Nov 20, 2003": 2003,
		"2003/11/20":   2003,
	}
	for raw, want := range tests {
		got, err := ParseYear(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	for _, raw := range []string{"", "soon", "85", "0001-01-01", "3020"} {
		_, err := ParseYear(raw)
		assert.Error(t, err, raw)
	}
}

func TestLoadDates(t *testing.T) {
	l := NewLoader(Options{}, nil)
	got, err := l.parseDates(strings.NewReader(
		"\ufeffUNIQUEID,NAME,designation_date\n"+
			"HD1,Anacostia,1978\n"+
			"HD2,Blagden Alley,1990-03-01\n"+
			"HD3,Capitol Hill,\n"+
			"HD2,Blagden Alley,1987\n"), "dates.csv")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"HD1": 1978, "HD2": 1987}, got)

	_, err = l.parseDates(strings.NewReader("UNIQUEID,NAME\nHD1,x\n"), "dates.csv")
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeMissingColumn, dserrors.GetCode(err))

	_, err = l.parseDates(strings.NewReader("UNIQUEID,designation_date\nHD1,someday\n"), "dates.csv")
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeMalformedInput, dserrors.GetCode(err))

	_, err = l.LoadDates(filepath.Join(t.TempDir(), "absent.csv"))
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeFileNotFound, dserrors.GetCode(err))
}

const districtsGeoJSON = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{"UNIQUEID":"HD2","NAME":"Blagden Alley"},
  "geometry":{"type":"Polygon","coordinates":[[[1300000,450000],[1301000,450000],[1301000,451000],[1300000,451000],[1300000,450000]]]}},
 {"type":"Feature","properties":{"UNIQUEID":"HD1","NAME":"Anacostia"},
  "geometry":{"type":"Polygon","coordinates":[[[1310000,440000],[1311000,440000],[1311000,441000],[1310000,441000],[1310000,440000]]]}},
 {"type":"Feature","properties":{"UNIQUEID":"HD1","NAME":"Anacostia"},
  "geometry":{"type":"Polygon","coordinates":[[[1312000,440000],[1313000,440000],[1313000,441000],[1312000,441000],[1312000,440000]]]}}
]}`

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	layer := filepath.Join(dir, "districts.geojson")
	dates := filepath.Join(dir, "dates.csv")
	require.NoError(t, os.WriteFile(layer, []byte(districtsGeoJSON), 0644))
	require.NoError(t, os.WriteFile(dates, []byte("UNIQUEID,NAME,designation_date\nHD1,Anacostia,1978\n"), 0644))

	l := NewLoader(Options{SourceCRS: geo.CRSStatePlaneFeet}, nil)
	ds, err := l.Load(layer, dates)
	require.NoError(t, err)
	require.Len(t, ds, 2)

	assert.Equal(t, "HD1", ds[0].ID)
	assert.Equal(t, "Anacostia", ds[0].Name)
	assert.Equal(t, 1978, ds[0].DesignationYear)
	assert.Len(t, ds[0].Geometry, 2)
	assert.InDelta(t, 2e6, geo.Area(ds[0].Geometry), 1e-6)

	assert.Equal(t, "HD2", ds[1].ID)
	assert.False(t, ds[1].Designated())

	ds, err = l.Load(layer, "")
	require.NoError(t, err)
	assert.False(t, ds[0].Designated())
}

func TestLoader_Load_NoIDField(t *testing.T) {
	layer := filepath.Join(t.TempDir(), "districts.geojson")
	require.NoError(t, os.WriteFile(layer, []byte(districtsGeoJSON), 0644))

	_, err := NewLoader(Options{IDField: "OBJECTID"}, nil).Load(layer, "")
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeMalformedInput, dserrors.GetCode(err))
}
