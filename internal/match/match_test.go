package match

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/geo"
	"github.com/districtshift/districtshift/pkg/types"
)

func rect(x0, y0, x1, y1 float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}}
}

func tract(key string, mp orb.MultiPolygon) types.Tract {
	return types.Tract{Key: types.TractKey(key), Year: types.Vintage2020, Geometry: mp, Area: geo.Area(mp)}
}

// A 3x1 row of unit tracts under a district covering x in [0, 1.6].
func fixture() ([]types.HistoricDistrict, []types.Tract) {
	districts := []types.HistoricDistrict{
		{ID: "HD1", Name: "One", Geometry: rect(0, 0, 1.6, 1), DesignationYear: 1985},
	}
	tracts := []types.Tract{
		tract("11001000300", rect(2, 0, 3, 1)),
		tract("11001000100", rect(0, 0, 1, 1)),
		tract("11001000200", rect(1, 0, 2, 1)),
	}
	return districts, tracts
}

func TestMatcher_Match(t *testing.T) {
	districts, tracts := fixture()
	m := NewMatcher(DefaultPolicy(), nil)

	links, err := m.Match(districts, tracts)
	require.NoError(t, err)
	require.Len(t, links, 2)

	assert.Equal(t, types.TractKey("11001000100"), links[0].Tract)
	assert.InDelta(t, 1.0, links[0].OverlapShare, 1e-9)
	assert.True(t, links[0].CentroidInside)

	// 60% of the second tract lies in the district; its centroid (1.5, 0.5) does too
	assert.Equal(t, types.TractKey("11001000200"), links[1].Tract)
	assert.InDelta(t, 0.6, links[1].OverlapShare, 1e-9)
}

func TestMatcher_Policy(t *testing.T) {
	districts := []types.HistoricDistrict{{ID: "HD1", Geometry: rect(0, 0, 1.4, 1)}}
	tracts := []types.Tract{tract("11001000200", rect(1, 0, 2, 1))}

	// 40% overlap, centroid outside
	links, err := NewMatcher(DefaultPolicy(), nil).Match(districts, tracts)
	require.NoError(t, err)
	assert.Empty(t, links)

	links, err = NewMatcher(Policy{MinOverlapShare: 0.3}, nil).Match(districts, tracts)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.False(t, links[0].CentroidInside)

	// small district around the tract centroid: linked only by the centroid rule
	districts = []types.HistoricDistrict{{ID: "HD2", Geometry: rect(1.4, 0.4, 1.6, 0.6)}}
	links, err = NewMatcher(DefaultPolicy(), nil).Match(districts, tracts)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.InDelta(t, 0.04, links[0].OverlapShare, 1e-9)

	links, err = NewMatcher(Policy{MinOverlapShare: 0.5}, nil).Match(districts, tracts)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestPolicy_Accepts(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.Accepts(0.5, false))
	assert.True(t, p.Accepts(0.1, true))
	assert.False(t, p.Accepts(0.49, false))
	assert.False(t, p.Accepts(0, false))
}

func TestMatcher_InvalidGeometry(t *testing.T) {
	districts, _ := fixture()
	_, err := NewMatcher(DefaultPolicy(), nil).Match(districts, []types.Tract{{Key: "11001000100"}})
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeInvalidGeometry, dserrors.GetCode(err))
	assert.Equal(t, dserrors.ErrCategoryMatch, dserrors.GetCategory(err))
}

func TestProperty_MatchIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("matching the same inputs twice gives identical links", prop.ForAll(
		func(x0, width float64, n int) bool {
			districts := []types.HistoricDistrict{
				{ID: "HDB", Geometry: rect(x0, 0, x0+width, 1)},
				{ID: "HDA", Geometry: rect(x0+width/2, 0.5, x0+width*2, 2)},
			}
			var tracts []types.Tract
			for i := n - 1; i >= 0; i-- {
				tracts = append(tracts, tract(fmt.Sprintf("110010%03d00", i), rect(float64(i), 0, float64(i+1), 1)))
			}

			m := NewMatcher(DefaultPolicy(), nil)
			first, err1 := m.Match(districts, tracts)
			second, err2 := m.Match(districts, tracts)
			if err1 != nil || err2 != nil {
				return false
			}
			for i := 1; i < len(first); i++ {
				a, b := first[i-1], first[i]
				if a.DistrictID > b.DistrictID || (a.DistrictID == b.DistrictID && a.Tract >= b.Tract) {
					return false
				}
			}
			return cmp.Equal(first, second)
		},
		gen.Float64Range(-2, 10),
		gen.Float64Range(0.5, 6),
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}

func TestFingerprint(t *testing.T) {
	districts, tracts := fixture()
	fp := Fingerprint(districts, tracts, DefaultPolicy())
	assert.Len(t, fp, 32)
	assert.Equal(t, fp, Fingerprint(districts, tracts, DefaultPolicy()))

	assert.NotEqual(t, fp, Fingerprint(districts, tracts, Policy{MinOverlapShare: 0.5}))

	moved := append([]types.Tract(nil), tracts...)
	moved[0] = tract("11001000300", rect(2, 0, 3, 1.01))
	assert.NotEqual(t, fp, Fingerprint(districts, moved, DefaultPolicy()))

	renamed := append([]types.HistoricDistrict(nil), districts...)
	renamed[0].ID = "HD9"
	assert.NotEqual(t, fp, Fingerprint(renamed, tracts, DefaultPolicy()))
}

func TestCache_StoreLoad(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "cache"))

	_, ok, err := c.Load("abc")
	require.NoError(t, err)
	assert.False(t, ok)

	links := []types.TractDistrictLink{
		{DistrictID: "HD1", Tract: "11001000100", OverlapShare: 0.75, CentroidInside: true},
	}
	require.NoError(t, c.Store("abc", DefaultPolicy(), links))

	got, ok, err := c.Load("abc")
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(links, got); diff != "" {
		t.Fatalf("cached links mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, os.WriteFile(c.path("bad"), []byte("not snappy"), 0644))
	_, _, err = c.Load("bad")
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeCacheCorrupt, dserrors.GetCode(err))
}

func TestCachedMatcher(t *testing.T) {
	districts, tracts := fixture()
	cache := NewCache(t.TempDir())
	cm := NewCachedMatcher(NewMatcher(DefaultPolicy(), nil), cache, nil)

	first, err := cm.Match(districts, tracts)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := cm.Match(districts, tracts)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Links, second.Links)

	// a corrupt entry is recomputed and rewritten
	require.NoError(t, os.WriteFile(cache.path(first.Fingerprint), []byte{0xff}, 0644))
	third, err := cm.Match(districts, tracts)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Equal(t, first.Links, third.Links)

	// a changed geometry set misses the cache
	tracts[1] = tract("11001000100", rect(0, 0, 1, 1.5))
	fourth, err := cm.Match(districts, tracts)
	require.NoError(t, err)
	assert.False(t, fourth.CacheHit)
	assert.NotEqual(t, first.Fingerprint, fourth.Fingerprint)
}
