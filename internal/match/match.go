// Package match links reference tracts to the historic districts they
// overlap.
package match

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/geo"
	"github.com/districtshift/districtshift/internal/logging"
	"github.com/districtshift/districtshift/pkg/types"
)

// Policy decides when an overlapping tract counts toward a district.
type Policy struct {
	// MinOverlapShare is the minimum share of the tract's area that must
	// fall inside the district.
	MinOverlapShare float64 `json:"min_overlap_share"`
	// CentroidRule also links a tract whose centroid is inside the district.
	CentroidRule bool `json:"centroid_rule"`
}

// DefaultPolicy links a tract when at least half of it lies in the district
// or its centroid does.
func DefaultPolicy() Policy {
	return Policy{MinOverlapShare: 0.5, CentroidRule: true}
}

// Accepts reports whether an overlap qualifies under the policy.
func (p Policy) Accepts(share float64, centroidInside bool) bool {
	if share <= 0 && !centroidInside {
		return false
	}
	return share >= p.MinOverlapShare || (p.CentroidRule && centroidInside)
}

// Matcher computes tract-district links. Matching is a pure function of the
// two geometry sets and the policy.
type Matcher struct {
	policy Policy
	logger *zap.Logger
}

// NewMatcher creates a matcher for the given policy.
func NewMatcher(policy Policy, logger *zap.Logger) *Matcher {
	return &Matcher{policy: policy, logger: logging.OrNop(logger)}
}

// Policy returns the matcher's policy.
func (m *Matcher) Policy() Policy { return m.policy }

// Match returns every qualifying link, sorted by district id then tract key.
// Geometries must already be in the same planar coordinate system.
func (m *Matcher) Match(districts []types.HistoricDistrict, tracts []types.Tract) ([]types.TractDistrictLink, error) {
	type prepared struct {
		tract    types.Tract
		area     float64
		centroid orb.Point
		bound    orb.Bound
	}

	ps := make([]prepared, 0, len(tracts))
	for _, t := range tracts {
		area := t.Area
		if area == 0 {
			area = geo.Area(t.Geometry)
		}
		if area <= 0 {
			return nil, dserrors.NewMatchError(dserrors.CodeInvalidGeometry,
				fmt.Sprintf("tract %s has no area", t.Key), nil)
		}
		ps = append(ps, prepared{
			tract:    t,
			area:     area,
			centroid: geo.Centroid(t.Geometry),
			bound:    t.Geometry.Bound(),
		})
	}

	var links []types.TractDistrictLink
	for _, d := range districts {
		if len(d.Geometry) == 0 {
			return nil, dserrors.NewMatchError(dserrors.CodeInvalidGeometry,
				fmt.Sprintf("district %s has no geometry", d.ID), nil)
		}
		db := d.Geometry.Bound()

		for _, p := range ps {
			if !db.Intersects(p.bound) {
				continue
			}
			share := geo.IntersectionArea(p.tract.Geometry, d.Geometry) / p.area
			if share > 1 {
				share = 1
			}
			inside := geo.Contains(d.Geometry, p.centroid)
			if !m.policy.Accepts(share, inside) {
				continue
			}
			links = append(links, types.TractDistrictLink{
				DistrictID:     d.ID,
				Tract:          p.tract.Key,
				OverlapShare:   share,
				CentroidInside: inside,
			})
		}
	}

	SortLinks(links)

	m.logger.Info("matched tracts to districts",
		zap.Int("districts", len(districts)),
		zap.Int("tracts", len(tracts)),
		zap.Int("links", len(links)),
		zap.Float64("min_overlap_share", m.policy.MinOverlapShare),
		zap.Bool("centroid_rule", m.policy.CentroidRule),
	)
	return links, nil
}

// SortLinks orders links by district id then tract key.
func SortLinks(links []types.TractDistrictLink) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].DistrictID != links[j].DistrictID {
			return links[i].DistrictID < links[j].DistrictID
		}
		return links[i].Tract < links[j].Tract
	})
}

// ByDistrict groups links by district id.
func ByDistrict(links []types.TractDistrictLink) map[string][]types.TractDistrictLink {
	out := make(map[string][]types.TractDistrictLink)
	for _, l := range links {
		out[l.DistrictID] = append(out[l.DistrictID], l)
	}
	return out
}
