// Package join aggregates per-tract demographics onto historic districts
// for each census vintage.
package join

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/districtshift/districtshift/internal/census"
	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/logging"
	"github.com/districtshift/districtshift/internal/match"
	"github.com/districtshift/districtshift/pkg/types"
)

// Allocation controls how a linked tract's counts reach its district.
type Allocation string

const (
	// Whole adds every linked tract's counts in full.
	Whole Allocation = "whole"
	// Areal weights each linked tract's counts by its overlap share.
	Areal Allocation = "areal"
)

// ParseAllocation validates an allocation name.
func ParseAllocation(s string) (Allocation, error) {
	switch Allocation(s) {
	case Whole, Areal:
		return Allocation(s), nil
	default:
		return "", fmt.Errorf("unknown allocation %q", s)
	}
}

func (a Allocation) weight(l types.TractDistrictLink) float64 {
	if a == Areal {
		return l.OverlapShare
	}
	return 1
}

type slot struct {
	year types.Vintage
	key  types.TractKey
}

func indexCounts(counts []types.TractCounts) map[slot]types.RaceCounts {
	idx := make(map[slot]types.RaceCounts, len(counts))
	for _, c := range counts {
		s := slot{year: c.Year, key: c.Key}
		idx[s] = idx[s].Add(c.Counts)
	}
	return idx
}

// Joiner builds district observations.
type Joiner struct {
	allocation Allocation
	years      []types.Vintage
	logger     *zap.Logger
}

// NewJoiner creates a joiner for the given vintages.
func NewJoiner(allocation Allocation, years []types.Vintage, logger *zap.Logger) *Joiner {
	ys := append([]types.Vintage(nil), years...)
	sort.Slice(ys, func(i, j int) bool { return ys[i] < ys[j] })
	return &Joiner{allocation: allocation, years: ys, logger: logging.OrNop(logger)}
}

// Join returns one observation per district and vintage in which at least
// one linked tract has data. Vintages with no data are omitted rather than
// zero-filled. Output is sorted by district id then year.
//
// counts must already carry canonical keys.
func (j *Joiner) Join(districts []types.HistoricDistrict, links []types.TractDistrictLink, counts []types.TractCounts) ([]types.DemographicObservation, error) {
	byDistrict := match.ByDistrict(links)
	idx := indexCounts(counts)

	ds := append([]types.HistoricDistrict(nil), districts...)
	sort.Slice(ds, func(a, b int) bool { return ds[a].ID < ds[b].ID })

	var out []types.DemographicObservation
	var unlinked, omitted int

	for _, d := range ds {
		dl := byDistrict[d.ID]
		if len(dl) == 0 {
			unlinked++
			continue
		}
		sort.Slice(dl, func(a, b int) bool { return dl[a].Tract < dl[b].Tract })

		for _, year := range j.years {
			var sum types.RaceCounts
			var keys []types.TractKey
			for _, l := range dl {
				c, ok := idx[slot{year: year, key: l.Tract}]
				if !ok {
					continue
				}
				sum = sum.Add(c.Scale(j.allocation.weight(l)))
				keys = append(keys, l.Tract)
			}
			if len(keys) == 0 {
				omitted++
				continue
			}
			out = append(out, types.DemographicObservation{
				DistrictID:      d.ID,
				DistrictName:    d.Name,
				Year:            year,
				Tracts:          keys,
				Counts:          sum,
				TotalPopulation: sum.Total(),
				DesignationYear: d.DesignationYear,
			})
		}
	}

	j.logger.Info("joined demographics to districts",
		zap.String("allocation", string(j.allocation)),
		zap.Int("districts", len(ds)),
		zap.Int("observations", len(out)),
		zap.Int("districts_without_links", unlinked),
		zap.Int("omitted_district_years", omitted),
	)

	if len(out) == 0 {
		return nil, dserrors.NewJoinError(dserrors.CodeNoObservations,
			"no district has a linked tract with data in any requested vintage")
	}
	return out, nil
}

// StatusComparison contrasts population inside and outside historic
// districts for one vintage.
type StatusComparison struct {
	Year    types.Vintage    `json:"year"`
	Inside  types.RaceCounts `json:"inside"`
	Outside types.RaceCounts `json:"outside"`
}

// CompareStatus splits each vintage's tract counts between historic and
// non-historic areas. Under areal allocation a tract's inside share is the
// sum of its overlap shares, capped at one; under whole allocation a linked
// tract is entirely inside.
func (j *Joiner) CompareStatus(links []types.TractDistrictLink, counts []types.TractCounts) []StatusComparison {
	share := j.insideShare(links)

	byYear := make(map[types.Vintage]*StatusComparison)
	for _, c := range counts {
		if !j.wants(c.Year) {
			continue
		}
		sc, ok := byYear[c.Year]
		if !ok {
			sc = &StatusComparison{Year: c.Year}
			byYear[c.Year] = sc
		}
		in := share[c.Key]
		sc.Inside = sc.Inside.Add(c.Counts.Scale(in))
		sc.Outside = sc.Outside.Add(c.Counts.Scale(1 - in))
	}

	out := make([]StatusComparison, 0, len(byYear))
	for _, y := range j.years {
		if sc, ok := byYear[y]; ok {
			out = append(out, *sc)
		}
	}
	return out
}

// insideShare is the share of each linked tract that lies in some historic
// district.
func (j *Joiner) insideShare(links []types.TractDistrictLink) map[types.TractKey]float64 {
	share := make(map[types.TractKey]float64)
	for _, l := range links {
		share[l.Tract] = math.Min(1, share[l.Tract]+j.allocation.weight(l))
	}
	return share
}

func (j *Joiner) wants(y types.Vintage) bool {
	for _, v := range j.years {
		if v == y {
			return true
		}
	}
	return false
}

// TenureTotals are aggregated ACS population and housing tenure estimates.
type TenureTotals struct {
	Population    float64      `json:"population"`
	PercentPOC    types.Metric `json:"percent_poc"`
	HousingTotal  float64      `json:"housing_total"`
	HousingOwned  float64      `json:"housing_owned"`
	HousingRental float64      `json:"housing_rental"`
	PercentRental types.Metric `json:"percent_rental"`
}

func totals(r census.ACSRecord) TenureTotals {
	return TenureTotals{
		Population:    valueOrZero(r.PopTotal),
		PercentPOC:    r.PercentPOC(),
		HousingTotal:  valueOrZero(r.HousingTotal),
		HousingOwned:  valueOrZero(r.HousingOwned),
		HousingRental: valueOrZero(r.HousingRental),
		PercentRental: r.PercentRental(),
	}
}

// Tenure is a district's aggregated ACS estimates.
type Tenure struct {
	DistrictID string `json:"district_id"`
	TenureTotals
}

// JoinTenure aggregates ACS estimates onto districts. Tracts with a
// missing estimate contribute nothing to that estimate.
func (j *Joiner) JoinTenure(links []types.TractDistrictLink, records []census.ACSRecord) []Tenure {
	byKey := make(map[types.TractKey]census.ACSRecord, len(records))
	for _, r := range records {
		byKey[r.GEOID] = r
	}

	agg := make(map[string]*census.ACSRecord)
	var ids []string
	for _, l := range links {
		r, ok := byKey[l.Tract]
		if !ok {
			continue
		}
		a, ok := agg[l.DistrictID]
		if !ok {
			a = &census.ACSRecord{}
			agg[l.DistrictID] = a
			ids = append(ids, l.DistrictID)
		}
		a.Accumulate(r, j.allocation.weight(l))
	}

	sort.Strings(ids)
	out := make([]Tenure, 0, len(ids))
	for _, id := range ids {
		out = append(out, Tenure{DistrictID: id, TenureTotals: totals(*agg[id])})
	}
	return out
}

// TenureComparison contrasts ACS estimates inside and outside historic
// districts.
type TenureComparison struct {
	Inside  TenureTotals `json:"inside"`
	Outside TenureTotals `json:"outside"`
}

// CompareTenure splits every ACS tract between historic and non-historic
// areas with the same shares CompareStatus uses.
func (j *Joiner) CompareTenure(links []types.TractDistrictLink, records []census.ACSRecord) TenureComparison {
	share := j.insideShare(links)
	var in, out census.ACSRecord
	for _, r := range records {
		s := share[r.GEOID]
		in.Accumulate(r, s)
		out.Accumulate(r, 1-s)
	}
	return TenureComparison{Inside: totals(in), Outside: totals(out)}
}

func valueOrZero(o types.Optional[float64]) float64 {
	if v, ok := o.Get(); ok {
		return v
	}
	return 0
}
