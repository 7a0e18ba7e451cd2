package types

import "github.com/paulmach/orb"

// HistoricDistrict is a designated historic district. A zero
// DesignationYear means no designation date is known.
type HistoricDistrict struct {
	ID              string
	Name            string
	Geometry        orb.MultiPolygon
	DesignationYear int
}

// Designated reports whether the district has a known designation year.
func (d HistoricDistrict) Designated() bool {
	return d.DesignationYear > 0
}

// TractDistrictLink records that a reference tract overlaps a district
// closely enough to be counted toward it.
type TractDistrictLink struct {
	DistrictID string   `json:"district_id"`
	Tract      TractKey `json:"tract"`
	// OverlapShare is the share of the tract's area inside the district, 0..1.
	OverlapShare float64 `json:"overlap_share"`
	// CentroidInside reports whether the tract centroid falls in the district.
	CentroidInside bool `json:"centroid_inside"`
}
