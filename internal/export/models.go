package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/districtshift/districtshift/pkg/types"
)

// Observation is one district-year row in the warehouse.
type Observation struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey;column:id"`
	RunID                 string    `gorm:"column:run_id;index"`
	DistrictID            string    `gorm:"column:district_id;index:idx_observations_district_year,priority:1"`
	DistrictName          string    `gorm:"column:district_name"`
	Year                  int       `gorm:"column:year;index:idx_observations_district_year,priority:2"`
	DesignationYear       *int      `gorm:"column:designation_year"`
	YearsSinceDesignation *int      `gorm:"column:years_since_designation"`
	TotalPop              float64   `gorm:"column:total_pop"`
	PopWhite              float64   `gorm:"column:pop_white"`
	PopBlack              float64   `gorm:"column:pop_black"`
	PopNative             float64   `gorm:"column:pop_native"`
	PopAAPIOther          float64   `gorm:"column:pop_aapi_other"`
	PopTwoRaces           float64   `gorm:"column:pop_two_races"`
	PopPOC                float64   `gorm:"column:pop_poc"`
	PercPOC               *float64  `gorm:"column:perc_poc"`
	PercWhite             *float64  `gorm:"column:perc_white"`
	Tracts                string    `gorm:"column:tracts"`
	CreatedAt             time.Time `gorm:"column:created_at"`
}

func (Observation) TableName() string { return "districtshift.observations" }

// ObservationID derives a stable row id from the district and year.
func ObservationID(ns uuid.UUID, districtID string, year types.Vintage) uuid.UUID {
	return uuid.NewSHA1(ns, []byte(fmt.Sprintf("observation:%s:%d", districtID, year)))
}

// FromRows converts derived rows to warehouse models. Missing metrics map
// to NULL.
func FromRows(ns uuid.UUID, runID string, rows []types.DerivedRow, now time.Time) []Observation {
	out := make([]Observation, 0, len(rows))
	for _, r := range rows {
		o := Observation{
			ID:                    ObservationID(ns, r.DistrictID, r.Year),
			RunID:                 runID,
			DistrictID:            r.DistrictID,
			DistrictName:          r.DistrictName,
			Year:                  int(r.Year),
			YearsSinceDesignation: optionalPtr(r.YearsSinceDesignation),
			TotalPop:              r.TotalPopulation,
			PopWhite:              r.Counts.White,
			PopBlack:              r.Counts.Black,
			PopNative:             r.Counts.Native,
			PopAAPIOther:          r.Counts.AAPIOther,
			PopTwoRaces:           r.Counts.TwoOrMore,
			PopPOC:                r.POCPopulation,
			PercPOC:               optionalPtr(r.PercentPOC),
			PercWhite:             optionalPtr(r.PercentWhite),
			Tracts:                joinKeys(r.Tracts),
			CreatedAt:             now,
		}
		if r.DesignationYear > 0 {
			y := r.DesignationYear
			o.DesignationYear = &y
		}
		out = append(out, o)
	}
	return out
}

func optionalPtr[T any](o types.Optional[T]) *T {
	if v, ok := o.Get(); ok {
		return &v
	}
	return nil
}

func joinKeys(keys []types.TractKey) string {
	s := make([]string, len(keys))
	for i, k := range keys {
		s[i] = string(k)
	}
	return strings.Join(s, ";")
}
