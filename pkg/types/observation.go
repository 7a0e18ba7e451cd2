package types

import (
	"encoding/json"
	"strconv"
)

// Optional is a value that may be missing. Missing values serialize as
// JSON null and must be treated as absent by consumers.
type Optional[T any] struct {
	Value T
	Valid bool
}

// Some returns a present Optional.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Valid: true}
}

// None returns a missing Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.Value, o.Valid
}

// MarshalJSON encodes a missing value as null.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// UnmarshalJSON decodes null as missing.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = Optional[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// Metric is a derived percentage that is missing when undefined.
type Metric = Optional[float64]

// FormatMetric renders m for a flat file; missing renders as "".
func FormatMetric(m Metric) string {
	if !m.Valid {
		return ""
	}
	return strconv.FormatFloat(m.Value, 'f', -1, 64)
}

// FormatYears renders an optional year offset; missing renders as "".
func FormatYears(y Optional[int]) string {
	if !y.Valid {
		return ""
	}
	return strconv.Itoa(y.Value)
}

// DemographicObservation is the aggregate of a district's linked tracts for
// one vintage.
type DemographicObservation struct {
	DistrictID   string     `json:"district_id"`
	DistrictName string     `json:"district_name"`
	Year         Vintage    `json:"year"`
	Tracts       []TractKey `json:"tracts"`
	Counts       RaceCounts `json:"counts"`
	// TotalPopulation equals Counts.Total() within rounding.
	TotalPopulation float64 `json:"total_population"`
	// DesignationYear is zero when the district has no known designation.
	DesignationYear int `json:"designation_year,omitempty"`
}

// DerivedRow is one output row: an observation plus its derived metrics.
type DerivedRow struct {
	DemographicObservation
	POCPopulation         float64       `json:"poc_population"`
	PercentPOC            Metric        `json:"percent_poc"`
	PercentWhite          Metric        `json:"percent_white"`
	YearsSinceDesignation Optional[int] `json:"years_since_designation"`
}
