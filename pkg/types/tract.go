// Package types provides the core data types shared by the districtshift pipeline.
package types

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
)

// Vintage is a decennial census year.
type Vintage int

const (
	Vintage1970 Vintage = 1970
	Vintage1980 Vintage = 1980
	Vintage1990 Vintage = 1990
	Vintage2000 Vintage = 2000
	Vintage2010 Vintage = 2010
	Vintage2020 Vintage = 2020
)

// Vintages lists every supported decennial vintage in ascending order.
var Vintages = []Vintage{
	Vintage1970, Vintage1980, Vintage1990, Vintage2000, Vintage2010, Vintage2020,
}

// Valid reports whether v is one of the supported decennial vintages.
func (v Vintage) Valid() bool {
	for _, known := range Vintages {
		if v == known {
			return true
		}
	}
	return false
}

// ParseVintages converts integer years into vintages, rejecting unknown years.
// The result is sorted and de-duplicated.
func ParseVintages(years []int) ([]Vintage, error) {
	seen := make(map[Vintage]bool, len(years))
	out := make([]Vintage, 0, len(years))
	for _, y := range years {
		v := Vintage(y)
		if !v.Valid() {
			return nil, fmt.Errorf("unsupported census vintage %d", y)
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// TractKey is the canonical nominal key for a census tract: the 11-digit
// GEOID made of state (2), county (3) and tract (6) FIPS digits.
type TractKey string

// TractKeyLen is the length of a canonical key.
const TractKeyLen = 11

// Valid reports whether the key has the canonical 11-digit shape.
func (k TractKey) Valid() bool {
	if len(k) != TractKeyLen {
		return false
	}
	for i := 0; i < len(k); i++ {
		if k[i] < '0' || k[i] > '9' {
			return false
		}
	}
	return true
}

// State returns the 2-digit state FIPS code.
func (k TractKey) State() string { return string(k[:2]) }

// County returns the 3-digit county FIPS code.
func (k TractKey) County() string { return string(k[2:5]) }

// Tract returns the 6-digit tract code (4-digit base plus 2-digit suffix).
func (k TractKey) Tract() string { return string(k[5:]) }

// Base returns the 4-digit tract base.
func (k TractKey) Base() string { return string(k[5:9]) }

// Suffix returns the 2-digit sub-tract suffix ("00" when unsplit).
func (k TractKey) Suffix() string { return string(k[9:]) }

// Parent returns the key with its sub-tract suffix dropped.
func (k TractKey) Parent() TractKey { return k[:9] + "00" }

// Label renders the tract the way the Census Bureau prints it, e.g. "1.01" or "47".
func (k TractKey) Label() string {
	base := trimLeadingZeros(k.Base())
	if k.Suffix() == "00" {
		return base
	}
	return base + "." + k.Suffix()
}

func trimLeadingZeros(s string) string {
	i := 0
	for i < len(s)-1 && s[i] == '0' {
		i++
	}
	return s[i:]
}

// RaceCounts holds population counts by race category for a tract or an
// aggregate of tracts. Counts are float64 so area-weighted allocation can
// carry fractional people.
type RaceCounts struct {
	White     float64 `json:"white"`
	Black     float64 `json:"black"`
	Native    float64 `json:"native"`
	AAPIOther float64 `json:"aapi_other"`
	TwoOrMore float64 `json:"two_or_more"`
}

// Total returns the total population, the sum of every category.
func (c RaceCounts) Total() float64 {
	return c.White + c.Black + c.Native + c.AAPIOther + c.TwoOrMore
}

// POC returns the population of people of color (total minus white).
func (c RaceCounts) POC() float64 {
	return c.Total() - c.White
}

// Add returns the element-wise sum of c and o.
func (c RaceCounts) Add(o RaceCounts) RaceCounts {
	return RaceCounts{
		White:     c.White + o.White,
		Black:     c.Black + o.Black,
		Native:    c.Native + o.Native,
		AAPIOther: c.AAPIOther + o.AAPIOther,
		TwoOrMore: c.TwoOrMore + o.TwoOrMore,
	}
}

// Scale multiplies every category by f.
func (c RaceCounts) Scale(f float64) RaceCounts {
	return RaceCounts{
		White:     c.White * f,
		Black:     c.Black * f,
		Native:    c.Native * f,
		AAPIOther: c.AAPIOther * f,
		TwoOrMore: c.TwoOrMore * f,
	}
}

// Tract is a tract boundary from the reference vintage, projected to the
// planar coordinate system used for matching.
type Tract struct {
	Key      TractKey
	Year     Vintage
	Geometry orb.MultiPolygon
	// Area is the planar area of Geometry in square projected units.
	Area float64
}

// TractCounts is one vintage's racial counts for one tract.
type TractCounts struct {
	// RawID is the identifier as it appeared in the source file.
	RawID string
	// Key is the canonical key, empty until the tract has been resolved.
	Key    TractKey
	Year   Vintage
	Counts RaceCounts
}

// DroppedTract records a tract that could not be carried into the join.
type DroppedTract struct {
	RawID  string  `json:"raw_id"`
	Key    string  `json:"key,omitempty"`
	Year   Vintage `json:"year"`
	Reason string  `json:"reason"`
}

// Drop reasons.
const (
	DropUnmatched = "unmatched"
	DropInvalidID = "invalid_id"
)
