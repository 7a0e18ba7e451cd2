// Package tract canonicalizes census tract identifiers across decennial
// vintages and resolves them against a reference key set.
//
// Matching is nominal: two vintages' tracts are the same tract when their
// canonical keys are equal, regardless of boundary changes between censuses.
package tract

import (
	"fmt"
	"strings"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/pkg/types"
)

// Normalizer turns raw tract identifiers into canonical keys. Bare tract
// codes are qualified with the default state and county.
type Normalizer struct {
	state  string
	county string
}

// NewNormalizer creates a normalizer that qualifies bare tract codes with
// the given 2-digit state and 3-digit county FIPS codes.
func NewNormalizer(stateFIPS, countyFIPS string) *Normalizer {
	return &Normalizer{
		state:  padLeft(stateFIPS, 2),
		county: padLeft(countyFIPS, 3),
	}
}

// Normalize returns the canonical key for raw. Accepted forms:
//
//	11001000101          full GEOID
//	1400000US11001000101 census GEO_ID
//	G1100010000101       NHGIS GISJOIN (6-digit tract)
//	G11000100001         NHGIS GISJOIN (4-digit tract)
//	000101, 0101, 1.01   bare tract codes
//	"Census Tract 1.01"  printed tract names
//	11001000101.0        float-formatted GEOIDs
func (n *Normalizer) Normalize(raw string) (types.TractKey, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "CENSUS TRACT")
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "US"); i >= 0 {
		s = s[i+2:]
	}

	if strings.HasPrefix(s, "G") {
		return n.fromGISJoin(raw, s[1:])
	}

	if i := strings.Index(s, "."); i >= 0 {
		// Spreadsheets write numeric GEOIDs as 11001000101.0.
		if i >= 9 && strings.Trim(s[i+1:], "0") == "" {
			s = s[:i]
		} else {
			return n.fromDecimal(raw, s)
		}
	}

	digits := stripDelimiters(s)
	if !allDigits(digits) || digits == "" {
		return "", invalid(raw)
	}

	switch {
	case len(digits) == types.TractKeyLen:
		return types.TractKey(digits), nil
	case len(digits) == 9:
		// county + tract
		return types.TractKey(n.state + digits), nil
	case len(digits) == 6 || len(digits) == 5:
		return types.TractKey(n.state + n.county + padLeft(digits, 6)), nil
	case len(digits) <= 4:
		return types.TractKey(n.state + n.county + padLeft(digits, 4) + "00"), nil
	default:
		return "", invalid(raw)
	}
}

// fromGISJoin parses the NHGIS GISJOIN layout: state(2) 0 county(3) 0 tract(4|6).
func (n *Normalizer) fromGISJoin(raw, s string) (types.TractKey, error) {
	if !allDigits(s) {
		return "", invalid(raw)
	}
	switch len(s) {
	case 13:
		return types.TractKey(s[0:2] + s[3:6] + s[7:13]), nil
	case 11:
		return types.TractKey(s[0:2] + s[3:6] + s[7:11] + "00"), nil
	default:
		return "", invalid(raw)
	}
}

// fromDecimal parses "base.suffix" tract names: the base is left-padded to
// four digits and the suffix, a decimal fraction, is right-padded to two.
func (n *Normalizer) fromDecimal(raw, s string) (types.TractKey, error) {
	parts := strings.SplitN(s, ".", 2)
	base, suffix := stripDelimiters(parts[0]), stripDelimiters(parts[1])
	if base == "" || len(base) > 4 || len(suffix) > 2 || !allDigits(base) || !allDigits(suffix) {
		return "", invalid(raw)
	}
	return types.TractKey(n.state + n.county + padLeft(base, 4) + padRight(suffix, 2)), nil
}

func invalid(raw string) error {
	return dserrors.NewInputError(dserrors.CodeInvalidTractID,
		fmt.Sprintf("cannot normalize tract identifier %q", raw), nil)
}

func stripDelimiters(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '-', '_', '/', '\t':
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat("0", width-len(s))
}
