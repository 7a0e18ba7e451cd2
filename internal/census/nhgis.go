package census

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/logging"
	"github.com/districtshift/districtshift/pkg/types"
)

// NHGIS nominal time-series race columns (persons by single race).
const (
	colWhite     = "B18AA"
	colBlack     = "B18AB"
	colNative    = "B18AC"
	colAAPIOther = "B18AD"
	colTwoOrMore = "B18AE"
)

// nhgisMemberSuffix identifies the nominal tract table inside an NHGIS extract.
const nhgisMemberSuffix = "_ts_nominal_tract.csv"

// LoadStats counts what a loader kept and skipped.
type LoadStats struct {
	Rows       int
	Kept       int
	OtherState int
	OtherYear  int
	Incomplete int
	ByYear     map[types.Vintage]int
}

// Loader reads demographic tables for one state.
type Loader struct {
	stateFIPS string
	logger    *zap.Logger
}

// NewLoader creates a loader that keeps rows for the given state FIPS code.
func NewLoader(stateFIPS string, logger *zap.Logger) *Loader {
	return &Loader{
		stateFIPS: pad(stateFIPS, 2),
		logger:    logging.OrNop(logger),
	}
}

// LoadNHGIS reads an NHGIS nominal time-series tract table. path may be the
// CSV itself or the extract zip; member optionally names the CSV inside it.
//
// The raw identifier of each record is an 11-digit GEOID built from the
// STATEFP, COUNTYFP and TRACTA fields, each padded to its own width. A
// blank two-or-more-races count is zero (the category does not exist
// before 2000); any other blank or non-numeric count skips the row.
func (l *Loader) LoadNHGIS(path, member string) ([]types.TractCounts, LoadStats, error) {
	rc, source, err := openCSV(path, member, nhgisMemberSuffix)
	if err != nil {
		return nil, LoadStats{}, err
	}
	defer rc.Close()

	t, err := readTable(rc, source, []string{
		"YEAR", "STATEFP", "COUNTYFP", "TRACTA",
		colWhite, colBlack, colNative, colAAPIOther, colTwoOrMore,
	})
	if err != nil {
		return nil, LoadStats{}, err
	}

	stats := LoadStats{ByYear: make(map[types.Vintage]int)}
	var out []types.TractCounts

	for _, row := range t.rows {
		stats.Rows++

		geoid, ok := nhgisGEOID(t.get(row, "STATEFP"), t.get(row, "COUNTYFP"), t.get(row, "TRACTA"))
		if !ok {
			stats.Incomplete++
			continue
		}
		if geoid[:2] != l.stateFIPS {
			stats.OtherState++
			continue
		}

		year, err := strconv.Atoi(t.get(row, "YEAR"))
		if err != nil || !types.Vintage(year).Valid() {
			stats.OtherYear++
			continue
		}

		counts, ok := parseCounts(t, row, colWhite, colBlack, colNative, colAAPIOther, colTwoOrMore)
		if !ok {
			stats.Incomplete++
			continue
		}

		v := types.Vintage(year)
		out = append(out, types.TractCounts{
			RawID:  geoid,
			Year:   v,
			Counts: counts,
		})
		stats.Kept++
		stats.ByYear[v]++
	}

	if stats.Kept == 0 {
		return nil, stats, dserrors.NewInputError(dserrors.CodeMalformedInput,
			fmt.Sprintf("%s: no tract rows for state %s", source, l.stateFIPS), nil)
	}

	l.logStats(source, stats)
	return out, stats, nil
}

// Tidy CSV columns.
var tidyColumns = []string{"geoid", "year", "white", "black", "native", "aapi_other", "two_races"}

// LoadTidy reads a tidy per-vintage CSV with columns
// geoid,year,white,black,native,aapi_other,two_races.
//
// Rows are filtered by state only when the geoid column carries one (a
// full GEOID, census GEO_ID or GISJOIN). Bare tract codes are kept and
// qualified with the configured state and county during resolution.
func (l *Loader) LoadTidy(path string) ([]types.TractCounts, LoadStats, error) {
	rc, source, err := openCSV(path, "", "")
	if err != nil {
		return nil, LoadStats{}, err
	}
	defer rc.Close()

	t, err := readTable(rc, source, tidyColumns)
	if err != nil {
		return nil, LoadStats{}, err
	}

	stats := LoadStats{ByYear: make(map[types.Vintage]int)}
	var out []types.TractCounts

	for i, row := range t.rows {
		stats.Rows++

		geoid := t.get(row, "geoid")
		if state, ok := geoidState(geoid); ok && state != l.stateFIPS {
			stats.OtherState++
			continue
		}

		year, err := strconv.Atoi(t.get(row, "year"))
		if err != nil {
			return nil, stats, dserrors.NewInputError(dserrors.CodeMalformedInput,
				fmt.Sprintf("%s row %d: invalid year %q", source, i+2, t.get(row, "year")), err)
		}
		if !types.Vintage(year).Valid() {
			stats.OtherYear++
			continue
		}

		counts, ok := parseCounts(t, row, "white", "black", "native", "aapi_other", "two_races")
		if !ok {
			stats.Incomplete++
			continue
		}

		v := types.Vintage(year)
		out = append(out, types.TractCounts{RawID: geoid, Year: v, Counts: counts})
		stats.Kept++
		stats.ByYear[v]++
	}

	if stats.Kept == 0 {
		return nil, stats, dserrors.NewInputError(dserrors.CodeMalformedInput,
			fmt.Sprintf("%s: no tract rows for state %s", source, l.stateFIPS), nil)
	}

	l.logStats(source, stats)
	return out, stats, nil
}

// Load picks the NHGIS or tidy reader from the file's header.
func (l *Loader) Load(path, member string) ([]types.TractCounts, LoadStats, error) {
	rc, source, err := openCSV(path, member, nhgisMemberSuffix)
	if err != nil {
		return nil, LoadStats{}, err
	}
	t, err := readTable(rc, source, nil)
	rc.Close()
	if err != nil {
		return nil, LoadStats{}, err
	}

	if t.has(colWhite) {
		return l.LoadNHGIS(path, member)
	}
	return l.LoadTidy(path)
}

// nhgisGEOID pads the NHGIS code fields to a GEOID. A 4-digit TRACTA is a
// tract without a suffix and gains "00".
func nhgisGEOID(state, county, tract string) (string, bool) {
	if !digits(state, 2) || !digits(county, 3) || !digits(tract, 6) {
		return "", false
	}
	if len(tract) <= 4 {
		tract = pad(tract, 4) + "00"
	} else {
		tract = pad(tract, 6)
	}
	return pad(state, 2) + pad(county, 3) + tract, true
}

// geoidState returns the state FIPS of identifiers that carry one.
func geoidState(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.Index(s, "US"); i >= 0 {
		s = s[i+2:]
	}
	if strings.HasPrefix(s, "G") && len(s) >= 12 && digits(s[1:], 13) {
		return s[1:3], true
	}
	if i := strings.Index(s, "."); i >= 0 && strings.Trim(s[i+1:], "0") == "" {
		s = s[:i]
	}
	if len(s) == 11 && digits(s, 11) {
		return s[:2], true
	}
	return "", false
}

// digits reports whether s is a non-empty run of at most width ASCII digits.
func digits(s string, width int) bool {
	if s == "" || len(s) > width {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func (l *Loader) logStats(source string, stats LoadStats) {
	fields := []zap.Field{
		zap.String("source", source),
		zap.Int("rows", stats.Rows),
		zap.Int("kept", stats.Kept),
		zap.Int("other_state", stats.OtherState),
		zap.Int("other_year", stats.OtherYear),
		zap.Int("incomplete", stats.Incomplete),
	}
	for _, v := range types.Vintages {
		if n, ok := stats.ByYear[v]; ok {
			fields = append(fields, zap.Int(fmt.Sprintf("records_%d", v), n))
		}
	}
	l.logger.Info("loaded demographics", fields...)
}

// parseCounts reads the five race columns in order. The last column
// (two or more races) defaults to zero when blank.
func parseCounts(t *table, row []string, white, black, native, aapi, two string) (types.RaceCounts, bool) {
	var vals [5]float64
	for i, name := range []string{white, black, native, aapi, two} {
		raw := t.get(row, name)
		if raw == "" && i == 4 {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			return types.RaceCounts{}, false
		}
		vals[i] = v
	}
	return types.RaceCounts{
		White:     vals[0],
		Black:     vals[1],
		Native:    vals[2],
		AAPIOther: vals[3],
		TwoOrMore: vals[4],
	}, true
}
