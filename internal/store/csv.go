package store

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/metrics"
	"github.com/districtshift/districtshift/pkg/types"
)

// ResultsCSV is the flat per-district, per-year results file.
const ResultsCSV = "by_hist_district_1970_2020.csv"

var csvHeader = []string{
	"hist_district_ID", "hist_district_name", "year", "des_year", "years_since_des",
	"total_pop", "pop_white", "pop_black", "pop_native", "pop_aapi_other", "pop_two_races",
	"pop_poc", "perc_poc", "perc_white", "tracts",
}

// WriteCSV writes derived rows to path. Missing metrics are written empty.
func WriteCSV(path string, rows []types.DerivedRow) error {
	f, err := os.Create(path)
	if err != nil {
		return writeError("create "+path, err)
	}
	if err := EncodeCSV(f, rows); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return writeError("close "+path, err)
	}
	return nil
}

// EncodeCSV writes derived rows as CSV.
func EncodeCSV(w io.Writer, rows []types.DerivedRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return writeError("write CSV header", err)
	}
	for _, r := range rows {
		designation := ""
		if r.DesignationYear > 0 {
			designation = strconv.Itoa(r.DesignationYear)
		}
		c := r.Counts
		rec := []string{
			r.DistrictID, r.DistrictName, strconv.Itoa(int(r.Year)), designation,
			types.FormatYears(r.YearsSinceDesignation),
			ftoa(r.TotalPopulation), ftoa(c.White), ftoa(c.Black), ftoa(c.Native), ftoa(c.AAPIOther), ftoa(c.TwoOrMore),
			ftoa(r.POCPopulation), types.FormatMetric(r.PercentPOC), types.FormatMetric(r.PercentWhite),
			joinKeys(r.Tracts),
		}
		if err := cw.Write(rec); err != nil {
			return writeError("write CSV row", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return writeError("flush CSV", err)
	}
	return nil
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ReadCSV reads a results CSV written by WriteCSV. Metrics are recomputed
// from the counts so the rows satisfy the same invariants as freshly
// derived ones.
func ReadCSV(path string) ([]types.DerivedRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dserrors.NewInputError(dserrors.CodeFileNotFound, fmt.Sprintf("failed to open %s", path), err)
	}
	defer f.Close()
	return DecodeCSV(f, path)
}

// DecodeCSV parses results CSV from r; source names r in errors.
func DecodeCSV(r io.Reader, source string) ([]types.DerivedRow, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	records, err := cr.ReadAll()
	if err != nil {
		return nil, malformed(source, "parse", err)
	}
	if len(records) == 0 {
		return nil, malformed(source, "read header row of", nil)
	}

	header := records[0]
	header[0] = strings.TrimPrefix(header[0], "\ufeff")
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range []string{"hist_district_ID", "year", "pop_white", "total_pop"} {
		if _, ok := col[name]; !ok {
			return nil, dserrors.NewInputError(dserrors.CodeMissingColumn,
				fmt.Sprintf("%s: missing required column %s", source, name), nil)
		}
	}

	get := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	num := func(rec []string, name string) (float64, error) {
		s := get(rec, name)
		if s == "" {
			return 0, nil
		}
		return strconv.ParseFloat(s, 64)
	}

	out := make([]types.DerivedRow, 0, len(records)-1)
	for line, rec := range records[1:] {
		year, err := strconv.Atoi(strings.TrimSuffix(get(rec, "year"), ".0"))
		if err != nil {
			return nil, malformed(source, fmt.Sprintf("line %d: parse year in", line+2), err)
		}

		var designation int
		if s := get(rec, "des_year"); s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, malformed(source, fmt.Sprintf("line %d: parse des_year in", line+2), err)
			}
			designation = int(f)
		} else if s := get(rec, "years_since_des"); s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, malformed(source, fmt.Sprintf("line %d: parse years_since_des in", line+2), err)
			}
			designation = year - int(f)
		}

		var c types.RaceCounts
		var total float64
		for _, field := range []struct {
			name string
			dst  *float64
		}{
			{"pop_white", &c.White},
			{"pop_black", &c.Black},
			{"pop_native", &c.Native},
			{"pop_aapi_other", &c.AAPIOther},
			{"pop_two_races", &c.TwoOrMore},
			{"total_pop", &total},
		} {
			v, err := num(rec, field.name)
			if err != nil {
				return nil, malformed(source, fmt.Sprintf("line %d: parse %s in", line+2, field.name), err)
			}
			*field.dst = v
		}
		// Files without the per-race breakdown carry white and total only.
		if _, ok := col["pop_black"]; !ok {
			c.Black = total - c.White
		}

		out = append(out, metrics.Derive(types.DemographicObservation{
			DistrictID:      get(rec, "hist_district_ID"),
			DistrictName:    get(rec, "hist_district_name"),
			Year:            types.Vintage(year),
			Tracts:          splitKeys(get(rec, "tracts")),
			Counts:          c,
			TotalPopulation: total,
			DesignationYear: designation,
		}))
	}
	return out, nil
}

func malformed(source, what string, err error) error {
	return dserrors.NewInputError(dserrors.CodeMalformedInput, fmt.Sprintf("failed to %s %s", what, source), err)
}
