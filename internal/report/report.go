// Package report fits designation-relative regressions, summarizes
// historic vs non-historic population, and renders charts.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gonum.org/v1/gonum/stat"

	"github.com/districtshift/districtshift/internal/join"
	"github.com/districtshift/districtshift/internal/metrics"
	"github.com/districtshift/districtshift/pkg/types"
)

// Options controls which rows enter the regressions and charts.
type Options struct {
	// MaxYearsSince keeps rows strictly below this many years after designation.
	MaxYearsSince int `json:"max_years_since"`
	// MinPopulation keeps rows strictly above this total population.
	MinPopulation float64 `json:"min_population"`
}

// DefaultOptions drops the sparse long-designated and near-empty rows.
func DefaultOptions() Options {
	return Options{MaxYearsSince: 60, MinPopulation: 500}
}

// Filter returns the rows usable for designation-relative analysis: rows
// with a designation year and a percentage, below the years cap and above
// the population floor.
func Filter(rows []types.DerivedRow, opts Options) []types.DerivedRow {
	var out []types.DerivedRow
	for _, r := range rows {
		years, ok := r.YearsSinceDesignation.Get()
		if !ok || years >= opts.MaxYearsSince {
			continue
		}
		if !r.PercentPOC.Valid || r.TotalPopulation <= opts.MinPopulation {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Subset names the side of designation a regression covers.
type Subset string

const (
	After  Subset = "after"
	Before Subset = "before"
)

func (s Subset) includes(years int) bool {
	if s == After {
		return years > 0
	}
	return years < 0
}

// Fit is an ordinary least squares fit of percent POC on years since
// designation. Valid is false when fewer than two distinct x values exist.
type Fit struct {
	Subset    Subset  `json:"subset"`
	N         int     `json:"n"`
	Intercept float64 `json:"intercept"`
	Slope     float64 `json:"slope"`
	RSquared  float64 `json:"r_squared"`
	Valid     bool    `json:"valid"`
}

// Equation renders the fit as "y = a + bx".
func (f Fit) Equation() string {
	if !f.Valid {
		return "insufficient data"
	}
	return fmt.Sprintf("y = %.3f + %.3fx", f.Intercept, f.Slope)
}

// Regress fits percent POC against years since designation for rows on
// one side of designation.
func Regress(rows []types.DerivedRow, subset Subset) Fit {
	xs, ys := points(rows, subset)
	fit := Fit{Subset: subset, N: len(xs)}
	if !distinct(xs) {
		return fit
	}
	fit.Intercept, fit.Slope = stat.LinearRegression(xs, ys, nil, false)
	fit.RSquared = stat.RSquared(xs, ys, nil, fit.Intercept, fit.Slope)
	fit.Valid = true
	return fit
}

func points(rows []types.DerivedRow, subset Subset) ([]float64, []float64) {
	var xs, ys []float64
	for _, r := range rows {
		years, ok := r.YearsSinceDesignation.Get()
		poc, ok2 := r.PercentPOC.Get()
		if !ok || !ok2 || !subset.includes(years) {
			continue
		}
		xs = append(xs, float64(years))
		ys = append(ys, poc)
	}
	return xs, ys
}

func distinct(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] != xs[0] {
			return true
		}
	}
	return false
}

// StatusRow compares historic and non-historic areas for one vintage. The
// housing columns are set only on the vintage the ACS estimates cover.
type StatusRow struct {
	Year                 types.Vintage           `json:"year"`
	InsidePopulation     float64                 `json:"inside_population"`
	InsidePercentPOC     types.Metric            `json:"inside_percent_poc"`
	OutsidePopulation    float64                 `json:"outside_population"`
	OutsidePercentPOC    types.Metric            `json:"outside_percent_poc"`
	InsideHousing        types.Optional[float64] `json:"inside_housing"`
	InsidePercentRental  types.Metric            `json:"inside_percent_rental"`
	OutsideHousing       types.Optional[float64] `json:"outside_housing"`
	OutsidePercentRental types.Metric            `json:"outside_percent_rental"`
}

// StatusRows derives percentages from the joiner's status comparison.
func StatusRows(cmp []join.StatusComparison) []StatusRow {
	out := make([]StatusRow, 0, len(cmp))
	for _, c := range cmp {
		out = append(out, StatusRow{
			Year:              c.Year,
			InsidePopulation:  c.Inside.Total(),
			InsidePercentPOC:  metrics.PercentPOC(c.Inside),
			OutsidePopulation: c.Outside.Total(),
			OutsidePercentPOC: metrics.PercentPOC(c.Outside),
		})
	}
	return out
}

// AttachTenure puts the ACS housing comparison on the row for year. It
// reports false when no row covers that vintage.
func AttachTenure(rows []StatusRow, year types.Vintage, cmp join.TenureComparison) bool {
	for i := range rows {
		if rows[i].Year != year {
			continue
		}
		rows[i].InsideHousing = types.Some(cmp.Inside.HousingTotal)
		rows[i].InsidePercentRental = cmp.Inside.PercentRental
		rows[i].OutsideHousing = types.Some(cmp.Outside.HousingTotal)
		rows[i].OutsidePercentRental = cmp.Outside.PercentRental
		return true
	}
	return false
}

// Summary is the machine-readable result of a report.
type Summary struct {
	Options      Options       `json:"options"`
	Rows         int           `json:"rows"`
	FilteredRows int           `json:"filtered_rows"`
	After        Fit           `json:"after"`
	Before       Fit           `json:"before"`
	Status       []StatusRow   `json:"status,omitempty"`
	Tenure       []join.Tenure `json:"tenure,omitempty"`
	Charts       []string      `json:"charts,omitempty"`
}

// Build filters rows and fits both regressions.
func Build(rows []types.DerivedRow, opts Options) *Summary {
	filtered := Filter(rows, opts)
	return &Summary{
		Options:      opts,
		Rows:         len(rows),
		FilteredRows: len(filtered),
		After:        Regress(filtered, After),
		Before:       Regress(filtered, Before),
	}
}

// WriteJSON writes the summary as indented JSON.
func WriteJSON(path string, s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// WriteText prints a human-readable summary with locale number formatting.
func WriteText(w io.Writer, s *Summary, tag language.Tag) error {
	p := message.NewPrinter(tag)

	p.Fprintf(w, "Observations: %d (%d after filtering: years since designation < %d, population > %.0f)\n",
		s.Rows, s.FilteredRows, s.Options.MaxYearsSince, s.Options.MinPopulation)

	for _, f := range []Fit{s.After, s.Before} {
		if !f.Valid {
			p.Fprintf(w, "%-6s designation: insufficient data (n=%d)\n", f.Subset, f.N)
			continue
		}
		p.Fprintf(w, "%-6s designation: %s  R²=%.3f  n=%d\n", f.Subset, f.Equation(), f.RSquared, f.N)
	}

	if len(s.Status) > 0 {
		p.Fprintf(w, "\n%-6s %14s %9s %14s %9s\n", "Year", "Historic pop", "% POC", "Other pop", "% POC")
		for _, r := range s.Status {
			p.Fprintf(w, "%-6d %14.0f %9s %14.0f %9s\n",
				int(r.Year), r.InsidePopulation, pct(r.InsidePercentPOC),
				r.OutsidePopulation, pct(r.OutsidePercentPOC))
		}
	}

	for _, r := range s.Status {
		if !r.InsideHousing.Valid {
			continue
		}
		p.Fprintf(w, "\n%-6d %14s %9s %14s %9s\n", int(r.Year), "Historic hh", "% Rental", "Other hh", "% Rental")
		p.Fprintf(w, "%-6s %14.0f %9s %14.0f %9s\n", "",
			r.InsideHousing.Value, pct(r.InsidePercentRental),
			r.OutsideHousing.Value, pct(r.OutsidePercentRental))
	}

	if len(s.Tenure) > 0 {
		p.Fprintf(w, "\n%-12s %12s %9s %12s %9s\n", "District", "ACS pop", "% POC", "Households", "% Rental")
		for _, t := range s.Tenure {
			p.Fprintf(w, "%-12s %12.0f %9s %12.0f %9s\n",
				t.DistrictID, t.Population, pct(t.PercentPOC), t.HousingTotal, pct(t.PercentRental))
		}
	}
	return nil
}

func pct(m types.Metric) string {
	if v, ok := m.Get(); ok {
		return fmt.Sprintf("%.1f", v)
	}
	return "-"
}

// SeriesByDistrict groups rows into per-district series ordered by year.
func SeriesByDistrict(rows []types.DerivedRow) map[string][]types.DerivedRow {
	out := make(map[string][]types.DerivedRow)
	for _, r := range rows {
		out[r.DistrictID] = append(out[r.DistrictID], r)
	}
	for _, s := range out {
		sort.Slice(s, func(i, j int) bool { return s[i].Year < s[j].Year })
	}
	return out
}
