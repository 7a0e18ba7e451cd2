package report

import (
	"fmt"
	"image/color"
	"math"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/districtshift/districtshift/pkg/types"
)

// Chart file names.
const (
	ChartScatter         = "chart_poc_num_years.png"
	ChartRegressionAfter = "chart_regression_after.png"
	ChartRegressionPrior = "chart_regression_before.png"
	ChartLines           = "chart_line_plot.png"
)

const (
	chartWidth  = 6 * vg.Inch
	chartHeight = 4 * vg.Inch
)

// RenderCharts writes the scatter, both regression plots and the
// per-district line plot into dir. rows should already be filtered.
// It returns the paths written.
func RenderCharts(dir string, rows []types.DerivedRow, after, before Fit) ([]string, error) {
	var written []string

	save := func(p *plot.Plot, name string) error {
		path := filepath.Join(dir, name)
		if err := p.Save(chartWidth, chartHeight, path); err != nil {
			return fmt.Errorf("failed to save %s: %w", name, err)
		}
		written = append(written, path)
		return nil
	}

	scatter, err := scatterPlot(rows)
	if err != nil {
		return nil, err
	}
	if err := save(scatter, ChartScatter); err != nil {
		return nil, err
	}

	for _, spec := range []struct {
		fit   Fit
		name  string
		title string
		xmin  float64
		xmax  float64
	}{
		{after, ChartRegressionAfter, "Racial Displacement After Historic Designation", 0, 60},
		{before, ChartRegressionPrior, "Racial Displacement Prior to Historic Designation", -50, 0},
	} {
		p, err := regressionPlot(rows, spec.fit, spec.title, spec.xmin, spec.xmax)
		if err != nil {
			return nil, err
		}
		if err := save(p, spec.name); err != nil {
			return nil, err
		}
	}

	lines, err := linePlot(rows)
	if err != nil {
		return nil, err
	}
	if err := save(lines, ChartLines); err != nil {
		return nil, err
	}
	return written, nil
}

func newPercentPlot(title, xlabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = "Percent People of Color"
	p.Y.Min, p.Y.Max = 0, 100
	p.Add(plotter.NewGrid())
	return p
}

// scatterPlot sizes each point by population.
func scatterPlot(rows []types.DerivedRow) (*plot.Plot, error) {
	p := newPercentPlot("Racial Makeup Before & After Historic Designation", "Years After Historic Designation")

	xys := make(plotter.XYs, 0, len(rows))
	pops := make([]float64, 0, len(rows))
	maxPop := 1.0
	for _, r := range rows {
		years, ok := r.YearsSinceDesignation.Get()
		poc, ok2 := r.PercentPOC.Get()
		if !ok || !ok2 {
			continue
		}
		xys = append(xys, plotter.XY{X: float64(years), Y: poc})
		pops = append(pops, r.TotalPopulation)
		maxPop = math.Max(maxPop, r.TotalPopulation)
	}
	if len(xys) == 0 {
		return p, nil
	}

	s, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, fmt.Errorf("failed to build scatter: %w", err)
	}
	s.GlyphStyleFunc = func(i int) draw.GlyphStyle {
		return draw.GlyphStyle{
			Color:  color.RGBA{R: 31, G: 119, B: 180, A: 200},
			Radius: vg.Points(2 + 6*math.Sqrt(pops[i]/maxPop)),
			Shape:  draw.CircleGlyph{},
		}
	}
	p.Add(s)
	return p, nil
}

func regressionPlot(rows []types.DerivedRow, fit Fit, title string, xmin, xmax float64) (*plot.Plot, error) {
	xlabel := "Years After Historic Designation"
	if fit.Subset == Before {
		xlabel = "Years Until Historic Designation"
	}
	p := newPercentPlot(title, xlabel)
	p.X.Min, p.X.Max = xmin, xmax

	xs, ys := points(rows, fit.Subset)
	if len(xs) > 0 {
		xys := make(plotter.XYs, len(xs))
		for i := range xs {
			xys[i] = plotter.XY{X: xs[i], Y: ys[i]}
		}
		s, err := plotter.NewScatter(xys)
		if err != nil {
			return nil, fmt.Errorf("failed to build scatter: %w", err)
		}
		s.GlyphStyle.Radius = vg.Points(3)
		s.GlyphStyle.Color = plotutil.Color(0)
		p.Add(s)
	}

	if fit.Valid {
		line := plotter.NewFunction(func(x float64) float64 { return fit.Intercept + fit.Slope*x })
		line.XMin, line.XMax = xmin, xmax
		line.Color = plotutil.Color(1)
		line.Width = vg.Points(2)
		p.Add(line)

		labels, err := plotter.NewLabels(plotter.XYLabels{
			XYs:    []plotter.XY{{X: xmin + 0.05*(xmax-xmin), Y: 92}},
			Labels: []string{fit.Equation()},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build labels: %w", err)
		}
		p.Add(labels)
	}
	return p, nil
}

// linePlot draws each district's percent POC against years since designation.
func linePlot(rows []types.DerivedRow) (*plot.Plot, error) {
	p := newPercentPlot("Racial Displacement Before & After Historic Designation", "Years After Historic Designation")

	series := SeriesByDistrict(rows)
	ids := make([]string, 0, len(series))
	for id := range series {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for i, id := range ids {
		var xys plotter.XYs
		for _, r := range series[id] {
			years, ok := r.YearsSinceDesignation.Get()
			poc, ok2 := r.PercentPOC.Get()
			if ok && ok2 {
				xys = append(xys, plotter.XY{X: float64(years), Y: poc})
			}
		}
		if len(xys) < 2 {
			continue
		}
		l, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("failed to build line for %s: %w", id, err)
		}
		l.Color = plotutil.Color(i)
		p.Add(l)
	}
	return p, nil
}
