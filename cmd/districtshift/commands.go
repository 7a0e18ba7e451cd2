package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/districtshift/districtshift/internal/census"
	"github.com/districtshift/districtshift/internal/config"
	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/pipeline"
	"github.com/districtshift/districtshift/internal/report"
	"github.com/districtshift/districtshift/internal/storage"
	"github.com/districtshift/districtshift/internal/store"
	"github.com/districtshift/districtshift/internal/tract"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		allocation    string
		referenceYear int
		years         []int
		noCharts      bool
		export        bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline and write results to the output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			if cmd.Flags().Changed("allocation") {
				cfg.Analysis.Allocation = allocation
			}
			if cmd.Flags().Changed("reference-year") {
				cfg.Analysis.ReferenceYear = referenceYear
			}
			if cmd.Flags().Changed("years") {
				cfg.Analysis.Years = years
			}
			if noCharts {
				cfg.Report.Charts = false
			}
			if export {
				cfg.Export.Enabled = true
			}

			tag, err := c.language()
			if err != nil {
				return err
			}

			p, err := pipeline.New(cfg, c.logger)
			if err != nil {
				return err
			}
			res, err := p.Run(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s wrote %d rows to %s\n", res.RunID, len(res.Rows), cfg.Output.Dir)
			if len(res.Dropped) > 0 {
				fmt.Fprintf(out, "%d demographic records had no reference tract (see dropped_tracts in %s)\n",
					len(res.Dropped), store.ResultsFile)
			}
			if len(res.Published) > 0 {
				fmt.Fprintf(out, "Published %d objects\n", len(res.Published))
			}
			for _, st := range res.Slowest {
				fmt.Fprintf(out, "  %-18s %v (%d records)\n", st.Name, st.Duration.Round(time.Millisecond), st.Records)
			}
			fmt.Fprintln(out)
			return report.WriteText(out, res.Summary, tag)
		},
	}

	f := cmd.Flags()
	f.StringVar(&allocation, "allocation", config.AllocationWhole, "Tract allocation: whole or areal")
	f.IntVar(&referenceYear, "reference-year", 2020, "Reference tract vintage (2010 or 2020)")
	f.IntSliceVar(&years, "years", nil, "Vintages to join (default all six decennial years)")
	f.BoolVar(&noCharts, "no-charts", false, "Skip PNG chart output")
	f.BoolVar(&export, "export", false, "Export observations to Postgres (requires DATABASE_URL)")
	return cmd
}

func newNormalizeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <tract-id>...",
		Short: "Print the canonical 11-digit key for each raw tract identifier",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := tract.NewNormalizer(c.cfg.Inputs.StateFIPS, c.cfg.Inputs.CountyFIPS)
			w := csv.NewWriter(cmd.OutOrStdout())
			w.Write([]string{"raw", "key", "error"})

			var failed int
			for _, raw := range args {
				key, err := n.Normalize(raw)
				if err != nil {
					failed++
					w.Write([]string{raw, "", err.Error()})
					continue
				}
				w.Write([]string{raw, string(key), ""})
			}
			w.Flush()
			if err := w.Error(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d identifiers could not be normalized", failed, len(args))
			}
			return nil
		},
	}
}

func newMatchCmd(c *cli) *cobra.Command {
	var minShare float64

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Print the tract-district links for the configured boundaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("min-overlap") {
				c.cfg.Analysis.MinOverlapShare = minShare
			}
			p, err := pipeline.New(c.cfg, c.logger)
			if err != nil {
				return err
			}
			districts, tracts, err := p.LoadGeometry(cmd.Context())
			if err != nil {
				return err
			}
			res, err := p.Match(districts, tracts)
			if err != nil {
				return err
			}
			c.logger.Info("matched",
				zap.Int("links", len(res.Links)),
				zap.Bool("cache_hit", res.CacheHit),
				zap.String("fingerprint", res.Fingerprint),
			)

			w := csv.NewWriter(cmd.OutOrStdout())
			w.Write([]string{"district_id", "geoid", "overlap_share", "centroid_inside"})
			for _, l := range res.Links {
				w.Write([]string{
					l.DistrictID,
					string(l.Tract),
					strconv.FormatFloat(l.OverlapShare, 'f', 6, 64),
					strconv.FormatBool(l.CentroidInside),
				})
			}
			w.Flush()
			return w.Error()
		},
	}
	cmd.Flags().Float64Var(&minShare, "min-overlap", 0.5, "Minimum share of tract area inside a district")
	return cmd
}

func newReportCmd(c *cli) *cobra.Command {
	var (
		results   string
		runID     string
		chartsDir string
		jsonPath  string
		maxYears  int
		minPop    float64
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Fit regressions and draw charts from a results CSV",
		Long: `Fit regressions and draw charts from a results CSV. The CSV is read
from --results, from a published run in object storage with --run, or from
the output directory of the last run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.cfg.Resolve()
			tag, err := c.language()
			if err != nil {
				return err
			}

			switch {
			case runID != "" && results != "":
				return fmt.Errorf("--run and --results are mutually exclusive")
			case runID != "":
				tmp, err := os.MkdirTemp("", "districtshift-report-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmp)
				if results, err = fetchResults(cmd, c.cfg, runID, tmp); err != nil {
					return err
				}
			case results == "":
				results = filepath.Join(c.cfg.Output.Dir, store.ResultsCSV)
			}

			rows, err := store.ReadCSV(results)
			if err != nil {
				return err
			}
			summary := report.Build(rows, report.Options{MaxYearsSince: maxYears, MinPopulation: minPop})
			if summary.FilteredRows == 0 {
				return dserrors.NewMetricError(dserrors.CodeInsufficientData, fmt.Sprintf(
					"none of %d rows has years since designation < %d and population > %.0f",
					summary.Rows, maxYears, minPop))
			}

			if chartsDir != "" {
				if err := os.MkdirAll(chartsDir, 0755); err != nil {
					return err
				}
				paths, err := report.RenderCharts(chartsDir, report.Filter(rows, summary.Options), summary.After, summary.Before)
				if err != nil {
					return err
				}
				for _, p := range paths {
					summary.Charts = append(summary.Charts, filepath.Base(p))
				}
				c.logger.Info("charts written", zap.String("dir", chartsDir), zap.Int("charts", len(paths)))
			}
			if jsonPath != "" {
				if err := report.WriteJSON(jsonPath, summary); err != nil {
					return err
				}
			}
			return report.WriteText(cmd.OutOrStdout(), summary, tag)
		},
	}

	defaults := report.DefaultOptions()
	f := cmd.Flags()
	f.StringVar(&results, "results", "", "Results CSV (default <data-dir>/output/"+store.ResultsCSV+")")
	f.StringVar(&runID, "run", "", "Read the results of a published run from object storage")
	f.StringVar(&chartsDir, "charts", "", "Directory for PNG charts (none when empty)")
	f.StringVar(&jsonPath, "json", "", "Also write the summary as JSON to this path")
	f.IntVar(&maxYears, "max-years-since", defaults.MaxYearsSince, "Keep rows below this many years after designation")
	f.Float64Var(&minPop, "min-population", defaults.MinPopulation, "Keep rows above this total population")
	return cmd
}

// fetchResults downloads the results CSV of a published run into dir.
func fetchResults(cmd *cobra.Command, cfg *config.Config, runID, dir string) (string, error) {
	st, err := storage.New(cmd.Context(), cfg.Storage)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "", fmt.Errorf("--run needs object storage (storage.type is %q)", cfg.Storage.Type)
	}
	local := filepath.Join(dir, store.ResultsCSV)
	object := storage.RunPrefix(cfg.Storage.S3.Prefix, runID) + store.ResultsCSV
	if err := storage.Fetch(cmd.Context(), st, object, local); err != nil {
		return "", err
	}
	return local, nil
}

func newFetchACSCmd(c *cli) *cobra.Command {
	var (
		out  string
		year int
	)

	cmd := &cobra.Command{
		Use:   "fetch-acs",
		Short: "Download ACS housing tenure estimates for every tract in the county",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("year") {
				year = c.cfg.Census.Year
			}
			if out == "" {
				out = filepath.Join(c.cfg.DataDir, fmt.Sprintf("acs_%d_tenure.csv", year))
			}

			client := census.NewACSClient(census.ACSClientConfig{
				BaseURL: c.cfg.Census.BaseURL,
				APIKey:  c.cfg.Census.APIKey,
			}, c.logger)
			records, err := client.FetchTracts(cmd.Context(), year, c.cfg.Inputs.StateFIPS, c.cfg.Inputs.CountyFIPS)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := census.WriteACS(f, records); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d tracts to %s\n", len(records), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output CSV (default <data-dir>/acs_<year>_tenure.csv)")
	cmd.Flags().IntVar(&year, "year", 2020, "ACS 5-year vintage")
	return cmd
}
