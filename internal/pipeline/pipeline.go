// Package pipeline runs the district demographic analysis end to end:
// load inputs, resolve tract keys, match tracts to districts, join counts
// per vintage, derive metrics, then write, report, publish and export.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/districtshift/districtshift/internal/census"
	"github.com/districtshift/districtshift/internal/config"
	"github.com/districtshift/districtshift/internal/district"
	"github.com/districtshift/districtshift/internal/export"
	"github.com/districtshift/districtshift/internal/geo"
	"github.com/districtshift/districtshift/internal/join"
	"github.com/districtshift/districtshift/internal/logging"
	"github.com/districtshift/districtshift/internal/match"
	"github.com/districtshift/districtshift/internal/metrics"
	"github.com/districtshift/districtshift/internal/observability"
	"github.com/districtshift/districtshift/internal/report"
	"github.com/districtshift/districtshift/internal/storage"
	"github.com/districtshift/districtshift/internal/store"
	"github.com/districtshift/districtshift/internal/tract"
	"github.com/districtshift/districtshift/pkg/types"
)

// SummaryFile is the JSON report written next to the results.
const SummaryFile = "summary.json"

// slowestStages is how many stages a run reports as slowest.
const slowestStages = 3

// Pipeline holds a resolved configuration and the shared resources of a run.
type Pipeline struct {
	cfg        *config.Config
	logger     *zap.Logger
	vintages   []types.Vintage
	allocation join.Allocation
	normalizer *tract.Normalizer
}

// New resolves and validates cfg and creates the output directories.
func New(cfg *config.Config, logger *zap.Logger) (*Pipeline, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	vintages, err := cfg.Vintages()
	if err != nil {
		return nil, err
	}
	alloc, err := join.ParseAllocation(cfg.Analysis.Allocation)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		vintages:   vintages,
		allocation: alloc,
		normalizer: tract.NewNormalizer(cfg.Inputs.StateFIPS, cfg.Inputs.CountyFIPS),
	}, nil
}

// Config returns the resolved configuration.
func (p *Pipeline) Config() *config.Config { return p.cfg }

// Normalizer returns the tract key normalizer for the configured county.
func (p *Pipeline) Normalizer() *tract.Normalizer { return p.normalizer }

// Inputs are the loaded, not yet resolved, input datasets.
type Inputs struct {
	Districts []types.HistoricDistrict
	Tracts    []types.Tract
	Counts    []types.TractCounts
	Stats     census.LoadStats
	Tenure    []census.ACSRecord
}

// SourceCRS maps the configured source coordinate system to geo.CRS.
func SourceCRS(name string) geo.CRS {
	switch name {
	case config.CRSGeographic:
		return geo.CRSGeographic
	case config.CRSProjected:
		return geo.CRSStatePlaneFeet
	default:
		return geo.CRSUnknown
	}
}

func (p *Pipeline) referenceYear() types.Vintage {
	return types.Vintage(p.cfg.Analysis.ReferenceYear)
}

// LoadGeometry reads the district layer with its designation dates and the
// reference tract layer.
func (p *Pipeline) LoadGeometry(ctx context.Context) ([]types.HistoricDistrict, []types.Tract, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var (
		districts []types.HistoricDistrict
		tracts    []types.Tract
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		districts, err = p.loadDistricts()
		return err
	})
	g.Go(func() error {
		var err error
		tracts, err = p.loadTracts()
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return districts, tracts, nil
}

// LoadInputs reads every input file. The files are independent and are
// read concurrently; the first failure aborts the run.
func (p *Pipeline) LoadInputs(ctx context.Context) (*Inputs, error) {
	return p.loadInputs(ctx, observability.NewStageStats())
}

func (p *Pipeline) loadInputs(ctx context.Context, stats *observability.StageStats) (*Inputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in := &Inputs{}
	var g errgroup.Group
	g.Go(func() error {
		done := stats.Start("load_districts")
		var err error
		in.Districts, err = p.loadDistricts()
		done(len(in.Districts))
		return err
	})
	g.Go(func() error {
		done := stats.Start("load_tracts")
		var err error
		in.Tracts, err = p.loadTracts()
		done(len(in.Tracts))
		return err
	})
	g.Go(func() error {
		done := stats.Start("load_demographics")
		var err error
		in.Counts, in.Stats, err = census.NewLoader(p.cfg.Inputs.StateFIPS, p.logger).
			Load(p.cfg.Inputs.Demographics, p.cfg.Inputs.DemographicsMember)
		done(len(in.Counts))
		return err
	})
	if p.cfg.Inputs.Tenure != "" {
		g.Go(func() error {
			done := stats.Start("load_tenure")
			var err error
			in.Tenure, err = census.LoadACS(p.cfg.Inputs.Tenure)
			done(len(in.Tenure))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}

func (p *Pipeline) loadDistricts() ([]types.HistoricDistrict, error) {
	loader := district.NewLoader(district.Options{
		IDField:   p.cfg.Inputs.DistrictIDField,
		NameField: p.cfg.Inputs.DistrictNameField,
		SourceCRS: SourceCRS(p.cfg.Analysis.SourceCRS),
	}, p.logger)
	return loader.Load(p.cfg.Inputs.Districts, p.cfg.Inputs.DesignationDates)
}

func (p *Pipeline) loadTracts() ([]types.Tract, error) {
	return tract.LoadBoundaries(p.cfg.Inputs.Tracts, p.normalizer, tract.BoundaryOptions{
		IDField:   p.cfg.Inputs.TractIDField,
		Year:      p.referenceYear(),
		SourceCRS: SourceCRS(p.cfg.Analysis.SourceCRS),
	}, p.logger)
}

// Match links reference tracts to districts, consulting the link cache.
func (p *Pipeline) Match(districts []types.HistoricDistrict, tracts []types.Tract) (*match.Result, error) {
	policy := match.Policy{
		MinOverlapShare: p.cfg.Analysis.MinOverlapShare,
		CentroidRule:    p.cfg.Analysis.CentroidRule,
	}
	var cache *match.Cache
	if p.cfg.Output.CacheDir != "" {
		cache = match.NewCache(p.cfg.Output.CacheDir)
	}
	cm := match.NewCachedMatcher(match.NewMatcher(policy, p.logger), cache, p.logger)
	return cm.Match(districts, tracts)
}

// Result is the outcome of a full run.
type Result struct {
	RunID     string
	Rows      []types.DerivedRow
	Links     []types.TractDistrictLink
	Dropped   []types.DroppedTract
	Summary   *report.Summary
	Store     *store.Info
	Files     []string
	Published []string
	Stages    []observability.Stage
	// Slowest holds the stages that took longest, slowest first.
	Slowest  []observability.Stage
	Duration time.Duration
}

// Run executes the whole pipeline. Outputs are staged in a hidden directory
// and moved into the output directory only after every stage succeeded, so
// a failed run never leaves partial results behind.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	runID, err := store.NewRunID()
	if err != nil {
		return nil, err
	}
	logger := p.logger.With(zap.String("run_id", runID))
	logger.Info("starting run",
		zap.Int("reference_year", p.cfg.Analysis.ReferenceYear),
		zap.String("allocation", string(p.allocation)),
		zap.Ints("years", p.cfg.Analysis.Years),
	)

	stats := observability.NewStageStats()

	in, err := p.loadInputs(ctx, stats)
	if err != nil {
		return nil, err
	}

	done := stats.Start("resolve")
	ref := tract.NewReferenceSet(p.referenceYear(), tract.Keys(in.Tracts))
	counts, resolutions := tract.NewResolver(p.normalizer, ref, logger).Resolve(in.Counts)
	dropped := tract.AllDropped(resolutions)
	done(len(counts))

	done = stats.Start("match")
	matched, err := p.Match(in.Districts, in.Tracts)
	if err != nil {
		return nil, err
	}
	done(len(matched.Links))

	done = stats.Start("join")
	joiner := join.NewJoiner(p.allocation, p.vintages, logger)
	obs, err := joiner.Join(in.Districts, matched.Links, counts)
	if err != nil {
		return nil, err
	}
	done(len(obs))

	done = stats.Start("derive")
	rows := metrics.DeriveAll(obs)
	if err := metrics.CheckInvariants(rows, p.cfg.Analysis.SumTolerance); err != nil {
		return nil, err
	}
	done(len(rows))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stage := filepath.Join(p.cfg.Output.Dir, ".staging-"+runID)
	if err := os.MkdirAll(stage, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stage)

	done = stats.Start("store")
	info, err := store.NewBuilder(stage, logger).Build(ctx, &store.Run{
		ID:            runID,
		ReferenceYear: p.referenceYear(),
		Allocation:    string(p.allocation),
		Fingerprint:   matched.Fingerprint,
		Rows:          rows,
		Links:         matched.Links,
		Dropped:       dropped,
		Config:        p.cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := store.WriteCSV(filepath.Join(stage, store.ResultsCSV), rows); err != nil {
		return nil, err
	}
	done(len(rows))

	done = stats.Start("report")
	summary, err := p.writeReport(stage, rows, joiner, matched.Links, counts, in.Tenure)
	if err != nil {
		return nil, err
	}
	done(summary.FilteredRows)

	res := &Result{
		RunID:   runID,
		Rows:    rows,
		Links:   matched.Links,
		Dropped: dropped,
		Summary: summary,
		Store:   info,
	}

	done = stats.Start("publish")
	if res.Published, err = p.publish(ctx, stage, runID); err != nil {
		return nil, err
	}
	done(len(res.Published))

	if p.cfg.Export.Enabled {
		done = stats.Start("export")
		if err := p.export(ctx, runID, rows); err != nil {
			return nil, err
		}
		done(len(rows))
	}

	if res.Files, err = promote(stage, p.cfg.Output.Dir); err != nil {
		return nil, err
	}
	res.Store.SQLitePath = filepath.Join(p.cfg.Output.Dir, store.ResultsFile)
	res.Store.MetadataPath = store.MetadataPath(res.Store.SQLitePath)
	res.Duration = time.Since(start)
	res.Stages = stats.Stages()
	res.Slowest = stats.Slowest(slowestStages)
	stats.Log(logger)

	logger.Info("run complete",
		zap.Int("rows", len(rows)),
		zap.Int("links", len(matched.Links)),
		zap.Int("dropped_tracts", len(dropped)),
		zap.Bool("cache_hit", matched.CacheHit),
		zap.Int("published", len(res.Published)),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (p *Pipeline) writeReport(dir string, rows []types.DerivedRow, joiner *join.Joiner,
	links []types.TractDistrictLink, counts []types.TractCounts, tenure []census.ACSRecord) (*report.Summary, error) {
	summary := report.Build(rows, report.Options{
		MaxYearsSince: p.cfg.Report.MaxYearsSince,
		MinPopulation: p.cfg.Report.MinPopulation,
	})

	summary.Status = report.StatusRows(joiner.CompareStatus(links, counts))

	if len(tenure) > 0 {
		acsYear := types.Vintage(p.cfg.Census.Year - p.cfg.Census.Year%10)
		if !report.AttachTenure(summary.Status, acsYear, joiner.CompareTenure(links, tenure)) {
			p.logger.Warn("no status row for the ACS vintage; housing comparison omitted",
				zap.Int("acs_year", p.cfg.Census.Year))
		}
		summary.Tenure = joiner.JoinTenure(links, tenure)
		if err := report.WriteTenureCSV(filepath.Join(dir, report.TenureCSV), summary.Tenure); err != nil {
			return nil, err
		}
	}

	if err := report.WriteStatusCSV(filepath.Join(dir, report.StatusCSV), summary.Status); err != nil {
		return nil, err
	}

	if p.cfg.Report.Charts {
		paths, err := report.RenderCharts(dir, report.Filter(rows, summary.Options), summary.After, summary.Before)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			summary.Charts = append(summary.Charts, filepath.Base(path))
		}
	}

	if err := report.WriteJSON(filepath.Join(dir, SummaryFile), summary); err != nil {
		return nil, err
	}

	p.logger.Info("regressions fitted",
		zap.Int("filtered_rows", summary.FilteredRows),
		zap.String("after", summary.After.Equation()),
		zap.String("before", summary.Before.Equation()),
	)
	return summary, nil
}

func (p *Pipeline) publish(ctx context.Context, dir, runID string) ([]string, error) {
	st, err := storage.New(ctx, p.cfg.Storage)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, nil
	}
	return storage.Publish(ctx, st, dir, storage.RunPrefix(p.cfg.Storage.S3.Prefix, runID), p.logger)
}

func (p *Pipeline) export(ctx context.Context, runID string, rows []types.DerivedRow) error {
	ex, err := export.Open(p.cfg.Export.DatabaseURL, p.cfg.Export.Namespace, p.logger)
	if err != nil {
		return err
	}
	defer ex.Close()
	return ex.Export(ctx, runID, rows)
}

// promote moves every staged file into dir, replacing earlier results, and
// returns the final paths in directory order.
func promote(stage, dir string) ([]string, error) {
	entries, err := os.ReadDir(stage)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging directory: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		dst := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(dst); err != nil {
			return nil, fmt.Errorf("failed to replace %s: %w", dst, err)
		}
		if err := os.Rename(filepath.Join(stage, e.Name()), dst); err != nil {
			return nil, fmt.Errorf("failed to move %s into place: %w", e.Name(), err)
		}
		out = append(out, dst)
	}
	return out, nil
}
