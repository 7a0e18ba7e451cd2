// Package store writes pipeline results into a self-contained SQLite file
// with a JSON metadata sidecar, and exchanges results as flat CSV.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/logging"
	"github.com/districtshift/districtshift/pkg/types"
)

// ResultsFile is the SQLite file name inside the output directory.
const ResultsFile = "observations.sqlite"

// SchemaVersion is bumped whenever the results tables change.
const SchemaVersion = 1

// Run describes one pipeline run's outputs.
type Run struct {
	ID            string
	ReferenceYear types.Vintage
	Allocation    string
	Fingerprint   string
	Rows          []types.DerivedRow
	Links         []types.TractDistrictLink
	Dropped       []types.DroppedTract
	// Config is stored verbatim in the run table for provenance.
	Config any
}

// NewRunID returns a time-ordered run id.
func NewRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate run id: %w", err)
	}
	return id.String(), nil
}

// Info reports what a build wrote.
type Info struct {
	RunID        string
	SQLitePath   string
	MetadataPath string
	RowCount     int64
	SizeBytes    int64
	Stats        *StatsTracker
	CreatedAt    time.Time
}

// Builder writes results files.
type Builder struct {
	outputDir string
	logger    *zap.Logger
}

// NewBuilder creates a builder writing into outputDir.
func NewBuilder(outputDir string, logger *zap.Logger) *Builder {
	return &Builder{outputDir: outputDir, logger: logging.OrNop(logger)}
}

var schemaStatements = []string{
	`CREATE TABLE observations (
		district_id TEXT NOT NULL,
		district_name TEXT NOT NULL,
		year INTEGER NOT NULL,
		designation_year INTEGER,
		years_since_designation INTEGER,
		total_pop REAL NOT NULL,
		pop_white REAL NOT NULL,
		pop_black REAL NOT NULL,
		pop_native REAL NOT NULL,
		pop_aapi_other REAL NOT NULL,
		pop_two_races REAL NOT NULL,
		pop_poc REAL NOT NULL,
		perc_poc REAL,
		perc_white REAL,
		tracts TEXT NOT NULL,
		PRIMARY KEY (district_id, year)
	) WITHOUT ROWID`,
	`CREATE TABLE links (
		district_id TEXT NOT NULL,
		tract TEXT NOT NULL,
		overlap_share REAL NOT NULL,
		centroid_inside INTEGER NOT NULL,
		PRIMARY KEY (district_id, tract)
	) WITHOUT ROWID`,
	`CREATE TABLE dropped_tracts (
		year INTEGER NOT NULL,
		raw_id TEXT NOT NULL,
		tract TEXT,
		reason TEXT NOT NULL
	)`,
	`CREATE TABLE run (
		run_id TEXT PRIMARY KEY,
		reference_year INTEGER NOT NULL,
		allocation TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		config BLOB
	)`,
	"CREATE INDEX idx_observations_year ON observations(year)",
	"CREATE INDEX idx_links_tract ON links(tract)",
}

// Build writes the results file and its sidecar. An existing results file
// in the output directory is replaced.
func (b *Builder) Build(ctx context.Context, run *Run) (*Info, error) {
	if len(run.Rows) == 0 {
		return nil, dserrors.NewStorageError(dserrors.CodeWriteFailed, "cannot store a run with no observations", nil)
	}
	if err := os.MkdirAll(b.outputDir, 0755); err != nil {
		return nil, writeError("create output directory", err)
	}

	sqlitePath := filepath.Clean(filepath.Join(b.outputDir, ResultsFile))
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(sqlitePath + suffix); err != nil && !os.IsNotExist(err) {
			return nil, writeError("remove previous results", err)
		}
	}

	createdAt := time.Now().UTC()
	stats, err := b.write(ctx, sqlitePath, run, createdAt)
	if err != nil {
		return nil, err
	}

	fileInfo, err := os.Stat(sqlitePath)
	if err != nil {
		return nil, writeError("stat results file", err)
	}

	info := &Info{
		RunID:      run.ID,
		SQLitePath: sqlitePath,
		RowCount:   int64(len(run.Rows)),
		SizeBytes:  fileInfo.Size(),
		Stats:      stats,
		CreatedAt:  createdAt,
	}

	sidecar := NewSidecar(info, run)
	info.MetadataPath = MetadataPath(sqlitePath)
	if err := sidecar.WriteToFile(info.MetadataPath); err != nil {
		return nil, err
	}

	b.logger.Info("stored results",
		zap.String("run_id", run.ID),
		zap.String("path", sqlitePath),
		zap.Int64("rows", info.RowCount),
		zap.Int("links", len(run.Links)),
		zap.Int("dropped_tracts", len(run.Dropped)),
		zap.Int64("size_bytes", info.SizeBytes),
	)
	return info, nil
}

func (b *Builder) write(ctx context.Context, path string, run *Run, createdAt time.Time) (*StatsTracker, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, writeError("open results database", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return nil, writeError("set journal mode", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, writeError("create schema", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, writeError("begin transaction", err)
	}
	defer tx.Rollback()

	stats := NewStatsTracker()
	if err := insertObservations(ctx, tx, run.Rows, stats); err != nil {
		return nil, err
	}
	if err := insertLinks(ctx, tx, run.Links); err != nil {
		return nil, err
	}
	if err := insertDropped(ctx, tx, run.Dropped); err != nil {
		return nil, err
	}

	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return nil, writeError("marshal run config", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run (run_id, reference_year, allocation, fingerprint, schema_version, created_at, config) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, int(run.ReferenceYear), run.Allocation, run.Fingerprint, SchemaVersion, createdAt.Unix(), snappy.Encode(nil, cfg),
	); err != nil {
		return nil, writeError("insert run", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, writeError("commit results", err)
	}

	// Leave a single self-contained file behind.
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, writeError("checkpoint WAL", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return nil, writeError("set journal mode to DELETE", err)
	}
	if err := db.Close(); err != nil {
		return nil, writeError("close results database", err)
	}
	return stats, nil
}

func insertObservations(ctx context.Context, tx *sql.Tx, rows []types.DerivedRow, stats *StatsTracker) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO observations (
		district_id, district_name, year, designation_year, years_since_designation,
		total_pop, pop_white, pop_black, pop_native, pop_aapi_other, pop_two_races,
		pop_poc, perc_poc, perc_white, tracts
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return writeError("prepare observation insert", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		var designation any
		if r.DesignationYear > 0 {
			designation = r.DesignationYear
		}
		c := r.Counts
		if _, err := stmt.ExecContext(ctx,
			r.DistrictID, r.DistrictName, int(r.Year), designation, nullInt(r.YearsSinceDesignation),
			r.TotalPopulation, c.White, c.Black, c.Native, c.AAPIOther, c.TwoOrMore,
			r.POCPopulation, nullFloat(r.PercentPOC), nullFloat(r.PercentWhite), joinKeys(r.Tracts),
		); err != nil {
			return writeError(fmt.Sprintf("insert observation %s/%d", r.DistrictID, r.Year), err)
		}
		stats.Update(r)
	}
	return nil
}

func insertLinks(ctx context.Context, tx *sql.Tx, links []types.TractDistrictLink) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO links (district_id, tract, overlap_share, centroid_inside) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return writeError("prepare link insert", err)
	}
	defer stmt.Close()

	for _, l := range links {
		if _, err := stmt.ExecContext(ctx, l.DistrictID, string(l.Tract), l.OverlapShare, l.CentroidInside); err != nil {
			return writeError(fmt.Sprintf("insert link %s/%s", l.DistrictID, l.Tract), err)
		}
	}
	return nil
}

func insertDropped(ctx context.Context, tx *sql.Tx, dropped []types.DroppedTract) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO dropped_tracts (year, raw_id, tract, reason) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return writeError("prepare dropped tract insert", err)
	}
	defer stmt.Close()

	for _, d := range dropped {
		var key any
		if d.Key != "" {
			key = d.Key
		}
		if _, err := stmt.ExecContext(ctx, int(d.Year), d.RawID, key, d.Reason); err != nil {
			return writeError("insert dropped tract", err)
		}
	}
	return nil
}

func nullFloat(m types.Metric) any {
	if v, ok := m.Get(); ok {
		return v
	}
	return nil
}

func nullInt(o types.Optional[int]) any {
	if v, ok := o.Get(); ok {
		return v
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

func splitKeys(s string) []types.TractKey {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := make([]types.TractKey, len(parts))
	for i, p := range parts {
		out[i] = types.TractKey(p)
	}
	return out
}

func writeError(what string, err error) error {
	return dserrors.NewStorageError(dserrors.CodeWriteFailed, "failed to "+what, err)
}
