package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/pkg/types"
)

// Sidecar is the .meta.json file written next to the results database.
type Sidecar struct {
	RunID         string   `json:"run_id"`
	SchemaVersion int      `json:"schema_version"`
	ReferenceYear int      `json:"reference_year"`
	Allocation    string   `json:"allocation"`
	Fingerprint   string   `json:"fingerprint"`
	Stats         RunStats `json:"stats"`
	CreatedAt     int64    `json:"created_at"`
}

// RunStats holds run-level counts.
type RunStats struct {
	RowCount       int64 `json:"row_count"`
	SizeBytes      int64 `json:"size_bytes"`
	Districts      int   `json:"districts"`
	Links          int   `json:"links"`
	DroppedTracts  int   `json:"dropped_tracts"`
	MissingMetrics int64 `json:"missing_metrics"`
	MinYear        *int  `json:"min_year,omitempty"`
	MaxYear        *int  `json:"max_year,omitempty"`
}

// NewSidecar builds the sidecar for a finished build.
func NewSidecar(info *Info, run *Run) *Sidecar {
	s := &Sidecar{
		RunID:         run.ID,
		SchemaVersion: SchemaVersion,
		ReferenceYear: int(run.ReferenceYear),
		Allocation:    run.Allocation,
		Fingerprint:   run.Fingerprint,
		Stats: RunStats{
			RowCount:      info.RowCount,
			SizeBytes:     info.SizeBytes,
			Links:         len(run.Links),
			DroppedTracts: len(run.Dropped),
		},
		CreatedAt: info.CreatedAt.Unix(),
	}
	if st := info.Stats; st != nil {
		s.Stats.Districts = st.Districts()
		s.Stats.MissingMetrics = st.MissingMetrics()
		s.Stats.MinYear = yearPtr(st.MinYear())
		s.Stats.MaxYear = yearPtr(st.MaxYear())
	}
	return s
}

func yearPtr(v *types.Vintage) *int {
	if v == nil {
		return nil
	}
	y := int(*v)
	return &y
}

// WriteToFile writes the sidecar as indented JSON.
func (s *Sidecar) WriteToFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return writeError("marshal sidecar", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return writeError("write sidecar", err)
	}
	return nil
}

// ReadSidecar reads a sidecar from a JSON file.
func ReadSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dserrors.NewInputError(dserrors.CodeFileNotFound, fmt.Sprintf("failed to read %s", path), err)
	}
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, dserrors.NewInputError(dserrors.CodeMalformedInput, fmt.Sprintf("failed to parse %s", path), err)
	}
	return &s, nil
}

// MetadataPath returns the sidecar path for a SQLite path.
func MetadataPath(sqlitePath string) string {
	dir := filepath.Dir(sqlitePath)
	base := filepath.Base(sqlitePath)
	name := base[:len(base)-len(filepath.Ext(base))]
	return filepath.Join(dir, name+".meta.json")
}

// CreatedAtTime returns the creation time.
func (s *Sidecar) CreatedAtTime() time.Time {
	return time.Unix(s.CreatedAt, 0)
}
