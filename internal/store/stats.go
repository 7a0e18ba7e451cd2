package store

import "github.com/districtshift/districtshift/pkg/types"

// StatsTracker tracks summary statistics while observations are written.
type StatsTracker struct {
	rowCount int64

	minYear *types.Vintage
	maxYear *types.Vintage

	districts map[string]struct{}
	missing   int64
}

// NewStatsTracker creates a new statistics tracker.
func NewStatsTracker() *StatsTracker {
	return &StatsTracker{districts: make(map[string]struct{})}
}

// Update records one observation.
func (s *StatsTracker) Update(r types.DerivedRow) {
	s.rowCount++

	if s.minYear == nil || r.Year < *s.minYear {
		y := r.Year
		s.minYear = &y
	}
	if s.maxYear == nil || r.Year > *s.maxYear {
		y := r.Year
		s.maxYear = &y
	}

	s.districts[r.DistrictID] = struct{}{}
	if !r.PercentPOC.Valid {
		s.missing++
	}
}

// RowCount returns the number of rows tracked.
func (s *StatsTracker) RowCount() int64 { return s.rowCount }

// MinYear returns the earliest vintage seen, or nil.
func (s *StatsTracker) MinYear() *types.Vintage { return s.minYear }

// MaxYear returns the latest vintage seen, or nil.
func (s *StatsTracker) MaxYear() *types.Vintage { return s.maxYear }

// Districts returns the number of distinct districts seen.
func (s *StatsTracker) Districts() int { return len(s.districts) }

// MissingMetrics returns how many rows have no percent POC.
func (s *StatsTracker) MissingMetrics() int64 { return s.missing }
