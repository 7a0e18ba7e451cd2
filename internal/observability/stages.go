// Package observability records how long each pipeline stage took and how
// many records it handled.
package observability

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stage is the recorded outcome of one pipeline stage.
type Stage struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Records  int           `json:"records"`
	Calls    int           `json:"calls"`
}

// StageStats collects stage timings. It is safe for concurrent use, since
// input loaders run in parallel.
type StageStats struct {
	mu     sync.Mutex
	stages map[string]*Stage
	now    func() time.Time
}

// NewStageStats creates an empty recorder.
func NewStageStats() *StageStats {
	return &StageStats{stages: make(map[string]*Stage), now: time.Now}
}

// Start begins timing a stage. Call the returned function with the number
// of records the stage produced; repeated stages accumulate.
func (s *StageStats) Start(name string) func(records int) {
	started := s.now()
	return func(records int) {
		s.Record(name, started, s.now().Sub(started), records)
	}
}

// Record adds one completed run of a stage.
func (s *StageStats) Record(name string, started time.Time, d time.Duration, records int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stages[name]
	if !ok {
		st = &Stage{Name: name, Started: started}
		s.stages[name] = st
	}
	if started.Before(st.Started) {
		st.Started = started
	}
	st.Duration += d
	st.Records += records
	st.Calls++
}

// Stages returns a copy of the recorded stages in start order.
func (s *StageStats) Stages() []Stage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Stage, 0, len(s.stages))
	for _, st := range s.stages {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Slowest returns the n stages with the largest total duration.
func (s *StageStats) Slowest(n int) []Stage {
	stages := s.Stages()
	if n <= 0 || len(stages) == 0 {
		return []Stage{}
	}
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Duration > stages[j].Duration
	})
	if n > len(stages) {
		n = len(stages)
	}
	return stages[:n]
}

// Log writes one debug line per stage.
func (s *StageStats) Log(logger *zap.Logger) {
	for _, st := range s.Stages() {
		logger.Debug("stage finished",
			zap.String("stage", st.Name),
			zap.Duration("duration", st.Duration),
			zap.Int("records", st.Records),
		)
	}
}
