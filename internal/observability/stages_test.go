package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStageStats_Concurrent(t *testing.T) {
	s := NewStageStats()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Start("load")(1)
			}
		}()
	}
	wg.Wait()

	stages := s.Stages()
	require.Len(t, stages, 1)
	assert.Equal(t, 1000, stages[0].Records)
	assert.Equal(t, 1000, stages[0].Calls)
}

func TestStageStats_Order(t *testing.T) {
	s := NewStageStats()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Record("join", base.Add(2*time.Second), 50*time.Millisecond, 12)
	s.Record("load", base, 300*time.Millisecond, 4)
	s.Record("match", base.Add(time.Second), 100*time.Millisecond, 9)
	s.Record("load", base.Add(500*time.Millisecond), 100*time.Millisecond, 2)

	stages := s.Stages()
	require.Len(t, stages, 3)
	assert.Equal(t, []string{"load", "match", "join"}, []string{stages[0].Name, stages[1].Name, stages[2].Name})
	assert.Equal(t, 400*time.Millisecond, stages[0].Duration)
	assert.Equal(t, 6, stages[0].Records)
	assert.Equal(t, 2, stages[0].Calls)

	slow := s.Slowest(2)
	require.Len(t, slow, 2)
	assert.Equal(t, "load", slow[0].Name)
	assert.Equal(t, "match", slow[1].Name)

	assert.Empty(t, s.Slowest(0))
	assert.Len(t, s.Slowest(10), 3)
}

func TestStageStats_StartUsesClock(t *testing.T) {
	s := NewStageStats()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	done := s.Start("derive")
	now = now.Add(250 * time.Millisecond)
	done(7)

	stages := s.Stages()
	require.Len(t, stages, 1)
	assert.Equal(t, 250*time.Millisecond, stages[0].Duration)
	assert.Equal(t, 7, stages[0].Records)

	s.Log(zaptest.NewLogger(t))
}
