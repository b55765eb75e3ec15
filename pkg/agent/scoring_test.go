package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sylvia/pkg/task"
)

func TestOverallScore(t *testing.T) {
	tests := []struct {
		d, i, q, s int
		want       int
	}{
		{5, 5, 5, 5, 100},
		{1, 1, 1, 1, 20},
		{3, 3, 3, 3, 60},
		{5, 1, 5, 1, 67},
		{1, 5, 1, 5, 53},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OverallScore(tt.d, tt.i, tt.q, tt.s), "%+v", tt)
	}
}

func TestOverallScoreBounds(t *testing.T) {
	for d := 1; d <= 5; d++ {
		for i := 1; i <= 5; i++ {
			for q := 1; q <= 5; q++ {
				for s := 1; s <= 5; s++ {
					got := OverallScore(d, i, q, s)
					assert.GreaterOrEqual(t, got, 0)
					assert.LessOrEqual(t, got, 100)
				}
			}
		}
	}
}

func TestExperiencePoints(t *testing.T) {
	assert.Equal(t, 15, ExperiencePoints(80, 5, 5, true, true))
	assert.Equal(t, 8, ExperiencePoints(80, 4, 4, false, false))
	assert.Equal(t, 3, ExperiencePoints(20, 1, 1, true, false))
	assert.Equal(t, 11, ExperiencePoints(75, 5, 3, false, false), "round(7.5) is 8")
}

func TestComputeTimeMetrics(t *testing.T) {
	created := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	started := created.Add(time.Hour)

	t.Run("from start with estimate", func(t *testing.T) {
		tk := &task.Task{CreatedAt: created, StartedAt: &started, EstimatedHours: fptr(2)}
		m := ComputeTimeMetrics(tk, started.Add(2*time.Hour+30*time.Minute), true)
		assert.InDelta(t, 2.5, m.ActualHours, 1e-9)
		assert.InDelta(t, 0.8, m.SpeedRatio, 1e-9)
		assert.True(t, m.OnTime, "ratio 0.8 is on time")
		assert.True(t, m.HasSubtasks)
	})

	t.Run("from creation with default estimate", func(t *testing.T) {
		tk := &task.Task{CreatedAt: created}
		m := ComputeTimeMetrics(tk, created.Add(2*time.Hour), false)
		assert.Equal(t, 1.0, m.EstimatedHours)
		assert.InDelta(t, 0.5, m.SpeedRatio, 1e-9)
		assert.False(t, m.OnTime)
	})

	t.Run("duration floored at a minute", func(t *testing.T) {
		tk := &task.Task{CreatedAt: created, EstimatedHours: fptr(1)}
		m := ComputeTimeMetrics(tk, created, false)
		assert.InDelta(t, 0.02, m.ActualHours, 1e-9)
		assert.True(t, m.OnTime)
	})
}

func TestRollingAverages(t *testing.T) {
	history := []task.Scored{
		{Score: &task.Score{Difficulty: 2, Innovation: 4, Quality: 5, Speed: 1}},
		{Score: &task.Score{Difficulty: 4, Innovation: 2, Quality: 3, Speed: 3}},
		{},
	}
	avg := RollingAverages(history)
	assert.Equal(t, 2, avg.Samples)
	assert.Equal(t, 3.0, avg.Difficulty)
	assert.Equal(t, 4.0, avg.Quality)
	assert.Equal(t, Averages{}, RollingAverages(nil))
}
