package agent

import (
	"math"
	"time"

	"sylvia/pkg/task"
)

// Dimension weights of the overall score.
const (
	weightDifficulty = 3
	weightInnovation = 3
	weightQuality    = 4
	weightSpeed      = 2
	weightTotal      = weightDifficulty + weightInnovation + weightQuality + weightSpeed
)

// OnTimeRatio is the minimum estimate/actual ratio counted as on time.
const OnTimeRatio = 0.8

// OverallScore maps four 1-5 dimensions to 0-100 using the weight table.
func OverallScore(difficulty, innovation, quality, speed int) int {
	sum := weightDifficulty*clampDim(difficulty) + weightInnovation*clampDim(innovation) +
		weightQuality*clampDim(quality) + weightSpeed*clampDim(speed)
	return int(math.Round(20 * float64(sum) / weightTotal))
}

// ExperiencePoints is round(overall/10) plus the independent bonuses.
func ExperiencePoints(overall, innovation, quality int, onTime, hasSubtasks bool) int {
	xp := int(math.Round(float64(overall) / 10))
	if innovation >= 5 {
		xp += 3
	}
	if quality >= 5 {
		xp += 2
	}
	if onTime {
		xp++
	}
	if hasSubtasks {
		xp++
	}
	if xp < 0 {
		return 0
	}
	return xp
}

// ComputeTimeMetrics measures a completed task. Work starts at started_at,
// or creation when the task was never started; the duration is floored at
// one minute and a missing estimate counts as one hour.
func ComputeTimeMetrics(t *task.Task, completedAt time.Time, hasSubtasks bool) task.ScoreMetrics {
	start := t.CreatedAt
	if t.StartedAt != nil {
		start = *t.StartedAt
	}
	d := completedAt.Sub(start)
	if d < time.Minute {
		d = time.Minute
	}
	actual := d.Hours()
	est := t.Estimate(1)
	ratio := est / actual
	return task.ScoreMetrics{
		ActualHours:    round2(actual),
		EstimatedHours: est,
		SpeedRatio:     round2(ratio),
		OnTime:         ratio >= OnTimeRatio,
		HasSubtasks:    hasSubtasks,
	}
}

// Averages are a user's mean dimension scores over recent completions.
type Averages struct {
	Difficulty float64 `json:"difficulty"`
	Innovation float64 `json:"innovation"`
	Quality    float64 `json:"quality"`
	Speed      float64 `json:"speed"`
	Samples    int     `json:"samples"`
}

// RollingAverages averages the scored tasks, ignoring unscored ones.
func RollingAverages(history []task.Scored) Averages {
	var a Averages
	for _, h := range history {
		if h.Score == nil {
			continue
		}
		a.Difficulty += float64(h.Score.Difficulty)
		a.Innovation += float64(h.Score.Innovation)
		a.Quality += float64(h.Score.Quality)
		a.Speed += float64(h.Score.Speed)
		a.Samples++
	}
	if a.Samples == 0 {
		return a
	}
	n := float64(a.Samples)
	a.Difficulty = round2(a.Difficulty / n)
	a.Innovation = round2(a.Innovation / n)
	a.Quality = round2(a.Quality / n)
	a.Speed = round2(a.Speed / n)
	return a
}

func clampDim(v int) int {
	switch {
	case v < 1:
		return 1
	case v > 5:
		return 5
	}
	return v
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
