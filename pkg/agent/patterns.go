package agent

import (
	"math"
	"sort"
	"time"

	"sylvia/pkg/session"
	"sylvia/pkg/task"
)

// Analysis thresholds.
const (
	MinCompletionSamples = 5
	MinHourSamples       = 2
	TopHours             = 3
	MaxTimeAccuracy      = 2.0
	groupSaturation      = 5
	schedulingSaturation = 20
)

// HourStat is the productivity of completions in one hour of the day.
type HourStat struct {
	Hour         int     `json:"hour"`
	Count        int     `json:"count"`
	Productivity float64 `json:"productivity"`
}

// DayStat is the productivity of completions on one weekday.
type DayStat struct {
	Weekday      int     `json:"weekday"`
	Day          string  `json:"day"`
	Count        int     `json:"count"`
	Productivity float64 `json:"productivity"`
}

// CompletionPatterns describe when a user does their best work.
type CompletionPatterns struct {
	OptimalHours []HourStat `json:"optimalHours"`
	ByDayOfWeek  []DayStat  `json:"byDayOfWeek"`
	SampleSize   int        `json:"sampleSize"`
}

// DifficultyStat summarizes the tasks of one difficulty level.
type DifficultyStat struct {
	Difficulty   int     `json:"difficulty"`
	Count        int     `json:"count"`
	TimeAccuracy float64 `json:"timeAccuracy"`
	Satisfaction float64 `json:"satisfaction"`
	Confidence   float64 `json:"confidence"`
}

// ComplexityPatterns describe how a user handles harder work.
type ComplexityPatterns struct {
	ByDifficulty []DifficultyStat `json:"byDifficulty"`
	SampleSize   int              `json:"sampleSize"`
}

// WeightedConfidence is the sample-weighted mean of the group confidences.
func (c *ComplexityPatterns) WeightedConfidence() float64 {
	var sum, n float64
	for _, g := range c.ByDifficulty {
		sum += float64(g.Count) * g.Confidence
		n += float64(g.Count)
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// EnergyStat is the mean self-rated energy of sessions started in an hour.
type EnergyStat struct {
	Hour      int     `json:"hour"`
	Count     int     `json:"count"`
	AvgEnergy float64 `json:"avgEnergy"`
	Hours     float64 `json:"hours"`
}

// Prediction is an upcoming optimal slot.
type Prediction struct {
	Hour         int     `json:"hour"`
	HoursUntil   int     `json:"hoursUntil"`
	Productivity float64 `json:"productivity"`
}

// Predictions rank the optimal slots by how soon they come up.
type Predictions struct {
	CurrentHour int          `json:"currentHour"`
	Next        *Prediction  `json:"next,omitempty"`
	Upcoming    []Prediction `json:"upcoming"`
}

func productivity(sc *task.Score) float64 {
	return float64(sc.Quality+sc.Speed) / 2
}

// AnalyzeCompletions buckets scored completions by hour and weekday in loc.
// It returns nil below MinCompletionSamples tasks.
func AnalyzeCompletions(history []task.Scored, loc *time.Location, minSamples int) *CompletionPatterns {
	if minSamples <= 0 {
		minSamples = MinCompletionSamples
	}
	type bucket struct {
		n   int
		sum float64
	}
	var hours [24]bucket
	var days [7]bucket
	n := 0
	for _, h := range history {
		if h.Score == nil || h.CompletedAt == nil {
			continue
		}
		at := h.CompletedAt.In(loc)
		p := productivity(h.Score)
		hours[at.Hour()].n++
		hours[at.Hour()].sum += p
		days[at.Weekday()].n++
		days[at.Weekday()].sum += p
		n++
	}
	if n < minSamples {
		return nil
	}

	out := &CompletionPatterns{SampleSize: n, OptimalHours: []HourStat{}, ByDayOfWeek: []DayStat{}}
	var ranked []HourStat
	for hour, b := range hours {
		if b.n >= MinHourSamples {
			ranked = append(ranked, HourStat{Hour: hour, Count: b.n, Productivity: round2(b.sum / float64(b.n))})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Productivity > ranked[j].Productivity })
	if len(ranked) > TopHours {
		ranked = ranked[:TopHours]
	}
	out.OptimalHours = append(out.OptimalHours, ranked...)

	for wd, b := range days {
		if b.n == 0 {
			continue
		}
		out.ByDayOfWeek = append(out.ByDayOfWeek, DayStat{
			Weekday:      wd,
			Day:          time.Weekday(wd).String(),
			Count:        b.n,
			Productivity: round2(b.sum / float64(b.n)),
		})
	}
	return out
}

// AnalyzeComplexity groups scored completions by difficulty. It returns nil
// below minSamples tasks.
func AnalyzeComplexity(history []task.Scored, minSamples int) *ComplexityPatterns {
	type group struct {
		n, timed      int
		accuracy, sat float64
	}
	var groups [6]group
	n := 0
	for _, h := range history {
		if h.Score == nil {
			continue
		}
		d := clampDim(h.Score.Difficulty)
		g := &groups[d]
		g.n++
		g.sat += float64(h.Score.Quality)
		if h.ActualHours != nil && *h.ActualHours > 0 {
			g.accuracy += math.Min(h.Estimate(1) / *h.ActualHours, MaxTimeAccuracy)
			g.timed++
		}
		n++
	}
	if n == 0 || n < minSamples {
		return nil
	}

	out := &ComplexityPatterns{SampleSize: n, ByDifficulty: []DifficultyStat{}}
	for d := 1; d <= 5; d++ {
		g := groups[d]
		if g.n == 0 {
			continue
		}
		st := DifficultyStat{
			Difficulty:   d,
			Count:        g.n,
			Satisfaction: round2(g.sat / float64(g.n)),
			Confidence:   math.Min(float64(g.n)/groupSaturation, 1),
		}
		if g.timed > 0 {
			st.TimeAccuracy = round2(g.accuracy / float64(g.timed))
		}
		out.ByDifficulty = append(out.ByDifficulty, st)
	}
	return out
}

// AnalyzeEnergy averages session energy by start hour in loc.
func AnalyzeEnergy(entries []session.Entry, loc *time.Location) []EnergyStat {
	type bucket struct {
		n, rated    int
		energy, hrs float64
	}
	var hours [24]bucket
	for _, e := range entries {
		h := e.StartedAt.In(loc).Hour()
		hours[h].n++
		hours[h].hrs += e.Duration()
		if e.EnergyLevel != nil {
			hours[h].rated++
			hours[h].energy += float64(*e.EnergyLevel)
		}
	}
	out := []EnergyStat{}
	for h, b := range hours {
		if b.n == 0 {
			continue
		}
		st := EnergyStat{Hour: h, Count: b.n, Hours: round2(b.hrs)}
		if b.rated > 0 {
			st.AvgEnergy = round2(b.energy / float64(b.rated))
		}
		out = append(out, st)
	}
	return out
}

// Predict orders the optimal hours by hours until they next come up; a slot
// in the current hour is zero hours away. It returns nil without patterns.
func Predict(c *CompletionPatterns, currentHour int) *Predictions {
	if c == nil || len(c.OptimalHours) == 0 {
		return nil
	}
	p := &Predictions{CurrentHour: currentHour}
	for _, h := range c.OptimalHours {
		p.Upcoming = append(p.Upcoming, Prediction{
			Hour:         h.Hour,
			HoursUntil:   ((h.Hour-currentHour)%24 + 24) % 24,
			Productivity: h.Productivity,
		})
	}
	sort.SliceStable(p.Upcoming, func(i, j int) bool { return p.Upcoming[i].HoursUntil < p.Upcoming[j].HoursUntil })
	next := p.Upcoming[0]
	p.Next = &next
	return p
}

// SchedulingConfidence is the confidence of an optimal_scheduling pattern.
func SchedulingConfidence(samples int) float64 {
	return math.Min(float64(samples)/schedulingSaturation, 1)
}
