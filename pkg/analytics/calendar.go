// Package analytics builds the calendar read-model: tasks, scores and logged
// sessions over a date range, plus completion velocity and the hours a user
// performs best in. It never writes to the task or pattern stores.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"sylvia/pkg/agent"
	"sylvia/pkg/cache"
	"sylvia/pkg/session"
	"sylvia/pkg/task"
)

// Trend values.
const (
	TrendUp     = "up"
	TrendDown   = "down"
	TrendStable = "stable"
)

const (
	dateLayout     = "2006-01-02"
	velocityWindow = 28 * 24 * time.Hour
	trendUp        = 1.15
	trendDown      = 0.85
	minHourSamples = 2
	topHours       = 3
	defaultTTL     = 5 * time.Minute
)

// Tasks is the part of task.Store the aggregator reads.
type Tasks interface {
	Range(ctx context.Context, userID string, start, end time.Time) ([]task.Scored, error)
	CompletionTimes(ctx context.Context, userID string, since time.Time) ([]time.Time, error)
}

// Sessions reads logged work sessions.
type Sessions interface {
	Range(ctx context.Context, userID string, start, end time.Time) ([]session.Entry, error)
}

// Cache holds calendar snapshots and the recommendation bundle.
type Cache interface {
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
}

// Entry is one task placed on the calendar.
type Entry struct {
	ID           string      `json:"id"`
	ParentID     string      `json:"parentId,omitempty"`
	Title        string      `json:"title"`
	Status       task.Status `json:"status"`
	Priority     int         `json:"priority"`
	At           time.Time   `json:"at"`
	Hour         int         `json:"hour"`
	Weekday      int         `json:"weekday"`
	Completed    bool        `json:"completed"`
	OverallScore *int        `json:"overallScore,omitempty"`
	XP           int         `json:"xp"`
}

// Day groups the entries of one calendar date with that date's sessions.
type Day struct {
	Date        string   `json:"date"`
	Tasks       []Entry  `json:"tasks"`
	Completed   int      `json:"completed"`
	XP          int      `json:"xp"`
	AvgEnergy   *float64 `json:"avgEnergy,omitempty"`
	LoggedHours float64  `json:"loggedHours"`
}

// Summary totals the range.
type Summary struct {
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	CompletionRate float64 `json:"completionRate"`
	TotalXP        int     `json:"totalXp"`
	AvgScore       float64 `json:"avgScore"`
}

// HourPerformance is how scored completions in one hour fared.
type HourPerformance struct {
	Hour     int     `json:"hour"`
	Count    int     `json:"count"`
	AvgScore float64 `json:"avgScore"`
	AvgXP    float64 `json:"avgXp"`
	Rank     float64 `json:"rank"`
}

// Velocity compares mean daily completions of the last four weeks with the
// four weeks before.
type Velocity struct {
	RecentPerDay float64 `json:"recentPerDay"`
	PriorPerDay  float64 `json:"priorPerDay"`
	Ratio        float64 `json:"ratio"`
	Trend        string  `json:"trend"`
}

// Calendar is the aggregated response.
type Calendar struct {
	UserID          string            `json:"userId"`
	Start           string            `json:"start"`
	End             string            `json:"end"`
	GeneratedAt     time.Time         `json:"generatedAt"`
	Days            []Day             `json:"days"`
	Summary         Summary           `json:"summary"`
	OptimalHours    []HourPerformance `json:"optimalHours"`
	Velocity        Velocity          `json:"velocity"`
	NextOptimalHour *int              `json:"nextOptimalHour,omitempty"`
	Recommendations *agent.Bundle     `json:"recommendations,omitempty"`
	Cached          bool              `json:"cached"`
}

// Options tune the aggregator.
type Options struct {
	Location *time.Location
	TTL      time.Duration
}

// Aggregator computes calendar analytics.
type Aggregator struct {
	tasks    Tasks
	sessions Sessions
	cache    Cache
	loc      *time.Location
	ttl      time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewAggregator creates an Aggregator. c may be nil.
func NewAggregator(tasks Tasks, sessions Sessions, c Cache, opts Options, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &Aggregator{
		tasks:    tasks,
		sessions: sessions,
		cache:    c,
		loc:      opts.Location,
		ttl:      opts.TTL,
		now:      time.Now,
		log:      log.With("component", "analytics"),
	}
}

// Calendar returns the analytics for tasks keyed into [start, end). A snapshot
// cached for the same range is served as is.
func (a *Aggregator) Calendar(ctx context.Context, userID string, start, end time.Time) (*Calendar, error) {
	if userID == "" {
		return nil, &task.ValidationError{Field: "userId", Message: "is required"}
	}
	if !end.After(start) {
		return nil, &task.ValidationError{Field: "end", Message: "must be after start"}
	}
	key := cache.CalendarKey(userID, start.In(a.loc).Format(dateLayout), end.In(a.loc).Format(dateLayout))
	if a.cache != nil {
		var cached Calendar
		ok, err := a.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			a.log.Warn("read calendar cache", "user", userID, "err", err)
		}
		if ok {
			cached.Cached = true
			return &cached, nil
		}
	}

	now := a.now()
	items, err := a.tasks.Range(ctx, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("range tasks: %w", err)
	}
	entries, err := a.sessions.Range(ctx, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("range sessions: %w", err)
	}
	times, err := a.tasks.CompletionTimes(ctx, userID, now.Add(-2*velocityWindow))
	if err != nil {
		return nil, fmt.Errorf("completion times: %w", err)
	}

	c := &Calendar{
		UserID:      userID,
		Start:       start.In(a.loc).Format(dateLayout),
		End:         end.In(a.loc).Format(dateLayout),
		GeneratedAt: now,
		Days:        GroupByDay(items, entries, a.loc),
		Summary:     Summarize(items),
		Velocity:    ComputeVelocity(times, now),
	}
	c.OptimalHours = RankHours(items, a.loc)
	c.NextOptimalHour = NextOptimalHour(c.OptimalHours, now.In(a.loc).Hour())

	if a.cache != nil {
		var bundle agent.Bundle
		ok, err := a.cache.GetJSON(ctx, cache.RecommendationsKey(userID), &bundle)
		if err != nil {
			a.log.Warn("read recommendations", "user", userID, "err", err)
		}
		if ok {
			c.Recommendations = &bundle
		}
		if err := a.cache.SetJSON(ctx, key, c, a.ttl); err != nil {
			a.log.Warn("cache calendar", "user", userID, "err", err)
		}
	}
	return c, nil
}

func keyTime(t *task.Task) time.Time {
	switch {
	case t.DueAt != nil:
		return *t.DueAt
	case t.CompletedAt != nil:
		return *t.CompletedAt
	}
	return t.CreatedAt
}

func entryOf(s task.Scored, loc *time.Location) Entry {
	at := keyTime(&s.Task).In(loc)
	e := Entry{
		ID:        s.ID,
		ParentID:  s.ParentID,
		Title:     s.Title,
		Status:    s.Status,
		Priority:  s.Priority,
		At:        at,
		Hour:      at.Hour(),
		Weekday:   int(at.Weekday()),
		Completed: s.Status == task.StatusDone,
	}
	if s.Score != nil {
		overall := s.Score.OverallScore
		e.OverallScore = &overall
		e.XP = s.Score.XPEarned
	}
	return e
}

// GroupByDay places tasks on their key date and joins each date's session
// energy and logged hours. Dates with only sessions are included. Days are
// in date order.
func GroupByDay(items []task.Scored, entries []session.Entry, loc *time.Location) []Day {
	byDate := map[string]*Day{}
	day := func(date string) *Day {
		d, ok := byDate[date]
		if !ok {
			d = &Day{Date: date, Tasks: []Entry{}}
			byDate[date] = d
		}
		return d
	}
	for _, s := range items {
		e := entryOf(s, loc)
		d := day(e.At.Format(dateLayout))
		d.Tasks = append(d.Tasks, e)
		if e.Completed {
			d.Completed++
		}
		d.XP += e.XP
	}

	type energy struct {
		n   int
		sum float64
	}
	rated := map[string]*energy{}
	for _, s := range entries {
		date := s.StartedAt.In(loc).Format(dateLayout)
		d := day(date)
		d.LoggedHours += s.Duration()
		if s.EnergyLevel != nil {
			if rated[date] == nil {
				rated[date] = &energy{}
			}
			rated[date].n++
			rated[date].sum += float64(*s.EnergyLevel)
		}
	}

	out := make([]Day, 0, len(byDate))
	for date, d := range byDate {
		d.LoggedHours = round2(d.LoggedHours)
		if r := rated[date]; r != nil {
			avg := round2(r.sum / float64(r.n))
			d.AvgEnergy = &avg
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Summarize totals the range. AvgScore is over scored tasks only.
func Summarize(items []task.Scored) Summary {
	var s Summary
	var scored, scoreSum int
	for _, it := range items {
		s.Total++
		if it.Status == task.StatusDone {
			s.Completed++
		}
		if it.Score != nil {
			scored++
			scoreSum += it.Score.OverallScore
			s.TotalXP += it.Score.XPEarned
		}
	}
	if s.Total > 0 {
		s.CompletionRate = round2(float64(s.Completed) / float64(s.Total))
	}
	if scored > 0 {
		s.AvgScore = round2(float64(scoreSum) / float64(scored))
	}
	return s
}

// RankHours buckets scored completions by completion hour and returns the
// best three buckets with at least two samples, ranked by
// (avgScore + avgXP*10) / 2.
func RankHours(items []task.Scored, loc *time.Location) []HourPerformance {
	var hours [24]struct {
		n         int
		score, xp float64
	}
	for _, it := range items {
		if it.Status != task.StatusDone || it.CompletedAt == nil || it.Score == nil {
			continue
		}
		h := it.CompletedAt.In(loc).Hour()
		hours[h].n++
		hours[h].score += float64(it.Score.OverallScore)
		hours[h].xp += float64(it.Score.XPEarned)
	}
	out := []HourPerformance{}
	for h, b := range hours {
		if b.n < minHourSamples {
			continue
		}
		avgScore := b.score / float64(b.n)
		avgXP := b.xp / float64(b.n)
		out = append(out, HourPerformance{
			Hour:     h,
			Count:    b.n,
			AvgScore: round2(avgScore),
			AvgXP:    round2(avgXP),
			Rank:     round2((avgScore + avgXP*10) / 2),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank > out[j].Rank })
	if len(out) > topHours {
		out = out[:topHours]
	}
	return out
}

// NextOptimalHour is the earliest ranked hour strictly after currentHour, or
// the top-ranked hour when none is left today.
func NextOptimalHour(ranked []HourPerformance, currentHour int) *int {
	if len(ranked) == 0 {
		return nil
	}
	next := -1
	for _, h := range ranked {
		if h.Hour > currentHour && (next < 0 || h.Hour < next) {
			next = h.Hour
		}
	}
	if next < 0 {
		next = ranked[0].Hour
	}
	return &next
}

// ComputeVelocity compares completions in the 28 days before now with the
// 28 days before that.
func ComputeVelocity(completions []time.Time, now time.Time) Velocity {
	recentStart := now.Add(-velocityWindow)
	priorStart := now.Add(-2 * velocityWindow)
	var recent, prior int
	for _, t := range completions {
		switch {
		case t.After(now):
		case !t.Before(recentStart):
			recent++
		case !t.Before(priorStart):
			prior++
		}
	}
	days := velocityWindow.Hours() / 24
	v := Velocity{
		RecentPerDay: round2(float64(recent) / days),
		PriorPerDay:  round2(float64(prior) / days),
		Trend:        TrendStable,
	}
	if prior == 0 {
		if recent > 0 {
			v.Trend = TrendUp
		}
		return v
	}
	ratio := float64(recent) / float64(prior)
	v.Ratio = round2(ratio)
	switch {
	case ratio >= trendUp:
		v.Trend = TrendUp
	case ratio <= trendDown:
		v.Trend = TrendDown
	}
	return v
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
