package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sylvia/pkg/cache"
	"sylvia/pkg/events"
	"sylvia/pkg/pattern"
	"sylvia/pkg/session"
)

var analysisNow = time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)

// seedDay stores productive mornings and weaker evenings.
func seedDay(t *testing.T, f *fixture) {
	t.Helper()
	at := func(day, hour int) time.Time { return time.Date(2026, 3, day, hour, 0, 0, 0, time.UTC) }
	for _, day := range []int{2, 3} {
		f.seedScored(t, "u1", at(day, 9), 3, 5, 5, 1, 1)
		f.seedScored(t, "u1", at(day, 14), 3, 4, 4, 1, 2)
		f.seedScored(t, "u1", at(day, 20), 3, 3, 3, 2, 1)
		f.seedScored(t, "u1", at(day, 7), 3, 2, 2, 1, 1)
	}
	f.seedScored(t, "u1", at(4, 11), 3, 5, 5, 1, 1)
}

func insightsReply(n int) string {
	var items []string
	for i := 0; i < n; i++ {
		items = append(items, fmt.Sprintf(`{"category":"scheduling","insight":"insight %d","confidence":0.6,"action":"block 9am"}`, i))
	}
	return `{"insights":[` + strings.Join(items, ",") + `]}`
}

func newAnalyzer(f *fixture, gen *scripted, cfg AnalyzerConfig) *Analyzer {
	a := NewAnalyzer(f.svc, f.sessions, gen, f.cache, f.events, f.runner, cfg, nil)
	a.now = func() time.Time { return analysisNow }
	return a
}

func TestAnalyzerDerivesPatterns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedDay(t, f)
	energy := 4
	_, err := f.sessions.Log(ctx, &session.Entry{UserID: "u1", StartedAt: time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), Hours: 1.5, EnergyLevel: &energy})
	require.NoError(t, err)

	gen := &scripted{replies: []string{insightsReply(7)}}
	a := newAnalyzer(f, gen, DefaultAnalyzerConfig())

	res := a.Run(ctx, AnalyzerInput{UserID: "u1", Type: TriggerManual})
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Bundle)
	assert.ElementsMatch(t, []string{pattern.TypeOptimalScheduling, pattern.TypeComplexityHandling, pattern.TypeAIInsights}, res.PatternsStored)

	sched := res.Bundle.Scheduling
	require.NotNil(t, sched)
	assert.Equal(t, 9, sched.SampleSize)
	require.Len(t, sched.OptimalHours, TopHours)
	assert.Equal(t, []int{9, 14, 20}, []int{sched.OptimalHours[0].Hour, sched.OptimalHours[1].Hour, sched.OptimalHours[2].Hour})
	assert.Equal(t, 5.0, sched.OptimalHours[0].Productivity)

	pred := res.Bundle.Predictions
	require.NotNil(t, pred)
	assert.Equal(t, 12, pred.CurrentHour)
	require.NotNil(t, pred.Next)
	assert.Equal(t, 14, pred.Next.Hour)
	assert.Equal(t, 2, pred.Next.HoursUntil)
	assert.Equal(t, 21, pred.Upcoming[2].HoursUntil)

	require.Len(t, res.Bundle.Energy, 1)
	assert.Equal(t, 4.0, res.Bundle.Energy[0].AvgEnergy)

	assert.Len(t, res.Bundle.Insights, maxInsights)
	insights := f.events.of(events.StreamML, events.TypeInsightsGenerated)
	require.Len(t, insights, 1)
	assert.Equal(t, maxInsights, insights[0].(events.InsightsGenerated).InsightCount)

	p, err := f.patterns.Get(ctx, "u1", pattern.TypeOptimalScheduling)
	require.NoError(t, err)
	assert.InDelta(t, 0.45, p.Confidence, 1e-9)
	assert.Equal(t, 9, p.SampleSize)
	var stored CompletionPatterns
	require.NoError(t, json.Unmarshal(p.Data, &stored))
	assert.Equal(t, 9, stored.OptimalHours[0].Hour)

	c, err := f.patterns.Get(ctx, "u1", pattern.TypeComplexityHandling)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, c.Confidence, 1e-9)

	ai, err := f.patterns.Get(ctx, "u1", pattern.TypeAIInsights)
	require.NoError(t, err)
	assert.InDelta(t, insightsConfidence, ai.Confidence, 1e-9)

	var cached Bundle
	ok, err := f.cache.GetJSON(ctx, cache.RecommendationsKey("u1"), &cached)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TriggerManual, cached.Trigger)
	assert.Len(t, cached.Insights, maxInsights)
}

func TestAnalyzerDerivedComplexityConfidence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedDay(t, f)
	cfg := DefaultAnalyzerConfig()
	cfg.DeriveComplexityConfidence = true
	a := newAnalyzer(f, &scripted{replies: []string{insightsReply(3)}}, cfg)

	res := a.Run(ctx, AnalyzerInput{UserID: "u1", Type: TriggerDaily})
	require.True(t, res.Success, res.Error)

	c, err := f.patterns.Get(ctx, "u1", pattern.TypeComplexityHandling)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, c.Confidence, 1e-9)
}

func TestAnalyzerUnkeyedRunsSeeNewHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at := func(day int) time.Time { return time.Date(2026, 3, day, 9, 0, 0, 0, time.UTC) }
	for day := 2; day < 6; day++ {
		f.seedScored(t, "u1", at(day), 3, 4, 4, 1, 1)
	}
	gen := &scripted{replies: []string{insightsReply(2), insightsReply(2)}}
	a := newAnalyzer(f, gen, DefaultAnalyzerConfig())

	res := a.Run(ctx, AnalyzerInput{UserID: "u1", Type: TriggerManual})
	require.True(t, res.Success, res.Error)
	assert.Nil(t, res.Bundle.Scheduling)
	assert.NotContains(t, res.PatternsStored, pattern.TypeOptimalScheduling)

	f.seedScored(t, "u1", at(6), 3, 5, 5, 1, 1)
	f.seedScored(t, "u1", at(7), 3, 5, 5, 1, 1)
	a.now = func() time.Time { return analysisNow.Add(10 * time.Minute) }

	res = a.Run(ctx, AnalyzerInput{UserID: "u1", Type: TriggerManual})
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Bundle.Scheduling)
	assert.Equal(t, 6, res.Bundle.Scheduling.SampleSize)
	assert.Contains(t, res.PatternsStored, pattern.TypeOptimalScheduling)

	p, err := f.patterns.Get(ctx, "u1", pattern.TypeOptimalScheduling)
	require.NoError(t, err)
	assert.Equal(t, 6, p.SampleSize)
	assert.Equal(t, 2, gen.calls)
}

func TestAnalyzerSparseHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedScored(t, "u1", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), 3, 5, 5, 1, 1)
	f.seedScored(t, "u1", time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), 3, 5, 5, 1, 1)
	gen := &scripted{replies: []string{insightsReply(3)}}
	a := newAnalyzer(f, gen, DefaultAnalyzerConfig())

	res := a.Run(ctx, AnalyzerInput{UserID: "u1", Type: TriggerTaskCompletion, TaskID: "t1", RunKey: "1-0"})
	require.True(t, res.Success, res.Error)
	assert.Nil(t, res.Bundle.Scheduling)
	assert.Nil(t, res.Bundle.Complexity)
	assert.Nil(t, res.Bundle.Predictions)
	assert.Empty(t, res.Bundle.Insights)
	assert.Empty(t, res.PatternsStored)
	assert.Zero(t, gen.calls)

	_, err := f.patterns.Get(ctx, "u1", pattern.TypeOptimalScheduling)
	assert.ErrorIs(t, err, pattern.ErrNotFound)

	var cached Bundle
	ok, err := f.cache.GetJSON(ctx, cache.RecommendationsKey("u1"), &cached)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAnalyzerUnusableInsights(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedDay(t, f)
	a := newAnalyzer(f, &scripted{replies: []string{`{"insights":[{"category":"vibes","insight":"x","confidence":2,"action":""}]}`}}, DefaultAnalyzerConfig())

	res := a.Run(ctx, AnalyzerInput{UserID: "u1"})
	require.True(t, res.Success, res.Error)
	assert.Empty(t, res.Bundle.Insights)
	assert.NotContains(t, res.PatternsStored, pattern.TypeAIInsights)
	assert.Empty(t, f.events.of(events.StreamML, events.TypeInsightsGenerated))
}

func TestAnalyzerInsightFailureStillCachesBundle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedDay(t, f)
	down := errors.New("quota exceeded")
	a := newAnalyzer(f, &scripted{errs: []error{down, down, down}}, DefaultAnalyzerConfig())

	res := a.Run(ctx, AnalyzerInput{UserID: "u1"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "quota exceeded")
	require.NotNil(t, res.Bundle)
	assert.Contains(t, res.PatternsStored, pattern.TypeOptimalScheduling)

	var cached Bundle
	ok, err := f.cache.GetJSON(ctx, cache.RecommendationsKey("u1"), &cached)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAnalyzerSkipsWithoutUser(t *testing.T) {
	f := newFixture(t)
	res := newAnalyzer(f, &scripted{}, DefaultAnalyzerConfig()).Run(context.Background(), AnalyzerInput{})
	assert.True(t, res.Skipped)
}

func TestAnalyzeComplexityAccuracy(t *testing.T) {
	f := newFixture(t)
	seedDay(t, f)
	history, err := f.svc.RecentCompleted(context.Background(), "u1", time.Time{}, 50)
	require.NoError(t, err)

	c := AnalyzeComplexity(history, 3)
	require.NotNil(t, c)
	require.Len(t, c.ByDifficulty, 1)
	g := c.ByDifficulty[0]
	assert.Equal(t, 3, g.Difficulty)
	assert.Equal(t, 9, g.Count)
	// five at 1.0, two at 0.5, two at 2.0
	assert.InDelta(t, 1.11, g.TimeAccuracy, 1e-9)
	assert.Equal(t, 1.0, g.Confidence)

	assert.Nil(t, AnalyzeComplexity(history[:2], 3))
}

func TestPredictWrapsAroundMidnight(t *testing.T) {
	p := Predict(&CompletionPatterns{OptimalHours: []HourStat{{Hour: 1}, {Hour: 23}, {Hour: 22}}}, 23)
	require.NotNil(t, p)
	assert.Equal(t, 23, p.Next.Hour)
	assert.Equal(t, 0, p.Next.HoursUntil)
	assert.Equal(t, []int{0, 2, 23}, []int{p.Upcoming[0].HoursUntil, p.Upcoming[1].HoursUntil, p.Upcoming[2].HoursUntil})

	assert.Nil(t, Predict(nil, 5))
}
