package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sylvia/pkg/events"
	"sylvia/pkg/task"
)

const perfectReply = `{"difficulty":5,"innovation":5,"quality":5,"speed":5,"reasoning":"flawless","highlights":["shipped early"],"improvements":[]}`

// completeTask creates a task at start and marks it done an hour later.
func completeTask(t *testing.T, f *fixture, user string, est float64, withSubtask bool) *task.Task {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f.store.Now = func() time.Time { return start }
	tk, err := f.svc.CreateTask(ctx, user, task.NewTask{Title: "write report", EstimatedHours: &est})
	require.NoError(t, err)
	if withSubtask {
		_, err = f.svc.CreateTask(ctx, user, task.NewTask{Title: "outline", ParentID: tk.ID})
		require.NoError(t, err)
	}
	f.store.Now = func() time.Time { return start.Add(time.Hour) }
	done := task.StatusDone
	tk, err = f.svc.UpdateTask(ctx, tk.ID, task.Patch{Status: &done})
	require.NoError(t, err)
	return tk
}

func TestAssessorScoresCompletedTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gen := &scripted{replies: []string{perfectReply}}
	a := NewAssessor(f.svc, gen, f.events, f.runner, nil)
	tk := completeTask(t, f, "u1", 2, false)

	res := a.Run(ctx, AssessorInput{TaskID: tk.ID, UserID: "u1", CompletedAt: *tk.CompletedAt})
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Score)
	assert.Equal(t, 100, res.Score.OverallScore)
	assert.Equal(t, 10+3+2+1, res.Score.XPEarned)
	assert.Equal(t, "flawless", res.Score.Reasoning)

	require.NotNil(t, res.Metrics)
	assert.Equal(t, 1.0, res.Metrics.ActualHours)
	assert.Equal(t, 2.0, res.Metrics.SpeedRatio)
	assert.True(t, res.Metrics.OnTime)

	stored, err := f.svc.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ActualHours)
	assert.Equal(t, 1.0, *stored.ActualHours)

	scored := f.events.of(events.StreamML, events.TypeTaskScored)
	require.Len(t, scored, 1)
	assert.Equal(t, 100, scored[0].(events.TaskScored).OverallScore)

	var slugs []string
	for _, u := range res.Unlocked {
		slugs = append(slugs, u.Slug)
	}
	assert.Contains(t, slugs, "first_blood")
	assert.Contains(t, slugs, "perfectionist")
	assert.Contains(t, slugs, "speed_demon")
	assert.Equal(t, 16, res.Stats.TotalXP)
	assert.Equal(t, 1, res.Stats.TasksCompleted)
}

func TestAssessorSubtaskBonus(t *testing.T) {
	f := newFixture(t)
	a := NewAssessor(f.svc, &scripted{replies: []string{perfectReply}}, f.events, f.runner, nil)
	tk := completeTask(t, f, "u1", 2, true)

	res := a.Run(context.Background(), AssessorInput{TaskID: tk.ID, UserID: "u1"})
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Metrics.HasSubtasks)
	assert.Equal(t, 17, res.Score.XPEarned)
}

func TestAssessorRerunDoesNotRescore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gen := &scripted{replies: []string{perfectReply}}
	a := NewAssessor(f.svc, gen, f.events, f.runner, nil)
	tk := completeTask(t, f, "u1", 2, false)

	first := a.Run(ctx, AssessorInput{TaskID: tk.ID, UserID: "u1"})
	require.True(t, first.Success, first.Error)
	second := a.Run(ctx, AssessorInput{TaskID: tk.ID, UserID: "u1"})
	require.True(t, second.Success, second.Error)

	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, 1, f.store.ScoreCount())
	assert.Equal(t, first.Score.XPEarned, second.Stats.TotalXP)
}

func TestAssessorUnusableJudgmentFails(t *testing.T) {
	f := newFixture(t)
	gen := &scripted{replies: []string{`{"difficulty":9,"reasoning":"too hard"}`}}
	a := NewAssessor(f.svc, gen, f.events, f.runner, nil)
	tk := completeTask(t, f, "u1", 2, false)

	res := a.Run(context.Background(), AssessorInput{TaskID: tk.ID, UserID: "u1"})
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Nil(t, res.Score)
	assert.Equal(t, 1, gen.calls, "unusable replies are not retried")
	assert.Zero(t, f.store.ScoreCount())
	assert.Empty(t, f.events.of(events.StreamML, events.TypeTaskScored))
}

func TestAssessorSkipsOpenTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gen := &scripted{replies: []string{perfectReply}}
	a := NewAssessor(f.svc, gen, f.events, f.runner, nil)

	tk, err := f.svc.CreateTask(ctx, "u1", task.NewTask{Title: "open"})
	require.NoError(t, err)

	res := a.Run(ctx, AssessorInput{TaskID: tk.ID, UserID: "u1"})
	assert.True(t, res.Success)
	assert.True(t, res.Skipped)
	assert.Zero(t, gen.calls)

	missing := a.Run(ctx, AssessorInput{TaskID: "nope", UserID: "u1"})
	assert.True(t, missing.Skipped)
}

func TestAssessorPromptCarriesHistory(t *testing.T) {
	f := newFixture(t)
	gen := &scripted{replies: []string{perfectReply}}
	a := NewAssessor(f.svc, gen, f.events, f.runner, nil)
	f.seedScored(t, "u1", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), 4, 4, 2, 1, 1)
	tk := completeTask(t, f, "u1", 2, false)

	res := a.Run(context.Background(), AssessorInput{TaskID: tk.ID, UserID: "u1"})
	require.True(t, res.Success, res.Error)
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "Over 1 tasks")
	assert.Contains(t, gen.prompts[0], "write report")
}
