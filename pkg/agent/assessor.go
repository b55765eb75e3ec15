package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sylvia/pkg/achievement"
	"sylvia/pkg/events"
	"sylvia/pkg/llm"
	"sylvia/pkg/task"
	"sylvia/pkg/workflow"
)

// contextWindow is the number of recent scored completions shown to the
// assessor.
const contextWindow = 10

// Assessment is the judged quality of a completed task.
type Assessment struct {
	Difficulty   int      `json:"difficulty" validate:"min=1,max=5"`
	Innovation   int      `json:"innovation" validate:"min=1,max=5"`
	Quality      int      `json:"quality" validate:"min=1,max=5"`
	Speed        int      `json:"speed" validate:"min=1,max=5"`
	Reasoning    string   `json:"reasoning" validate:"required"`
	Highlights   []string `json:"highlights"`
	Improvements []string `json:"improvements"`
}

// AssessResult is the outcome of an assessment run.
type AssessResult struct {
	Result
	Score    *task.Score               `json:"score,omitempty"`
	Metrics  *task.ScoreMetrics        `json:"metrics,omitempty"`
	Stats    *achievement.Stats        `json:"stats,omitempty"`
	Unlocked []achievement.Achievement `json:"unlocked,omitempty"`
}

const assessorSystemPrompt = `You are a fair, encouraging reviewer scoring a completed task.

Score each dimension from 1 (lowest) to 5 (highest):
- difficulty: how hard the task was
- innovation: how creative or novel the approach was
- quality: how well it was done
- speed: how quickly it was done relative to the estimate

Use the user's recent averages as a baseline: a typical task for this user
scores near their averages.

Respond with ONLY a JSON object:
{"difficulty": 1-5, "innovation": 1-5, "quality": 1-5, "speed": 1-5,
 "reasoning": "...", "highlights": ["..."], "improvements": ["..."]}`

// Assessor scores completed tasks.
type Assessor struct {
	tasks  Tasks
	gen    llm.Generator
	events events.Appender
	runner *workflow.Runner
	log    *slog.Logger
}

// NewAssessor creates an Assessor.
func NewAssessor(tasks Tasks, gen llm.Generator, ev events.Appender, runner *workflow.Runner, log *slog.Logger) *Assessor {
	if log == nil {
		log = slog.Default()
	}
	return &Assessor{tasks: tasks, gen: gen, events: ev, runner: runner, log: log.With("component", "assessor")}
}

// Run scores the task. Unlike the planner, an unusable judgment fails the
// run so the task can be assessed again.
func (a *Assessor) Run(ctx context.Context, in AssessorInput) AssessResult {
	t, err := a.tasks.GetTask(ctx, in.TaskID)
	if errors.Is(err, task.ErrNotFound) {
		return AssessResult{Result: skipped("task not found")}
	}
	if err != nil {
		return AssessResult{Result: failed(err)}
	}
	completedAt := in.CompletedAt
	if t.CompletedAt != nil {
		completedAt = *t.CompletedAt
	}
	if t.Status != task.StatusDone || completedAt.IsZero() {
		return AssessResult{Result: skipped("task not completed")}
	}
	run := a.runner.Start(fmt.Sprintf("assessor:%s:%d", t.ID, completedAt.UnixMilli()))

	history, err := a.tasks.RecentCompleted(ctx, t.UserID, time.Time{}, contextWindow+1)
	if err != nil {
		return AssessResult{Result: failed(err)}
	}
	history = without(history, t.ID, contextWindow)
	subtasks, err := a.tasks.Subtasks(ctx, t.ID)
	if err != nil {
		return AssessResult{Result: failed(err)}
	}

	metrics := ComputeTimeMetrics(t, completedAt, len(subtasks) > 0)
	err = workflow.Do(ctx, run, "record-actual-hours", func(ctx context.Context) error {
		actual := metrics.ActualHours
		_, err := a.tasks.UpdateTask(ctx, t.ID, task.Patch{ActualHours: &actual})
		return err
	})
	if err != nil {
		return AssessResult{Result: failed(err)}
	}

	avg := RollingAverages(history)
	judged, err := workflow.Step(ctx, run, "judge", func(ctx context.Context) (Assessment, error) {
		raw, err := a.gen.Generate(ctx, assessorSystemPrompt+"\n\n---\n\n"+assessmentPrompt(t, metrics, avg, subtasks))
		if err != nil {
			return Assessment{}, err
		}
		j, err := llm.Decode[Assessment](raw)
		if err != nil {
			return Assessment{}, workflow.Halt(err)
		}
		return j, nil
	})
	if err != nil {
		a.log.Error("assessment failed", "task", t.ID, "err", err)
		return AssessResult{Result: failed(err)}
	}

	overall := OverallScore(judged.Difficulty, judged.Innovation, judged.Quality, judged.Speed)
	xp := ExperiencePoints(overall, judged.Innovation, judged.Quality, metrics.OnTime, metrics.HasSubtasks)

	scored, err := workflow.Step(ctx, run, "score", func(ctx context.Context) (*task.ScoreResult, error) {
		return a.tasks.ScoreTask(ctx, task.Score{
			TaskID:       t.ID,
			Difficulty:   judged.Difficulty,
			Innovation:   judged.Innovation,
			Quality:      judged.Quality,
			Speed:        judged.Speed,
			OverallScore: overall,
			XPEarned:     xp,
			Reasoning:    judged.Reasoning,
			Highlights:   judged.Highlights,
			Improvements: judged.Improvements,
		}, metrics)
	})
	if err != nil {
		a.log.Error("store score failed", "task", t.ID, "err", err)
		return AssessResult{Result: failed(err)}
	}

	err = workflow.Do(ctx, run, "announce", func(ctx context.Context) error {
		_, err := a.events.Append(ctx, events.StreamML, task.ScoredEvent(scored.Score, metrics))
		return err
	})
	if err != nil {
		return AssessResult{Result: failed(err)}
	}

	a.log.Info("task assessed", "task", t.ID, "overall", overall, "xp", xp, "unlocked", len(scored.Unlocked))
	return AssessResult{
		Result:   Result{Success: true},
		Score:    scored.Score,
		Metrics:  &metrics,
		Stats:    &scored.Stats,
		Unlocked: scored.Unlocked,
	}
}

func without(history []task.Scored, id string, limit int) []task.Scored {
	out := make([]task.Scored, 0, len(history))
	for _, h := range history {
		if h.ID != id && len(out) < limit {
			out = append(out, h)
		}
	}
	return out
}

func assessmentPrompt(t *task.Task, m task.ScoreMetrics, avg Averages, subtasks []task.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Task\n\n%s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&sb, "\n%s\n", t.Description)
	}
	fmt.Fprintf(&sb, "\nPriority: %d/5\n", t.Priority)
	fmt.Fprintf(&sb, "Estimated: %.2fh, actual: %.2fh, speed ratio %.2f (%s)\n",
		m.EstimatedHours, m.ActualHours, m.SpeedRatio, onTimeLabel(m.OnTime))

	if len(subtasks) > 0 {
		done := 0
		for _, st := range subtasks {
			if st.Status == task.StatusDone {
				done++
			}
		}
		fmt.Fprintf(&sb, "\n## Subtasks (%d/%d done)\n\n", done, len(subtasks))
		for _, st := range subtasks {
			fmt.Fprintf(&sb, "- [%s] %s\n", st.Status, st.Title)
		}
	}

	sb.WriteString("\n## Recent averages\n\n")
	if avg.Samples == 0 {
		sb.WriteString("No scored history yet.\n")
	} else {
		fmt.Fprintf(&sb, "Over %d tasks: difficulty %.1f, innovation %.1f, quality %.1f, speed %.1f\n",
			avg.Samples, avg.Difficulty, avg.Innovation, avg.Quality, avg.Speed)
	}
	return sb.String()
}

func onTimeLabel(onTime bool) string {
	if onTime {
		return "on time"
	}
	return "late"
}
