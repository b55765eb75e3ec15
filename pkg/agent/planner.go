package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"sylvia/pkg/events"
	"sylvia/pkg/llm"
	"sylvia/pkg/task"
	"sylvia/pkg/workflow"
)

// Planner limits.
const (
	MaxSubtasks       = 7
	MinSubtaskHours   = 0.25
	MaxSubtaskHours   = 1.5
	defaultComplexity = 1
)

// SubtaskSpec is one subtask proposed by the complexity judgment.
type SubtaskSpec struct {
	Title          string   `json:"title" validate:"required"`
	Description    string   `json:"description"`
	EstimatedHours float64  `json:"estimatedHours"`
	Tags           []string `json:"tags"`
	Dependencies   []int    `json:"dependencies"`
}

// Judgment is the complexity judgment of a root task.
type Judgment struct {
	NeedsSubtasks     bool          `json:"needsSubtasks"`
	Reasoning         string        `json:"reasoning" validate:"required"`
	ComplexityScore   int           `json:"complexityScore" validate:"omitempty,min=1,max=5"`
	SuggestedDuration float64       `json:"suggestedDuration" validate:"gte=0"`
	Subtasks          []SubtaskSpec `json:"subtasks" validate:"dive"`
}

// Normalize caps the subtask list, clamps subtask estimates into the
// focused-work range and drops dependencies that do not point at an earlier
// subtask.
func (j Judgment) Normalize() Judgment {
	if len(j.Subtasks) > MaxSubtasks {
		j.Subtasks = j.Subtasks[:MaxSubtasks]
	}
	out := make([]SubtaskSpec, len(j.Subtasks))
	for i, st := range j.Subtasks {
		st.EstimatedHours = clampHours(st.EstimatedHours)
		deps := []int{}
		seen := map[int]bool{}
		for _, d := range st.Dependencies {
			if d >= 0 && d < i && !seen[d] {
				deps = append(deps, d)
				seen[d] = true
			}
		}
		st.Dependencies = deps
		out[i] = st
	}
	j.Subtasks = out
	if j.ComplexityScore == 0 {
		j.ComplexityScore = defaultComplexity
	}
	if len(j.Subtasks) == 0 {
		j.NeedsSubtasks = false
	}
	return j
}

func clampHours(h float64) float64 {
	switch {
	case h < MinSubtaskHours:
		return MinSubtaskHours
	case h > MaxSubtaskHours:
		return MaxSubtaskHours
	}
	return h
}

// PlanResult is the outcome of a planning run.
type PlanResult struct {
	Result
	SubtasksCreated int      `json:"subtasksCreated"`
	SubtaskIDs      []string `json:"subtaskIds,omitempty"`
	Complexity      int      `json:"complexity,omitempty"`
}

const plannerSystemPrompt = `You are a productivity coach deciding whether a task should be broken into smaller steps.

Rules:
1. Only recommend subtasks when the task clearly has several distinct parts.
2. Each subtask is 15 to 90 minutes of focused work (estimatedHours 0.25 to 1.5).
3. At most 7 subtasks, listed in the order they should be done.
4. Each description says when the subtask is done.
5. dependencies lists the indices of earlier subtasks that must finish first.

Respond with ONLY a JSON object:
{
  "needsSubtasks": true,
  "reasoning": "why",
  "complexityScore": 1-5,
  "suggestedDuration": total hours,
  "subtasks": [
    {"title": "...", "description": "...", "estimatedHours": 0.5, "tags": ["..."], "dependencies": [0]}
  ]
}`

// Planner decomposes new root tasks into subtasks.
type Planner struct {
	tasks  Tasks
	gen    llm.Generator
	events events.Appender
	runner *workflow.Runner
	log    *slog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(tasks Tasks, gen llm.Generator, ev events.Appender, runner *workflow.Runner, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{tasks: tasks, gen: gen, events: ev, runner: runner, log: log.With("component", "planner")}
}

// Run plans the task. Subtasks, missing tasks and already planned tasks are
// skipped. An unusable judgment plans nothing and still succeeds; only
// exhausted transport retries fail the run.
func (p *Planner) Run(ctx context.Context, in PlannerInput) PlanResult {
	run := p.runner.Start("planner:" + in.TaskID)

	t, err := p.tasks.GetTask(ctx, in.TaskID)
	if errors.Is(err, task.ErrNotFound) {
		return PlanResult{Result: skipped("task not found")}
	}
	if err != nil {
		return PlanResult{Result: failed(err)}
	}
	if !t.IsRoot() {
		return PlanResult{Result: skipped("subtasks are not planned")}
	}
	if done, _ := t.Context["planningCompleted"].(bool); done {
		return PlanResult{Result: skipped("already planned")}
	}

	j, err := workflow.Step(ctx, run, "judge", func(ctx context.Context) (Judgment, error) {
		raw, err := p.gen.Generate(ctx, plannerSystemPrompt+"\n\n---\n\n"+planningPrompt(t))
		if err != nil {
			return Judgment{}, err
		}
		j, err := llm.Decode[Judgment](raw)
		if err != nil {
			p.log.Warn("judgment unusable", "task", t.ID, "err", err)
			return Judgment{Reasoning: "judgment unavailable: " + err.Error()}, nil
		}
		return j, nil
	})
	if err != nil {
		p.log.Error("plan failed", "task", t.ID, "err", err)
		return PlanResult{Result: failed(err)}
	}
	j = j.Normalize()

	if !j.NeedsSubtasks {
		return PlanResult{Result: Result{Success: true, Reason: j.Reasoning}, Complexity: j.ComplexityScore}
	}

	// Sequential so plannedOrder and dependency indices follow array order.
	ids := make([]string, 0, len(j.Subtasks))
	for i, st := range j.Subtasks {
		id, err := workflow.Step(ctx, run, fmt.Sprintf("subtask-%d", i), func(ctx context.Context) (string, error) {
			est := st.EstimatedHours
			child, err := p.tasks.CreateTask(ctx, t.UserID, task.NewTask{
				ParentID:       t.ID,
				Title:          st.Title,
				Description:    st.Description,
				Priority:       t.Priority,
				EstimatedHours: &est,
				Tags:           st.Tags,
				Context: map[string]any{
					"dependencies":     st.Dependencies,
					"plannedOrder":     i,
					"parentComplexity": j.ComplexityScore,
				},
			})
			if child != nil {
				if err != nil {
					p.log.Warn("subtask stored but not announced", "task", child.ID, "err", err)
				}
				return child.ID, nil
			}
			var verr *task.ValidationError
			if errors.As(err, &verr) {
				return "", workflow.Halt(err)
			}
			return "", err
		})
		if err != nil {
			p.log.Error("create subtask failed", "task", t.ID, "index", i, "err", err)
			return PlanResult{Result: failed(err), SubtasksCreated: len(ids), SubtaskIDs: ids}
		}
		ids = append(ids, id)
	}

	err = workflow.Do(ctx, run, "update-parent", func(ctx context.Context) error {
		patch := task.Patch{MergeContext: map[string]any{
			"planningCompleted": true,
			"complexityScore":   j.ComplexityScore,
			"subtaskCount":      len(ids),
			"planningReasoning": j.Reasoning,
		}}
		if j.SuggestedDuration > 0 {
			d := j.SuggestedDuration
			patch.EstimatedHours = &d
		}
		_, err := p.tasks.UpdateTask(ctx, t.ID, patch)
		return err
	})
	if err == nil {
		err = workflow.Do(ctx, run, "announce", func(ctx context.Context) error {
			_, err := p.events.Append(ctx, events.StreamTask, events.MetaPlanReady{
				TaskID: t.ID, UserID: t.UserID, SubtaskCount: len(ids), Complexity: j.ComplexityScore,
			})
			return err
		})
	}
	if err != nil {
		p.log.Error("finish plan failed", "task", t.ID, "err", err)
		return PlanResult{Result: failed(err), SubtasksCreated: len(ids), SubtaskIDs: ids}
	}

	p.log.Info("task planned", "task", t.ID, "subtasks", len(ids), "complexity", j.ComplexityScore)
	return PlanResult{
		Result:          Result{Success: true, Reason: j.Reasoning},
		SubtasksCreated: len(ids),
		SubtaskIDs:      ids,
		Complexity:      j.ComplexityScore,
	}
}

func planningPrompt(t *task.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&sb, "\nDescription:\n%s\n", t.Description)
	}
	fmt.Fprintf(&sb, "\nPriority: %d/5\n", t.Priority)
	if t.EstimatedHours != nil {
		fmt.Fprintf(&sb, "Current estimate: %.2f hours\n", *t.EstimatedHours)
	}
	if t.DueAt != nil {
		fmt.Fprintf(&sb, "Due: %s\n", t.DueAt.Format("2006-01-02 15:04"))
	}
	if len(t.Tags) > 0 {
		fmt.Fprintf(&sb, "Tags: %s\n", strings.Join(t.Tags, ", "))
	}
	return sb.String()
}
