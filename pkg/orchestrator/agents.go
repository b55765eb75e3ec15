package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"sylvia/pkg/agent"
	"sylvia/pkg/cache"
	"sylvia/pkg/events"
)

// Planner plans new root tasks.
type Planner interface {
	Run(ctx context.Context, in agent.PlannerInput) agent.PlanResult
}

// Assessor scores completed tasks.
type Assessor interface {
	Run(ctx context.Context, in agent.AssessorInput) agent.AssessResult
}

// Analyzer derives patterns from score history.
type Analyzer interface {
	Run(ctx context.Context, in agent.AnalyzerInput) agent.AnalysisResult
}

// Users lists the members of a set; the active-user set drives the daily
// analysis.
type Users interface {
	Members(ctx context.Context, key string) ([]string, error)
}

// Agents are the workflow agents the orchestrator triggers.
type Agents struct {
	Planner  Planner
	Assessor Assessor
	Analyzer Analyzer
	Users    Users
}

// ErrNoAgent is returned by a trigger whose agent is not bound.
var ErrNoAgent = errors.New("agent not configured")

// dailyConcurrency bounds concurrent analyses in a daily fan-out.
const dailyConcurrency = 4

// Bind registers the standard routes: TASK_CREATED to the planner and
// TASK_COMPLETED to the assessor on the task stream, TASK_SCORED to the
// analyzer on the ML stream.
func (o *Orchestrator) Bind(a Agents) {
	o.mu.Lock()
	o.agents = a
	o.mu.Unlock()

	if a.Planner != nil {
		o.Handle(events.StreamTask, events.TypeTaskCreated, func(ctx context.Context, env events.Envelope) error {
			e, ok := env.Event.(events.TaskCreated)
			if !ok {
				return fmt.Errorf("unexpected payload %T", env.Event)
			}
			return outcome(a.Planner.Run(ctx, agent.PlannerInput{TaskID: e.TaskID, UserID: e.UserID}).Result)
		})
	}
	if a.Assessor != nil {
		o.Handle(events.StreamTask, events.TypeTaskCompleted, func(ctx context.Context, env events.Envelope) error {
			e, ok := env.Event.(events.TaskCompleted)
			if !ok {
				return fmt.Errorf("unexpected payload %T", env.Event)
			}
			return outcome(a.Assessor.Run(ctx, agent.AssessorInput{TaskID: e.TaskID, UserID: e.UserID, CompletedAt: e.CompletedAt}).Result)
		})
	}
	if a.Analyzer != nil {
		o.Handle(events.StreamML, events.TypeTaskScored, func(ctx context.Context, env events.Envelope) error {
			e, ok := env.Event.(events.TaskScored)
			if !ok {
				return fmt.Errorf("unexpected payload %T", env.Event)
			}
			return outcome(a.Analyzer.Run(ctx, agent.AnalyzerInput{
				UserID: e.UserID,
				Type:   agent.TriggerTaskCompletion,
				TaskID: e.TaskID,
				RunKey: env.ID,
			}).Result)
		})
	}
}

func outcome(r agent.Result) error {
	if r.Success {
		return nil
	}
	return errors.New(r.Error)
}

func (o *Orchestrator) bound() Agents {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.agents
}

// TriggerPlanner runs the planner directly, bypassing the event stream.
func (o *Orchestrator) TriggerPlanner(ctx context.Context, in agent.PlannerInput) (agent.PlanResult, error) {
	p := o.bound().Planner
	if p == nil {
		return agent.PlanResult{}, fmt.Errorf("planner: %w", ErrNoAgent)
	}
	o.log.Info("manual trigger", "agent", "planner", "task", in.TaskID)
	return p.Run(ctx, in), nil
}

// TriggerAssessor runs the assessor directly.
func (o *Orchestrator) TriggerAssessor(ctx context.Context, in agent.AssessorInput) (agent.AssessResult, error) {
	a := o.bound().Assessor
	if a == nil {
		return agent.AssessResult{}, fmt.Errorf("assessor: %w", ErrNoAgent)
	}
	o.log.Info("manual trigger", "agent", "assessor", "task", in.TaskID)
	return a.Run(ctx, in), nil
}

// TriggerAnalyzer runs the analyzer directly. The trigger type defaults to
// manual.
func (o *Orchestrator) TriggerAnalyzer(ctx context.Context, in agent.AnalyzerInput) (agent.AnalysisResult, error) {
	a := o.bound().Analyzer
	if a == nil {
		return agent.AnalysisResult{}, fmt.Errorf("analyzer: %w", ErrNoAgent)
	}
	if in.Type == "" {
		in.Type = agent.TriggerManual
	}
	o.log.Info("manual trigger", "agent", "analyzer", "user", in.UserID, "type", in.Type)
	return a.Run(ctx, in), nil
}

// DailySummary reports a daily fan-out.
type DailySummary struct {
	Users     int      `json:"users"`
	Succeeded int      `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// RunDailyAnalysis runs the analyzer for every active user. One user's
// failure does not stop the others.
func (o *Orchestrator) RunDailyAnalysis(ctx context.Context) (*DailySummary, error) {
	a := o.bound()
	if a.Analyzer == nil || a.Users == nil {
		return nil, fmt.Errorf("daily analysis: %w", ErrNoAgent)
	}
	users, err := a.Users.Members(ctx, cache.ActiveUsersKey())
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	runKey := "daily-" + o.now().UTC().Format("20060102")

	sum := &DailySummary{Users: len(users), Failed: []string{}}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(dailyConcurrency)
	for _, u := range users {
		g.Go(func() error {
			res := a.Analyzer.Run(ctx, agent.AnalyzerInput{UserID: u, Type: agent.TriggerDaily, RunKey: runKey})
			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				sum.Succeeded++
			} else {
				sum.Failed = append(sum.Failed, u)
				o.log.Warn("daily analysis failed", "user", u, "err", res.Error)
			}
			return nil
		})
	}
	_ = g.Wait()
	o.log.Info("daily analysis", "users", sum.Users, "succeeded", sum.Succeeded, "failed", len(sum.Failed))
	return sum, nil
}
