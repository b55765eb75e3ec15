// Package agent implements the three workflow agents of the task pipeline:
// the Planner decomposes new root tasks, the Assessor scores completed ones
// and the Analyzer turns score history into scheduling patterns and
// recommendations.
package agent

import (
	"context"
	"time"

	"sylvia/pkg/pattern"
	"sylvia/pkg/session"
	"sylvia/pkg/task"
)

// Tasks is the part of task.Service the agents use.
type Tasks interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	CreateTask(ctx context.Context, userID string, in task.NewTask) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, p task.Patch) (*task.Task, error)
	Subtasks(ctx context.Context, parentID string) ([]task.Task, error)
	RecentCompleted(ctx context.Context, userID string, since time.Time, limit int) ([]task.Scored, error)
	ScoreTask(ctx context.Context, sc task.Score, m task.ScoreMetrics) (*task.ScoreResult, error)
	StorePattern(ctx context.Context, userID, patternType string, data any, confidence float64, sampleSize int) (*pattern.Pattern, error)
}

// Sessions reads logged work sessions.
type Sessions interface {
	Range(ctx context.Context, userID string, start, end time.Time) ([]session.Entry, error)
}

// Cache stores the recommendation bundle.
type Cache interface {
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Result is the outcome every agent reports. Skipped runs are successful.
type Result struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

func skipped(reason string) Result { return Result{Success: true, Skipped: true, Reason: reason} }

func failed(err error) Result { return Result{Success: false, Error: err.Error()} }

// Trigger names why the analyzer ran.
type Trigger string

const (
	TriggerTaskCompletion Trigger = "task_completion"
	TriggerDaily          Trigger = "daily_analysis"
	TriggerManual         Trigger = "manual"
)

// PlannerInput starts a planning run.
type PlannerInput struct {
	TaskID string `json:"taskId"`
	UserID string `json:"userId"`
}

// AssessorInput starts an assessment run.
type AssessorInput struct {
	TaskID      string    `json:"taskId"`
	UserID      string    `json:"userId"`
	CompletedAt time.Time `json:"completedAt"`
}

// AnalyzerInput starts an analysis run. RunKey distinguishes deliveries;
// analyses with the same key share memoized steps, and an empty key gets a
// fresh one.
type AnalyzerInput struct {
	UserID string  `json:"userId"`
	Type   Trigger `json:"type"`
	TaskID string  `json:"taskId,omitempty"`
	RunKey string  `json:"runKey,omitempty"`
}
