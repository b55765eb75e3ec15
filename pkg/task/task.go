package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// DefaultPriority is applied when a task is created without one.
const DefaultPriority = 3

// ErrNotFound is returned when a task or score does not exist.
var ErrNotFound = errors.New("task not found")

// Task is a unit of work owned by a user. Subtasks point at their root via
// ParentID and are removed with it.
type Task struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	ParentID       string         `json:"parentId,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Status         Status         `json:"status"`
	Priority       int            `json:"priority"`
	Progress       int            `json:"progress"`
	EstimatedHours *float64       `json:"estimatedHours,omitempty"`
	ActualHours    *float64       `json:"actualHours,omitempty"`
	DueAt          *time.Time     `json:"dueAt,omitempty"`
	ScheduledAt    *time.Time     `json:"scheduledAt,omitempty"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	Tags           []string       `json:"tags"`
	Context        map[string]any `json:"context"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool { return t.ParentID == "" }

// Estimate returns the estimated hours, or def when unset or non-positive.
func (t *Task) Estimate(def float64) float64 {
	if t.EstimatedHours == nil || *t.EstimatedHours <= 0 {
		return def
	}
	return *t.EstimatedHours
}

// NewTask is the input of CreateTask.
type NewTask struct {
	ParentID       string         `json:"parentId,omitempty"`
	Title          string         `json:"title" validate:"required,max=500"`
	Description    string         `json:"description"`
	Status         Status         `json:"status,omitempty" validate:"omitempty,oneof=todo in_progress blocked done cancelled"`
	Priority       int            `json:"priority,omitempty" validate:"omitempty,min=1,max=5"`
	EstimatedHours *float64       `json:"estimatedHours,omitempty" validate:"omitempty,gte=0"`
	DueAt          *time.Time     `json:"dueAt,omitempty"`
	ScheduledAt    *time.Time     `json:"scheduledAt,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged. MergeContext
// keys are merged into the stored context; Context replaces it.
type Patch struct {
	Title          *string        `json:"title,omitempty" validate:"omitempty,min=1,max=500"`
	Description    *string        `json:"description,omitempty"`
	Status         *Status        `json:"status,omitempty" validate:"omitempty,oneof=todo in_progress blocked done cancelled"`
	Priority       *int           `json:"priority,omitempty" validate:"omitempty,min=1,max=5"`
	Progress       *int           `json:"progress,omitempty" validate:"omitempty,min=0,max=100"`
	EstimatedHours *float64       `json:"estimatedHours,omitempty" validate:"omitempty,gte=0"`
	ActualHours    *float64       `json:"actualHours,omitempty" validate:"omitempty,gte=0"`
	DueAt          *time.Time     `json:"dueAt,omitempty"`
	ScheduledAt    *time.Time     `json:"scheduledAt,omitempty"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	MergeContext   map[string]any `json:"mergeContext,omitempty"`
}

// Fields lists the names of the fields the patch sets.
func (p Patch) Fields() []string {
	var f []string
	add := func(set bool, name string) {
		if set {
			f = append(f, name)
		}
	}
	add(p.Title != nil, "title")
	add(p.Description != nil, "description")
	add(p.Status != nil, "status")
	add(p.Priority != nil, "priority")
	add(p.Progress != nil, "progress")
	add(p.EstimatedHours != nil, "estimatedHours")
	add(p.ActualHours != nil, "actualHours")
	add(p.DueAt != nil, "dueAt")
	add(p.ScheduledAt != nil, "scheduledAt")
	add(p.StartedAt != nil, "startedAt")
	add(p.CompletedAt != nil, "completedAt")
	add(p.Tags != nil, "tags")
	add(p.Context != nil || p.MergeContext != nil, "context")
	return f
}

// Filter narrows GetUserTasks. A nil ParentID matches any task; an empty
// one matches root tasks only. Tags match tasks sharing at least one tag.
type Filter struct {
	Status    Status
	ParentID  *string
	DueBefore *time.Time
	Tags      []string
	Limit     int
}

// Score is the assessment of a completed task, one per task.
type Score struct {
	TaskID       string    `json:"taskId"`
	UserID       string    `json:"userId"`
	Difficulty   int       `json:"difficulty" validate:"min=1,max=5"`
	Innovation   int       `json:"innovation" validate:"min=1,max=5"`
	Quality      int       `json:"quality" validate:"min=1,max=5"`
	Speed        int       `json:"speed" validate:"min=1,max=5"`
	OverallScore int       `json:"overallScore" validate:"min=0,max=100"`
	XPEarned     int       `json:"xpEarned" validate:"min=0"`
	Reasoning    string    `json:"reasoning,omitempty"`
	Highlights   []string  `json:"highlights,omitempty"`
	Improvements []string  `json:"improvements,omitempty"`
	UserFeedback string    `json:"userFeedback,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ScoreMetrics are the time metrics that accompany a score.
type ScoreMetrics struct {
	ActualHours    float64 `json:"actualHours"`
	EstimatedHours float64 `json:"estimatedHours"`
	SpeedRatio     float64 `json:"speedRatio"`
	OnTime         bool    `json:"onTime"`
	HasSubtasks    bool    `json:"hasSubtasks"`
}

// Scored pairs a task with its score. Score is nil for unscored tasks.
type Scored struct {
	Task
	Score *Score `json:"score,omitempty"`
}

// Store is the contract for task persistence.
type Store interface {
	Create(ctx context.Context, t *Task) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	// Update applies p and returns the updated task with the status it had
	// before the update.
	Update(ctx context.Context, id string, p Patch) (*Task, Status, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, userID string, f Filter) ([]Task, error)
	ByParent(ctx context.Context, parentID string) ([]Task, error)
	// Completed returns done, scored tasks completed since the given time,
	// newest first.
	Completed(ctx context.Context, userID string, since time.Time, limit int) ([]Scored, error)
	// Range returns tasks whose due, completion or creation date (first set
	// wins) falls in [start, end), with their scores when present.
	Range(ctx context.Context, userID string, start, end time.Time) ([]Scored, error)
	CompletionTimes(ctx context.Context, userID string, since time.Time) ([]time.Time, error)
	UpsertScore(ctx context.Context, s *Score) (*Score, error)
	GetScore(ctx context.Context, taskID string) (*Score, error)
	EnsureTable(ctx context.Context) error
}

// ValidationError reports rejected input.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks v against its struct tags and reports the first failure
// as a ValidationError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{
			Field:   lowerFirst(fe.Field()),
			Message: fmt.Sprintf("failed %s validation", strings.TrimSpace(fe.Tag()+" "+fe.Param())),
			Err:     err,
		}
	}
	return &ValidationError{Message: err.Error(), Err: err}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
