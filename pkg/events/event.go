// Package events defines the typed task and ML lifecycle events and the
// append-only streams they travel on.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Stream names.
const (
	StreamTask = "events:task"
	StreamML   = "events:ml"
)

// Type discriminates the event variants.
type Type string

const (
	TypeTaskCreated         Type = "TASK_CREATED"
	TypeTaskUpdated         Type = "TASK_UPDATED"
	TypeTaskCompleted       Type = "TASK_COMPLETED"
	TypeTaskScored          Type = "TASK_SCORED"
	TypeAchievementUnlocked Type = "ACHIEVEMENT_UNLOCKED"
	TypeMetaPlanReady       Type = "META_PLAN_READY"
	TypeInsightsGenerated   Type = "INSIGHTS_GENERATED"
)

// Event is implemented by every event variant.
type Event interface {
	Type() Type
	User() string
	Task() string
}

// TaskCreated is emitted after a task row is durably written.
type TaskCreated struct {
	TaskID   string `json:"taskId"`
	UserID   string `json:"userId"`
	ParentID string `json:"parentId,omitempty"`
	Title    string `json:"title"`
}

// TaskUpdated is emitted on every successful update.
type TaskUpdated struct {
	TaskID string   `json:"taskId"`
	UserID string   `json:"userId"`
	Status string   `json:"status"`
	Fields []string `json:"fields,omitempty"`
}

// TaskCompleted is emitted when a task transitions to done.
type TaskCompleted struct {
	TaskID      string    `json:"taskId"`
	UserID      string    `json:"userId"`
	CompletedAt time.Time `json:"completedAt"`
}

// TaskScored carries the full score payload and the time metrics.
type TaskScored struct {
	TaskID         string  `json:"taskId"`
	UserID         string  `json:"userId"`
	Difficulty     int     `json:"difficulty"`
	Innovation     int     `json:"innovation"`
	Quality        int     `json:"quality"`
	Speed          int     `json:"speed"`
	OverallScore   int     `json:"overallScore"`
	XPEarned       int     `json:"xpEarned"`
	ActualHours    float64 `json:"actualHours,omitempty"`
	EstimatedHours float64 `json:"estimatedHours,omitempty"`
	SpeedRatio     float64 `json:"speedRatio,omitempty"`
	OnTime         bool    `json:"onTime"`
}

// AchievementUnlocked is emitted once per newly earned achievement.
type AchievementUnlocked struct {
	UserID string `json:"userId"`
	TaskID string `json:"taskId,omitempty"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
}

// MetaPlanReady is emitted when the planner has decomposed a root task.
type MetaPlanReady struct {
	TaskID       string `json:"taskId"`
	UserID       string `json:"userId"`
	SubtaskCount int    `json:"subtaskCount"`
	Complexity   int    `json:"complexity"`
}

// InsightsGenerated is emitted when the analyzer produced at least one insight.
type InsightsGenerated struct {
	UserID       string `json:"userId"`
	TaskID       string `json:"taskId,omitempty"`
	InsightCount int    `json:"insightCount"`
}

func (TaskCreated) Type() Type         { return TypeTaskCreated }
func (TaskUpdated) Type() Type         { return TypeTaskUpdated }
func (TaskCompleted) Type() Type       { return TypeTaskCompleted }
func (TaskScored) Type() Type          { return TypeTaskScored }
func (AchievementUnlocked) Type() Type { return TypeAchievementUnlocked }
func (MetaPlanReady) Type() Type       { return TypeMetaPlanReady }
func (InsightsGenerated) Type() Type   { return TypeInsightsGenerated }

func (e TaskCreated) User() string         { return e.UserID }
func (e TaskUpdated) User() string         { return e.UserID }
func (e TaskCompleted) User() string       { return e.UserID }
func (e TaskScored) User() string          { return e.UserID }
func (e AchievementUnlocked) User() string { return e.UserID }
func (e MetaPlanReady) User() string       { return e.UserID }
func (e InsightsGenerated) User() string   { return e.UserID }

func (e TaskCreated) Task() string         { return e.TaskID }
func (e TaskUpdated) Task() string         { return e.TaskID }
func (e TaskCompleted) Task() string       { return e.TaskID }
func (e TaskScored) Task() string          { return e.TaskID }
func (e AchievementUnlocked) Task() string { return e.TaskID }
func (e MetaPlanReady) Task() string       { return e.TaskID }
func (e InsightsGenerated) Task() string   { return e.TaskID }

// Envelope is a decoded stream entry.
type Envelope struct {
	ID     string    `json:"id"`
	Stream string    `json:"stream"`
	At     time.Time `json:"ts"`
	Event  Event     `json:"event"`
}

// Type returns the event type, or "" for an undecodable entry.
func (e Envelope) Type() Type {
	if e.Event == nil {
		return ""
	}
	return e.Event.Type()
}

// Encode flattens an event into stream entry fields.
func Encode(e Event, at time.Time) (map[string]any, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type(), err)
	}
	return map[string]any{
		"type":    string(e.Type()),
		"userId":  e.User(),
		"taskId":  e.Task(),
		"ts":      strconv.FormatInt(at.UnixMilli(), 10),
		"payload": string(payload),
	}, nil
}

// Decode turns raw stream entry fields into a typed Envelope.
func Decode(stream, id string, values map[string]any) (Envelope, error) {
	typ, _ := values["type"].(string)
	payload, _ := values["payload"].(string)

	var e Event
	var err error
	switch Type(typ) {
	case TypeTaskCreated:
		e, err = unmarshal[TaskCreated](payload)
	case TypeTaskUpdated:
		e, err = unmarshal[TaskUpdated](payload)
	case TypeTaskCompleted:
		e, err = unmarshal[TaskCompleted](payload)
	case TypeTaskScored:
		e, err = unmarshal[TaskScored](payload)
	case TypeAchievementUnlocked:
		e, err = unmarshal[AchievementUnlocked](payload)
	case TypeMetaPlanReady:
		e, err = unmarshal[MetaPlanReady](payload)
	case TypeInsightsGenerated:
		e, err = unmarshal[InsightsGenerated](payload)
	default:
		return Envelope{}, fmt.Errorf("entry %s: unknown event type %q", id, typ)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("entry %s (%s): %w", id, typ, err)
	}

	env := Envelope{ID: id, Stream: stream, Event: e}
	if ts, ok := values["ts"].(string); ok {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			env.At = time.UnixMilli(ms)
		}
	}
	return env, nil
}

func unmarshal[T Event](payload string) (Event, error) {
	var v T
	if payload == "" {
		return v, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return v, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}
