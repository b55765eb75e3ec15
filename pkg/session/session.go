// Package session records time-tracking entries with an optional self-rated
// energy level.
package session

import (
	"context"
	"time"
)

// Entry is a logged block of work.
type Entry struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId" validate:"required"`
	TaskID      string     `json:"taskId,omitempty"`
	StartedAt   time.Time  `json:"startedAt" validate:"required"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	Hours       float64    `json:"hours" validate:"gte=0"`
	EnergyLevel *int       `json:"energyLevel,omitempty" validate:"omitempty,min=1,max=5"`
	Notes       string     `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Duration returns the logged hours, deriving them from the end time when
// none were given.
func (e *Entry) Duration() float64 {
	if e.Hours > 0 || e.EndedAt == nil {
		return e.Hours
	}
	h := e.EndedAt.Sub(e.StartedAt).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// Store is the contract for session persistence.
type Store interface {
	Log(ctx context.Context, e *Entry) (*Entry, error)
	// Range returns entries started in [start, end), oldest first.
	Range(ctx context.Context, userID string, start, end time.Time) ([]Entry, error)
	EnsureTable(ctx context.Context) error
}
