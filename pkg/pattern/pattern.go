// Package pattern stores the per-user behavioral beliefs derived by the
// analyzer, one record per (user, pattern type).
package pattern

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

// Pattern types written by the analyzer.
const (
	TypeOptimalScheduling  = "optimal_scheduling"
	TypeComplexityHandling = "complexity_handling"
	TypeAIInsights         = "ai_insights"
)

// ErrNotFound is returned when no pattern of the requested type exists.
var ErrNotFound = errors.New("pattern not found")

// Pattern is a confidence-weighted belief about a user's behavior.
type Pattern struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Type       string          `json:"patternType"`
	Data       json.RawMessage `json:"patternData"`
	Confidence float64         `json:"confidenceScore"`
	SampleSize int             `json:"sampleSize"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Store is the contract for pattern persistence.
type Store interface {
	// Upsert writes p, replacing the user's previous pattern of the same type.
	Upsert(ctx context.Context, p *Pattern) (*Pattern, error)
	Get(ctx context.Context, userID, patternType string) (*Pattern, error)
	List(ctx context.Context, userID string) ([]Pattern, error)
	EnsureTable(ctx context.Context) error
}

// Confidence maps a sample size to a confidence in [0, 1] that reaches 1 at
// saturation samples.
func Confidence(samples, saturation int) float64 {
	if samples <= 0 || saturation <= 0 {
		return 0
	}
	return math.Min(float64(samples)/float64(saturation), 1)
}

// Clamp bounds a confidence to [0, 1].
func Clamp(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
