// Package achievement keeps the XP ledger and the catalog of unlockable
// achievements. Unlock rules are condition descriptors stored with each
// catalog entry and evaluated against the facts of a scored task.
package achievement

import (
	"context"
	"fmt"
	"time"
)

// Fact names available to conditions.
const (
	FactDifficulty             = "difficulty"
	FactInnovation             = "innovation"
	FactQuality                = "quality"
	FactSpeed                  = "speed"
	FactOverall                = "overall"
	FactXP                     = "xp"
	FactOnTime                 = "on_time"
	FactHasSubtasks            = "has_subtasks"
	FactTotalXP                = "total_xp"
	FactTasksCompleted         = "tasks_completed"
	FactPreviousTasksCompleted = "previous_tasks_completed"
)

// Facts are the numeric values a condition is evaluated against.
type Facts map[string]float64

// Bool encodes a flag as a fact value.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Op is a comparison operator of a leaf condition.
type Op string

const (
	OpEq  Op = "eq"
	OpGte Op = "gte"
	OpGt  Op = "gt"
	OpLte Op = "lte"
	OpLt  Op = "lt"
)

// Condition is either a combinator (All / Any) or a leaf comparing a fact
// with a value.
type Condition struct {
	All    []Condition `json:"all,omitempty"`
	Any    []Condition `json:"any,omitempty"`
	Metric string      `json:"metric,omitempty"`
	Op     Op          `json:"op,omitempty"`
	Value  float64     `json:"value,omitempty"`
}

// Eval reports whether the facts satisfy the condition. An empty condition
// or a missing fact never matches.
func (c Condition) Eval(f Facts) bool {
	switch {
	case len(c.All) > 0:
		for _, sub := range c.All {
			if !sub.Eval(f) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for _, sub := range c.Any {
			if sub.Eval(f) {
				return true
			}
		}
		return false
	case c.Metric == "":
		return false
	}
	v, ok := f[c.Metric]
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return v == c.Value
	case OpGte:
		return v >= c.Value
	case OpGt:
		return v > c.Value
	case OpLte:
		return v <= c.Value
	case OpLt:
		return v < c.Value
	}
	return false
}

// Validate checks that every leaf names a metric and a known operator.
func (c Condition) Validate() error {
	for _, sub := range append(append([]Condition{}, c.All...), c.Any...) {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	if len(c.All) > 0 || len(c.Any) > 0 {
		return nil
	}
	if c.Metric == "" {
		return fmt.Errorf("condition has no metric")
	}
	switch c.Op {
	case OpEq, OpGte, OpGt, OpLte, OpLt:
		return nil
	}
	return fmt.Errorf("metric %s: unknown op %q", c.Metric, c.Op)
}

// Leaf builds a single comparison.
func Leaf(metric string, op Op, value float64) Condition {
	return Condition{Metric: metric, Op: op, Value: value}
}

// All builds a conjunction.
func All(cs ...Condition) Condition { return Condition{All: cs} }

// Achievement is a catalog entry.
type Achievement struct {
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Conditions  Condition `json:"conditions"`
}

// Earned is an achievement a user has unlocked.
type Earned struct {
	Achievement
	TaskID   string    `json:"taskId,omitempty"`
	EarnedAt time.Time `json:"earnedAt"`
}

// Stats are a user's cumulative counters.
type Stats struct {
	UserID         string `json:"userId"`
	TotalXP        int    `json:"totalXp"`
	TasksCompleted int    `json:"tasksCompleted"`
}

// Credit is the XP awarded for one scored task. Facts carry the score
// dimensions; the counters are added by the store.
type Credit struct {
	UserID string
	TaskID string
	XP     int
	Facts  Facts
}

// Outcome is the result of applying a Credit.
type Outcome struct {
	Stats
	// FirstCredit is false when the task had already been credited and only
	// the XP delta was applied.
	FirstCredit bool          `json:"firstCredit"`
	Unlocked    []Achievement `json:"unlocked"`
}

// Store is the contract for the ledger and the catalog.
type Store interface {
	// Credit applies the credit and unlocks newly satisfied achievements in
	// one transaction serialized per user.
	Credit(ctx context.Context, c Credit) (*Outcome, error)
	Stats(ctx context.Context, userID string) (*Stats, error)
	Earned(ctx context.Context, userID string) ([]Earned, error)
	Catalog(ctx context.Context) ([]Achievement, error)
	Seed(ctx context.Context, catalog []Achievement) error
	EnsureTable(ctx context.Context) error
}

// DefaultCatalog is seeded by migrate.
func DefaultCatalog() []Achievement {
	return []Achievement{
		{
			Slug:        "first_blood",
			Name:        "First Blood",
			Description: "Complete your first task.",
			Conditions: All(
				Leaf(FactPreviousTasksCompleted, OpEq, 0),
				Leaf(FactTasksCompleted, OpEq, 1),
			),
		},
		{
			Slug:        "innovator",
			Name:        "Innovator",
			Description: "Score 4+ on innovation with at least 50 XP banked.",
			Conditions: All(
				Leaf(FactInnovation, OpGte, 4),
				Leaf(FactTotalXP, OpGte, 50),
			),
		},
		{
			Slug:        "speed_demon",
			Name:        "Speed Demon",
			Description: "Finish a task on time with a speed score of 4+.",
			Conditions: All(
				Leaf(FactSpeed, OpGte, 4),
				Leaf(FactOnTime, OpEq, 1),
			),
		},
		{
			Slug:        "perfectionist",
			Name:        "Perfectionist",
			Description: "Earn a perfect quality score.",
			Conditions:  Leaf(FactQuality, OpEq, 5),
		},
		{
			Slug:        "centurion",
			Name:        "Centurion",
			Description: "Bank 100 XP.",
			Conditions:  Leaf(FactTotalXP, OpGte, 100),
		},
		{
			Slug:        "marathoner",
			Name:        "Marathoner",
			Description: "Complete ten tasks.",
			Conditions:  Leaf(FactTasksCompleted, OpGte, 10),
		},
	}
}

// Unlockable returns the catalog entries not yet earned whose conditions
// hold for the facts.
func Unlockable(catalog []Achievement, earned map[string]bool, f Facts) []Achievement {
	var out []Achievement
	for _, a := range catalog {
		if earned[a.Slug] {
			continue
		}
		if a.Conditions.Eval(f) {
			out = append(out, a)
		}
	}
	return out
}
