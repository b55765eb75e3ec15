package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sylvia/pkg/achievement"
	"sylvia/pkg/cache"
	"sylvia/pkg/events"
	"sylvia/pkg/pattern"
)

// Cache is the fast-access mirror the service keeps next to the store.
type Cache interface {
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	IndexByTime(ctx context.Context, key, member string, at time.Time) error
	Unindex(ctx context.Context, key, member string) error
	AddMember(ctx context.Context, key, member string) error
	SetInt(ctx context.Context, key string, n int) error
}

// Ledger credits XP and unlocks achievements.
type Ledger interface {
	Credit(ctx context.Context, c achievement.Credit) (*achievement.Outcome, error)
}

// ScoreResult is returned by ScoreTask.
type ScoreResult struct {
	Score    *Score                    `json:"score"`
	Stats    achievement.Stats         `json:"stats"`
	Unlocked []achievement.Achievement `json:"unlocked"`
}

// Service owns task mutations: every write goes to the store first, then to
// the cache mirror, then onto the task event stream.
type Service struct {
	store    Store
	patterns pattern.Store
	ledger   Ledger
	cache    Cache
	events   events.Appender
	log      *slog.Logger
}

// NewService creates a Service. cache may be nil.
func NewService(store Store, patterns pattern.Store, ledger Ledger, c Cache, ev events.Appender, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		patterns: patterns,
		ledger:   ledger,
		cache:    c,
		events:   ev,
		log:      log.With("component", "tasks"),
	}
}

// CreateTask validates and stores a new task, then announces it.
func (s *Service) CreateTask(ctx context.Context, userID string, in NewTask) (*Task, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Message: "required"}
	}
	if err := Validate(in); err != nil {
		return nil, err
	}
	if in.ParentID != "" {
		parent, err := s.store.Get(ctx, in.ParentID)
		if errors.Is(err, ErrNotFound) {
			return nil, &ValidationError{Field: "parentId", Message: "parent task not found", Err: err}
		}
		if err != nil {
			return nil, err
		}
		if parent.UserID != userID {
			return nil, &ValidationError{Field: "parentId", Message: "parent task belongs to another user"}
		}
	}

	t, err := s.store.Create(ctx, &Task{
		UserID:         userID,
		ParentID:       in.ParentID,
		Title:          in.Title,
		Description:    in.Description,
		Status:         in.Status,
		Priority:       in.Priority,
		EstimatedHours: in.EstimatedHours,
		DueAt:          in.DueAt,
		ScheduledAt:    in.ScheduledAt,
		Tags:           in.Tags,
		Context:        in.Context,
	})
	if err != nil {
		return nil, err
	}

	s.mirror(ctx, t)
	if s.cache != nil {
		if err := s.cache.IndexByTime(ctx, cache.UserTasksKey(userID), t.ID, t.CreatedAt); err != nil {
			s.log.Warn("index task", "task", t.ID, "err", err)
		}
		if err := s.cache.AddMember(ctx, cache.ActiveUsersKey(), userID); err != nil {
			s.log.Warn("mark user active", "user", userID, "err", err)
		}
	}

	if err := s.emit(ctx, events.StreamTask, events.TaskCreated{
		TaskID: t.ID, UserID: userID, ParentID: t.ParentID, Title: t.Title,
	}); err != nil {
		return t, err
	}
	return t, nil
}

// UpdateTask applies a partial update. A transition into done emits
// TASK_COMPLETED after the unconditional TASK_UPDATED.
func (s *Service) UpdateTask(ctx context.Context, id string, p Patch) (*Task, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	t, prev, err := s.store.Update(ctx, id, p)
	if errors.Is(err, ErrNotFound) {
		return nil, &ValidationError{Field: "id", Message: fmt.Sprintf("task %s not found", id), Err: err}
	}
	if err != nil {
		return nil, err
	}
	s.mirror(ctx, t)

	if err := s.emit(ctx, events.StreamTask, events.TaskUpdated{
		TaskID: t.ID, UserID: t.UserID, Status: string(t.Status), Fields: p.Fields(),
	}); err != nil {
		return t, err
	}
	if t.Status == StatusDone && prev != StatusDone && t.CompletedAt != nil {
		if err := s.emit(ctx, events.StreamTask, events.TaskCompleted{
			TaskID: t.ID, UserID: t.UserID, CompletedAt: *t.CompletedAt,
		}); err != nil {
			return t, err
		}
	}
	return t, nil
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.store.Get(ctx, id)
}

// GetUserTasks returns the user's tasks matching f, newest first.
func (s *Service) GetUserTasks(ctx context.Context, userID string, f Filter) ([]Task, error) {
	return s.store.List(ctx, userID, f)
}

// Subtasks returns the direct children of a task in planned order.
func (s *Service) Subtasks(ctx context.Context, parentID string) ([]Task, error) {
	return s.store.ByParent(ctx, parentID)
}

// RecentCompleted returns scored completions since the given time.
func (s *Service) RecentCompleted(ctx context.Context, userID string, since time.Time, limit int) ([]Scored, error) {
	return s.store.Completed(ctx, userID, since, limit)
}

// DeleteTask removes a task and its subtasks.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	children, err := s.store.ByParent(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if s.cache == nil {
		return nil
	}
	for _, id := range append([]string{t.ID}, taskIDs(children)...) {
		if err := s.cache.Delete(ctx, cache.TaskKey(id)); err != nil {
			s.log.Warn("drop task mirror", "task", id, "err", err)
		}
		if err := s.cache.Unindex(ctx, cache.UserTasksKey(t.UserID), id); err != nil {
			s.log.Warn("unindex task", "task", id, "err", err)
		}
	}
	return nil
}

// ScoreTask upserts the score of a task, credits the XP and achievements,
// and announces the score and any unlocks.
func (s *Service) ScoreTask(ctx context.Context, sc Score, m ScoreMetrics) (*ScoreResult, error) {
	t, err := s.store.Get(ctx, sc.TaskID)
	if err != nil {
		return nil, err
	}
	sc.UserID = t.UserID
	if err := Validate(sc); err != nil {
		return nil, err
	}

	saved, err := s.store.UpsertScore(ctx, &sc)
	if err != nil {
		return nil, err
	}

	outcome, err := s.ledger.Credit(ctx, achievement.Credit{
		UserID: t.UserID,
		TaskID: t.ID,
		XP:     saved.XPEarned,
		Facts: achievement.Facts{
			achievement.FactDifficulty:  float64(saved.Difficulty),
			achievement.FactInnovation:  float64(saved.Innovation),
			achievement.FactQuality:     float64(saved.Quality),
			achievement.FactSpeed:       float64(saved.Speed),
			achievement.FactOverall:     float64(saved.OverallScore),
			achievement.FactOnTime:      achievement.Bool(m.OnTime),
			achievement.FactHasSubtasks: achievement.Bool(m.HasSubtasks),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("credit task %s: %w", t.ID, err)
	}

	if s.cache != nil {
		if err := s.cache.SetInt(ctx, cache.UserXPKey(t.UserID), outcome.TotalXP); err != nil {
			s.log.Warn("mirror xp", "user", t.UserID, "err", err)
		}
	}

	res := &ScoreResult{Score: saved, Stats: outcome.Stats, Unlocked: outcome.Unlocked}
	if err := s.emit(ctx, events.StreamTask, ScoredEvent(saved, m)); err != nil {
		return res, err
	}
	for _, a := range outcome.Unlocked {
		if err := s.emit(ctx, events.StreamTask, events.AchievementUnlocked{
			UserID: t.UserID, TaskID: t.ID, Slug: a.Slug, Name: a.Name,
		}); err != nil {
			return res, err
		}
	}
	return res, nil
}

// ScoredEvent builds the TASK_SCORED event for a score.
func ScoredEvent(sc *Score, m ScoreMetrics) events.TaskScored {
	return events.TaskScored{
		TaskID:         sc.TaskID,
		UserID:         sc.UserID,
		Difficulty:     sc.Difficulty,
		Innovation:     sc.Innovation,
		Quality:        sc.Quality,
		Speed:          sc.Speed,
		OverallScore:   sc.OverallScore,
		XPEarned:       sc.XPEarned,
		ActualHours:    m.ActualHours,
		EstimatedHours: m.EstimatedHours,
		SpeedRatio:     m.SpeedRatio,
		OnTime:         m.OnTime,
	}
}

// StorePattern upserts the user's pattern of the given type.
func (s *Service) StorePattern(ctx context.Context, userID, patternType string, data any, confidence float64, sampleSize int) (*pattern.Pattern, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s pattern: %w", patternType, err)
	}
	return s.patterns.Upsert(ctx, &pattern.Pattern{
		UserID:     userID,
		Type:       patternType,
		Data:       raw,
		Confidence: pattern.Clamp(confidence),
		SampleSize: sampleSize,
	})
}

// GetPatterns returns the user's patterns, or only the given type when
// patternType is set.
func (s *Service) GetPatterns(ctx context.Context, userID, patternType string) ([]pattern.Pattern, error) {
	if patternType == "" {
		return s.patterns.List(ctx, userID)
	}
	p, err := s.patterns.Get(ctx, userID, patternType)
	if errors.Is(err, pattern.ErrNotFound) {
		return []pattern.Pattern{}, nil
	}
	if err != nil {
		return nil, err
	}
	return []pattern.Pattern{*p}, nil
}

func (s *Service) mirror(ctx context.Context, t *Task) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJSON(ctx, cache.TaskKey(t.ID), t, 0); err != nil {
		s.log.Warn("mirror task", "task", t.ID, "err", err)
	}
}

func (s *Service) emit(ctx context.Context, stream string, e events.Event) error {
	id, err := s.events.Append(ctx, stream, e)
	if err != nil {
		return fmt.Errorf("emit %s: %w", e.Type(), err)
	}
	s.log.Debug("event appended", "stream", stream, "type", e.Type(), "id", id, "task", e.Task())
	return nil
}

func taskIDs(ts []Task) []string {
	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.ID
	}
	return ids
}
