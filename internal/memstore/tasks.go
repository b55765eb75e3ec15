// Package memstore holds in-memory implementations of the persistence
// contracts. serve and orchestrate fall back to them when no database URL is
// configured, and tests across the module build on them.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sylvia/pkg/task"
)

// Tasks is an in-memory task.Store.
type Tasks struct {
	mu     sync.Mutex
	tasks  map[string]*task.Task
	scores map[string]*task.Score
	seq    map[string]int
	next   int
	Now    func() time.Time
}

// NewTasks creates an empty task store.
func NewTasks() *Tasks {
	return &Tasks{
		tasks:  make(map[string]*task.Task),
		scores: make(map[string]*task.Score),
		seq:    make(map[string]int),
		Now:    time.Now,
	}
}

func (s *Tasks) EnsureTable(context.Context) error { return nil }

// Put stores t as is, keeping its id and timestamps, and returns the id.
// Tests use it to seed history.
func (s *Tasks) Put(t task.Task) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	if t.Context == nil {
		t.Context = map[string]any{}
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	s.next++
	s.seq[t.ID] = s.next
	s.tasks[t.ID] = &t
	return t.ID
}

func (s *Tasks) Create(_ context.Context, t *task.Task) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	t.ID = uuid.Must(uuid.NewV7()).String()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = task.StatusTodo
	}
	if t.Priority == 0 {
		t.Priority = task.DefaultPriority
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.Context == nil {
		t.Context = map[string]any{}
	}
	if t.Status == task.StatusDone && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	s.next++
	s.seq[t.ID] = s.next
	s.tasks[t.ID] = clone(t)
	return clone(t), nil
}

func (s *Tasks) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return clone(t), nil
}

func (s *Tasks) Update(_ context.Context, id string, p task.Patch) (*task.Task, task.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, "", task.ErrNotFound
	}
	prev := t.Status
	now := s.Now()
	t.UpdatedAt = now

	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
		switch {
		case p.CompletedAt != nil:
		case t.Status != task.StatusDone:
			t.CompletedAt = nil
		case t.CompletedAt == nil:
			t.CompletedAt = &now
		}
		if t.Status == task.StatusInProgress && p.StartedAt == nil && t.StartedAt == nil {
			t.StartedAt = &now
		}
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Progress != nil {
		t.Progress = *p.Progress
	}
	if p.EstimatedHours != nil {
		t.EstimatedHours = ptr(*p.EstimatedHours)
	}
	if p.ActualHours != nil {
		t.ActualHours = ptr(*p.ActualHours)
	}
	if p.DueAt != nil {
		t.DueAt = ptr(*p.DueAt)
	}
	if p.ScheduledAt != nil {
		t.ScheduledAt = ptr(*p.ScheduledAt)
	}
	if p.StartedAt != nil {
		t.StartedAt = ptr(*p.StartedAt)
	}
	if p.CompletedAt != nil {
		t.CompletedAt = ptr(*p.CompletedAt)
	}
	if p.Tags != nil {
		t.Tags = append([]string{}, p.Tags...)
	}
	if p.Context != nil {
		t.Context = copyMap(p.Context)
	}
	for k, v := range p.MergeContext {
		t.Context[k] = v
	}
	return clone(t), prev, nil
}

func (s *Tasks) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return task.ErrNotFound
	}
	s.deleteTree(id)
	return nil
}

func (s *Tasks) deleteTree(id string) {
	for cid, c := range s.tasks {
		if c.ParentID == id {
			s.deleteTree(cid)
		}
	}
	delete(s.tasks, id)
	delete(s.scores, id)
	delete(s.seq, id)
}

func (s *Tasks) List(_ context.Context, userID string, f task.Filter) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Task
	for _, t := range s.tasks {
		if t.UserID != userID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.ParentID != nil && t.ParentID != *f.ParentID {
			continue
		}
		if f.DueBefore != nil && (t.DueAt == nil || !t.DueAt.Before(*f.DueBefore)) {
			continue
		}
		if len(f.Tags) > 0 && !overlaps(t.Tags, f.Tags) {
			continue
		}
		out = append(out, *clone(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] > s.seq[out[j].ID]
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Tasks) ByParent(_ context.Context, parentID string) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Task
	for _, t := range s.tasks {
		if t.ParentID == parentID {
			out = append(out, *clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

func (s *Tasks) Completed(_ context.Context, userID string, since time.Time, limit int) ([]task.Scored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Scored
	for _, t := range s.tasks {
		sc, ok := s.scores[t.ID]
		if t.UserID != userID || t.Status != task.StatusDone || t.CompletedAt == nil || t.CompletedAt.Before(since) || !ok {
			continue
		}
		cp := *sc
		out = append(out, task.Scored{Task: *clone(t), Score: &cp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(*out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Tasks) Range(_ context.Context, userID string, start, end time.Time) ([]task.Scored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Scored
	for _, t := range s.tasks {
		if t.UserID != userID {
			continue
		}
		key := rangeKey(t)
		if key.Before(start) || !key.Before(end) {
			continue
		}
		item := task.Scored{Task: *clone(t)}
		if sc, ok := s.scores[t.ID]; ok {
			cp := *sc
			item.Score = &cp
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return rangeKey(&out[i].Task).Before(rangeKey(&out[j].Task)) })
	return out, nil
}

func (s *Tasks) CompletionTimes(_ context.Context, userID string, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Time
	for _, t := range s.tasks {
		if t.UserID == userID && t.Status == task.StatusDone && t.CompletedAt != nil && !t.CompletedAt.Before(since) {
			out = append(out, *t.CompletedAt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *Tasks) UpsertScore(_ context.Context, sc *task.Score) (*task.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[sc.TaskID]; !ok {
		return nil, task.ErrNotFound
	}
	now := s.Now()
	cp := *sc
	if old, ok := s.scores[sc.TaskID]; ok {
		cp.CreatedAt = old.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.scores[sc.TaskID] = &cp
	out := cp
	return &out, nil
}

func (s *Tasks) GetScore(_ context.Context, taskID string) (*task.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scores[taskID]
	if !ok {
		return nil, task.ErrNotFound
	}
	out := *sc
	return &out, nil
}

// ScoreCount returns the number of stored scores.
func (s *Tasks) ScoreCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scores)
}

func rangeKey(t *task.Task) time.Time {
	switch {
	case t.DueAt != nil:
		return *t.DueAt
	case t.CompletedAt != nil:
		return *t.CompletedAt
	}
	return t.CreatedAt
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func clone(t *task.Task) *task.Task {
	cp := *t
	cp.Tags = append([]string{}, t.Tags...)
	cp.Context = copyMap(t.Context)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func ptr[T any](v T) *T { return &v }
