package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sylvia/pkg/achievement"
	"sylvia/pkg/pattern"
	"sylvia/pkg/session"
)

// Patterns is an in-memory pattern.Store.
type Patterns struct {
	mu sync.Mutex
	m  map[string]*pattern.Pattern
}

// NewPatterns creates an empty pattern store.
func NewPatterns() *Patterns {
	return &Patterns{m: make(map[string]*pattern.Pattern)}
}

func (s *Patterns) EnsureTable(context.Context) error { return nil }

func (s *Patterns) Upsert(_ context.Context, p *pattern.Pattern) (*pattern.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	key := p.UserID + "\x00" + p.Type
	cp := *p
	cp.Confidence = pattern.Clamp(cp.Confidence)
	cp.Data = append([]byte{}, p.Data...)
	if old, ok := s.m[key]; ok {
		cp.ID, cp.CreatedAt = old.ID, old.CreatedAt
	} else {
		cp.ID, cp.CreatedAt = uuid.Must(uuid.NewV7()).String(), now
	}
	cp.UpdatedAt = now
	s.m[key] = &cp
	out := cp
	return &out, nil
}

func (s *Patterns) Get(_ context.Context, userID, patternType string) (*pattern.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[userID+"\x00"+patternType]
	if !ok {
		return nil, pattern.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *Patterns) List(_ context.Context, userID string) ([]pattern.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pattern.Pattern
	for _, p := range s.m {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

// Ledger is an in-memory achievement.Store. A single mutex serializes all
// credits.
type Ledger struct {
	mu      sync.Mutex
	catalog []achievement.Achievement
	stats   map[string]*achievement.Stats
	credits map[string]int
	earned  map[string][]achievement.Earned
}

// NewLedger creates a ledger seeded with catalog.
func NewLedger(catalog []achievement.Achievement) *Ledger {
	return &Ledger{
		catalog: append([]achievement.Achievement{}, catalog...),
		stats:   make(map[string]*achievement.Stats),
		credits: make(map[string]int),
		earned:  make(map[string][]achievement.Earned),
	}
}

func (l *Ledger) EnsureTable(context.Context) error { return nil }

func (l *Ledger) Seed(_ context.Context, catalog []achievement.Achievement) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bySlug := map[string]int{}
	for i, a := range l.catalog {
		bySlug[a.Slug] = i
	}
	for _, a := range catalog {
		if err := a.Conditions.Validate(); err != nil {
			return err
		}
		if i, ok := bySlug[a.Slug]; ok {
			l.catalog[i] = a
			continue
		}
		l.catalog = append(l.catalog, a)
	}
	return nil
}

func (l *Ledger) Catalog(context.Context) ([]achievement.Achievement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]achievement.Achievement{}, l.catalog...), nil
}

func (l *Ledger) Credit(_ context.Context, c achievement.Credit) (*achievement.Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.stats[c.UserID]
	if !ok {
		st = &achievement.Stats{UserID: c.UserID}
		l.stats[c.UserID] = st
	}
	previous := st.TasksCompleted
	credited, seen := l.credits[c.TaskID]
	l.credits[c.TaskID] = c.XP
	st.TotalXP += c.XP - credited
	if !seen {
		st.TasksCompleted++
	}

	facts := achievement.Facts{}
	for k, v := range c.Facts {
		facts[k] = v
	}
	facts[achievement.FactXP] = float64(c.XP)
	facts[achievement.FactTotalXP] = float64(st.TotalXP)
	facts[achievement.FactTasksCompleted] = float64(st.TasksCompleted)
	facts[achievement.FactPreviousTasksCompleted] = float64(previous)

	have := map[string]bool{}
	for _, e := range l.earned[c.UserID] {
		have[e.Slug] = true
	}
	out := &achievement.Outcome{Stats: *st, FirstCredit: !seen}
	now := time.Now()
	for _, a := range achievement.Unlockable(l.catalog, have, facts) {
		l.earned[c.UserID] = append(l.earned[c.UserID], achievement.Earned{Achievement: a, TaskID: c.TaskID, EarnedAt: now})
		out.Unlocked = append(out.Unlocked, a)
	}
	return out, nil
}

func (l *Ledger) Stats(_ context.Context, userID string) (*achievement.Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.stats[userID]; ok {
		out := *st
		return &out, nil
	}
	return &achievement.Stats{UserID: userID}, nil
}

func (l *Ledger) Earned(_ context.Context, userID string) ([]achievement.Earned, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]achievement.Earned{}, l.earned[userID]...), nil
}

// Sessions is an in-memory session.Store.
type Sessions struct {
	mu      sync.Mutex
	entries []session.Entry
}

// NewSessions creates an empty session store.
func NewSessions() *Sessions { return &Sessions{} }

func (s *Sessions) EnsureTable(context.Context) error { return nil }

func (s *Sessions) Log(_ context.Context, e *session.Entry) (*session.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.Must(uuid.NewV7()).String()
	e.CreatedAt = time.Now()
	e.Hours = e.Duration()
	s.entries = append(s.entries, *e)
	out := *e
	return &out, nil
}

func (s *Sessions) Range(_ context.Context, userID string, start, end time.Time) ([]session.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []session.Entry
	for _, e := range s.entries {
		if e.UserID == userID && !e.StartedAt.Before(start) && e.StartedAt.Before(end) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
