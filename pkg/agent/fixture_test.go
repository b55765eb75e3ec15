package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"sylvia/internal/memstore"
	"sylvia/pkg/achievement"
	"sylvia/pkg/cache"
	"sylvia/pkg/events"
	"sylvia/pkg/llm"
	"sylvia/pkg/task"
	"sylvia/pkg/workflow"
)

type appended struct {
	stream string
	event  events.Event
}

type recorder struct {
	mu  sync.Mutex
	all []appended
}

func (r *recorder) Append(_ context.Context, stream string, e events.Event) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, appended{stream, e})
	return "1-0", nil
}

func (r *recorder) of(stream string, typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, a := range r.all {
		if a.stream == stream && a.event.Type() == typ {
			out = append(out, a.event)
		}
	}
	return out
}

// scripted replies in order and counts calls.
type scripted struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (s *scripted) Generate(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.prompts = append(s.prompts, prompt)
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if len(s.replies) == 0 {
		return "", nil
	}
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return s.replies[i], nil
}

var _ llm.Generator = (*scripted)(nil)

type fixture struct {
	store    *memstore.Tasks
	patterns *memstore.Patterns
	sessions *memstore.Sessions
	svc      *task.Service
	cache    *cache.Redis
	events   *recorder
	runner   *workflow.Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		store:    memstore.NewTasks(),
		patterns: memstore.NewPatterns(),
		sessions: memstore.NewSessions(),
		cache:    cache.New(rdb),
		events:   &recorder{},
	}
	f.svc = task.NewService(f.store, f.patterns, memstore.NewLedger(achievement.DefaultCatalog()), f.cache, f.events, nil)
	f.runner = workflow.NewRunner(f.cache, workflow.Policy{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MemoTTL:         time.Minute,
	}, nil)
	return f
}

// seedScored stores a done task completed at the given time with a score.
func (f *fixture) seedScored(t *testing.T, user string, completed time.Time, difficulty, quality, speed int, est, actual float64) {
	t.Helper()
	created := completed.Add(-2 * time.Hour)
	id := f.store.Put(task.Task{
		UserID:         user,
		Title:          "history",
		Status:         task.StatusDone,
		Priority:       3,
		EstimatedHours: &est,
		ActualHours:    &actual,
		CompletedAt:    &completed,
		CreatedAt:      created,
		UpdatedAt:      completed,
	})
	_, err := f.store.UpsertScore(context.Background(), &task.Score{
		TaskID: id, UserID: user, Difficulty: difficulty, Innovation: 3, Quality: quality, Speed: speed,
		OverallScore: OverallScore(difficulty, 3, quality, speed),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func fptr(v float64) *float64 { return &v }
