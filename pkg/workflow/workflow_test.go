package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapMemo struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (m *mapMemo) Load(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	return v, ok, nil
}

func (m *mapMemo) Save(_ context.Context, key string, data []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = data
	return nil
}

func fastPolicy() Policy {
	return Policy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MemoTTL: time.Minute}
}

func TestStepMemoizesAcrossRuns(t *testing.T) {
	ctx := context.Background()
	runner := NewRunner(&mapMemo{m: map[string][]byte{}}, fastPolicy(), nil)

	calls := 0
	create := func(context.Context) (string, error) {
		calls++
		return "child-1", nil
	}

	got, err := Step(ctx, runner.Start("planner:t1"), "subtask-0", create)
	require.NoError(t, err)
	assert.Equal(t, "child-1", got)

	// Redelivery of the same run replays the stored result.
	got, err = Step(ctx, runner.Start("planner:t1"), "subtask-0", create)
	require.NoError(t, err)
	assert.Equal(t, "child-1", got)
	assert.Equal(t, 1, calls)

	// A different run executes again.
	_, err = Step(ctx, runner.Start("planner:t2"), "subtask-0", create)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestStepRetriesTransientFailures(t *testing.T) {
	runner := NewRunner(nil, fastPolicy(), nil)
	calls := 0
	got, err := Step(context.Background(), runner.Start("r"), "flaky", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestStepGivesUpAfterMaxRetries(t *testing.T) {
	runner := NewRunner(nil, fastPolicy(), nil)
	calls := 0
	boom := errors.New("upstream 503")
	_, err := Step(context.Background(), runner.Start("r"), "down", func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls, "one attempt plus three retries")
}

func TestHaltStopsRetrying(t *testing.T) {
	memo := &mapMemo{m: map[string][]byte{}}
	runner := NewRunner(memo, fastPolicy(), nil)
	calls := 0
	bad := errors.New("unparseable")
	err := Do(context.Background(), runner.Start("r"), "judge", func(context.Context) error {
		calls++
		return Halt(bad)
	})
	require.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
	assert.Empty(t, memo.m, "failed steps are not memoized")
}
