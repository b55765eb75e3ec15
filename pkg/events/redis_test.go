package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStream(t *testing.T) (*RedisStream, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStream(rdb, 0, nil), rdb
}

func TestRedisStreamAppendAndRead(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStream(t)

	id1, err := s.Append(ctx, StreamTask, TaskCreated{TaskID: "t1", UserID: "u1", Title: "write report"})
	require.NoError(t, err)
	id2, err := s.Append(ctx, StreamTask, TaskCompleted{TaskID: "t1", UserID: "u1", CompletedAt: time.Now().UTC().Truncate(time.Second)})
	require.NoError(t, err)

	envs, err := s.Read(ctx, StreamTask, StartCursor, 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, id1, envs[0].ID)
	assert.Equal(t, TypeTaskCreated, envs[0].Type())
	assert.Equal(t, id2, envs[1].ID)
	assert.Equal(t, TypeTaskCompleted, envs[1].Type())

	// Reading from the last id yields nothing new.
	envs, err = s.Read(ctx, StreamTask, id2, 10*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestRedisStreamTail(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStream(t)

	tail, err := s.Tail(ctx, StreamML)
	require.NoError(t, err)
	assert.Equal(t, StartCursor, tail)

	id, err := s.Append(ctx, StreamML, InsightsGenerated{UserID: "u1", InsightCount: 3})
	require.NoError(t, err)

	tail, err = s.Tail(ctx, StreamML)
	require.NoError(t, err)
	assert.Equal(t, id, tail)
}

func TestRedisStreamSkipsUndecodableEntries(t *testing.T) {
	ctx := context.Background()
	s, rdb := newTestRedisStream(t)

	badID, err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: StreamTask, Values: map[string]any{"type": "NOPE"}}).Result()
	require.NoError(t, err)
	_, err = s.Append(ctx, StreamTask, TaskCreated{TaskID: "t2", UserID: "u1"})
	require.NoError(t, err)

	envs, err := s.Read(ctx, StreamTask, StartCursor, 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, badID, envs[0].ID)
	assert.Nil(t, envs[0].Event)
	assert.Equal(t, TypeTaskCreated, envs[1].Type())
}

func TestBusOverRedisStream(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStream(t)
	bus := NewBus(s)

	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	id, err := bus.Append(ctx, StreamTask, MetaPlanReady{TaskID: "t1", UserID: "u1", SubtaskCount: 3, Complexity: 4})
	require.NoError(t, err)

	select {
	case env := <-ch:
		assert.Equal(t, id, env.ID)
		assert.Equal(t, TypeMetaPlanReady, env.Type())
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the appended event")
	}
}
