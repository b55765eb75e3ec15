package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFansOutAppends(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStream(t)
	bus := NewBus(s)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return at }

	a, b := bus.Subscribe(), bus.Subscribe()
	id, err := bus.Append(ctx, StreamML, TaskScored{TaskID: "t1", UserID: "u1", OverallScore: 80})
	require.NoError(t, err)

	for _, ch := range []chan Envelope{a, b} {
		env := <-ch
		assert.Equal(t, id, env.ID)
		assert.Equal(t, StreamML, env.Stream)
		assert.Equal(t, TypeTaskScored, env.Type())
		assert.Equal(t, at, env.At)
	}

	bus.Unsubscribe(a)
	_, ok := <-a
	assert.False(t, ok, "unsubscribe closes the channel")

	_, err = bus.Append(ctx, StreamML, TaskScored{TaskID: "t2", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "t2", (<-b).Event.Task())

	// The stream itself still holds both entries.
	envs, err := bus.Read(ctx, StreamML, StartCursor, 10*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Len(t, envs, 2)
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStream(t)
	bus := NewBus(s)
	ch := bus.Subscribe()

	for i := 0; i < cap(ch)+5; i++ {
		_, err := bus.Append(ctx, StreamTask, TaskUpdated{TaskID: "t1", UserID: "u1", Status: "todo"})
		require.NoError(t, err)
	}
	assert.Len(t, ch, cap(ch))
}
