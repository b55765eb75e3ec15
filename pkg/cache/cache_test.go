package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestJSONRoundTripWithTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	type bundle struct {
		Hours []int `json:"hours"`
	}
	key := RecommendationsKey("u1")
	require.NoError(t, c.SetJSON(ctx, key, bundle{Hours: []int{9, 14}}, time.Hour))

	var got bundle
	ok, err := c.GetJSON(ctx, key, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int{9, 14}, got.Hours)

	mr.FastForward(time.Hour + time.Second)
	ok, err = c.GetJSON(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, ok, "bundle should have expired")
}

func TestIndexNewestFirst(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	key := UserTasksKey("u1")
	require.NoError(t, c.IndexByTime(ctx, key, "a", base))
	require.NoError(t, c.IndexByTime(ctx, key, "b", base.Add(time.Hour)))
	require.NoError(t, c.IndexByTime(ctx, key, "c", base.Add(2*time.Hour)))
	require.NoError(t, c.Unindex(ctx, key, "b"))

	got, err := c.Newest(ctx, key, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, got)
}

func TestCountersAndSets(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	n, err := c.Int(ctx, UserXPKey("u1"))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, c.SetInt(ctx, UserXPKey("u1"), 42))
	n, err = c.Int(ctx, UserXPKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	require.NoError(t, c.AddMember(ctx, ActiveUsersKey(), "u1"))
	require.NoError(t, c.AddMember(ctx, ActiveUsersKey(), "u2"))
	require.NoError(t, c.AddMember(ctx, ActiveUsersKey(), "u1"))
	members, err := c.Members(ctx, ActiveUsersKey())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, members)
}

func TestStepMemo(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	key := StepKey("planner:1-0", "subtask-0")
	_, ok, err := c.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Save(ctx, key, []byte(`"task-123"`), time.Minute))
	data, ok, err := c.Load(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `"task-123"`, string(data))
}
