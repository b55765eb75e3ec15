// Package cache is the Redis-backed fast-access layer: task mirrors, per-user
// indexes, TTL-bounded JSON snapshots, counters and workflow step memos.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const prefix = "sylvia:"

// TaskKey holds the JSON mirror of a task.
func TaskKey(taskID string) string { return prefix + "task:" + taskID }

// UserTasksKey is the per-user sorted set of task ids scored by creation time.
func UserTasksKey(userID string) string { return prefix + "user:" + userID + ":tasks" }

// UserXPKey holds the user's cumulative XP.
func UserXPKey(userID string) string { return prefix + "user:" + userID + ":xp" }

// ActiveUsersKey is the set of users the daily analysis fans out to.
func ActiveUsersKey() string { return prefix + "users:active" }

// RecommendationsKey holds the ML recommendation bundle.
func RecommendationsKey(userID string) string { return prefix + "recommendations:" + userID }

// CalendarKey holds a calendar analytics snapshot.
func CalendarKey(userID, start, end string) string {
	return prefix + "calendar:" + userID + ":" + start + ":" + end
}

// StepKey holds a memoized workflow step result.
func StepKey(runID, step string) string { return prefix + "workflow:" + runID + ":" + step }

// Redis implements the cache operations on a go-redis client.
type Redis struct {
	rdb redis.UniversalClient
}

// New creates a Redis cache.
func New(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

// SetJSON stores v as JSON. A zero ttl keeps the key indefinitely.
func (c *Redis) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetJSON decodes the value at key into dst. It reports false when the key
// is absent.
func (c *Redis) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes keys.
func (c *Redis) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// IndexByTime adds member to the sorted set at key, scored by at.
func (c *Redis) IndexByTime(ctx context.Context, key, member string, at time.Time) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: member}).Err()
}

// Unindex removes member from the sorted set at key.
func (c *Redis) Unindex(ctx context.Context, key, member string) error {
	return c.rdb.ZRem(ctx, key, member).Err()
}

// Newest returns up to limit members of the sorted set, newest first.
func (c *Redis) Newest(ctx context.Context, key string, limit int) ([]string, error) {
	return c.rdb.ZRevRange(ctx, key, 0, int64(limit-1)).Result()
}

// AddMember adds member to the set at key.
func (c *Redis) AddMember(ctx context.Context, key, member string) error {
	return c.rdb.SAdd(ctx, key, member).Err()
}

// Members returns the members of the set at key.
func (c *Redis) Members(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// SetInt stores n at key without expiry.
func (c *Redis) SetInt(ctx context.Context, key string, n int) error {
	return c.rdb.Set(ctx, key, strconv.Itoa(n), 0).Err()
}

// Int reads an integer counter; absent keys read as zero.
func (c *Redis) Int(ctx context.Context, key string) (int, error) {
	n, err := c.rdb.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Load returns a memoized step result.
func (c *Redis) Load(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", key, err)
	}
	return data, true, nil
}

// Save memoizes a step result.
func (c *Redis) Save(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
