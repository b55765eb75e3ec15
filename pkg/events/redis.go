package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStream is a Stream backed by Redis streams (XADD / XREAD BLOCK).
type RedisStream struct {
	rdb    redis.UniversalClient
	maxLen int64
	now    func() time.Time
	log    *slog.Logger
}

// NewRedisStream creates a RedisStream. maxLen caps each stream
// approximately; zero keeps everything.
func NewRedisStream(rdb redis.UniversalClient, maxLen int64, log *slog.Logger) *RedisStream {
	if log == nil {
		log = slog.Default()
	}
	return &RedisStream{rdb: rdb, maxLen: maxLen, now: time.Now, log: log.With("component", "stream")}
}

// Append adds e to the stream.
func (s *RedisStream) Append(ctx context.Context, stream string, e Event) (string, error) {
	values, err := Encode(e, s.now())
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s %s: %w", stream, e.Type(), err)
	}
	return id, nil
}

// Read performs a blocking tail read from cursor. Entries that fail to
// decode are logged and returned with a nil Event so the caller's cursor
// still moves past them.
func (s *RedisStream) Read(ctx context.Context, stream, cursor string, block time.Duration, count int) ([]Envelope, error) {
	if cursor == "" {
		cursor = StartCursor
	}
	if block <= 0 {
		block = -1
	}
	res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, cursor},
		Count:   int64(count),
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread %s from %s: %w", stream, cursor, err)
	}

	var out []Envelope
	for _, xs := range res {
		for _, msg := range xs.Messages {
			env, err := Decode(xs.Stream, msg.ID, msg.Values)
			if err != nil {
				s.log.Warn("skip undecodable entry", "stream", xs.Stream, "id", msg.ID, "error", err)
				out = append(out, Envelope{ID: msg.ID, Stream: xs.Stream})
				continue
			}
			out = append(out, env)
		}
	}
	return out, nil
}

// Tail returns the newest entry id.
func (s *RedisStream) Tail(ctx context.Context, stream string) (string, error) {
	msgs, err := s.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return StartCursor, nil
	}
	return msgs[0].ID, nil
}
