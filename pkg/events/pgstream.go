package events

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStream is a PostgreSQL-backed Stream. Entries of each stream form a
// hash chain so the journal can be audited with VerifyChain.
type PgStream struct {
	pool *pgxpool.Pool
	poll time.Duration
}

// NewPgStream creates a PgStream.
func NewPgStream(pool *pgxpool.Pool) *PgStream {
	return &PgStream{pool: pool, poll: 200 * time.Millisecond}
}

// EnsureTable creates the stream_events table if it doesn't exist.
func (s *PgStream) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS stream_events (
			id         BIGSERIAL PRIMARY KEY,
			stream     TEXT NOT NULL,
			type       TEXT NOT NULL,
			user_id    TEXT NOT NULL DEFAULT '',
			task_id    TEXT NOT NULL DEFAULT '',
			payload    JSONB NOT NULL DEFAULT '{}',
			ts         TIMESTAMPTZ NOT NULL,
			hash       TEXT NOT NULL,
			prev_hash  TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_stream_events_stream_id ON stream_events(stream, id)`)
	return err
}

// Append stores e at the end of the stream, extending its hash chain.
func (s *PgStream) Append(ctx context.Context, stream string, e Event) (string, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", e.Type(), err)
	}
	now := time.Now().Truncate(time.Microsecond)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serializes appends per stream so the chain stays linear.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, stream); err != nil {
		return "", fmt.Errorf("lock stream %s: %w", stream, err)
	}

	prevHash, err := chainHead(ctx, tx, stream)
	if err != nil {
		return "", err
	}

	hash := computeHash(prevHash, stream, string(e.Type()), e.User(), e.Task(), now, payload)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO stream_events (stream, type, user_id, task_id, payload, ts, hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
		RETURNING id`,
		stream, string(e.Type()), e.User(), e.Task(), string(payload), now, hash, prevHash).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit event: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// chainHead returns the hash of the newest entry of the stream, or "" for an
// empty stream.
func chainHead(ctx context.Context, q rowQuerier, stream string) (string, error) {
	var hash string
	err := q.QueryRow(ctx, `SELECT hash FROM stream_events WHERE stream = $1 ORDER BY id DESC LIMIT 1`, stream).Scan(&hash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("read chain head of %s: %w", stream, err)
	}
	return hash, nil
}

// Read polls for entries after cursor until at least one arrives or block
// elapses.
func (s *PgStream) Read(ctx context.Context, stream, cursor string, block time.Duration, count int) ([]Envelope, error) {
	after, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(block)
	for {
		envs, err := s.since(ctx, stream, after, count)
		if err != nil || len(envs) > 0 || !time.Now().Before(deadline) {
			return envs, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

// Tail returns the newest entry id of the stream.
func (s *PgStream) Tail(ctx context.Context, stream string) (string, error) {
	var id *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(id) FROM stream_events WHERE stream = $1`, stream).Scan(&id); err != nil {
		return "", fmt.Errorf("tail %s: %w", stream, err)
	}
	if id == nil {
		return StartCursor, nil
	}
	return strconv.FormatInt(*id, 10), nil
}

// VerifyChain walks one stream chronologically and verifies hash integrity.
func (s *PgStream) VerifyChain(ctx context.Context, stream string) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, user_id, task_id, payload, ts, hash, prev_hash
		FROM stream_events WHERE stream = $1 ORDER BY id ASC`, stream)
	if err != nil {
		return fmt.Errorf("verify chain query: %w", err)
	}
	defer rows.Close()

	prevHash := ""
	for rows.Next() {
		var (
			id                  int64
			typ, userID, taskID string
			payload             []byte
			ts                  time.Time
			hash, storedPrev    string
		)
		if err := rows.Scan(&id, &typ, &userID, &taskID, &payload, &ts, &hash, &storedPrev); err != nil {
			return fmt.Errorf("verify chain scan: %w", err)
		}
		if storedPrev != prevHash {
			return fmt.Errorf("entry %d: prev_hash mismatch: got %s, want %s", id, storedPrev, prevHash)
		}
		// JSONB normalizes whitespace and key order, so compare against the
		// re-marshalled canonical payload as well as the raw one.
		canonical := payload
		var v map[string]any
		if json.Unmarshal(payload, &v) == nil {
			canonical, _ = json.Marshal(v)
		}
		if hash != computeHash(prevHash, stream, typ, userID, taskID, ts, payload) &&
			hash != computeHash(prevHash, stream, typ, userID, taskID, ts, canonical) {
			return fmt.Errorf("entry %d: hash mismatch", id)
		}
		prevHash = hash
	}
	return rows.Err()
}

func (s *PgStream) since(ctx context.Context, stream string, after int64, count int) ([]Envelope, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, user_id, task_id, payload, ts
		FROM stream_events WHERE stream = $1 AND id > $2
		ORDER BY id ASC LIMIT $3`, stream, after, count)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var (
			id                  int64
			typ, userID, taskID string
			payload             []byte
			ts                  time.Time
		)
		if err := rows.Scan(&id, &typ, &userID, &taskID, &payload, &ts); err != nil {
			return nil, err
		}
		key := strconv.FormatInt(id, 10)
		env, err := Decode(stream, key, map[string]any{
			"type":    typ,
			"payload": string(payload),
			"ts":      strconv.FormatInt(ts.UnixMilli(), 10),
		})
		if err != nil {
			env = Envelope{ID: key, Stream: stream}
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}

// parseCursor accepts numeric ids and the Redis-style "0-0" start cursor.
func parseCursor(cursor string) (int64, error) {
	if cursor == "" || cursor == StartCursor {
		return 0, nil
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	return n, nil
}

// computeHash computes a SHA-256 hash for chain integrity.
func computeHash(prevHash, stream, eventType, userID, taskID string, ts time.Time, payload []byte) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s", prevHash, stream, eventType, userID, taskID, ts.UnixNano(), string(payload))
	h := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", h)
}
