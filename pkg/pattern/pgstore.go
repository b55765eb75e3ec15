package pattern

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed pattern store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the task_patterns table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_patterns (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			pattern_type     TEXT NOT NULL,
			pattern_data     JSONB NOT NULL DEFAULT '{}',
			confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (confidence_score BETWEEN 0 AND 1),
			sample_size      INTEGER NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, pattern_type)
		)`)
	return err
}

const columns = `id, user_id, pattern_type, pattern_data, confidence_score, sample_size, created_at, updated_at`

// Upsert inserts or replaces the pattern for (user, type).
func (s *PgStore) Upsert(ctx context.Context, p *Pattern) (*Pattern, error) {
	data := p.Data
	if len(data) == 0 {
		data = []byte("null")
	}
	now := time.Now().Truncate(time.Microsecond)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO task_patterns (id, user_id, pattern_type, pattern_data, confidence_score, sample_size, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $7)
		ON CONFLICT (user_id, pattern_type) DO UPDATE SET
			pattern_data = EXCLUDED.pattern_data,
			confidence_score = EXCLUDED.confidence_score,
			sample_size = EXCLUDED.sample_size,
			updated_at = EXCLUDED.updated_at
		RETURNING `+columns,
		uuid.Must(uuid.NewV7()).String(), p.UserID, p.Type, string(data), Clamp(p.Confidence), p.SampleSize, now)
	out, err := scanPattern(row)
	if err != nil {
		return nil, fmt.Errorf("upsert pattern %s/%s: %w", p.UserID, p.Type, err)
	}
	return out, nil
}

// Get returns the user's pattern of the given type.
func (s *PgStore) Get(ctx context.Context, userID, patternType string) (*Pattern, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM task_patterns WHERE user_id = $1 AND pattern_type = $2`, userID, patternType)
	p, err := scanPattern(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern %s/%s: %w", userID, patternType, err)
	}
	return p, nil
}

// List returns all patterns of a user, most recently updated first.
func (s *PgStore) List(ctx context.Context, userID string) ([]Pattern, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM task_patterns WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}

func scanPattern(row pgx.Row) (*Pattern, error) {
	var p Pattern
	var data []byte
	if err := row.Scan(&p.ID, &p.UserID, &p.Type, &data, &p.Confidence, &p.SampleSize, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Data = data
	return &p, nil
}
