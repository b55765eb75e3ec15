package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed session store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the sessions table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			task_id      TEXT NOT NULL DEFAULT '',
			started_at   TIMESTAMPTZ NOT NULL,
			ended_at     TIMESTAMPTZ,
			hours        DOUBLE PRECISION NOT NULL DEFAULT 0,
			energy_level INTEGER CHECK (energy_level BETWEEN 1 AND 5),
			notes        TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_user_started ON sessions(user_id, started_at)`)
	return err
}

// Log inserts an entry.
func (s *PgStore) Log(ctx context.Context, e *Entry) (*Entry, error) {
	e.ID = uuid.Must(uuid.NewV7()).String()
	e.CreatedAt = time.Now().Truncate(time.Microsecond)
	e.Hours = e.Duration()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, task_id, started_at, ended_at, hours, energy_level, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.UserID, e.TaskID, e.StartedAt, e.EndedAt, e.Hours, e.EnergyLevel, e.Notes, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("log session: %w", err)
	}
	return e, nil
}

// Range returns the user's entries started in [start, end).
func (s *PgStore) Range(ctx context.Context, userID string, start, end time.Time) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, task_id, started_at, ended_at, hours, energy_level, notes, created_at
		FROM sessions WHERE user_id = $1 AND started_at >= $2 AND started_at < $3
		ORDER BY started_at ASC`, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("sessions in range: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.TaskID, &e.StartedAt, &e.EndedAt, &e.Hours, &e.EnergyLevel, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}
