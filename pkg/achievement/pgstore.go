package achievement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed ledger and catalog.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the ledger and catalog tables if they don't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_stats (
			user_id         TEXT PRIMARY KEY,
			total_xp        INTEGER NOT NULL DEFAULT 0,
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS xp_ledger (
			task_id    TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			xp         INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS achievements (
			slug        TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			conditions  JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS user_achievements (
			user_id   TEXT NOT NULL,
			slug      TEXT NOT NULL REFERENCES achievements(slug),
			task_id   TEXT NOT NULL DEFAULT '',
			earned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, slug)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Seed upserts catalog entries.
func (s *PgStore) Seed(ctx context.Context, catalog []Achievement) error {
	for _, a := range catalog {
		if err := a.Conditions.Validate(); err != nil {
			return fmt.Errorf("achievement %s: %w", a.Slug, err)
		}
		cond, err := json.Marshal(a.Conditions)
		if err != nil {
			return fmt.Errorf("marshal conditions %s: %w", a.Slug, err)
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO achievements (slug, name, description, conditions) VALUES ($1, $2, $3, $4::jsonb)
			ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, conditions = EXCLUDED.conditions`,
			a.Slug, a.Name, a.Description, string(cond))
		if err != nil {
			return fmt.Errorf("seed %s: %w", a.Slug, err)
		}
	}
	return nil
}

// Catalog returns every achievement.
func (s *PgStore) Catalog(ctx context.Context) ([]Achievement, error) {
	rows, err := s.pool.Query(ctx, `SELECT slug, name, description, conditions FROM achievements ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer rows.Close()
	return scanAchievements(rows)
}

// Credit applies c in one transaction. The stats row is locked for the
// duration, so concurrent credits for the same user serialize. Crediting a
// task twice applies only the XP difference and leaves tasks_completed
// unchanged.
func (s *PgStore) Credit(ctx context.Context, c Credit) (*Outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO user_stats (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, c.UserID); err != nil {
		return nil, fmt.Errorf("init stats: %w", err)
	}
	out := &Outcome{Stats: Stats{UserID: c.UserID}}
	err = tx.QueryRow(ctx, `SELECT total_xp, tasks_completed FROM user_stats WHERE user_id = $1 FOR UPDATE`, c.UserID).
		Scan(&out.TotalXP, &out.TasksCompleted)
	if err != nil {
		return nil, fmt.Errorf("lock stats: %w", err)
	}
	previous := out.TasksCompleted

	var credited int
	err = tx.QueryRow(ctx, `SELECT xp FROM xp_ledger WHERE task_id = $1`, c.TaskID).Scan(&credited)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		out.FirstCredit = true
		credited = 0
	case err != nil:
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	now := time.Now().Truncate(time.Microsecond)
	_, err = tx.Exec(ctx, `
		INSERT INTO xp_ledger (task_id, user_id, xp, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE SET xp = EXCLUDED.xp, updated_at = EXCLUDED.updated_at`,
		c.TaskID, c.UserID, c.XP, now)
	if err != nil {
		return nil, fmt.Errorf("write ledger: %w", err)
	}

	out.TotalXP += c.XP - credited
	if out.FirstCredit {
		out.TasksCompleted++
	}
	_, err = tx.Exec(ctx, `UPDATE user_stats SET total_xp = $2, tasks_completed = $3, updated_at = $4 WHERE user_id = $1`,
		c.UserID, out.TotalXP, out.TasksCompleted, now)
	if err != nil {
		return nil, fmt.Errorf("update stats: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT a.slug, a.name, a.description, a.conditions FROM achievements a
		WHERE NOT EXISTS (SELECT 1 FROM user_achievements ua WHERE ua.user_id = $1 AND ua.slug = a.slug)
		ORDER BY a.slug`, c.UserID)
	if err != nil {
		return nil, fmt.Errorf("pending achievements: %w", err)
	}
	pending, err := scanAchievements(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	facts := Facts{}
	for k, v := range c.Facts {
		facts[k] = v
	}
	facts[FactXP] = float64(c.XP)
	facts[FactTotalXP] = float64(out.TotalXP)
	facts[FactTasksCompleted] = float64(out.TasksCompleted)
	facts[FactPreviousTasksCompleted] = float64(previous)

	for _, a := range Unlockable(pending, nil, facts) {
		tag, err := tx.Exec(ctx, `
			INSERT INTO user_achievements (user_id, slug, task_id, earned_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`, c.UserID, a.Slug, c.TaskID, now)
		if err != nil {
			return nil, fmt.Errorf("unlock %s: %w", a.Slug, err)
		}
		if tag.RowsAffected() == 1 {
			out.Unlocked = append(out.Unlocked, a)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit credit: %w", err)
	}
	return out, nil
}

// Stats returns the user's counters; unknown users have zero counters.
func (s *PgStore) Stats(ctx context.Context, userID string) (*Stats, error) {
	st := &Stats{UserID: userID}
	err := s.pool.QueryRow(ctx, `SELECT total_xp, tasks_completed FROM user_stats WHERE user_id = $1`, userID).
		Scan(&st.TotalXP, &st.TasksCompleted)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("stats %s: %w", userID, err)
	}
	return st, nil
}

// Earned returns the user's achievements in unlock order.
func (s *PgStore) Earned(ctx context.Context, userID string) ([]Earned, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.slug, a.name, a.description, a.conditions, ua.task_id, ua.earned_at
		FROM user_achievements ua JOIN achievements a ON a.slug = ua.slug
		WHERE ua.user_id = $1 ORDER BY ua.earned_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("earned: %w", err)
	}
	defer rows.Close()

	var out []Earned
	for rows.Next() {
		var e Earned
		var cond []byte
		if err := rows.Scan(&e.Slug, &e.Name, &e.Description, &cond, &e.TaskID, &e.EarnedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(cond, &e.Conditions)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}

func scanAchievements(rows pgx.Rows) ([]Achievement, error) {
	var out []Achievement
	for rows.Next() {
		var a Achievement
		var cond []byte
		if err := rows.Scan(&a.Slug, &a.Name, &a.Description, &cond); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(cond, &a.Conditions); err != nil {
			return nil, fmt.Errorf("achievement %s conditions: %w", a.Slug, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}
