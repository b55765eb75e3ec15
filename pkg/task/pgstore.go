package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed task store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the tasks and task_scores tables if they don't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			parent_id       TEXT REFERENCES tasks(id) ON DELETE CASCADE,
			title           TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'todo',
			priority        INTEGER NOT NULL DEFAULT 3 CHECK (priority BETWEEN 1 AND 5),
			progress        INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
			estimated_hours DOUBLE PRECISION,
			actual_hours    DOUBLE PRECISION,
			due_at          TIMESTAMPTZ,
			scheduled_at    TIMESTAMPTZ,
			started_at      TIMESTAMPTZ,
			completed_at    TIMESTAMPTZ,
			tags            TEXT[] NOT NULL DEFAULT '{}',
			context         JSONB NOT NULL DEFAULT '{}',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id) WHERE parent_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_completed ON tasks(user_id, completed_at) WHERE completed_at IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS task_scores (
			task_id       TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
			user_id       TEXT NOT NULL,
			difficulty    INTEGER NOT NULL,
			innovation    INTEGER NOT NULL,
			quality       INTEGER NOT NULL,
			speed         INTEGER NOT NULL,
			overall_score INTEGER NOT NULL,
			xp_earned     INTEGER NOT NULL DEFAULT 0,
			reasoning     TEXT NOT NULL DEFAULT '',
			highlights    TEXT[] NOT NULL DEFAULT '{}',
			improvements  TEXT[] NOT NULL DEFAULT '{}',
			user_feedback TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var taskFields = []string{
	"id", "user_id", "parent_id", "title", "description", "status", "priority", "progress",
	"estimated_hours", "actual_hours", "due_at", "scheduled_at", "started_at", "completed_at",
	"tags", "context", "created_at", "updated_at",
}

var scoreFields = []string{
	"task_id", "user_id", "difficulty", "innovation", "quality", "speed", "overall_score",
	"xp_earned", "reasoning", "highlights", "improvements", "user_feedback", "created_at", "updated_at",
}

// taskColumns renders the task select list, optionally qualified by alias.
func taskColumns(alias string) string {
	cols := make([]string, len(taskFields))
	for i, f := range taskFields {
		col := f
		if alias != "" {
			col = alias + "." + f
		}
		if f == "parent_id" {
			col = "COALESCE(" + col + ", '')"
		}
		cols[i] = col
	}
	return strings.Join(cols, ", ")
}

func scoreColumns(alias string) string {
	cols := make([]string, len(scoreFields))
	for i, f := range scoreFields {
		cols[i] = alias + "." + f
	}
	return strings.Join(cols, ", ")
}

// Create inserts a new task.
func (s *PgStore) Create(ctx context.Context, t *Task) (*Task, error) {
	t.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.Context == nil {
		t.Context = map[string]any{}
	}
	if t.Status == StatusDone && t.CompletedAt == nil {
		t.CompletedAt = &now
	}

	ctxJSON, err := json.Marshal(t.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, user_id, parent_id, title, description, status, priority, progress,
			estimated_hours, actual_hours, due_at, scheduled_at, started_at, completed_at, tags, context, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16::jsonb, $17, $18)`,
		t.ID, t.UserID, t.ParentID, t.Title, t.Description, string(t.Status), t.Priority, t.Progress,
		t.EstimatedHours, t.ActualHours, t.DueAt, t.ScheduledAt, t.StartedAt, t.CompletedAt,
		t.Tags, string(ctxJSON), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// Get retrieves a single task by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns("")+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// Update applies the patch. A transition to done without an explicit
// completion time stamps completed_at in the same statement and any other
// status clears it; a transition to in_progress stamps started_at.
func (s *PgStore) Update(ctx context.Context, id string, p Patch) (*Task, Status, error) {
	now := time.Now().Truncate(time.Microsecond)

	// Build SET clause dynamically
	setClauses := []string{"updated_at = $1"}
	args := []any{now}
	set := func(expr string, v any) {
		args = append(args, v)
		setClauses = append(setClauses, fmt.Sprintf(expr, len(args)))
	}

	if p.Title != nil {
		set("title = $%d", *p.Title)
	}
	if p.Description != nil {
		set("description = $%d", *p.Description)
	}
	if p.Status != nil {
		set("status = $%d", string(*p.Status))
		switch {
		case *p.Status == StatusDone && p.CompletedAt == nil:
			setClauses = append(setClauses, "completed_at = COALESCE(completed_at, $1)")
		case *p.Status != StatusDone && p.CompletedAt == nil:
			setClauses = append(setClauses, "completed_at = NULL")
		}
		if *p.Status == StatusInProgress && p.StartedAt == nil {
			setClauses = append(setClauses, "started_at = COALESCE(started_at, $1)")
		}
	}
	if p.Priority != nil {
		set("priority = $%d", *p.Priority)
	}
	if p.Progress != nil {
		set("progress = $%d", *p.Progress)
	}
	if p.EstimatedHours != nil {
		set("estimated_hours = $%d", *p.EstimatedHours)
	}
	if p.ActualHours != nil {
		set("actual_hours = $%d", *p.ActualHours)
	}
	if p.DueAt != nil {
		set("due_at = $%d", *p.DueAt)
	}
	if p.ScheduledAt != nil {
		set("scheduled_at = $%d", *p.ScheduledAt)
	}
	if p.StartedAt != nil {
		set("started_at = $%d", *p.StartedAt)
	}
	if p.CompletedAt != nil {
		set("completed_at = $%d", *p.CompletedAt)
	}
	if p.Tags != nil {
		set("tags = $%d", p.Tags)
	}
	switch {
	case p.Context != nil || p.MergeContext != nil:
		base := p.Context
		expr := "context = $%d::jsonb"
		if base == nil {
			base = p.MergeContext
			expr = "context = context || $%d::jsonb"
		} else if p.MergeContext != nil {
			merged := make(map[string]any, len(base)+len(p.MergeContext))
			for k, v := range base {
				merged[k] = v
			}
			for k, v := range p.MergeContext {
				merged[k] = v
			}
			base = merged
		}
		ctxJSON, err := json.Marshal(base)
		if err != nil {
			return nil, "", fmt.Errorf("marshal context: %w", err)
		}
		set(expr, string(ctxJSON))
	}

	args = append(args, id)
	query := fmt.Sprintf(`
		WITH prev AS (SELECT status AS prev_status FROM tasks WHERE id = $%d FOR UPDATE)
		UPDATE tasks SET %s FROM prev WHERE id = $%d
		RETURNING %s, prev.prev_status`,
		len(args), strings.Join(setClauses, ", "), len(args), taskColumns("tasks"))

	var prev string
	t, err := scanTask(s.pool.QueryRow(ctx, query, args...), &prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("update task %s: %w", id, err)
	}
	return t, Status(prev), nil
}

// Delete removes a task and, through the foreign key, its subtree.
func (s *PgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns the user's tasks matching f, newest first.
func (s *PgStore) List(ctx context.Context, userID string, f Filter) ([]Task, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	cond := func(expr string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(expr, len(args)))
	}
	if f.Status != "" {
		cond("status = $%d", string(f.Status))
	}
	if f.ParentID != nil {
		if *f.ParentID == "" {
			where = append(where, "parent_id IS NULL")
		} else {
			cond("parent_id = $%d", *f.ParentID)
		}
	}
	if f.DueBefore != nil {
		cond("due_at < $%d", *f.DueBefore)
	}
	if len(f.Tags) > 0 {
		cond("tags && $%d", f.Tags)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		taskColumns(""), strings.Join(where, " AND "), len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// ByParent returns the subtasks of a parent in creation order.
func (s *PgStore) ByParent(ctx context.Context, parentID string) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns("")+`
		FROM tasks WHERE parent_id = $1 ORDER BY created_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("tasks by parent: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// Completed returns scored, done tasks completed since the given time.
func (s *PgStore) Completed(ctx context.Context, userID string, since time.Time, limit int) ([]Scored, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns("t")+`, `+scoreColumns("sc")+`
		FROM tasks t JOIN task_scores sc ON sc.task_id = t.id
		WHERE t.user_id = $1 AND t.status = 'done' AND t.completed_at IS NOT NULL AND t.completed_at >= $2
		ORDER BY t.completed_at DESC LIMIT $3`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("completed tasks: %w", err)
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var sc Score
		t, err := scanTask(rows, scoreDest(&sc)...)
		if err != nil {
			return nil, err
		}
		out = append(out, Scored{Task: *t, Score: &sc})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}

// Range returns tasks keyed by due, completion or creation date within
// [start, end).
func (s *PgStore) Range(ctx context.Context, userID string, start, end time.Time) ([]Scored, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns("t")+`, sc.task_id IS NOT NULL,
			COALESCE(sc.difficulty, 0), COALESCE(sc.innovation, 0), COALESCE(sc.quality, 0), COALESCE(sc.speed, 0),
			COALESCE(sc.overall_score, 0), COALESCE(sc.xp_earned, 0)
		FROM tasks t LEFT JOIN task_scores sc ON sc.task_id = t.id
		WHERE t.user_id = $1
		  AND COALESCE(t.due_at, t.completed_at, t.created_at) >= $2
		  AND COALESCE(t.due_at, t.completed_at, t.created_at) < $3
		ORDER BY COALESCE(t.due_at, t.completed_at, t.created_at) ASC`, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("tasks in range: %w", err)
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var scored bool
		var sc Score
		t, err := scanTask(rows, &scored, &sc.Difficulty, &sc.Innovation, &sc.Quality, &sc.Speed, &sc.OverallScore, &sc.XPEarned)
		if err != nil {
			return nil, err
		}
		item := Scored{Task: *t}
		if scored {
			sc.TaskID, sc.UserID = t.ID, t.UserID
			item.Score = &sc
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}

// CompletionTimes returns completion timestamps since the given time.
func (s *PgStore) CompletionTimes(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT completed_at FROM tasks
		WHERE user_id = $1 AND status = 'done' AND completed_at >= $2
		ORDER BY completed_at ASC`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("completion times: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

// UpsertScore writes the score for a task, overwriting any previous one.
func (s *PgStore) UpsertScore(ctx context.Context, sc *Score) (*Score, error) {
	if sc.Highlights == nil {
		sc.Highlights = []string{}
	}
	if sc.Improvements == nil {
		sc.Improvements = []string{}
	}
	now := time.Now().Truncate(time.Microsecond)
	var out Score
	err := s.pool.QueryRow(ctx, `
		INSERT INTO task_scores AS sc (task_id, user_id, difficulty, innovation, quality, speed, overall_score,
			xp_earned, reasoning, highlights, improvements, user_feedback, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (task_id) DO UPDATE SET
			difficulty = EXCLUDED.difficulty,
			innovation = EXCLUDED.innovation,
			quality = EXCLUDED.quality,
			speed = EXCLUDED.speed,
			overall_score = EXCLUDED.overall_score,
			xp_earned = EXCLUDED.xp_earned,
			reasoning = EXCLUDED.reasoning,
			highlights = EXCLUDED.highlights,
			improvements = EXCLUDED.improvements,
			user_feedback = EXCLUDED.user_feedback,
			updated_at = EXCLUDED.updated_at
		RETURNING `+scoreColumns("sc"),
		sc.TaskID, sc.UserID, sc.Difficulty, sc.Innovation, sc.Quality, sc.Speed, sc.OverallScore,
		sc.XPEarned, sc.Reasoning, sc.Highlights, sc.Improvements, sc.UserFeedback, now).
		Scan(scoreDest(&out)...)
	if err != nil {
		return nil, fmt.Errorf("upsert score %s: %w", sc.TaskID, err)
	}
	return &out, nil
}

// GetScore returns the score of a task.
func (s *PgStore) GetScore(ctx context.Context, taskID string) (*Score, error) {
	var out Score
	err := s.pool.QueryRow(ctx, `SELECT `+scoreColumns("sc")+` FROM task_scores sc WHERE sc.task_id = $1`, taskID).
		Scan(scoreDest(&out)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get score %s: %w", taskID, err)
	}
	return &out, nil
}

func scoreDest(sc *Score) []any {
	return []any{&sc.TaskID, &sc.UserID, &sc.Difficulty, &sc.Innovation, &sc.Quality, &sc.Speed,
		&sc.OverallScore, &sc.XPEarned, &sc.Reasoning, &sc.Highlights, &sc.Improvements,
		&sc.UserFeedback, &sc.CreatedAt, &sc.UpdatedAt}
}

// scanTask scans the task columns followed by any extra destinations.
func scanTask(row pgx.Row, extra ...any) (*Task, error) {
	var t Task
	var status string
	var ctxJSON []byte
	dest := append([]any{&t.ID, &t.UserID, &t.ParentID, &t.Title, &t.Description, &status, &t.Priority, &t.Progress,
		&t.EstimatedHours, &t.ActualHours, &t.DueAt, &t.ScheduledAt, &t.StartedAt, &t.CompletedAt,
		&t.Tags, &ctxJSON, &t.CreatedAt, &t.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if err := json.Unmarshal(ctxJSON, &t.Context); err != nil || t.Context == nil {
		t.Context = map[string]any{}
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	return &t, nil
}

func scanTaskRows(rows pgx.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}
