// Package sqlite provides a Repository backend on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/denkhaus/pulse/internal/errors"
	"github.com/denkhaus/pulse/internal/types"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT PRIMARY KEY,
	owner_id            TEXT NOT NULL,
	group_id            TEXT NOT NULL,
	priority            INTEGER NOT NULL,
	type                TEXT NOT NULL,
	payload             TEXT NOT NULL DEFAULT '',
	output              TEXT NOT NULL DEFAULT '',
	state               TEXT NOT NULL,
	state_details       TEXT NOT NULL DEFAULT '',
	progress            REAL NOT NULL DEFAULT 0,
	progress_details    TEXT NOT NULL DEFAULT '',
	progress_payload    TEXT NOT NULL DEFAULT '',
	parent_task_id      TEXT,
	root_task_id        TEXT NOT NULL,
	weight              REAL NOT NULL DEFAULT 1,
	subtask_parallelism INTEGER NOT NULL DEFAULT 0,
	track_history       INTEGER NOT NULL DEFAULT 0,
	auth_token          TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	started_at          INTEGER,
	completed_at        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner  ON tasks(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_root   ON tasks(root_task_id);
`

const taskColumns = `id, owner_id, group_id, priority, type, payload, output,
	state, state_details, progress, progress_details, progress_payload,
	parent_task_id, root_task_id, weight, subtask_parallelism, track_history,
	auth_token, created_at, updated_at, started_at, completed_at`

// sqliteRepository implements the Repository contract over database/sql
type sqliteRepository struct {
	db     *sql.DB
	config *Config
	logger *zap.Logger
}

// NewRepository creates a new SQLite repository
func NewRepository(opts ...Option) (types.Repository, error) {
	repo := &sqliteRepository{
		config: DefaultConfig(),
	}

	for _, opt := range opts {
		opt(repo)
	}
	repo.logger = repo.config.Logger

	if err := repo.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	return repo, nil
}

// initialize opens the database, applies pragmas and bootstraps the schema
func (r *sqliteRepository) initialize() error {
	path := r.config.DatabasePath
	if path == "" {
		path = "pulse.db"
	}

	r.logger.Info("initialize database", zap.String("database_path", path))

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(r.config.MaxOpenConns)
	db.SetMaxIdleConns(r.config.MaxIdleConns)
	db.SetConnMaxLifetime(r.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(r.config.ConnMaxIdleTime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("database connection validation failed: %w", err)
	}

	if r.config.AutoMigrate {
		if _, err := db.Exec(schemaDDL); err != nil {
			_ = db.Close()
			return fmt.Errorf("auto-migration failed: %w", err)
		}
		r.logger.Info("database schema migration completed")
	}

	r.db = db
	return nil
}

// Close closes the database connection
func (r *sqliteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *sqliteRepository) Get(ctx context.Context, id uuid.UUID) (*types.TaskItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String())
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.TaskNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (r *sqliteRepository) Put(ctx context.Context, task *types.TaskItem) error {
	return r.put(ctx, r.db, task)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *sqliteRepository) put(ctx context.Context, db execer, task *types.TaskItem) error {
	now := time.Now()
	_, err := db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	owner_id = excluded.owner_id,
	group_id = excluded.group_id,
	priority = excluded.priority,
	type = excluded.type,
	payload = excluded.payload,
	output = excluded.output,
	state = excluded.state,
	state_details = excluded.state_details,
	progress = excluded.progress,
	progress_details = excluded.progress_details,
	progress_payload = excluded.progress_payload,
	parent_task_id = excluded.parent_task_id,
	root_task_id = excluded.root_task_id,
	weight = excluded.weight,
	subtask_parallelism = excluded.subtask_parallelism,
	track_history = excluded.track_history,
	auth_token = excluded.auth_token,
	updated_at = excluded.updated_at,
	started_at = excluded.started_at,
	completed_at = excluded.completed_at`,
		task.ID.String(), task.OwnerID, task.GroupID, task.Priority, task.Type,
		task.Payload, task.Output, string(task.State), task.StateDetails,
		task.Progress, task.ProgressDetails, task.ProgressPayload,
		nullableID(task.ParentTaskID), task.RootTaskID.String(), task.Weight,
		boolToInt(task.SubtaskParallelism), boolToInt(task.TrackHistory),
		task.AuthToken, task.CreatedAt.UnixNano(), now.UnixNano(),
		nullableTime(task.StartedAt), nullableTime(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to put task: %w", err)
	}
	return nil
}

func (r *sqliteRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if affected == 0 {
		return errors.TaskNotFoundError(id)
	}
	return nil
}

func (r *sqliteRepository) GetByOwner(ctx context.Context, ownerID string) ([]*types.TaskItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query owner tasks: %w", err)
	}
	return scanTasks(rows)
}

func (r *sqliteRepository) GetChildren(ctx context.Context, parentID uuid.UUID) ([]*types.TaskItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = ? ORDER BY created_at ASC`, parentID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	return scanTasks(rows)
}

func (r *sqliteRepository) GetDescendants(ctx context.Context, rootID uuid.UUID) ([]*types.TaskItem, error) {
	// Breadth-first: the recursive CTE carries a depth column so rows come
	// back level by level.
	rows, err := r.db.QueryContext(ctx, `
WITH RECURSIVE subtree(node_id, depth) AS (
	SELECT id, 0 FROM tasks WHERE parent_task_id = ?
	UNION ALL
	SELECT t.id, s.depth + 1 FROM tasks t
	JOIN subtree s ON t.parent_task_id = s.node_id
)
SELECT `+taskColumns+` FROM tasks
JOIN subtree ON tasks.id = subtree.node_id
ORDER BY subtree.depth ASC, tasks.created_at ASC`, rootID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query descendants: %w", err)
	}
	return scanTasks(rows)
}

func (r *sqliteRepository) ChildCount(ctx context.Context, parentID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE parent_task_id = ?`, parentID.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	return count, nil
}

func (r *sqliteRepository) AddBatch(ctx context.Context, tasks []*types.TaskItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, task := range tasks {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE id = ?`, task.ID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check batch id: %w", err)
		}
		if exists > 0 {
			return errors.InvalidRequestError("batch insert",
				fmt.Errorf("duplicate task id %s", task.ID))
		}
		if err := r.put(ctx, tx, task); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *sqliteRepository) DeleteSubtree(ctx context.Context, rootID uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin subtree delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE id = ?`, rootID.String()).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check subtree root: %w", err)
	}
	if exists == 0 {
		return errors.TaskNotFoundError(rootID)
	}

	// Deepest rows first, root last.
	rows, err := tx.QueryContext(ctx, `
WITH RECURSIVE subtree(id, depth) AS (
	SELECT id, 0 FROM tasks WHERE id = ?
	UNION ALL
	SELECT t.id, s.depth + 1 FROM tasks t
	JOIN subtree s ON t.parent_task_id = s.id
)
SELECT id FROM subtree ORDER BY depth DESC`, rootID.String())
	if err != nil {
		return fmt.Errorf("failed to query subtree: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan subtree id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("failed to read subtree: %w", err)
	}
	_ = rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete subtree row: %w", err)
		}
	}
	return tx.Commit()
}

// scanning helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.TaskItem, error) {
	var (
		task                   types.TaskItem
		id, rootID, state      string
		parentID               sql.NullString
		parallelism, history   int
		created, updated       int64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(&id, &task.OwnerID, &task.GroupID, &task.Priority,
		&task.Type, &task.Payload, &task.Output, &state, &task.StateDetails,
		&task.Progress, &task.ProgressDetails, &task.ProgressPayload,
		&parentID, &rootID, &task.Weight, &parallelism, &history,
		&task.AuthToken, &created, &updated, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	task.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt task id %q: %w", id, err)
	}
	task.RootTaskID, err = uuid.Parse(rootID)
	if err != nil {
		return nil, fmt.Errorf("corrupt root task id %q: %w", rootID, err)
	}
	if parentID.Valid {
		pid, err := uuid.Parse(parentID.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt parent task id %q: %w", parentID.String, err)
		}
		task.ParentTaskID = &pid
	}
	task.State = types.TaskState(state)
	task.SubtaskParallelism = parallelism != 0
	task.TrackHistory = history != 0
	task.CreatedAt = time.Unix(0, created)
	task.UpdatedAt = time.Unix(0, updated)
	if startedAt.Valid {
		ts := time.Unix(0, startedAt.Int64)
		task.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := time.Unix(0, completedAt.Int64)
		task.CompletedAt = &ts
	}
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*types.TaskItem, error) {
	defer func() { _ = rows.Close() }()
	var tasks []*types.TaskItem
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	return tasks, nil
}

func nullableID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
