package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"cronsync/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
// Timestamps are unix milliseconds so the claim compare is exact.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  endpoint TEXT NOT NULL,
  schedule TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('active','paused','failed','completed')) DEFAULT 'active',
  next_run_at INTEGER,
  last_run_at INTEGER,
  run_count INTEGER NOT NULL DEFAULT 0,
  failure_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  sync_state TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run_at);
CREATE TABLE IF NOT EXISTS execution_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  owner_id TEXT NOT NULL,
  ts INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  http_status INTEGER,
  error TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_logs_task ON execution_logs(task_id, ts DESC);
CREATE TABLE IF NOT EXISTS pending_ops (
  seq INTEGER PRIMARY KEY,
  id TEXT NOT NULL,
  kind TEXT NOT NULL,
  task_id TEXT NOT NULL DEFAULT '',
  local_id TEXT NOT NULL DEFAULT '',
  payload BLOB,
  enqueued_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// OpenSQLite opens (or creates) the database file at path and ensures the schema.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

type SQLite struct{ db *sql.DB }

func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

const taskColumns = `id,owner_id,name,description,endpoint,schedule,status,next_run_at,last_run_at,run_count,failure_count,last_error,sync_state,updated_at,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                 domain.Task
		endpoint, sched   string
		status, syncState string
		nextRun, lastRun  sql.NullInt64
		createdAt         int64
	)
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Description, &endpoint, &sched, &status,
		&nextRun, &lastRun, &t.Runtime.RunCount, &t.Runtime.FailureCount, &t.Runtime.LastError,
		&syncState, &t.UpdatedAt, &createdAt); err != nil {
		return domain.Task{}, err
	}
	if err := json.Unmarshal([]byte(endpoint), &t.Endpoint); err != nil {
		return domain.Task{}, fmt.Errorf("decode endpoint of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(sched), &t.Schedule); err != nil {
		return domain.Task{}, fmt.Errorf("decode schedule of %s: %w", t.ID, err)
	}
	t.Status = domain.Status(status)
	t.SyncState = domain.SyncState(syncState)
	if nextRun.Valid {
		t.Runtime.NextRunAt = fromMs(nextRun.Int64)
	}
	if lastRun.Valid {
		t.Runtime.LastRunAt = fromMs(lastRun.Int64)
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	return t, nil
}

func (r *SQLite) queryTasks(ctx context.Context, q string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *SQLite) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *SQLite) ListTasksByOwner(ctx context.Context, ownerID string) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id=? ORDER BY created_at, id`, ownerID)
}

func (r *SQLite) ListDueTasks(ctx context.Context, now time.Time) ([]domain.Task, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status='active' AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at, id`, now.UnixMilli())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putTask(ctx context.Context, db execer, t domain.Task) error {
	endpoint, err := json.Marshal(t.Endpoint)
	if err != nil {
		return err
	}
	sched, err := json.Marshal(t.Schedule)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  owner_id=excluded.owner_id, name=excluded.name, description=excluded.description,
  endpoint=excluded.endpoint, schedule=excluded.schedule, status=excluded.status,
  next_run_at=excluded.next_run_at, last_run_at=excluded.last_run_at,
  run_count=excluded.run_count, failure_count=excluded.failure_count,
  last_error=excluded.last_error, sync_state=excluded.sync_state,
  updated_at=excluded.updated_at, created_at=excluded.created_at
`, t.ID, t.OwnerID, t.Name, t.Description, string(endpoint), string(sched), string(t.Status),
		msOrNil(t.Runtime.NextRunAt), msOrNil(t.Runtime.LastRunAt), t.Runtime.RunCount,
		t.Runtime.FailureCount, t.Runtime.LastError, string(t.SyncState), t.UpdatedAt, t.CreatedAt.UnixMilli())
	return err
}

func (r *SQLite) PutTask(ctx context.Context, t domain.Task) error {
	return putTask(ctx, r.db, t)
}

func (r *SQLite) DeleteTask(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM tasks WHERE id=?", id)
	return err
}

func (r *SQLite) ClaimTask(ctx context.Context, id string, expected, leaseUntil time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET next_run_at=?
WHERE id=? AND status='active' AND next_run_at=?`, leaseUntil.UnixMilli(), id, expected.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SQLite) AppendLog(ctx context.Context, e domain.ExecutionLogEntry) error {
	var status any
	if e.HTTPStatus != nil {
		status = *e.HTTPStatus
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO execution_logs(task_id, owner_id, ts, success, http_status, error, duration_ms)
VALUES (?,?,?,?,?,?,?)`, e.TaskID, e.OwnerID, e.Timestamp.UnixMilli(), e.Success, status, e.Error, e.DurationMs)
	return err
}

func (r *SQLite) ListLogs(ctx context.Context, taskID string, limit int) ([]domain.ExecutionLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT task_id, owner_id, ts, success, http_status, error, duration_ms
FROM execution_logs WHERE task_id=? ORDER BY ts DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.ExecutionLogEntry
	for rows.Next() {
		var (
			e      domain.ExecutionLogEntry
			ts     int64
			status sql.NullInt64
		)
		if err := rows.Scan(&e.TaskID, &e.OwnerID, &ts, &e.Success, &status, &e.Error, &e.DurationMs); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		if status.Valid {
			code := int(status.Int64)
			e.HTTPStatus = &code
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

func (r *SQLite) ReplaceTasks(ctx context.Context, ownerID string, tasks []domain.Task) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE owner_id=?`, ownerID); err != nil {
		return err
	}
	for _, t := range tasks {
		if err = putTask(ctx, tx, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLite) SaveOps(ctx context.Context, ops []domain.PendingOperation) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM pending_ops`); err != nil {
		return err
	}
	for i, op := range ops {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO pending_ops(seq, id, kind, task_id, local_id, payload, enqueued_at) VALUES (?,?,?,?,?,?,?)`,
			i, op.ID, string(op.Kind), op.TaskID, op.LocalID, []byte(op.Payload), op.EnqueuedAt.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLite) LoadOps(ctx context.Context) ([]domain.PendingOperation, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, kind, task_id, local_id, payload, enqueued_at FROM pending_ops ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []domain.PendingOperation
	for rows.Next() {
		var (
			op      domain.PendingOperation
			kind    string
			payload []byte
			at      int64
		)
		if err := rows.Scan(&op.ID, &kind, &op.TaskID, &op.LocalID, &payload, &at); err != nil {
			return nil, err
		}
		op.Kind = domain.OpKind(kind)
		if len(payload) > 0 {
			op.Payload = payload
		}
		op.EnqueuedAt = time.UnixMilli(at).UTC()
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
