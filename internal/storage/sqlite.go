package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ctrlbot/internal/task"
	"ctrlbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const taskColumns = `id, kind, due_at, status, attempts, last_error, payload, created_at, finished_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes our own transitions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Schedule(ctx context.Context, kind task.Kind, dueAt time.Time, payload task.Payload) (task.ID, error) {
	raw, err := payload.Encode()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(kind, due_at, status, payload, created_at) VALUES(?,?,?,?,?)`,
		string(kind), dueAt.UnixMilli(), string(task.Pending), string(raw), s.now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return task.ID(id), nil
}

func (s *sqliteStore) NextDueTime(ctx context.Context, after time.Time) (time.Time, bool, error) {
	q := `SELECT MIN(due_at) FROM tasks WHERE status = ?`
	args := []any{string(task.Pending)}
	if !after.IsZero() {
		q += ` AND due_at > ?`
		args = append(args, after.UnixMilli())
	}
	var ms sql.NullInt64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&ms); err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (s *sqliteStore) DueTasks(ctx context.Context, asOf time.Time) ([]task.Task, error) {
	return s.query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? AND due_at <= ? ORDER BY due_at, id`,
		string(task.Pending), asOf.UnixMilli(),
	)
}

func (s *sqliteStore) MarkCompleted(ctx context.Context, id task.ID) error {
	return s.finish(ctx, id, task.Completed, "")
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id task.ID, reason string) error {
	return s.finish(ctx, id, task.Failed, reason)
}

func (s *sqliteStore) finish(ctx context.Context, id task.ID, st task.Status, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, finished_at = ?, last_error = COALESCE(?, last_error)
		 WHERE id = ? AND status = ?`,
		string(st), s.now().UnixMilli(), nullStr(reason), int64(id), string(task.Pending),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.exists(ctx, id)
}

func (s *sqliteStore) RecordFailure(ctx context.Context, id task.ID, reason string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET attempts = attempts + 1, last_error = ? WHERE id = ? AND status = ?`,
		reason, int64(id), string(task.Pending),
	)
	if err != nil {
		return 0, err
	}
	var attempts int
	err = s.db.QueryRowContext(ctx, `SELECT attempts FROM tasks WHERE id = ?`, int64(id)).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, task.ErrNotFound
	}
	return attempts, err
}

func (s *sqliteStore) Get(ctx context.Context, id task.ID) (task.Task, error) {
	ts, err := s.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, int64(id))
	if err != nil {
		return task.Task{}, err
	}
	if len(ts) == 0 {
		return task.Task{}, task.ErrNotFound
	}
	return ts[0], nil
}

func (s *sqliteStore) List(ctx context.Context, f ListFilter) ([]task.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if f.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY due_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.query(ctx, q, args...)
}

func (s *sqliteStore) CountPending(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = ? AND due_at >= ? AND due_at < ?`,
		string(task.Pending), from.UnixMilli(), to.UnixMilli(),
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		string(task.Completed), string(task.Failed), before.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) exists(ctx context.Context, id task.ID) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, int64(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return task.ErrNotFound
	}
	return err
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		var (
			t                 task.Task
			id, due, created  int64
			kind, status, raw string
			lastErr           sql.NullString
			finished          sql.NullInt64
		)
		if err := rows.Scan(&id, &kind, &due, &status, &t.Attempts, &lastErr, &raw, &created, &finished); err != nil {
			return nil, err
		}
		p, err := task.DecodePayload([]byte(raw))
		if err != nil {
			s.log.Warn("undecodable task payload", logx.Int64("task_id", id), logx.Err(err))
		}
		t.ID = task.ID(id)
		t.Kind = task.Kind(kind)
		t.Status = task.Status(status)
		t.DueAt = time.UnixMilli(due)
		t.CreatedAt = time.UnixMilli(created)
		t.LastError = lastErr.String
		t.FinishedAt = fromMillis(finished.Int64)
		t.Payload = p
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
