//go:build sqlite
// +build sqlite

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
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"forwardbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// One writer at a time; SQLite dislikes concurrent writers and the
	// engine requires per-user mutation ordering anyway.
	mu sync.Mutex
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// Every mutation must be durable before the call returns.
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
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

func (s *sqliteStore) UserState(ctx context.Context, userID int64) (UserState, bool, error) {
	var (
		st      UserState
		step    string
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT step, destination_id, destination_title, source_message_id, updated_at
		 FROM sessions WHERE user_id = ?`, userID).
		Scan(&step, &st.DestinationID, &st.DestinationTitle, &st.SourceMessageID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return UserState{}, false, nil
	}
	if err != nil {
		return UserState{}, false, err
	}
	st.UserID = userID
	st.Step = parseStep(step)
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return st, true, nil
}

func (s *sqliteStore) PutUserState(ctx context.Context, st UserState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(user_id, step, destination_id, destination_title, source_message_id, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   step=excluded.step,
		   destination_id=excluded.destination_id,
		   destination_title=excluded.destination_title,
		   source_message_id=excluded.source_message_id,
		   updated_at=excluded.updated_at`,
		st.UserID, st.Step.String(), st.DestinationID, st.DestinationTitle,
		st.SourceMessageID, st.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		s.log.Error("session write failed", logx.Int64("user", st.UserID), logx.Err(err))
	}
	return nil
}

func (s *sqliteStore) DeleteUserState(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		s.log.Error("session delete failed", logx.Int64("user", userID), logx.Err(err))
	}
	return nil
}

func (s *sqliteStore) StaleSessions(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM sessions WHERE updated_at < ? ORDER BY user_id`,
		cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) Tasks(ctx context.Context, userID int64) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskColumns+` WHERE owner_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqliteStore) AddTask(ctx context.Context, userID int64, draft TaskDraft) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	err = tx.QueryRowContext(ctx, `SELECT next_task_id FROM counters WHERE owner_id = ?`, userID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		next = 1
	} else if err != nil {
		return Task{}, err
	}

	now := time.Now()
	task := Task{
		ID:               next,
		OwnerID:          userID,
		DestinationID:    draft.DestinationID,
		DestinationTitle: draft.DestinationTitle,
		SourceMessageID:  draft.SourceMessageID,
		IntervalHours:    draft.IntervalHours,
		Status:           TaskActive,
		CreatedAt:        now,
		LastForwardAt:    now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks(owner_id, id, destination_id, destination_title, source_message_id,
		                   interval_hours, status, created_at, last_forward_at, forward_count)
		 VALUES(?,?,?,?,?,?,?,?,?,0)`,
		userID, task.ID, task.DestinationID, task.DestinationTitle, task.SourceMessageID,
		task.IntervalHours, string(task.Status),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Task{}, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO counters(owner_id, next_task_id) VALUES(?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET next_task_id=excluded.next_task_id`,
		userID, next+1)
	if err != nil {
		return Task{}, err
	}
	return task, tx.Commit()
}

func (s *sqliteStore) RemoveTask(ctx context.Context, userID int64, taskID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE owner_id = ? AND id = ?`, userID, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *sqliteStore) RecordSuccess(ctx context.Context, userID int64, taskID int) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET forward_count = forward_count + 1, last_forward_at = ?
		 WHERE owner_id = ? AND id = ?`,
		now.Format(time.RFC3339Nano), userID, taskID)
	if err != nil {
		return Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Task{}, ErrTaskNotFound
	}
	row := s.db.QueryRowContext(ctx, taskColumns+` WHERE owner_id = ? AND id = ?`, userID, taskID)
	return scanTask(row)
}

func (s *sqliteStore) MarkStopped(ctx context.Context, userID int64, taskID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, stopped_at = ? WHERE owner_id = ? AND id = ? AND status != ?`,
		string(TaskStopped), now.Format(time.RFC3339Nano), userID, taskID, string(TaskStopped))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already stopped; distinguish.
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE owner_id = ? AND id = ?`, userID, taskID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		return err
	}
	return nil
}

func (s *sqliteStore) ActiveTasks(ctx context.Context) (map[int64][]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskColumns+` WHERE status = ? ORDER BY owner_id, seq`, string(TaskActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	out := map[int64][]Task{}
	for _, t := range tasks {
		out[t.OwnerID] = append(out[t.OwnerID], t)
	}
	return out, nil
}

const taskColumns = `SELECT owner_id, id, destination_id, destination_title, source_message_id,
	interval_hours, status, created_at, last_forward_at, stopped_at, forward_count FROM tasks`

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(r rowScanner) (Task, error) {
	var (
		t             Task
		status        string
		created, last string
		stopped       sql.NullString
	)
	err := r.Scan(&t.OwnerID, &t.ID, &t.DestinationID, &t.DestinationTitle, &t.SourceMessageID,
		&t.IntervalHours, &status, &created, &last, &stopped, &t.ForwardCount)
	if err != nil {
		return Task{}, err
	}
	t.Status = TaskStatus(status)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	t.LastForwardAt, _ = time.Parse(time.RFC3339Nano, last)
	if stopped.Valid {
		ts, perr := time.Parse(time.RFC3339Nano, stopped.String)
		if perr == nil {
			t.StoppedAt = &ts
		}
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func parseStep(s string) Step {
	for k, n := range stepNames {
		if n == s {
			return k
		}
	}
	return StepNone
}
