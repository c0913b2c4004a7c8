package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/oompalabs/oompa/pkg/models"
)

// SQLiteStore implements Store on a SQLite database. The claim primitive
// is a single-statement UPDATE guarded on the current state, which gives
// the same exactly-one-wins race semantics as a directory rename.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
`

// NewSQLiteStore opens (creating if needed) the task database at path.
// WAL mode is enabled so workers can read while the coordinator writes.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// Add validates a task and places it in pending.
func (s *SQLiteStore) Add(task *models.Task) error {
	return s.insert(task, models.TaskStatePending)
}

// Stage records a worker-proposed task without admitting it to pending.
func (s *SQLiteStore) Stage(task *models.Task) error {
	return s.insert(task, models.TaskStateStaged)
}

func (s *SQLiteStore) insert(task *models.Task, state models.TaskState) error {
	if err := task.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	_, err = s.conn.Exec("INSERT INTO tasks (id, state, data) VALUES (?, ?, ?)",
		task.ID, string(state), string(data))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

// Claim attempts to move each id from pending to current. The guarded
// UPDATE makes each per-id move all-or-nothing without a transaction
// spanning ids.
func (s *SQLiteStore) Claim(ids []string) (*ClaimResult, error) {
	result := &ClaimResult{}
	for _, id := range ids {
		res, err := s.conn.Exec(
			"UPDATE tasks SET state = ? WHERE id = ? AND state = ?",
			string(models.TaskStateCurrent), id, string(models.TaskStatePending))
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		if n == 1 {
			result.Claimed = append(result.Claimed, id)
			continue
		}
		var state string
		err = s.conn.QueryRow("SELECT state FROM tasks WHERE id = ?", id).Scan(&state)
		switch {
		case err == sql.ErrNoRows:
			result.NotFound = append(result.NotFound, id)
		case err != nil:
			return nil, fmt.Errorf("claim %s: %w", id, err)
		default:
			result.AlreadyTaken = append(result.AlreadyTaken, id)
		}
	}
	return result, nil
}

// Complete moves a task from current to complete and attaches merge metadata.
func (s *SQLiteStore) Complete(id string, meta *models.Completion) error {
	task, err := s.get(id, models.TaskStateCurrent)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	task.Completion = meta
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", id, err)
	}
	res, err := s.conn.Exec(
		"UPDATE tasks SET state = ?, data = ? WHERE id = ? AND state = ?",
		string(models.TaskStateComplete), string(data), id, string(models.TaskStateCurrent))
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("complete %s: %w", id, ErrWrongState)
	}
	return nil
}

// Recycle moves a task from current back to pending.
func (s *SQLiteStore) Recycle(id string) error {
	res, err := s.conn.Exec(
		"UPDATE tasks SET state = ? WHERE id = ? AND state = ?",
		string(models.TaskStatePending), id, string(models.TaskStateCurrent))
	if err != nil {
		return fmt.Errorf("recycle %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("recycle %s: %w", id, ErrWrongState)
	}
	return nil
}

// AdmitStaged moves staged tasks into pending.
func (s *SQLiteStore) AdmitStaged(ids []string) error {
	for _, id := range ids {
		_, err := s.conn.Exec(
			"UPDATE tasks SET state = ? WHERE id = ? AND state = ?",
			string(models.TaskStatePending), id, string(models.TaskStateStaged))
		if err != nil {
			return fmt.Errorf("admit staged %s: %w", id, err)
		}
	}
	return nil
}

// Pending returns the tasks currently claimable.
func (s *SQLiteStore) Pending() ([]*models.Task, error) {
	return s.list(models.TaskStatePending)
}

// Current returns the tasks currently claimed.
func (s *SQLiteStore) Current() ([]*models.Task, error) {
	return s.list(models.TaskStateCurrent)
}

// Completed returns the finished tasks with their merge metadata.
func (s *SQLiteStore) Completed() ([]*models.Task, error) {
	return s.list(models.TaskStateComplete)
}

func (s *SQLiteStore) get(id string, state models.TaskState) (*models.Task, error) {
	var data string
	err := s.conn.QueryRow("SELECT data FROM tasks WHERE id = ? AND state = ?",
		id, string(state)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrWrongState
	}
	if err != nil {
		return nil, err
	}
	task := &models.Task{}
	if err := json.Unmarshal([]byte(data), task); err != nil {
		return nil, fmt.Errorf("parse task %s: %w", id, err)
	}
	return task, nil
}

func (s *SQLiteStore) list(state models.TaskState) ([]*models.Task, error) {
	rows, err := s.conn.Query("SELECT data FROM tasks WHERE state = ? ORDER BY id", string(state))
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", state, err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		task := &models.Task{}
		if err := json.Unmarshal([]byte(data), task); err != nil {
			return nil, fmt.Errorf("parse task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Verify SQLiteStore implements Store at compile time.
var _ Store = (*SQLiteStore)(nil)
