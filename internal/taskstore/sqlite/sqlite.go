// Package sqlite is the local/dev taskstore.Store backed by SQLite, used
// when database.driver is "sqlite" (the default) or empty.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"

	"github.com/trafficcontrol/orchestrator/internal/taskstore"
)

// Store is a SQLite-backed taskstore.Store.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the SQLite file at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver does not support concurrent writers

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			preferred_model TEXT NOT NULL DEFAULT '',
			model_session_estimate TEXT NOT NULL DEFAULT '{}',
			acceptance_criteria TEXT NOT NULL DEFAULT '[]',
			blocker_ref TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			usage_json TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);
	`)
	return err
}

type taskRow struct {
	ID                   string    `db:"id"`
	ProjectID            string    `db:"project_id"`
	Title                string    `db:"title"`
	Description          string    `db:"description"`
	Priority             int       `db:"priority"`
	Status               string    `db:"status"`
	PreferredModel       string    `db:"preferred_model"`
	ModelSessionEstimate string    `db:"model_session_estimate"`
	AcceptanceCriteria   string    `db:"acceptance_criteria"`
	BlockerRef           string    `db:"blocker_ref"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}

func (r taskRow) toTask() (taskstore.Task, error) {
	t := taskstore.Task{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		Title:          r.Title,
		Description:    r.Description,
		Priority:       r.Priority,
		Status:         taskstore.TaskStatus(r.Status),
		PreferredModel: r.PreferredModel,
		BlockerRef:     r.BlockerRef,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.ModelSessionEstimate), &t.ModelSessionEstimate); err != nil {
		return taskstore.Task{}, fmt.Errorf("sqlite: decode model_session_estimate for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.AcceptanceCriteria), &t.AcceptanceCriteria); err != nil {
		return taskstore.Task{}, fmt.Errorf("sqlite: decode acceptance_criteria for %s: %w", r.ID, err)
	}
	return t, nil
}

func (s *Store) ListProjectsByStatus(status taskstore.ProjectStatus) ([]taskstore.Project, error) {
	var out []taskstore.Project
	err := s.db.Select(&out, `SELECT id, name, status, priority FROM projects WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list projects: %w", err)
	}
	return out, nil
}

func (s *Store) ListTasksByStatus(status taskstore.TaskStatus) ([]taskstore.Task, error) {
	var rows []taskRow
	err := s.db.Select(&rows, `
		SELECT id, project_id, title, description, priority, status, preferred_model,
		       model_session_estimate, acceptance_criteria, blocker_ref, created_at, updated_at
		FROM tasks WHERE status = ? ORDER BY priority DESC, created_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	out := make([]taskstore.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) GetTask(taskID string) (taskstore.Task, error) {
	var r taskRow
	err := s.db.Get(&r, `
		SELECT id, project_id, title, description, priority, status, preferred_model,
		       model_session_estimate, acceptance_criteria, blocker_ref, created_at, updated_at
		FROM tasks WHERE id = ?
	`, taskID)
	if err == sql.ErrNoRows {
		return taskstore.Task{}, fmt.Errorf("sqlite: task not found: %s", taskID)
	}
	if err != nil {
		return taskstore.Task{}, fmt.Errorf("sqlite: get task %s: %w", taskID, err)
	}
	return r.toTask()
}

func (s *Store) UpdateTask(task taskstore.Task) error {
	estimate, err := json.Marshal(task.ModelSessionEstimate)
	if err != nil {
		return fmt.Errorf("sqlite: encode model_session_estimate: %w", err)
	}
	criteria, err := json.Marshal(task.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("sqlite: encode acceptance_criteria: %w", err)
	}
	task.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, project_id, title, description, priority, status, preferred_model,
		                    model_session_estimate, acceptance_criteria, blocker_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id, title = excluded.title, description = excluded.description,
			priority = excluded.priority, status = excluded.status, preferred_model = excluded.preferred_model,
			model_session_estimate = excluded.model_session_estimate, acceptance_criteria = excluded.acceptance_criteria,
			blocker_ref = excluded.blocker_ref, updated_at = excluded.updated_at
	`, task.ID, task.ProjectID, task.Title, task.Description, task.Priority, string(task.Status),
		task.PreferredModel, string(estimate), string(criteria), task.BlockerRef, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: upsert task %s: %w", task.ID, err)
	}
	return nil
}

func (s *Store) UpdateTaskStatus(taskID string, status taskstore.TaskStatus) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("sqlite: update status for %s: %w", taskID, err)
	}
	return checkAffected(res, taskID)
}

func (s *Store) UpdateTaskAssignment(taskID, sessionID, model string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, session_id = ?, preferred_model = ?, updated_at = ? WHERE id = ?
	`, string(taskstore.TaskAssigned), sessionID, model, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("sqlite: assign task %s: %w", taskID, err)
	}
	return checkAffected(res, taskID)
}

func (s *Store) UpdateUsage(taskID string, usage taskstore.Usage) error {
	encoded, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("sqlite: encode usage: %w", err)
	}
	res, err := s.db.Exec(`UPDATE tasks SET usage_json = ?, updated_at = ? WHERE id = ?`, string(encoded), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("sqlite: update usage for %s: %w", taskID, err)
	}
	return checkAffected(res, taskID)
}

func (s *Store) DeleteTask(taskID string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("sqlite: delete task %s: %w", taskID, err)
	}
	return nil
}

func checkAffected(res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil // driver doesn't support RowsAffected; treat as success
	}
	if n == 0 {
		return fmt.Errorf("sqlite: task not found: %s", taskID)
	}
	return nil
}
