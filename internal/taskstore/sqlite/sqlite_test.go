package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/orchestrator/internal/taskstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mkTask(id, projectID string, priority int) taskstore.Task {
	now := time.Now().UTC().Truncate(time.Second)
	return taskstore.Task{
		ID:                   id,
		ProjectID:            projectID,
		Title:                "ship the thing",
		Description:          "do the work",
		Priority:             priority,
		Status:               taskstore.TaskQueued,
		PreferredModel:       "sonnet",
		ModelSessionEstimate: map[string]int{"sonnet": 5000},
		AcceptanceCriteria:   []string{"tests pass"},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func TestUpdateTaskThenGetTask_RoundTrips(t *testing.T) {
	s := openTestStore(t)
	task := mkTask("t-1", "p-1", 3)

	require.NoError(t, s.UpdateTask(task))

	got, err := s.GetTask("t-1")
	require.NoError(t, err)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, task.Priority, got.Priority)
	assert.Equal(t, taskstore.TaskQueued, got.Status)
	assert.Equal(t, map[string]int{"sonnet": 5000}, got.ModelSessionEstimate)
	assert.Equal(t, []string{"tests pass"}, got.AcceptanceCriteria)
}

func TestListTasksByStatus_FiltersAndOrdersByPriorityThenAge(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpdateTask(mkTask("low", "p-1", 1)))
	require.NoError(t, s.UpdateTask(mkTask("high", "p-1", 5)))
	require.NoError(t, s.UpdateTask(mkTask("done", "p-1", 9)))
	require.NoError(t, s.UpdateTaskStatus("done", taskstore.TaskComplete))

	queued, err := s.ListTasksByStatus(taskstore.TaskQueued)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "high", queued[0].ID)
	assert.Equal(t, "low", queued[1].ID)
}

func TestUpdateTaskAssignment_SetsStatusAndModel(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpdateTask(mkTask("t-1", "p-1", 1)))

	require.NoError(t, s.UpdateTaskAssignment("t-1", "sess-1", "opus"))

	got, err := s.GetTask("t-1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.TaskAssigned, got.Status)
	assert.Equal(t, "opus", got.PreferredModel)
}

func TestUpdateTaskStatus_UnknownTaskReturnsError(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateTaskStatus("missing", taskstore.TaskComplete)
	assert.Error(t, err)
}

func TestDeleteTask_RemovesRow(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpdateTask(mkTask("t-1", "p-1", 1)))
	require.NoError(t, s.DeleteTask("t-1"))

	_, err := s.GetTask("t-1")
	assert.Error(t, err)
}

func TestListProjectsByStatus_FiltersByStatus(t *testing.T) {
	s := openTestStore(t)
	_, err := s.db.Exec(`INSERT INTO projects (id, name, status, priority) VALUES (?, ?, ?, ?)`,
		"p-1", "alpha", string(taskstore.ProjectActive), 1)
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO projects (id, name, status, priority) VALUES (?, ?, ?, ?)`,
		"p-2", "beta", string(taskstore.ProjectPaused), 1)
	require.NoError(t, err)

	active, err := s.ListProjectsByStatus(taskstore.ProjectActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "alpha", active[0].Name)
}
