package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/orchestrator/internal/taskstore"
)

func mkTask(id string, priority int, createdAt time.Time) taskstore.Task {
	return taskstore.Task{ID: id, Priority: priority, Status: taskstore.TaskQueued, CreatedAt: createdAt}
}

// S3 boundary scenario: priority desc, createdAt asc within a priority tier.
func TestTake_OrdersByPriorityThenCreatedAt(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(-time.Hour)
	t3 := t1.Add(time.Hour)

	q := New()
	require.NoError(t, q.Add(mkTask("task-1", 5, t1)))
	require.NoError(t, q.Add(mkTask("task-2", 5, t2)))
	require.NoError(t, q.Add(mkTask("task-3", 7, t3)))

	first, ok := q.Take(nil)
	require.True(t, ok)
	assert.Equal(t, "task-3", first.ID)

	second, ok := q.Take(nil)
	require.True(t, ok)
	assert.Equal(t, "task-2", second.ID)

	third, ok := q.Take(nil)
	require.True(t, ok)
	assert.Equal(t, "task-1", third.ID)

	_, ok = q.Take(nil)
	assert.False(t, ok)
}

func TestTake_SkipsPredicateWithoutDequeuing(t *testing.T) {
	q := New()
	now := time.Now()
	require.NoError(t, q.Add(mkTask("paused-project", 10, now)))
	require.NoError(t, q.Add(mkTask("active-project", 1, now.Add(time.Second))))

	skip := func(task taskstore.Task) bool { return task.ID == "paused-project" }

	taken, ok := q.Take(skip)
	require.True(t, ok)
	assert.Equal(t, "active-project", taken.ID)
	assert.Equal(t, 1, q.Len()) // paused task remains queued
}

func TestAdd_RejectsDuplicateID(t *testing.T) {
	q := New()
	now := time.Now()
	require.NoError(t, q.Add(mkTask("dup", 1, now)))
	assert.ErrorIs(t, q.Add(mkTask("dup", 1, now)), ErrAlreadyQueued)
}

func TestRemove(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(mkTask("x", 1, time.Now())))
	assert.True(t, q.Remove("x"))
	assert.False(t, q.Remove("x"))
	assert.Equal(t, 0, q.Len())
}
