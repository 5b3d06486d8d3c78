// Package taskstore defines the external task/project data surface the
// orchestrator reads and writes, and the store contract backing it. The
// entities themselves are externally owned: this package only describes the
// attributes the core needs, never a storage schema.
package taskstore

import "time"

type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
)

type ProjectStatus string

const (
	ProjectActive ProjectStatus = "active"
	ProjectPaused ProjectStatus = "paused"
)

// Project groups tasks. Only active projects contribute tasks to scheduling.
type Project struct {
	ID       string
	Name     string
	Status   ProjectStatus
	Priority int
}

// Task is an externally owned unit of work. Only the orchestrator
// transitions queued -> assigned -> in_progress -> {complete | failed | blocked}.
type Task struct {
	ID                  string
	ProjectID           string
	Title               string
	Description         string
	Priority            int // larger = earlier
	Status              TaskStatus
	PreferredModel      string // opus | sonnet | haiku, optional
	ModelSessionEstimate map[string]int
	AcceptanceCriteria  []string
	BlockerRef          string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (t Task) Admissible() bool { return t.Status == TaskQueued }

// Usage mirrors the normalized adapter usage record stored against a task's
// session once it completes.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	TotalTokens         int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
}

// Store is the external-collaborator contract the orchestrator uses to read
// and mutate tasks and projects. Implementations live in pg/, sqlite/, and
// memtest/.
type Store interface {
	ListProjectsByStatus(status ProjectStatus) ([]Project, error)
	ListTasksByStatus(status TaskStatus) ([]Task, error)
	GetTask(taskID string) (Task, error)
	UpdateTask(task Task) error
	UpdateTaskStatus(taskID string, status TaskStatus) error
	UpdateTaskAssignment(taskID, sessionID, model string) error
	UpdateUsage(taskID string, usage Usage) error
	DeleteTask(taskID string) error
}
