package eventbus

import "time"

// Kind is the closed set of event types that flow through the bus. Every
// kind has a statically known payload shape documented next to its payload
// struct below.
type Kind string

const (
	KindAgentSpawned   Kind = "agent:spawned"
	KindAgentQuestion  Kind = "agent:question"
	KindAgentBlocked   Kind = "agent:blocked"
	KindAgentCompleted Kind = "agent:completed"
	KindAgentFailed    Kind = "agent:failed"
	KindToolCall       Kind = "tool_call"

	KindTaskQueued    Kind = "task:queued"
	KindTaskAssigned  Kind = "task:assigned"
	KindTaskCompleted Kind = "task:completed"

	KindCapacityAvailable Kind = "capacity:available"
	KindCapacityExhausted Kind = "capacity:exhausted"

	KindDatabaseHealthy   Kind = "database:healthy"
	KindDatabaseDegraded  Kind = "database:degraded"
	KindDatabaseRecovered Kind = "database:recovered"

	KindSystemStarted Kind = "system:started"
	KindSystemStopped Kind = "system:stopped"
	KindSystemError   Kind = "system:error"

	KindChatIn  Kind = "chat:in"
	KindChatOut Kind = "chat:out"

	KindBacklogValidated Kind = "backlog:validated"
)

// Event is an immutable record on the bus.
type Event struct {
	ID            string
	Type          Kind
	Payload       any
	Timestamp     time.Time
	CorrelationID string
}

// AgentSpawnedPayload accompanies KindAgentSpawned.
type AgentSpawnedPayload struct {
	SessionID string
	TaskID    string
	Model     string
}

// AgentQuestionPayload accompanies KindAgentQuestion.
type AgentQuestionPayload struct {
	SessionID string
	TaskID    string
	Question  string
}

// AgentBlockedPayload accompanies KindAgentBlocked.
type AgentBlockedPayload struct {
	SessionID string
	TaskID    string
	Reason    string
}

// ToolCallPayload accompanies KindToolCall.
type ToolCallPayload struct {
	SessionID      string
	TaskID         string
	ToolID         string
	ToolName       string
	ToolInput      map[string]any
	IsProgress     bool
	ElapsedSeconds float64
}

// AgentCompletedPayload accompanies KindAgentCompleted.
type AgentCompletedPayload struct {
	SessionID  string
	TaskID     string
	FinalText  string
	DurationMs int64
	Usage      Usage
}

// AgentFailedPayload accompanies KindAgentFailed.
type AgentFailedPayload struct {
	SessionID string
	TaskID    string
	Reason    string
	Errors    []string
	Usage     Usage
}

// Usage mirrors the agent adapter's normalized usage record.
type Usage struct {
	InputTokens        int64
	OutputTokens       int64
	TotalTokens        int64
	CacheReadTokens    int64
	CacheCreationTokens int64
	CostUSD            float64
}

// TaskQueuedPayload accompanies KindTaskQueued.
type TaskQueuedPayload struct {
	TaskID string
}

// TaskAssignedPayload accompanies KindTaskAssigned.
type TaskAssignedPayload struct {
	TaskID    string
	SessionID string
	Model     string
}

// TaskCompletedPayload accompanies KindTaskCompleted.
type TaskCompletedPayload struct {
	TaskID  string
	Success bool
}

// CapacityPayload accompanies KindCapacityAvailable and KindCapacityExhausted.
type CapacityPayload struct {
	Model string
}

// DatabasePayload accompanies the database:* kinds.
type DatabasePayload struct {
	Error string
}

// SystemErrorPayload accompanies KindSystemError.
type SystemErrorPayload struct {
	Reason string
	Err    error
}

// ChatInPayload accompanies KindChatIn.
type ChatInPayload struct {
	ThreadID string
	Text     string
	UserID   string
	Reaction string // non-empty when this originated from a reaction, not a message
}

// ChatOutPayload accompanies KindChatOut.
type ChatOutPayload struct {
	ThreadID  string
	MessageID string
}

// BacklogValidatedPayload accompanies KindBacklogValidated.
type BacklogValidatedPayload struct {
	Warnings []string
	Errors   []string
}
