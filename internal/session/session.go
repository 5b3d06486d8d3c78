// Package session owns Session lifecycle: spawning an agent query through
// the agent adapter, admitting it through the capacity tracker, translating
// adapter messages into bus events, and tearing sessions down exactly once.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/agentadapter"
	"github.com/trafficcontrol/orchestrator/internal/capacity"
	"github.com/trafficcontrol/orchestrator/internal/eventbus"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
	"github.com/trafficcontrol/orchestrator/internal/obs/trace"
)

// Status is a Session's lifecycle state.
type Status string

const (
	StatusRunning  Status = "running"
	StatusBlocked  Status = "blocked"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusComplete || s == StatusFailed }

// Session is the orchestrator's view of one in-flight agent invocation.
// Mutated only by Manager, in response to adapter events.
type Session struct {
	ID        string
	TaskID    string
	Model     string
	Status    Status
	Usage     agentadapter.Usage
	StartedAt time.Time
}

func (s Session) clone() Session { return s }

// Config configures one spawn call.
type Config struct {
	WorkingDir         string
	Model              string
	SystemPromptSuffix string
	MaxTurns           int
	PermissionMode     agentadapter.PermissionMode
	SessionResumeID    string
	Prompt             string
}

// DefaultGracePeriod bounds how long Close waits for a terminal event before
// synthesizing one itself.
const DefaultGracePeriod = 10 * time.Second

type Manager struct {
	adapter  agentadapter.Adapter
	tracker  *capacity.Tracker
	bus      *eventbus.Bus
	log      *logger.Logger
	grace    time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	queries  map[string]agentadapter.ActiveQuery
	released map[string]bool
}

func NewManager(adapter agentadapter.Adapter, tracker *capacity.Tracker, bus *eventbus.Bus, log *logger.Logger) *Manager {
	return &Manager{
		adapter:  adapter,
		tracker:  tracker,
		bus:      bus,
		log:      log.WithFields(zap.String("component", "session")),
		grace:    DefaultGracePeriod,
		sessions: make(map[string]*Session),
		queries:  make(map[string]agentadapter.ActiveQuery),
		released: make(map[string]bool),
	}
}

// SetGracePeriod overrides how long Close waits for a terminal adapter
// event before synthesizing agent:failed(cancelled) itself.
func (m *Manager) SetGracePeriod(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grace = d
}

// Spawn reserves capacity for cfg.Model, starts a query, and returns the new
// session's id. On adapter start failure, capacity is released, agent:failed
// is emitted for the rest of the system to observe, and the adapter's error
// is returned as well.
func (m *Manager) Spawn(ctx context.Context, taskID string, cfg Config) (string, error) {
	ctx, span := trace.StartSpan(ctx, "session", "spawn")
	defer span.End()

	sessionID := uuid.New().String()

	if err := m.tracker.Reserve(cfg.Model, sessionID); err != nil {
		return "", err
	}

	sess := &Session{
		ID:        sessionID,
		TaskID:    taskID,
		Model:     cfg.Model,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	// Emitted before StartQuery so it always precedes any message-driven
	// event, regardless of whether the adapter delivers synchronously or
	// from a goroutine.
	m.bus.Create(eventbus.KindAgentSpawned, eventbus.AgentSpawnedPayload{
		SessionID: sessionID,
		TaskID:    taskID,
		Model:     cfg.Model,
	}, "")

	aCfg := agentadapter.Config{
		WorkingDir:         cfg.WorkingDir,
		Model:              cfg.Model,
		SystemPromptSuffix: cfg.SystemPromptSuffix,
		MaxTurns:           cfg.MaxTurns,
		PermissionMode:     cfg.PermissionMode,
		SessionResumeID:    cfg.SessionResumeID,
	}

	query, err := m.adapter.StartQuery(ctx, sessionID, cfg.Prompt, aCfg, func(msg agentadapter.NormalizedMessage) {
		m.onMessage(sessionID, taskID, msg)
	})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		m.releaseOnce(cfg.Model, sessionID)
		m.bus.Create(eventbus.KindAgentFailed, eventbus.AgentFailedPayload{
			SessionID: sessionID,
			TaskID:    taskID,
			Reason:    "adapter-start-failed",
			Errors:    []string{err.Error()},
		}, "")
		return "", err
	}

	m.mu.Lock()
	if _, stillActive := m.sessions[sessionID]; stillActive {
		m.queries[sessionID] = query
	}
	m.mu.Unlock()

	return sessionID, nil
}

func (m *Manager) onMessage(sessionID, taskID string, msg agentadapter.NormalizedMessage) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok || sess.Status.Terminal() {
		return
	}

	switch msg.Kind {
	case agentadapter.MessageAssistantToolUse:
		if msg.ToolName == "AskUserQuestion" {
			question := firstString(msg.ToolInput, "question")
			m.bus.Create(eventbus.KindAgentQuestion, eventbus.AgentQuestionPayload{
				SessionID: sessionID,
				TaskID:    taskID,
				Question:  question,
			}, "")
			return
		}
		m.bus.Create(eventbus.KindToolCall, eventbus.ToolCallPayload{
			SessionID: sessionID,
			TaskID:    taskID,
			ToolID:    msg.ToolID,
			ToolName:  msg.ToolName,
			ToolInput: msg.ToolInput,
		}, "")

	case agentadapter.MessageToolProgress:
		m.bus.Create(eventbus.KindToolCall, eventbus.ToolCallPayload{
			SessionID:      sessionID,
			TaskID:         taskID,
			ToolID:         msg.ToolID,
			ToolName:       msg.ToolName,
			IsProgress:     true,
			ElapsedSeconds: msg.ElapsedSeconds,
		}, "")

	case agentadapter.MessageResultSuccess:
		m.finish(sess, StatusComplete, msg.Usage)
		m.bus.Create(eventbus.KindAgentCompleted, eventbus.AgentCompletedPayload{
			SessionID:  sessionID,
			TaskID:     taskID,
			FinalText:  msg.FinalText,
			DurationMs: msg.DurationMs,
			Usage:      toBusUsage(msg.Usage),
		}, "")

	case agentadapter.MessageResultError:
		m.finish(sess, StatusFailed, msg.Usage)
		m.bus.Create(eventbus.KindAgentFailed, eventbus.AgentFailedPayload{
			SessionID: sessionID,
			TaskID:    taskID,
			Reason:    "agent-error",
			Errors:    msg.Errors,
			Usage:     toBusUsage(msg.Usage),
		}, "")

	case agentadapter.MessageSystem:
		// suppressed: adapter bookkeeping only.
	}
}

// finish marks sess terminal, accumulates usage, releases capacity exactly
// once, and removes it from the active set.
func (m *Manager) finish(sess *Session, status Status, usage agentadapter.Usage) {
	m.mu.Lock()
	sess.Status = status
	sess.Usage = accumulate(sess.Usage, usage)
	model := sess.Model
	id := sess.ID
	delete(m.sessions, id)
	delete(m.queries, id)
	m.mu.Unlock()

	m.releaseOnce(model, id)
}

func (m *Manager) releaseOnce(model, sessionID string) {
	m.mu.Lock()
	if m.released[sessionID] {
		m.mu.Unlock()
		return
	}
	m.released[sessionID] = true
	m.mu.Unlock()
	m.tracker.Release(model, sessionID)
}

// Inject forwards text to a still-running session's adapter query.
func (m *Manager) Inject(sessionID, text string) error {
	m.mu.Lock()
	q, ok := m.queries[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	return q.Inject(text)
}

// Close requests adapter shutdown and, if no terminal event lands within the
// grace window, synthesizes agent:failed(cancelled) itself.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	sess, sessOK := m.sessions[sessionID]
	q, queryOK := m.queries[sessionID]
	m.mu.Unlock()
	if !sessOK {
		return nil
	}

	if queryOK {
		_ = q.Close()
	}

	timer := time.NewTimer(m.grace)
	defer timer.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timer.C:
			m.mu.Lock()
			_, stillPresent := m.sessions[sessionID]
			m.mu.Unlock()
			if stillPresent {
				m.finish(sess, StatusFailed, agentadapter.Usage{})
				m.bus.Create(eventbus.KindAgentFailed, eventbus.AgentFailedPayload{
					SessionID: sessionID,
					TaskID:    sess.TaskID,
					Reason:    "cancelled",
				}, "")
			}
			return nil
		case <-ticker.C:
			m.mu.Lock()
			_, stillPresent := m.sessions[sessionID]
			m.mu.Unlock()
			if !stillPresent {
				return nil
			}
		}
	}
}

// Get returns a snapshot copy of the session, if it is still active.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// Active returns a snapshot of every currently live session.
func (m *Manager) Active() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	return out
}

func accumulate(acc, next agentadapter.Usage) agentadapter.Usage {
	return agentadapter.Usage{
		InputTokens:         acc.InputTokens + next.InputTokens,
		OutputTokens:        acc.OutputTokens + next.OutputTokens,
		TotalTokens:         acc.TotalTokens + next.TotalTokens,
		CacheReadTokens:     acc.CacheReadTokens + next.CacheReadTokens,
		CacheCreationTokens: acc.CacheCreationTokens + next.CacheCreationTokens,
		CostUSD:             acc.CostUSD + next.CostUSD,
	}
}

func toBusUsage(u agentadapter.Usage) eventbus.Usage {
	return eventbus.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		TotalTokens:         u.TotalTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CostUSD:             u.CostUSD,
	}
}

func firstString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
