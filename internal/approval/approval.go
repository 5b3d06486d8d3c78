// Package approval gates tasks behind a human yes/no over chat before a
// session is allowed to start, resolving by reaction, reply, explicit
// cancellation, or a deadline that never counts as implicit approval.
package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/agentadapter"
	"github.com/trafficcontrol/orchestrator/internal/chat"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
	"github.com/trafficcontrol/orchestrator/internal/taskstore"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// Result is the terminal outcome of one requestApproval call.
type Result struct {
	TaskID      string
	Status      Status
	Reason      string
	ResponderID string
}

const DefaultTimeout = 5 * time.Minute

var approveReactions = map[string]bool{
	"white_check_mark": true, "heavy_check_mark": true, "check": true, "+1": true, "thumbsup": true,
}

var rejectReactions = map[string]bool{
	"x": true, "heavy_multiplication_x": true, "negative_squared_cross_mark": true, "-1": true, "thumbsdown": true,
}

var approveKeywords = map[string]bool{
	"approve": true, "approved": true, "yes": true, "ok": true, "go": true, "lgtm": true,
}

var rejectKeywords = map[string]bool{
	"reject": true, "rejected": true, "no": true, "stop": true, "cancel": true,
}

type pending struct {
	taskID    string
	threadID  string
	resultCh  chan Result
	timer     *time.Timer
	mu        sync.Mutex
	resolved  bool
}

// LogFunc records a resolved outcome to an append-only approval log. Errors
// are swallowed by the caller: logging is best-effort.
type LogFunc func(Result) error

type Config struct {
	ChannelID string
	Timeout   time.Duration
}

type Manager struct {
	cfg       Config
	transport chat.Transport
	logFn     LogFunc
	log       *logger.Logger

	mu         sync.Mutex
	byTaskID   map[string]*pending
	byThreadID map[string]*pending
	destroyed  bool
}

func New(cfg Config, transport chat.Transport, logFn LogFunc, log *logger.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	m := &Manager{
		cfg:        cfg,
		transport:  transport,
		logFn:      logFn,
		log:        log.WithFields(zap.String("component", "approval")),
		byTaskID:   make(map[string]*pending),
		byThreadID: make(map[string]*pending),
	}
	transport.OnReaction(func(r chat.Reaction) {
		m.HandleReaction(r.ThreadID, r.Emoji, r.UserID)
	})
	return m
}

// RequestApproval posts a formatted approval message and blocks until the
// task is approved, rejected, cancelled, or the deadline elapses.
func (m *Manager) RequestApproval(ctx context.Context, task taskstore.Task, queuePosition int, model string) Result {
	text := formatApprovalMessage(task, queuePosition, model)

	msgID, err := m.transport.SendMessage(ctx, chat.Message{ChannelID: m.cfg.ChannelID, Text: text})
	if err != nil {
		res := Result{TaskID: task.ID, Status: StatusTimeout, Reason: "Failed to send Slack message"}
		m.logOutcome(res)
		return res
	}

	p := &pending{
		taskID:   task.ID,
		threadID: msgID,
		resultCh: make(chan Result, 1),
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		res := Result{TaskID: task.ID, Status: StatusRejected, Reason: "Manager destroyed"}
		m.logOutcome(res)
		return res
	}
	m.byTaskID[task.ID] = p
	m.byThreadID[msgID] = p
	m.mu.Unlock()

	p.timer = time.AfterFunc(m.cfg.Timeout, func() {
		m.resolve(p, Result{TaskID: task.ID, Status: StatusTimeout, Reason: "No response within the approval window"})
	})

	res := <-p.resultCh
	m.logOutcome(res)
	return res
}

// ThreadID exposes the chat thread id an approval was posted under, so the
// chat transport's message-handler wiring can route replies here without
// this package depending on the router directly.
func (m *Manager) ThreadID(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byTaskID[taskID]
	if !ok {
		return "", false
	}
	return p.threadID, true
}

// HandleReply resolves the approval whose thread id matches threadID, if
// any. Returns false if no pending approval owns that thread.
func (m *Manager) HandleReply(threadID, text, userID string) bool {
	m.mu.Lock()
	p, ok := m.byThreadID[threadID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	lower := strings.ToLower(strings.TrimSpace(text))
	switch {
	case matchesKeyword(lower, approveKeywords, "approve"):
		m.resolve(p, Result{TaskID: p.taskID, Status: StatusApproved, ResponderID: userID})
		return true
	case matchesKeyword(lower, rejectKeywords, "reject"):
		reason := ""
		if idx := strings.Index(lower, ":"); idx >= 0 {
			reason = strings.TrimSpace(lower[idx+1:])
		}
		m.resolve(p, Result{TaskID: p.taskID, Status: StatusRejected, Reason: reason, ResponderID: userID})
		return true
	default:
		return false
	}
}

// HandleReaction resolves the approval whose thread id matches threadID, if
// the emoji is a recognized approve/reject reaction.
func (m *Manager) HandleReaction(threadID, emoji, userID string) bool {
	m.mu.Lock()
	p, ok := m.byThreadID[threadID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	switch {
	case approveReactions[emoji]:
		m.resolve(p, Result{TaskID: p.taskID, Status: StatusApproved, ResponderID: userID})
		return true
	case rejectReactions[emoji]:
		m.resolve(p, Result{TaskID: p.taskID, Status: StatusRejected, ResponderID: userID})
		return true
	default:
		return false
	}
}

// CancelApproval resolves a pending approval as rejected with reason, if
// still pending. No-op if taskID is unknown or already resolved.
func (m *Manager) CancelApproval(taskID, reason string) {
	m.mu.Lock()
	p, ok := m.byTaskID[taskID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.resolve(p, Result{TaskID: taskID, Status: StatusRejected, Reason: reason})
}

func matchesKeyword(text string, set map[string]bool, prefix string) bool {
	if set[text] {
		return true
	}
	word := text
	if idx := strings.IndexAny(text, " :"); idx >= 0 {
		word = text[:idx]
	}
	return strings.HasPrefix(word, prefix) || set[word]
}

func (m *Manager) resolve(p *pending, res Result) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}

	m.mu.Lock()
	delete(m.byTaskID, p.taskID)
	delete(m.byThreadID, p.threadID)
	m.mu.Unlock()

	p.resultCh <- res
}

func (m *Manager) logOutcome(res Result) {
	if m.logFn == nil {
		return
	}
	if err := m.logFn(res); err != nil {
		m.log.WithError(err).Warn("approval log write failed", zap.String("task_id", res.TaskID))
	}
}

// Destroy resolves every pending approval as rejected and tears down timers.
// Safe to call more than once.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	pendings := make([]*pending, 0, len(m.byTaskID))
	for _, p := range m.byTaskID {
		pendings = append(pendings, p)
	}
	m.mu.Unlock()

	for _, p := range pendings {
		m.resolve(p, Result{TaskID: p.taskID, Status: StatusRejected, Reason: "Manager destroyed"})
	}
}

func formatApprovalMessage(task taskstore.Task, queuePosition int, model string) string {
	estTokens := task.ModelSessionEstimate[model]
	cost, known := agentadapter.ComputeCost(model, 0, int64(estTokens))
	costText := "unknown"
	if known {
		costText = fmt.Sprintf("$%.4f", cost)
	}
	return fmt.Sprintf(
		"Approval requested for task %q (%s)\nQueue position: %d\nModel: %s\nEstimated cost: %s\nReact with ✅/❌ or reply approve/reject.",
		task.Title, task.ID, queuePosition, model, costText,
	)
}
