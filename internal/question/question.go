// Package question correlates an agent's mid-run question, surfaced on the
// event bus, with the chat reply that answers it, injecting the reply text
// back into the owning session.
package question

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/chat"
	"github.com/trafficcontrol/orchestrator/internal/eventbus"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

// Pending is one outstanding question waiting on a chat reply.
type Pending struct {
	SessionID string
	TaskID    string
	ThreadID  string
	Question  string
}

// Injector delivers a chat reply's text back into the agent session that
// asked the question. Satisfied by *session.Manager.
type Injector interface {
	Inject(sessionID, text string) error
}

// FallthroughHandler processes an inbound chat message that did not
// correlate with any pending question (command handlers, approval replies).
type FallthroughHandler func(chat.InboundMessage)

type Router struct {
	transport chat.Transport
	injector  Injector
	log       *logger.Logger
	channelID string
	fallback  FallthroughHandler

	mu         sync.Mutex
	bySession  map[string]*Pending
	byThreadID map[string]*Pending
}

func New(bus *eventbus.Bus, transport chat.Transport, injector Injector, channelID string, log *logger.Logger) *Router {
	r := &Router{
		transport:  transport,
		injector:   injector,
		log:        log.WithFields(zap.String("component", "question")),
		channelID:  channelID,
		bySession:  make(map[string]*Pending),
		byThreadID: make(map[string]*Pending),
	}
	bus.On(eventbus.KindAgentQuestion, r.onQuestion)
	bus.On(eventbus.KindAgentCompleted, r.onSessionEnd)
	bus.On(eventbus.KindAgentFailed, r.onSessionEnd)
	transport.OnMessage(r.onInboundMessage)
	return r
}

// SetFallthrough registers the handler invoked for inbound messages that do
// not correlate with any pending question.
func (r *Router) SetFallthrough(handler FallthroughHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = handler
}

func (r *Router) onQuestion(e eventbus.Event) {
	payload, ok := e.Payload.(eventbus.AgentQuestionPayload)
	if !ok {
		return
	}
	text := fmt.Sprintf("Agent needs input for task %s:\n%s", payload.TaskID, payload.Question)
	threadID, err := r.transport.SendMessage(context.Background(), chat.Message{ChannelID: r.channelID, Text: text})
	if err != nil {
		r.log.WithError(err).Warn("failed to send question", zap.String("session_id", payload.SessionID))
		return
	}

	p := &Pending{SessionID: payload.SessionID, TaskID: payload.TaskID, ThreadID: threadID, Question: payload.Question}

	r.mu.Lock()
	r.bySession[payload.SessionID] = p
	r.byThreadID[threadID] = p
	r.mu.Unlock()
}

func (r *Router) onSessionEnd(e eventbus.Event) {
	var sessionID string
	switch payload := e.Payload.(type) {
	case eventbus.AgentCompletedPayload:
		sessionID = payload.SessionID
	case eventbus.AgentFailedPayload:
		sessionID = payload.SessionID
	default:
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(r.bySession, sessionID)
	delete(r.byThreadID, p.ThreadID)
}

func (r *Router) onInboundMessage(msg chat.InboundMessage) {
	r.mu.Lock()
	p, ok := r.byThreadID[msg.ThreadID]
	if ok {
		delete(r.bySession, p.SessionID)
		delete(r.byThreadID, p.ThreadID)
	}
	fallback := r.fallback
	r.mu.Unlock()

	if ok {
		if err := r.injector.Inject(p.SessionID, msg.Text); err != nil {
			r.log.WithError(err).Warn("failed to inject reply into session", zap.String("session_id", p.SessionID))
		}
		return
	}

	if fallback != nil {
		fallback(msg)
	}
}

// Get returns the pending question for a session, if any.
func (r *Router) Get(sessionID string) (Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.bySession[sessionID]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// List returns every currently pending question, for in-session
// introspection (internal/agentadapter/tools) or an operator dashboard.
func (r *Router) List() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pending, 0, len(r.bySession))
	for _, p := range r.bySession {
		out = append(out, *p)
	}
	return out
}
