// Package mock provides a scripted, in-process agentadapter.Adapter for
// exercising the Session Manager and Main Loop without a real agent runtime.
// Behavior is driven by pre-programmed scripts rather than forking a real
// subprocess, so it stays usable from plain unit tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/trafficcontrol/orchestrator/internal/agentadapter"
)

// Script describes how a mock query should behave once started.
type Script struct {
	// Messages are delivered in order, synchronously, before StartQuery
	// returns.
	Messages []agentadapter.NormalizedMessage
	// StartErr, if set, makes StartQuery fail instead of running the script.
	StartErr error
	// Usage is returned by ExtractUsage.
	Usage agentadapter.Usage
}

// Adapter is a fake agentadapter.Adapter driven by pre-programmed Scripts,
// keyed by the prompt passed to StartQuery so a test can give different
// sessions different behavior. A missing key falls back to DefaultScript.
type Adapter struct {
	mu            sync.Mutex
	Scripts       map[string]Script
	DefaultScript Script
	memory        *agentadapter.ModelMemory
	queries       map[string]*query
}

func New() *Adapter {
	return &Adapter{
		Scripts: make(map[string]Script),
		memory:  agentadapter.NewModelMemory(),
		queries: make(map[string]*query),
	}
}

type query struct {
	sessionID string
	running   bool
	closed    chan struct{}
	injected  []string
	mu        sync.Mutex
}

func (q *query) SessionID() string { return q.sessionID }

func (q *query) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *query) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		q.running = false
		close(q.closed)
	}
	return nil
}

func (q *query) Inject(text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return errors.New("query not running")
	}
	q.injected = append(q.injected, text)
	return nil
}

func (a *Adapter) StartQuery(ctx context.Context, sessionID, prompt string, cfg agentadapter.Config, onMessage agentadapter.OnMessage) (agentadapter.ActiveQuery, error) {
	a.mu.Lock()
	script, ok := a.Scripts[prompt]
	if !ok {
		script = a.DefaultScript
	}
	a.mu.Unlock()

	if script.StartErr != nil {
		return nil, script.StartErr
	}

	a.memory.Remember(sessionID, cfg.Model)

	q := &query{sessionID: sessionID, running: true, closed: make(chan struct{})}
	a.mu.Lock()
	a.queries[sessionID] = q
	a.mu.Unlock()

	// Delivered synchronously, before StartQuery returns, so a test can
	// assert on a script's effects without waiting.
	for _, msg := range script.Messages {
		onMessage(msg)
		if msg.Kind == agentadapter.MessageResultSuccess || msg.Kind == agentadapter.MessageResultError {
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
		}
	}

	if script.Usage != (agentadapter.Usage{}) {
		a.usage(sessionID, script.Usage)
	}

	return q, nil
}

var usageStore = struct {
	mu sync.Mutex
	m  map[string]agentadapter.Usage
}{m: make(map[string]agentadapter.Usage)}

func (a *Adapter) usage(sessionID string, u agentadapter.Usage) {
	usageStore.mu.Lock()
	defer usageStore.mu.Unlock()
	usageStore.m[sessionID] = u
}

func (a *Adapter) ExtractUsage(sessionID, model string) agentadapter.Usage {
	usageStore.mu.Lock()
	u, ok := usageStore.m[sessionID]
	usageStore.mu.Unlock()
	if ok {
		return u
	}
	resolved := a.memory.Resolve(sessionID, model)
	return agentadapter.NormalizeUsage(resolved, 0, 0, 0, 0, 0)
}
