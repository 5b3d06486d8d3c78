// Package sdk implements an in-process agentadapter.Adapter that drives an
// agent runtime through direct function calls instead of a subprocess. It is
// written directly against the normalized-message contract rather than any
// single vendor SDK, so swapping the underlying client library never touches
// callers of this package.
package sdk

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/agentadapter"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

// Client is the minimal surface an in-process agent runtime client must
// expose. Concrete implementations wrap whatever vendor SDK is actually
// linked in; this adapter never imports one directly.
type Client interface {
	// Run starts one turn and invokes emit for every runtime event until the
	// turn finishes or ctx is cancelled. It returns the terminal error, if
	// any, reported by the runtime itself (not a transport error).
	Run(ctx context.Context, req Request, emit func(Event)) error
}

// Request carries the inputs for a single Client.Run call.
type Request struct {
	SessionID       string
	Prompt          string
	Model           string
	WorkingDir      string
	MaxTurns        int
	BypassApprovals bool
	ResumeID        string
}

// Event is the client's native event shape, already close to normalized but
// kept distinct so Client implementations don't need to import agentadapter.
type Event struct {
	Kind       string
	ToolID     string
	ToolName   string
	ToolInput  map[string]any
	ElapsedSec float64
	FinalText  string
	DurationMs int64
	Errors     []string
	Usage      *Usage
	Data       map[string]any
}

type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
}

const (
	KindAssistantToolUse = "assistant_tool_use"
	KindToolProgress     = "tool_progress"
	KindResultSuccess    = "result_success"
	KindResultError      = "result_error"
	KindSystem           = "system"
)

type Adapter struct {
	client Client
	memory *agentadapter.ModelMemory
	log    *logger.Logger

	mu    sync.Mutex
	usage map[string]agentadapter.Usage
}

func New(client Client, log *logger.Logger) *Adapter {
	return &Adapter{
		client: client,
		memory: agentadapter.NewModelMemory(),
		log:    log.WithFields(zap.String("component", "agentadapter.sdk")),
		usage:  make(map[string]agentadapter.Usage),
	}
}

type activeQuery struct {
	sessionID string
	cancel    context.CancelFunc
	mu        sync.Mutex
	running   bool
}

func (q *activeQuery) SessionID() string { return q.sessionID }

func (q *activeQuery) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *activeQuery) Close() error {
	q.mu.Lock()
	running := q.running
	q.running = false
	q.mu.Unlock()
	if running {
		q.cancel()
	}
	return nil
}

// Inject is unsupported for in-process turns: a turn runs to completion from
// one Request and cannot be steered mid-flight.
func (q *activeQuery) Inject(text string) error {
	return fmt.Errorf("agentadapter/sdk: session %s does not support mid-turn injection", q.sessionID)
}

func (a *Adapter) StartQuery(ctx context.Context, sessionID, prompt string, cfg agentadapter.Config, onMessage agentadapter.OnMessage) (agentadapter.ActiveQuery, error) {
	a.memory.Remember(sessionID, cfg.Model)

	runCtx, cancel := context.WithCancel(ctx)
	q := &activeQuery{sessionID: sessionID, cancel: cancel, running: true}

	req := Request{
		SessionID:       sessionID,
		Prompt:          prompt,
		Model:           cfg.Model,
		WorkingDir:      cfg.WorkingDir,
		MaxTurns:        cfg.MaxTurns,
		BypassApprovals: cfg.PermissionMode == agentadapter.PermissionBypass,
		ResumeID:        cfg.SessionResumeID,
	}

	go func() {
		err := a.client.Run(runCtx, req, func(ev Event) {
			msg, terminal := a.toNormalized(sessionID, cfg.Model, ev)
			onMessage(msg)
			if terminal {
				q.mu.Lock()
				q.running = false
				q.mu.Unlock()
			}
		})
		if err != nil {
			a.log.WithSessionID(sessionID).WithError(err).Warn("agent runtime client returned an error")
			q.mu.Lock()
			stillRunning := q.running
			q.running = false
			q.mu.Unlock()
			if stillRunning {
				onMessage(agentadapter.NormalizedMessage{
					Kind:   agentadapter.MessageResultError,
					Errors: []string{err.Error()},
					Usage:  a.ExtractUsage(sessionID, cfg.Model),
				})
			}
		}
	}()

	return q, nil
}

func (a *Adapter) toNormalized(sessionID, model string, ev Event) (agentadapter.NormalizedMessage, bool) {
	switch ev.Kind {
	case KindAssistantToolUse:
		return agentadapter.NormalizedMessage{
			Kind:      agentadapter.MessageAssistantToolUse,
			ToolID:    ev.ToolID,
			ToolName:  ev.ToolName,
			ToolInput: ev.ToolInput,
		}, false
	case KindToolProgress:
		return agentadapter.NormalizedMessage{
			Kind:           agentadapter.MessageToolProgress,
			ToolID:         ev.ToolID,
			ToolName:       ev.ToolName,
			ElapsedSeconds: ev.ElapsedSec,
		}, false
	case KindResultSuccess:
		u := a.normalizeUsage(model, ev.Usage)
		a.mu.Lock()
		a.usage[sessionID] = u
		a.mu.Unlock()
		return agentadapter.NormalizedMessage{
			Kind:       agentadapter.MessageResultSuccess,
			FinalText:  ev.FinalText,
			DurationMs: ev.DurationMs,
			Usage:      u,
		}, true
	case KindResultError:
		u := a.normalizeUsage(model, ev.Usage)
		a.mu.Lock()
		a.usage[sessionID] = u
		a.mu.Unlock()
		return agentadapter.NormalizedMessage{
			Kind:   agentadapter.MessageResultError,
			Errors: ev.Errors,
			Usage:  u,
		}, true
	default:
		return agentadapter.NormalizedMessage{
			Kind:       agentadapter.MessageSystem,
			SystemData: ev.Data,
		}, false
	}
}

func (a *Adapter) normalizeUsage(model string, u *Usage) agentadapter.Usage {
	if u == nil {
		return agentadapter.NormalizeUsage(model, 0, 0, 0, 0, 0)
	}
	return agentadapter.NormalizeUsage(model, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTokens, u.CostUSD)
}

func (a *Adapter) ExtractUsage(sessionID, model string) agentadapter.Usage {
	resolved := a.memory.Resolve(sessionID, model)
	a.mu.Lock()
	u, ok := a.usage[sessionID]
	a.mu.Unlock()
	if ok {
		return u
	}
	return agentadapter.NormalizeUsage(resolved, 0, 0, 0, 0, 0)
}
