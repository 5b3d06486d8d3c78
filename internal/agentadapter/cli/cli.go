// Package cli runs an agent runtime as a line-delimited-JSON subprocess and
// normalizes its stdout stream into agentadapter.NormalizedMessage values.
// The wire schema (one JSON object per line, a "type" discriminator plus
// per-type optional fields) mirrors a protocol-agnostic event stream rather
// than any single vendor's exact framing, since this adapter must not bind
// to one agent runtime's SDK.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/agentadapter"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

// DefaultBinary is the command name used to invoke the agent runtime. Overridable
// in tests and by alternate deployments.
const DefaultBinary = "agent-runtime"

// sensitiveEnv lists environment variables stripped from the subprocess
// before exec so the agent runtime cannot inherit orchestrator-side secrets
// or CI-detection flags that would change its behavior.
var sensitiveEnv = []string{"ANTHROPIC_API_KEY", "CI"}

// Process is one running instance of the agent runtime: its stdin, its
// line-delimited-JSON stdout, and a way to end it. Satisfied by a local
// *exec.Cmd (the default) or by a container process (internal/agentadapter/cli/sandbox).
type Process interface {
	Start() error
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Kill() error
}

// ProcessFactory launches one Process for a single query.
type ProcessFactory func(ctx context.Context, binary string, args []string, dir string, env []string) Process

// Config configures the subprocess adapter's own invocation, distinct from
// agentadapter.Config which configures a single query.
type Config struct {
	Binary  string
	Args    []string
	EnvBase []string // defaults to os.Environ() when nil

	// Factory launches each query's Process. Defaults to a local exec.Cmd
	// launcher; set to a sandbox.Runtime.Launch to run the agent runtime in
	// a container instead.
	Factory ProcessFactory
}

// execProcess adapts *exec.Cmd to Process for the local, non-containerized
// default path.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func localFactory(ctx context.Context, binary string, args []string, dir string, env []string) Process {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stderr = os.Stderr
	return &execProcess{cmd: cmd}
}

func (p *execProcess) Start() error {
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("agentadapter/cli: stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agentadapter/cli: stdout pipe: %w", err)
	}
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("agentadapter/cli: start: %w", err)
	}
	p.stdin = stdin
	p.stdout = stdout
	return nil
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

type Adapter struct {
	cfg    Config
	memory *agentadapter.ModelMemory
	log    *logger.Logger

	mu    sync.Mutex
	byID  map[string]*query
	usage map[string]agentadapter.Usage
}

func New(cfg Config, log *logger.Logger) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Factory == nil {
		cfg.Factory = localFactory
	}
	return &Adapter{
		cfg:    cfg,
		memory: agentadapter.NewModelMemory(),
		log:    log.WithFields(zap.String("component", "agentadapter.cli")),
		byID:   make(map[string]*query),
		usage:  make(map[string]agentadapter.Usage),
	}
}

// wireEvent is the line-delimited JSON shape emitted by the subprocess.
type wireEvent struct {
	Type       string         `json:"type"`
	ToolID     string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ElapsedSec float64        `json:"elapsed_seconds,omitempty"`
	FinalText  string         `json:"final_text,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	Usage      *wireUsage     `json:"usage,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type wireUsage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
}

const (
	wireAssistantToolUse = "assistant_tool_use"
	wireToolProgress     = "tool_progress"
	wireResultSuccess    = "result_success"
	wireResultError      = "result_error"
	wireSystem           = "system"
)

type query struct {
	sessionID string
	proc      Process
	mu        sync.Mutex
	running   bool
}

func (q *query) SessionID() string { return q.sessionID }

func (q *query) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *query) Close() error {
	q.mu.Lock()
	running := q.running
	q.running = false
	q.mu.Unlock()
	if !running {
		return nil
	}
	_ = q.proc.Stdin().Close()
	return q.proc.Kill()
}

func (q *query) Inject(text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return fmt.Errorf("query %s is not running", q.sessionID)
	}
	line, err := json.Marshal(map[string]string{"type": "user_input", "text": text})
	if err != nil {
		return err
	}
	_, err = q.proc.Stdin().Write(append(line, '\n'))
	return err
}

func (a *Adapter) StartQuery(ctx context.Context, sessionID, prompt string, cfg agentadapter.Config, onMessage agentadapter.OnMessage) (agentadapter.ActiveQuery, error) {
	a.memory.Remember(sessionID, cfg.Model)

	args := append([]string{}, a.cfg.Args...)
	args = append(args, "--model", cfg.Model)
	if cfg.WorkingDir != "" {
		args = append(args, "--working-dir", cfg.WorkingDir)
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", cfg.MaxTurns))
	}
	if cfg.SessionResumeID != "" {
		args = append(args, "--resume", cfg.SessionResumeID)
	}
	if cfg.PermissionMode == agentadapter.PermissionBypass {
		args = append(args, "--dangerously-skip-permissions")
	}

	proc := a.cfg.Factory(ctx, a.cfg.Binary, args, cfg.WorkingDir, cleanEnv(a.cfg.EnvBase))
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("agentadapter/cli: start: %w", err)
	}

	q := &query{sessionID: sessionID, proc: proc, running: true}

	a.mu.Lock()
	a.byID[sessionID] = q
	a.mu.Unlock()

	promptLine, err := json.Marshal(map[string]string{"type": "user_input", "text": prompt})
	if err != nil {
		return nil, err
	}
	if _, err := proc.Stdin().Write(append(promptLine, '\n')); err != nil {
		return nil, fmt.Errorf("agentadapter/cli: write prompt: %w", err)
	}

	go a.readLoop(q, proc.Stdout(), cfg.Model, onMessage)

	return q, nil
}

func (a *Adapter) readLoop(q *query, stdout io.Reader, model string, onMessage agentadapter.OnMessage) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev wireEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			a.log.WithSessionID(q.sessionID).Warn("unparsable agent runtime line", zap.Error(err), zap.String("line", line))
			continue
		}
		msg, terminal := a.toNormalized(q.sessionID, model, ev)
		onMessage(msg)
		if terminal {
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
		}
	}
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
	_ = q.proc.Wait()
}

func (a *Adapter) toNormalized(sessionID, model string, ev wireEvent) (agentadapter.NormalizedMessage, bool) {
	switch ev.Type {
	case wireAssistantToolUse:
		return agentadapter.NormalizedMessage{
			Kind:      agentadapter.MessageAssistantToolUse,
			ToolID:    ev.ToolID,
			ToolName:  ev.ToolName,
			ToolInput: ev.ToolInput,
		}, false
	case wireToolProgress:
		return agentadapter.NormalizedMessage{
			Kind:           agentadapter.MessageToolProgress,
			ToolID:         ev.ToolID,
			ToolName:       ev.ToolName,
			ElapsedSeconds: ev.ElapsedSec,
		}, false
	case wireResultSuccess:
		u := a.normalizeWireUsage(model, ev.Usage)
		a.mu.Lock()
		a.usage[sessionID] = u
		a.mu.Unlock()
		return agentadapter.NormalizedMessage{
			Kind:       agentadapter.MessageResultSuccess,
			FinalText:  ev.FinalText,
			DurationMs: ev.DurationMs,
			Usage:      u,
		}, true
	case wireResultError:
		u := a.normalizeWireUsage(model, ev.Usage)
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

func (a *Adapter) normalizeWireUsage(model string, u *wireUsage) agentadapter.Usage {
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

// cleanEnv returns base (or os.Environ() if nil) with sensitiveEnv entries
// removed, so the subprocess never inherits the orchestrator's own
// credentials or CI-detection flags.
func cleanEnv(base []string) []string {
	if base == nil {
		base = os.Environ()
	}
	out := make([]string, 0, len(base))
	for _, kv := range base {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		skip := false
		for _, s := range sensitiveEnv {
			if key == s {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, kv)
		}
	}
	return out
}
