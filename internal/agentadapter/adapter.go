package agentadapter

import "context"

// PermissionMode selects how a running query handles tool-permission checks.
type PermissionMode string

const (
	PermissionBypass  PermissionMode = "bypass"
	PermissionDefault PermissionMode = "default"
)

// Config enumerates everything needed to start one query.
type Config struct {
	WorkingDir          string
	Model               string // opus | sonnet | haiku
	SystemPromptSuffix  string
	MaxTurns            int
	PermissionMode      PermissionMode
	SessionResumeID     string // optional: resume an existing adapter-side session
}

// OnMessage is invoked once per normalized message the query produces, in
// adapter order. It must not block for long — the Session Manager consumes
// serially and a slow handler stalls the stream.
type OnMessage func(NormalizedMessage)

// ActiveQuery represents one in-flight agent invocation.
type ActiveQuery interface {
	SessionID() string
	IsRunning() bool
	// Close requests adapter shutdown. It does not block for a terminal
	// message; callers that need one should wait on OnMessage delivery or a
	// grace-window timer (the Session Manager owns that policy, not the
	// adapter).
	Close() error
	Inject(text string) error
}

// Adapter is the uniform interface over an agent runtime, satisfied by both
// the CLI subprocess and the in-process SDK variants.
type Adapter interface {
	// StartQuery starts a new query and begins delivering normalized
	// messages to onMessage until the query terminates or is closed.
	StartQuery(ctx context.Context, sessionID, prompt string, cfg Config, onMessage OnMessage) (ActiveQuery, error)

	// ExtractUsage returns the last known usage for sessionID. When model is
	// empty, the adapter falls back to its own sessionId -> model memory so
	// cost still computes correctly.
	ExtractUsage(sessionID, model string) Usage
}
