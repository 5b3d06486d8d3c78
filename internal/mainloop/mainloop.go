// Package mainloop drives the orchestrator's single cooperative executor:
// a fixed-interval tick that pulls admissible work through the scheduler,
// degrades gracefully on database trouble, and tears everything down on
// shutdown. Every mutation of loop state happens on the tick goroutine or
// under its lock, so callers never need to reason about interleaving.
package mainloop

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/contextbudget"
	"github.com/trafficcontrol/orchestrator/internal/eventbus"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
	"github.com/trafficcontrol/orchestrator/internal/obs/trace"
	"github.com/trafficcontrol/orchestrator/internal/scheduler"
	"github.com/trafficcontrol/orchestrator/internal/session"
	"github.com/trafficcontrol/orchestrator/internal/snapshot"
	"github.com/trafficcontrol/orchestrator/internal/tcerrors"
)

// HealthProbeFunc checks database reachability. A non-nil error is treated
// as unhealthy.
type HealthProbeFunc func(ctx context.Context) error

// PreflightFunc validates the backlog before the loop starts admitting
// work, returning warnings/errors to summarize to the operator.
type PreflightFunc func(ctx context.Context) (warnings, errs []string, err error)

// ConfirmFunc posts the startup summary and blocks for an operator's
// confirm/abort reply, bounded by timeout.
type ConfirmFunc func(ctx context.Context, summary string, timeout time.Duration) (proceed bool, err error)

// Dashboard is the optional operator-facing status surface.
type Dashboard interface {
	Start() error
	Stop(ctx context.Context) error
}

// LiveSessionsFunc reports sessions currently tracked by the Session
// Manager, keyed by model, used to resynchronize capacity after a restart.
type LiveSessionsFunc func() map[string][]string

// PullTasksFunc enqueues newly admissible tasks from the task store into
// the scheduler ahead of each tick's scheduling pass.
type PullTasksFunc func(ctx context.Context) error

type Config struct {
	PollInterval              time.Duration
	MaxConsecutiveDbFailures  int
	GracefulShutdownTimeout   time.Duration
	ValidateDatabaseOnStartup bool
	ConfirmationTimeout       time.Duration
	StartupRetryBudget        int
	SnapshotPath              string
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxConsecutiveDbFailures <= 0 {
		c.MaxConsecutiveDbFailures = 3
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = 30 * time.Second
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 2 * time.Minute
	}
	if c.StartupRetryBudget <= 0 {
		c.StartupRetryBudget = 5
	}
	if c.SnapshotPath == "" {
		c.SnapshotPath = "./trafficcontrol-state.json"
	}
}

// Deps bundles the loop's collaborators. Every field is required except
// Dashboard, which may be nil to run headless.
type Deps struct {
	HealthProbe  HealthProbeFunc
	Preflight    PreflightFunc
	Confirm      ConfirmFunc
	PullTasks    PullTasksFunc
	Scheduler    *scheduler.Scheduler
	Sessions     *session.Manager
	Budget       *contextbudget.Budget
	Bus          *eventbus.Bus
	LiveSessions LiveSessionsFunc
	Dashboard    Dashboard
	SpawnFn      scheduler.SpawnFunc
}

type Loop struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	mu                    sync.Mutex
	running               bool
	paused                bool
	degraded              bool
	consecutiveDbFailures int
	lastDbHealthyAt       time.Time
	lastDbError           error

	tickerStop chan struct{}
	tickerDone chan struct{}
}

func New(cfg Config, deps Deps, log *logger.Logger) *Loop {
	cfg.applyDefaults()
	return &Loop{
		cfg:  cfg,
		deps: deps,
		log:  log.WithFields(zap.String("component", "mainloop")),
	}
}

// Start runs the full startup sequence and, on success, begins ticking in
// a background goroutine.
func (l *Loop) Start(ctx context.Context) error {
	if l.cfg.ValidateDatabaseOnStartup {
		if err := l.probeWithBackoff(ctx); err != nil {
			return err
		}
		l.deps.Bus.Create(eventbus.KindDatabaseHealthy, eventbus.DatabasePayload{}, "")
	}

	state, ok := snapshot.Load(l.cfg.SnapshotPath)
	if ok {
		l.log.Info("restored state snapshot", zap.Bool("was_running", state.IsRunning), zap.Int("agents", len(state.ActiveAgents)))
	}
	if l.deps.LiveSessions != nil && l.deps.Scheduler != nil {
		l.deps.Scheduler.SyncCapacity(l.deps.LiveSessions())
	}

	if l.deps.Preflight != nil {
		warnings, errs, err := l.deps.Preflight(ctx)
		if err != nil {
			return err
		}
		l.deps.Bus.Create(eventbus.KindBacklogValidated, eventbus.BacklogValidatedPayload{Warnings: warnings, Errors: errs}, "")
		if len(errs) > 0 {
			return tcerrors.ErrValidationError
		}
	}

	if l.deps.Confirm != nil {
		proceed, err := l.deps.Confirm(ctx, l.summaryText(), l.cfg.ConfirmationTimeout)
		if err != nil {
			return err
		}
		if !proceed {
			return errors.New("startup aborted by operator")
		}
	}

	if l.deps.Dashboard != nil {
		if err := l.deps.Dashboard.Start(); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.running = true
	l.tickerStop = make(chan struct{})
	l.tickerDone = make(chan struct{})
	l.mu.Unlock()

	l.deps.Bus.Create(eventbus.KindSystemStarted, nil, "")

	go l.runTicker(ctx)
	return nil
}

func (l *Loop) summaryText() string {
	return "Startup pre-flight complete. Reply confirm/yes/start to begin, or abort/cancel/no/stop."
}

func (l *Loop) probeWithBackoff(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < l.cfg.StartupRetryBudget; attempt++ {
		if err := l.deps.HealthProbe(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * 200 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return errors.Join(tcerrors.ErrDatabaseUnavailable, lastErr)
}

func (l *Loop) runTicker(ctx context.Context) {
	defer close(l.tickerDone)
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Tick(ctx)
		case <-l.tickerStop:
			return
		}
	}
}

// Tick runs one scheduling pass. Safe to call directly in tests.
func (l *Loop) Tick(ctx context.Context) {
	ctx, span := trace.StartSpan(ctx, "mainloop", "tick")
	defer span.End()

	l.mu.Lock()
	running, paused, degraded := l.running, l.paused, l.degraded
	l.mu.Unlock()

	if !running || paused {
		return
	}

	if degraded {
		l.tickDegradedRecovery(ctx)
		return
	}

	if l.deps.Budget != nil {
		if l.deps.Budget.ShouldWarn() {
			l.log.Warn("context budget over warn threshold")
		}
		if !l.deps.Budget.IsWithinBudget() {
			l.deps.Budget.Compress()
		}
	}

	if l.deps.PullTasks != nil {
		if err := l.deps.PullTasks(ctx); err != nil {
			dbLike := tcerrors.IsDatabaseLike(err)
			l.classifyTickError(err)
			if dbLike {
				return
			}
		}
	}

	if l.deps.Scheduler == nil || !l.deps.Scheduler.CanSchedule() {
		return
	}
	results := l.deps.Scheduler.ScheduleAll(ctx, l.deps.SpawnFn)
	for _, res := range results {
		if res.Err != nil && !errors.Is(res.Err, scheduler.ErrNoAdmissibleTask) {
			l.classifyTickError(res.Err)
		}
	}
	l.persistSnapshot()
}

func (l *Loop) classifyTickError(err error) {
	if !tcerrors.IsDatabaseLike(err) {
		l.log.WithError(err).Warn("tick error (non-database)")
		return
	}

	l.mu.Lock()
	l.consecutiveDbFailures++
	l.lastDbError = err
	failures := l.consecutiveDbFailures
	threshold := l.cfg.MaxConsecutiveDbFailures
	l.mu.Unlock()

	l.log.WithError(err).Warn("tick database error", zap.Int("consecutive_failures", failures))

	if failures >= threshold {
		l.mu.Lock()
		l.degraded = true
		l.mu.Unlock()
		l.deps.Bus.Create(eventbus.KindDatabaseDegraded, eventbus.DatabasePayload{Error: err.Error()}, "")
	}
}

func (l *Loop) tickDegradedRecovery(ctx context.Context) {
	if l.deps.HealthProbe == nil {
		return
	}
	if err := l.deps.HealthProbe(ctx); err != nil {
		l.mu.Lock()
		l.lastDbError = err
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.degraded = false
	l.consecutiveDbFailures = 0
	l.lastDbHealthyAt = time.Now()
	l.lastDbError = nil
	l.mu.Unlock()

	l.deps.Bus.Create(eventbus.KindDatabaseRecovered, eventbus.DatabasePayload{}, "")
}

func (l *Loop) persistSnapshot() {
	if l.cfg.SnapshotPath == "" || l.deps.Sessions == nil {
		return
	}
	l.mu.Lock()
	isRunning, isPaused := l.running, l.paused
	l.mu.Unlock()

	active := l.deps.Sessions.Active()
	agents := make([]snapshot.ActiveAgent, 0, len(active))
	for _, s := range active {
		agents = append(agents, snapshot.ActiveAgent{
			SessionID: s.ID, TaskID: s.TaskID, Model: s.Model,
			Status: string(s.Status), StartedAt: s.StartedAt,
		})
	}
	if err := snapshot.Save(l.cfg.SnapshotPath, snapshot.State{IsRunning: isRunning, IsPaused: isPaused, ActiveAgents: agents}); err != nil {
		l.log.WithError(err).Warn("failed to persist state snapshot")
	}
}

// Pause stops new scheduling; existing sessions and event routing continue.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

func (l *Loop) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
}

// Shutdown stops the ticker, waits for active sessions to finish, then
// force-closes any remainder, persists a final snapshot, and emits
// system:stopped.
func (l *Loop) Shutdown(ctx context.Context) {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	stopCh := l.tickerStop
	doneCh := l.tickerDone
	l.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}

	deadline := time.Now().Add(l.cfg.GracefulShutdownTimeout)
	if l.deps.Sessions != nil {
		for time.Now().Before(deadline) {
			if len(l.deps.Sessions.Active()) == 0 {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		for _, s := range l.deps.Sessions.Active() {
			_ = l.deps.Sessions.Close(s.ID)
		}
	}

	l.persistSnapshot()

	if l.deps.Dashboard != nil {
		_ = l.deps.Dashboard.Stop(ctx)
	}

	l.deps.Bus.Create(eventbus.KindSystemStopped, nil, "")
}

// State is a read-only snapshot of the loop's own flags, for status
// reporting and tests.
type State struct {
	Running               bool
	Paused                bool
	Degraded              bool
	ConsecutiveDbFailures int
	LastDbHealthyAt       time.Time
	LastDbError           error
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Running:               l.running,
		Paused:                l.paused,
		Degraded:              l.degraded,
		ConsecutiveDbFailures: l.consecutiveDbFailures,
		LastDbHealthyAt:       l.lastDbHealthyAt,
		LastDbError:           l.lastDbError,
	}
}
