package mainloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/orchestrator/internal/agentadapter/mock"
	"github.com/trafficcontrol/orchestrator/internal/capacity"
	"github.com/trafficcontrol/orchestrator/internal/eventbus"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
	"github.com/trafficcontrol/orchestrator/internal/scheduler"
	"github.com/trafficcontrol/orchestrator/internal/scheduler/taskqueue"
	"github.com/trafficcontrol/orchestrator/internal/session"
	"github.com/trafficcontrol/orchestrator/internal/taskstore"
)

func testLoop(t *testing.T, healthProbe HealthProbeFunc) (*Loop, *eventbus.Bus, *session.Manager) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	bus := eventbus.New(log, 50)
	tracker := capacity.New(map[string]int{"sonnet": 2}, bus, log)
	adapter := mock.New()
	sessions := session.NewManager(adapter, tracker, bus, log)
	q := taskqueue.New()
	sched := scheduler.New(q, tracker, nil, bus, log)

	spawnFn := func(ctx context.Context, task taskstore.Task, model string) (string, error) {
		return sessions.Spawn(ctx, task.ID, session.Config{Model: model, Prompt: task.Title})
	}

	loop := New(Config{PollInterval: time.Hour}, Deps{
		HealthProbe: healthProbe,
		Scheduler:   sched,
		Sessions:    sessions,
		Bus:         bus,
		SpawnFn:     spawnFn,
		LiveSessions: func() map[string][]string { return nil },
	}, log)
	return loop, bus, sessions
}

// S6 boundary scenario: three consecutive DB-like tick failures enter
// degraded mode; the next tick's health probe succeeding recovers it.
func TestTick_DegradedModeEntryAndRecovery(t *testing.T) {
	probeHealthy := false
	healthProbe := func(ctx context.Context) error {
		if probeHealthy {
			return nil
		}
		return errors.New("database connection refused")
	}
	loop, bus, _ := testLoop(t, healthProbe)

	loop.mu.Lock()
	loop.running = true
	loop.mu.Unlock()

	pullErr := errors.New("database connection refused")
	failing := true
	loop.deps.PullTasks = func(ctx context.Context) error {
		if failing {
			return pullErr
		}
		return nil
	}

	var degradedEvents, recoveredEvents int
	bus.On(eventbus.KindDatabaseDegraded, func(e eventbus.Event) { degradedEvents++ })
	bus.On(eventbus.KindDatabaseRecovered, func(e eventbus.Event) { recoveredEvents++ })

	loop.Tick(context.Background())
	loop.Tick(context.Background())
	assert.False(t, loop.State().Degraded)
	loop.Tick(context.Background())

	assert.True(t, loop.State().Degraded)
	assert.Equal(t, 1, degradedEvents)
	assert.Equal(t, 3, loop.State().ConsecutiveDbFailures)

	// Degraded: subsequent tick attempts recovery via health probe instead
	// of scheduling. First attempt still unhealthy -> stays degraded.
	loop.Tick(context.Background())
	assert.True(t, loop.State().Degraded)
	assert.Equal(t, 0, recoveredEvents)

	// Health probe now succeeds -> recovers.
	probeHealthy = true
	failing = false
	loop.Tick(context.Background())

	assert.False(t, loop.State().Degraded)
	assert.Equal(t, 0, loop.State().ConsecutiveDbFailures)
	assert.Equal(t, 1, recoveredEvents)
}

func TestTick_NoopWhenPausedOrNotRunning(t *testing.T) {
	calls := 0
	loop, _, _ := testLoop(t, func(ctx context.Context) error { return nil })
	loop.deps.PullTasks = func(ctx context.Context) error { calls++; return nil }

	loop.Tick(context.Background()) // not running yet
	assert.Equal(t, 0, calls)

	loop.mu.Lock()
	loop.running = true
	loop.mu.Unlock()
	loop.Pause()
	loop.Tick(context.Background())
	assert.Equal(t, 0, calls)

	loop.Resume()
	loop.Tick(context.Background())
	assert.Equal(t, 1, calls)
}

func TestTick_AdmitsQueuedTaskThroughScheduler(t *testing.T) {
	loop, bus, sessions := testLoop(t, func(ctx context.Context) error { return nil })
	loop.mu.Lock()
	loop.running = true
	loop.mu.Unlock()

	var assigned []eventbus.Event
	bus.On(eventbus.KindTaskAssigned, func(e eventbus.Event) { assigned = append(assigned, e) })

	require.NoError(t, loop.deps.Scheduler.AddTask(taskstore.Task{
		ID: "t-1", Title: "do the thing", Priority: 1, CreatedAt: time.Now(),
		Status: taskstore.TaskQueued, PreferredModel: "sonnet",
	}))

	loop.Tick(context.Background())

	require.Len(t, assigned, 1)
	assert.Equal(t, 1, len(sessions.Active()))
}

func TestShutdown_ClosesActiveSessionsAndEmitsStopped(t *testing.T) {
	loop, bus, sessions := testLoop(t, func(ctx context.Context) error { return nil })
	loop.cfg.GracefulShutdownTimeout = 50 * time.Millisecond
	sessions.SetGracePeriod(50 * time.Millisecond)
	loop.mu.Lock()
	loop.running = true
	loop.tickerStop = make(chan struct{})
	loop.tickerDone = make(chan struct{})
	close(loop.tickerDone)
	loop.mu.Unlock()

	_, err := sessions.Spawn(context.Background(), "t-2", session.Config{Model: "sonnet", Prompt: "never finishes"})
	require.NoError(t, err)

	var stopped int
	bus.On(eventbus.KindSystemStopped, func(e eventbus.Event) { stopped++ })

	loop.Shutdown(context.Background())

	assert.Equal(t, 1, stopped)
	assert.False(t, loop.State().Running)
}
