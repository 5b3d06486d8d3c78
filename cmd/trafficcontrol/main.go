// Package main is the entry point for the TrafficControl orchestrator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/agentadapter"
	"github.com/trafficcontrol/orchestrator/internal/agentadapter/cli"
	"github.com/trafficcontrol/orchestrator/internal/approval"
	"github.com/trafficcontrol/orchestrator/internal/capacity"
	"github.com/trafficcontrol/orchestrator/internal/chat"
	"github.com/trafficcontrol/orchestrator/internal/chat/localhub"
	"github.com/trafficcontrol/orchestrator/internal/chat/logchat"
	"github.com/trafficcontrol/orchestrator/internal/contextbudget"
	"github.com/trafficcontrol/orchestrator/internal/dashboard"
	"github.com/trafficcontrol/orchestrator/internal/eventbus"
	"github.com/trafficcontrol/orchestrator/internal/mainloop"
	"github.com/trafficcontrol/orchestrator/internal/notify"
	"github.com/trafficcontrol/orchestrator/internal/obs/config"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
	"github.com/trafficcontrol/orchestrator/internal/preflight"
	"github.com/trafficcontrol/orchestrator/internal/question"
	"github.com/trafficcontrol/orchestrator/internal/scheduler"
	"github.com/trafficcontrol/orchestrator/internal/scheduler/taskqueue"
	"github.com/trafficcontrol/orchestrator/internal/session"
	"github.com/trafficcontrol/orchestrator/internal/taskstore"
	"github.com/trafficcontrol/orchestrator/internal/taskstore/pg"
	"github.com/trafficcontrol/orchestrator/internal/taskstore/sqlite"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting TrafficControl orchestrator")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the task store
	store, closeStore, err := openTaskStore(cfg.Database)
	if err != nil {
		log.Fatal("failed to open task store", zap.Error(err))
	}
	defer closeStore()
	log.Info("task store ready", zap.String("driver", cfg.Database.Driver))

	// 5. Build the in-process event bus
	bus := eventbus.New(log, 0)

	// 6. Initialize agent adapter
	adapter, closeAdapter, err := openAdapter(cfg.Agent, log)
	if err != nil {
		log.Fatal("failed to initialize agent adapter", zap.Error(err))
	}
	defer closeAdapter()
	log.Info("agent adapter ready", zap.String("mode", cfg.Agent.Mode))

	// 7. Capacity, session manager, scheduler
	tracker := capacity.New(cfg.Capacity.ResolveLimits(scheduler.ModelPreferenceOrder), bus, log)
	sessions := session.NewManager(adapter, tracker, bus, log)

	queue := taskqueue.New()
	projectStatus := func(projectID string) taskstore.ProjectStatus {
		projects, err := store.ListProjectsByStatus(taskstore.ProjectActive)
		if err != nil {
			return taskstore.ProjectPaused
		}
		for _, p := range projects {
			if p.ID == projectID {
				return p.Status
			}
		}
		return taskstore.ProjectPaused
	}
	sched := scheduler.New(queue, tracker, projectStatus, bus, log)

	// 8. Context budget
	budget := contextbudget.New(contextbudget.Config{
		MaxTokens:         cfg.Context.MaxTokens,
		TargetUtilization: cfg.Context.TargetUtilization,
		WarnUtilization:   cfg.Context.WarnUtilization,
	}, bus, log)

	// 9. Chat transport
	transport, startChat, err := openChatTransport(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize chat transport", zap.Error(err))
	}
	if err := startChat(ctx); err != nil {
		log.Fatal("failed to start chat transport", zap.Error(err))
	}

	// 10. Notification batching
	notifier := notify.New(notify.Config{
		ChannelID:       cfg.Notify.ChannelID,
		BatchInterval:   time.Duration(cfg.Notify.BatchIntervalMs) * time.Millisecond,
		QuietHoursStart: cfg.Notify.QuietHoursStart,
		QuietHoursEnd:   cfg.Notify.QuietHoursEnd,
	}, func(n notify.Notification) error {
		_, err := transport.SendMessage(context.Background(), chat.Message{
			ChannelID: cfg.Notify.ChannelID,
			ThreadID:  n.ThreadID,
			Text:      n.Text,
		})
		return err
	}, log)
	defer notifier.Destroy()

	// 11. Approval gate
	approvalMgr := approval.New(approval.Config{
		ChannelID: cfg.Chat.ChannelID,
		Timeout:   cfg.Approval.Timeout(),
	}, transport, func(approval.Result) error { return nil }, log)

	// 12. Mid-run question routing
	questions := question.New(bus, transport, sessions, cfg.Chat.ChannelID, log)

	// 13. Preflight backlog validation
	validator := preflight.New(store)

	// 14. Approval-gated spawn: every admitted task waits on a chat approval
	// before the session manager actually starts a query.
	spawnFn := func(ctx context.Context, task taskstore.Task, model string) (string, error) {
		queuePos := sched.QueueLen()
		result := approvalMgr.RequestApproval(ctx, task, queuePos, model)
		if result.Status != approval.StatusApproved {
			return "", fmt.Errorf("task %s not approved: %s", task.ID, result.Status)
		}
		return sessions.Spawn(ctx, task.ID, session.Config{
			Prompt:         task.Description,
			Model:          model,
			MaxTurns:       0,
			PermissionMode: agentadapter.PermissionDefault,
		})
	}

	// 15. Pull admissible tasks from the store into the scheduler each tick
	pullTasks := func(ctx context.Context) error {
		queued, err := store.ListTasksByStatus(taskstore.TaskQueued)
		if err != nil {
			return err
		}
		for _, task := range queued {
			if err := sched.AddTask(task); err != nil && err != taskqueue.ErrAlreadyQueued {
				log.WithError(err).Warn("failed to enqueue task", zap.String("task_id", task.ID))
			}
		}
		return nil
	}

	healthProbe := func(ctx context.Context) error {
		_, err := store.ListProjectsByStatus(taskstore.ProjectActive)
		return err
	}

	// 17. Optional status dashboard, reporting the loop's own state once it
	// exists (loop is assigned below; the closure only runs after Start).
	var loop *mainloop.Loop
	var dash mainloop.Dashboard
	if cfg.Dashboard.Enabled {
		dash = dashboard.New(cfg.Server.Host, cfg.Dashboard.Port, func() mainloop.State { return loop.State() }, log)
	}

	// 18. Assemble the main loop
	loop = mainloop.New(mainloop.Config{
		PollInterval:              cfg.MainLoop.PollInterval(),
		MaxConsecutiveDbFailures:  cfg.MainLoop.MaxConsecutiveDbFailures,
		GracefulShutdownTimeout:   cfg.MainLoop.GracefulShutdownTimeout(),
		ValidateDatabaseOnStartup: cfg.MainLoop.ValidateDatabaseOnStartup,
		SnapshotPath:              cfg.MainLoop.StateFilePath,
	}, mainloop.Deps{
		HealthProbe: healthProbe,
		Preflight: func(ctx context.Context) (warnings, errs []string, err error) {
			return validator.Validate(ctx)
		},
		PullTasks: pullTasks,
		Scheduler: sched,
		Sessions:  sessions,
		Budget:    budget,
		Bus:       bus,
		LiveSessions: func() map[string][]string {
			live := make(map[string][]string)
			for _, s := range sessions.Active() {
				live[s.Model] = append(live[s.Model], s.ID)
			}
			return live
		},
		Dashboard: dash,
		SpawnFn:   spawnFn,
	}, log)

	questions.SetFallthrough(func(msg chat.InboundMessage) {
		approvalMgr.HandleReply(msg.ThreadID, msg.Text, msg.UserID)
	})

	// 19. Start the loop, wait for a shutdown signal, then drain
	if err := loop.Start(ctx); err != nil {
		log.Fatal("failed to start main loop", zap.Error(err))
	}
	log.Info("main loop started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.MainLoop.GracefulShutdownTimeout())
	defer shutdownCancel()
	loop.Shutdown(shutdownCtx)

	log.Info("shutdown complete")
}

// openTaskStore selects the sqlite or postgres task store per cfg.Driver.
func openTaskStore(cfg config.DatabaseConfig) (taskstore.Store, func(), error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres":
		store, err := pg.Open(cfg.URL, 10, 2)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, func() { store.Close() }, nil
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			path = "./trafficcontrol.db"
		}
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// openAdapter selects the cli or sdk agent adapter per cfg.Mode. The sdk
// variant has no vendor client linked into this build, since
// internal/agentadapter/sdk is written against the normalized-message
// contract precisely so a vendor client can be plugged in later without
// touching callers; until one is, "sdk" mode fails fast with a clear error
// rather than silently falling back to a scripted fake.
func openAdapter(cfg config.AgentConfig, log *logger.Logger) (agentadapter.Adapter, func(), error) {
	switch strings.ToLower(cfg.Mode) {
	case "cli", "":
		args := []string{}
		if cfg.RelayModel != "" {
			args = append(args, "--model", cfg.RelayModel)
		}
		a := cli.New(cli.Config{
			Binary: cfg.RelayCLIPath,
			Args:   args,
		}, log)
		return a, func() {}, nil
	case "sdk":
		return nil, nil, fmt.Errorf("agent.mode=sdk requires a vendor client wired into internal/agentadapter/sdk; none is linked into this build")
	default:
		return nil, nil, fmt.Errorf("unknown agent mode %q", cfg.Mode)
	}
}

// openChatTransport selects the local websocket hub or the log-only fake.
// logchat is the default when no chat token is configured, matching its own
// doc comment; a non-empty token enables the self-hosted hub's websocket
// surface instead of a provider-specific transport, since no concrete
// provider-backed transport is wired into this build.
func openChatTransport(cfg config.Config, log *logger.Logger) (chat.Transport, func(context.Context) error, error) {
	if cfg.Chat.Token == "" {
		t := logchat.New(log)
		return t, func(context.Context) error { return nil }, nil
	}

	hub := localhub.New(log)
	start := func(ctx context.Context) error {
		go hub.Run(ctx)
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.ServeWS)
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("local chat hub server stopped unexpectedly")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		return nil
	}
	return hub, start, nil
}
