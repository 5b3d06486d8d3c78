// Package scheduler pulls admissible tasks off the priority queue and
// dispatches them to a spawn callback under capacity, one admission decision
// at a time so the Main Loop stays in control of tick pacing.
package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/capacity"
	"github.com/trafficcontrol/orchestrator/internal/eventbus"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
	"github.com/trafficcontrol/orchestrator/internal/scheduler/taskqueue"
	"github.com/trafficcontrol/orchestrator/internal/taskstore"
)

var ErrNoAdmissibleTask = errors.New("no admissible task")

// ModelPreferenceOrder is the fixed fallback order consulted when a task has
// no preferred model, or its preferred model has no capacity.
var ModelPreferenceOrder = []string{"opus", "sonnet", "haiku"}

// ProjectStatus resolves a task's project status, used to skip tasks whose
// project is paused without dequeuing them.
type ProjectStatus func(projectID string) taskstore.ProjectStatus

// SpawnFunc dispatches an admitted task to the session manager and returns
// the resulting session id.
type SpawnFunc func(ctx context.Context, task taskstore.Task, model string) (string, error)

// Result describes the outcome of one scheduling attempt.
type Result struct {
	Task      taskstore.Task
	Model     string
	SessionID string
	Err       error
}

type Scheduler struct {
	queue         *taskqueue.Queue
	tracker       *capacity.Tracker
	projectStatus ProjectStatus
	bus           *eventbus.Bus
	log           *logger.Logger
}

func New(queue *taskqueue.Queue, tracker *capacity.Tracker, projectStatus ProjectStatus, bus *eventbus.Bus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		queue:         queue,
		tracker:       tracker,
		projectStatus: projectStatus,
		bus:           bus,
		log:           log.WithFields(zap.String("component", "scheduler")),
	}
}

// AddTask enqueues task and emits task:queued.
func (s *Scheduler) AddTask(task taskstore.Task) error {
	if err := s.queue.Add(task); err != nil {
		return err
	}
	s.bus.Create(eventbus.KindTaskQueued, eventbus.TaskQueuedPayload{TaskID: task.ID}, "")
	return nil
}

func (s *Scheduler) skipPaused(task taskstore.Task) bool {
	if s.projectStatus == nil {
		return false
	}
	return s.projectStatus(task.ProjectID) == taskstore.ProjectPaused
}

// CanSchedule reports whether any model has capacity and at least one
// non-paused task is queued.
func (s *Scheduler) CanSchedule() bool {
	if _, ok := s.queue.Peek(s.skipPaused); !ok {
		return false
	}
	for _, m := range s.tracker.Models() {
		if s.tracker.HasCapacity(m) {
			return true
		}
	}
	return false
}

// chooseModel applies the preferred-model-first, fixed-fallback-order rule.
func (s *Scheduler) chooseModel(task taskstore.Task) (string, bool) {
	if task.PreferredModel != "" && s.tracker.HasCapacity(task.PreferredModel) {
		return task.PreferredModel, true
	}
	for _, m := range ModelPreferenceOrder {
		if s.tracker.HasCapacity(m) {
			return m, true
		}
	}
	return "", false
}

// ScheduleNext admits at most one task: the highest-priority non-paused,
// non-skipped queued task for which some model has capacity. A spawn
// failure bubbles up as an error result with the task left queued and no
// capacity held (capacity reservation itself happens inside spawnFn, via
// the Session Manager).
func (s *Scheduler) ScheduleNext(ctx context.Context, spawnFn SpawnFunc) Result {
	task, ok := s.queue.Take(func(t taskstore.Task) bool {
		if s.skipPaused(t) {
			return true
		}
		_, hasCapacity := s.chooseModel(t)
		return !hasCapacity
	})
	if !ok {
		return Result{Err: ErrNoAdmissibleTask}
	}

	model, ok := s.chooseModel(task)
	if !ok {
		// Capacity vanished between Take's predicate and here (another
		// admission raced it); re-queue and report no admissible task.
		_ = s.queue.Add(task)
		return Result{Task: task, Err: ErrNoAdmissibleTask}
	}

	sessionID, err := spawnFn(ctx, task, model)
	if err != nil {
		_ = s.queue.Add(task)
		s.log.WithError(err).Warn("spawn failed, task re-queued", zap.String("task_id", task.ID))
		return Result{Task: task, Model: model, Err: err}
	}

	s.bus.Create(eventbus.KindTaskAssigned, eventbus.TaskAssignedPayload{
		TaskID:    task.ID,
		SessionID: sessionID,
		Model:     model,
	}, "")

	return Result{Task: task, Model: model, SessionID: sessionID}
}

// ScheduleAll admits tasks greedily until either the queue has nothing
// admissible left, every model is at its limit, or a spawn attempt fails.
// A spawn failure re-queues its task without freeing any capacity, so
// retrying within the same call would just re-select the same task forever;
// the failure is reported in results and the remaining queue is left for
// the next tick.
func (s *Scheduler) ScheduleAll(ctx context.Context, spawnFn SpawnFunc) []Result {
	var results []Result
	for {
		if !s.CanSchedule() {
			return results
		}
		res := s.ScheduleNext(ctx, spawnFn)
		if errors.Is(res.Err, ErrNoAdmissibleTask) {
			return results
		}
		if res.Err != nil {
			results = append(results, res)
			return results
		}
		results = append(results, res)
	}
}

// SyncCapacity proxies to the capacity tracker, replacing active sets from
// the ground-truth live session set.
func (s *Scheduler) SyncCapacity(liveSessions map[string][]string) {
	s.tracker.Sync(liveSessions)
}

// QueueLen reports how many tasks are currently queued, admissible or not.
func (s *Scheduler) QueueLen() int { return s.queue.Len() }
