// Package memtest provides an in-memory taskstore.Store for tests.
package memtest

import (
	"fmt"
	"sync"

	"github.com/trafficcontrol/orchestrator/internal/taskstore"
)

type Store struct {
	mu       sync.Mutex
	tasks    map[string]taskstore.Task
	projects map[string]taskstore.Project
}

func New() *Store {
	return &Store{
		tasks:    make(map[string]taskstore.Task),
		projects: make(map[string]taskstore.Project),
	}
}

func (s *Store) PutTask(t taskstore.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

func (s *Store) PutProject(p taskstore.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

func (s *Store) ListProjectsByStatus(status taskstore.ProjectStatus) ([]taskstore.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []taskstore.Project
	for _, p := range s.projects {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) ListTasksByStatus(status taskstore.TaskStatus) ([]taskstore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []taskstore.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) GetTask(taskID string) (taskstore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return taskstore.Task{}, fmt.Errorf("memtest: unknown task %q", taskID)
	}
	return t, nil
}

func (s *Store) UpdateTask(task taskstore.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *Store) UpdateTaskStatus(taskID string, status taskstore.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("memtest: unknown task %q", taskID)
	}
	t.Status = status
	s.tasks[taskID] = t
	return nil
}

func (s *Store) UpdateTaskAssignment(taskID, sessionID, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("memtest: unknown task %q", taskID)
	}
	t.Status = taskstore.TaskAssigned
	s.tasks[taskID] = t
	return nil
}

func (s *Store) UpdateUsage(taskID string, usage taskstore.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return fmt.Errorf("memtest: unknown task %q", taskID)
	}
	return nil
}

func (s *Store) DeleteTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}
