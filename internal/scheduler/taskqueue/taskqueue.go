// Package taskqueue is a container/heap-backed priority queue of queued
// tasks, stable-sorted by (priority desc, createdAt asc, id asc).
package taskqueue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/trafficcontrol/orchestrator/internal/taskstore"
)

var ErrAlreadyQueued = errors.New("task already queued")

// Entry is one task sitting in the queue.
type Entry struct {
	Task       taskstore.Task
	EnqueuedAt time.Time
	index      int
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Task.Priority != h[j].Task.Priority {
		return h[i].Task.Priority > h[j].Task.Priority
	}
	if !h[i].Task.CreatedAt.Equal(h[j].Task.CreatedAt) {
		return h[i].Task.CreatedAt.Before(h[j].Task.CreatedAt)
	}
	return h[i].Task.ID < h[j].Task.ID
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is a thread-safe priority queue keyed by task id.
type Queue struct {
	mu    sync.Mutex
	heap  entryHeap
	byID  map[string]*Entry
	clock func() time.Time
}

func New() *Queue {
	q := &Queue{
		heap:  make(entryHeap, 0),
		byID:  make(map[string]*Entry),
		clock: time.Now,
	}
	heap.Init(&q.heap)
	return q
}

// Add enqueues task. Re-adding an already-queued id is an error: callers
// should use Update to change priority/metadata in place.
func (q *Queue) Add(task taskstore.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.byID[task.ID]; exists {
		return ErrAlreadyQueued
	}
	e := &Entry{Task: task, EnqueuedAt: q.clock()}
	heap.Push(&q.heap, e)
	q.byID[task.ID] = e
	return nil
}

// Peek returns the highest-priority entry without removing it, skipping any
// entry whose skip predicate reports true (paused projects). It walks the
// heap in priority order, not removing skipped entries from the queue.
func (q *Queue) Peek(skip func(taskstore.Task) bool) (taskstore.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peekLocked(skip)
}

func (q *Queue) peekLocked(skip func(taskstore.Task) bool) (taskstore.Task, bool) {
	ordered := make(entryHeap, len(q.heap))
	copy(ordered, q.heap)
	sortByQueueOrder(ordered)
	for _, e := range ordered {
		if skip == nil || !skip(e.Task) {
			return e.Task, true
		}
	}
	return taskstore.Task{}, false
}

// Take removes and returns the first non-skipped entry in queue order.
func (q *Queue) Take(skip func(taskstore.Task) bool) (taskstore.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ordered := make(entryHeap, len(q.heap))
	copy(ordered, q.heap)
	sortByQueueOrder(ordered)
	for _, e := range ordered {
		if skip != nil && skip(e.Task) {
			continue
		}
		heap.Remove(&q.heap, e.index)
		delete(q.byID, e.Task.ID)
		return e.Task, true
	}
	return taskstore.Task{}, false
}

// Remove drops taskID from the queue if present.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, taskID)
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// List returns every queued task in priority order (does not remove them).
func (q *Queue) List() []taskstore.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ordered := make(entryHeap, len(q.heap))
	copy(ordered, q.heap)
	sortByQueueOrder(ordered)
	out := make([]taskstore.Task, len(ordered))
	for i, e := range ordered {
		out[i] = e.Task
	}
	return out
}

func sortByQueueOrder(h entryHeap) {
	// insertion sort: queues are small and this keeps ordering logic in one
	// place (entryHeap.Less) rather than duplicating comparator code.
	for i := 1; i < len(h); i++ {
		for j := i; j > 0 && h.Less(j, j-1); j-- {
			h[j], h[j-1] = h[j-1], h[j]
		}
	}
}
