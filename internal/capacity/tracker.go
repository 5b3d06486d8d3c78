// Package capacity tracks in-flight agent sessions per model and is the
// sole authority on admission. The call-site shape mirrors a CanExecute
// gate consulted before every dequeue, but here backed by real per-model
// accounting instead of an always-true stub.
package capacity

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/eventbus"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

// ErrExhausted is returned by Reserve when the model is already at its limit.
var ErrExhausted = errors.New("capacity exhausted")

// Tracker owns the per-model active-session sets. No other component may
// mutate them.
type Tracker struct {
	mu     sync.Mutex
	limits map[string]int
	active map[string]map[string]struct{}
	bus    *eventbus.Bus
	log    *logger.Logger
}

// New constructs a Tracker with the given per-model limits.
func New(limits map[string]int, bus *eventbus.Bus, log *logger.Logger) *Tracker {
	active := make(map[string]map[string]struct{}, len(limits))
	for m := range limits {
		active[m] = make(map[string]struct{})
	}
	return &Tracker{
		limits: cloneLimits(limits),
		active: active,
		bus:    bus,
		log:    log.WithFields(zap.String("component", "capacity")),
	}
}

func cloneLimits(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Models returns the configured model names in stable, sorted order.
func (t *Tracker) Models() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.limits))
	for m := range t.limits {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Limit returns the configured limit for m, or 0 if m is unknown.
func (t *Tracker) Limit(m string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits[m]
}

// Available returns L_m - |active[m]|.
func (t *Tracker) Available(m string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits[m] - len(t.active[m])
}

// ActiveCount returns |active[m]|.
func (t *Tracker) ActiveCount(m string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active[m])
}

// HasCapacity reports whether m has room for one more session.
func (t *Tracker) HasCapacity(m string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active[m]) < t.limits[m]
}

// Reserve adds sessionID to m's active set. Fails with ErrExhausted if m is
// already at its limit. Emits capacity:exhausted on the active -> full
// transition.
func (t *Tracker) Reserve(m, sessionID string) error {
	t.mu.Lock()
	set, ok := t.active[m]
	if !ok {
		set = make(map[string]struct{})
		t.active[m] = set
	}
	if len(set) >= t.limits[m] {
		t.mu.Unlock()
		return ErrExhausted
	}
	set[sessionID] = struct{}{}
	becameFull := len(set) >= t.limits[m]
	t.mu.Unlock()

	if becameFull && t.bus != nil {
		t.bus.Create(eventbus.KindCapacityExhausted, eventbus.CapacityPayload{Model: m}, "")
	}
	return nil
}

// Release removes sessionID from m's active set. Idempotent: releasing an
// unknown id is logged as a warning, not an error. Emits capacity:available
// on the full -> available transition.
func (t *Tracker) Release(m, sessionID string) {
	t.mu.Lock()
	set, ok := t.active[m]
	if !ok {
		t.mu.Unlock()
		t.log.Warn("release for unknown model", zap.String("model", m), zap.String("session_id", sessionID))
		return
	}
	wasFull := len(set) >= t.limits[m]
	if _, present := set[sessionID]; !present {
		t.mu.Unlock()
		t.log.Warn("release for unknown session", zap.String("model", m), zap.String("session_id", sessionID))
		return
	}
	delete(set, sessionID)
	becameAvailable := wasFull && len(set) < t.limits[m]
	t.mu.Unlock()

	if becameAvailable && t.bus != nil {
		t.bus.Create(eventbus.KindCapacityAvailable, eventbus.CapacityPayload{Model: m}, "")
	}
}

// Sync replaces the active set for every known model from the ground-truth
// live set. Called on startup and explicitly; never invented session ids.
func (t *Tracker) Sync(liveSessions map[string][]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for m := range t.limits {
		set := make(map[string]struct{}, len(liveSessions[m]))
		for _, id := range liveSessions[m] {
			set[id] = struct{}{}
		}
		t.active[m] = set
	}
}
