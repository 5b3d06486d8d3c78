// Package eventbus implements the typed, synchronous pub/sub fan-out used
// by every other core component. Subject-keyed subscriber lists and
// NATS-style pattern matching carry over from a conventional in-memory
// event bus design, but fan-out here is synchronous and ordered, not
// goroutine-per-handler, and a bounded ring buffer of history is kept.
package eventbus

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

// Handler receives an Event. A handler that panics is isolated by the bus:
// the panic is caught, logged, and re-emitted as a KindSystemError event;
// later handlers for the same event still run.
type Handler func(Event)

// Unsubscribe removes a previously registered handler. Safe to call more
// than once.
type Unsubscribe func()

// HistoryFilter narrows GetHistory's result set.
type HistoryFilter struct {
	Type  Kind // zero value matches all types
	Limit int  // zero means no limit beyond the ring buffer's own capacity
}

const DefaultHistorySize = 100

type subscription struct {
	id      uint64
	kind    Kind
	handler Handler
	active  bool
}

type patternSubscription struct {
	id      uint64
	pattern *regexp.Regexp
	handler Handler
	active  bool
}

// Bus is the typed event bus. The zero value is not usable; construct with New.
type Bus struct {
	mu sync.Mutex

	log *logger.Logger

	byKind   map[Kind][]*subscription
	patterns []*patternSubscription
	nextSubID uint64

	history     []Event
	historyHead int // index where the next event will be written
	historyLen  int
	historyCap  int

	destroyed bool
}

// New constructs a Bus with the given ring-buffer capacity. A non-positive
// size falls back to DefaultHistorySize.
func New(log *logger.Logger, historySize int) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		log:        log.WithFields(zap.String("component", "eventbus")),
		byKind:     make(map[Kind][]*subscription),
		history:    make([]Event, historySize),
		historyCap: historySize,
	}
}

// On registers a handler for exactly one event kind. Handlers for the same
// kind are invoked in registration order.
func (b *Bus) On(kind Kind, handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &subscription{id: b.nextSubID, kind: kind, handler: handler, active: true}
	b.byKind[kind] = append(b.byKind[kind], sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		sub.active = false
	}
}

// OnPattern registers a handler invoked for every event whose Type matches
// the given regular expression. Pattern handlers always run after every
// typed handler for the same event, in registration order among themselves.
func (b *Bus) OnPattern(pattern *regexp.Regexp, handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &patternSubscription{id: b.nextSubID, pattern: pattern, handler: handler, active: true}
	b.patterns = append(b.patterns, sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		sub.active = false
	}
}

// Emit delivers a pre-built Event. If Event.ID or Event.Timestamp are zero
// they are not filled in here; use Create to build a ready-to-emit Event.
func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}

	b.recordHistory(e)

	typed := append([]*subscription(nil), b.byKind[e.Type]...)
	patterned := append([]*patternSubscription(nil), b.patterns...)
	b.mu.Unlock()

	for _, sub := range typed {
		if !b.subActive(sub) {
			continue
		}
		b.invoke(sub.handler, e)
	}
	for _, sub := range patterned {
		if !b.patternActive(sub) {
			continue
		}
		if sub.pattern == nil || !sub.pattern.MatchString(string(e.Type)) {
			continue
		}
		b.invoke(sub.handler, e)
	}
}

// Create builds and emits an event of the given kind with a fresh id and
// current timestamp.
func (b *Bus) Create(kind Kind, payload any, correlationID string) Event {
	e := Event{
		ID:            uuid.New().String(),
		Type:          kind,
		Payload:       payload,
		CorrelationID: correlationID,
	}
	e.Timestamp = time.Now().UTC()
	b.Emit(e)
	return e
}

func (b *Bus) subActive(s *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.active
}

func (b *Bus) patternActive(s *patternSubscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.active
}

func (b *Bus) invoke(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("event handler panic: %v", r)
			b.log.Error("event handler panic",
				zap.String("event_type", string(e.Type)),
				zap.String("event_id", e.ID),
				zap.Any("recovered", r))
			if e.Type != KindSystemError {
				b.Create(KindSystemError, SystemErrorPayload{Reason: "handler-panic", Err: err}, e.CorrelationID)
			}
		}
	}()
	handler(e)
}

func (b *Bus) recordHistory(e Event) {
	b.history[b.historyHead] = e
	b.historyHead = (b.historyHead + 1) % b.historyCap
	if b.historyLen < b.historyCap {
		b.historyLen++
	}
}

// GetHistory returns retained events oldest-first (newest last). filter may
// be nil to return everything retained.
func (b *Bus) GetHistory(filter *HistoryFilter) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ordered := make([]Event, 0, b.historyLen)
	start := b.historyHead - b.historyLen
	for i := 0; i < b.historyLen; i++ {
		idx := mod(start+i, b.historyCap)
		ordered = append(ordered, b.history[idx])
	}

	if filter == nil {
		return ordered
	}

	var out []Event
	for _, e := range ordered {
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		out = append(out, e)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

func mod(a, m int) int {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}

// Destroy drops all subscribers and clears history. Idempotent.
func (b *Bus) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.byKind = make(map[Kind][]*subscription)
	b.patterns = nil
	b.history = make([]Event, b.historyCap)
	b.historyHead = 0
	b.historyLen = 0
	b.destroyed = true
}
