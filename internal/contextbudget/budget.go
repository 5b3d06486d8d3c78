// Package contextbudget tracks estimated token usage across context entries
// and compresses the oldest compressible ones when usage runs over budget.
package contextbudget

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/eventbus"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

type Category string

const (
	CategoryTask     Category = "task"
	CategoryHistory  Category = "history"
	CategoryResponse Category = "response"
	CategorySystem   Category = "system"
)

// Entry is one piece of tracked context.
type Entry struct {
	ID           string
	Category     Category
	Compressible bool
	ReferenceID  string
	Content      string
	Tokens       int
}

// EstimateTokens is a monotone estimate: roughly four characters per token
// plus a small fixed overhead for message framing.
func EstimateTokens(content string) int {
	const charsPerToken = 4
	const overhead = 3
	return (len(content)+charsPerToken-1)/charsPerToken + overhead
}

type Config struct {
	MaxTokens         int
	TargetUtilization float64
	WarnUtilization   float64
}

type Budget struct {
	mu     sync.Mutex
	cfg    Config
	order  []string // entry ids, insertion order
	byID   map[string]*Entry
	bus    *eventbus.Bus
	log    *logger.Logger
}

func New(cfg Config, bus *eventbus.Bus, log *logger.Logger) *Budget {
	return &Budget{
		cfg:  cfg,
		byID: make(map[string]*Entry),
		bus:  bus,
		log:  log.WithFields(zap.String("component", "contextbudget")),
	}
}

func (b *Budget) AddEntry(category Category, compressible bool, referenceID, content string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New().String()
	e := &Entry{
		ID:           id,
		Category:     category,
		Compressible: compressible,
		ReferenceID:  referenceID,
		Content:      content,
		Tokens:       EstimateTokens(content),
	}
	b.byID[id] = e
	b.order = append(b.order, id)
	return id
}

func (b *Budget) UpdateEntry(id, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byID[id]
	if !ok {
		return
	}
	e.Content = content
	e.Tokens = EstimateTokens(content)
}

func (b *Budget) RemoveEntry(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Budget) removeLocked(id string) {
	if _, ok := b.byID[id]; !ok {
		return
	}
	delete(b.byID, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// RemoveEntriesByReference removes every entry whose ReferenceID matches
// refID and returns how many were removed.
func (b *Budget) RemoveEntriesByReference(refID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var toRemove []string
	for _, id := range b.order {
		if b.byID[id].ReferenceID == refID {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		b.removeLocked(id)
	}
	return len(toRemove)
}

func (b *Budget) currentEstimate() int {
	total := 0
	for _, id := range b.order {
		total += b.byID[id].Tokens
	}
	return total
}

// IsWithinBudget reports whether current usage is at or below targetUtilization.
func (b *Budget) IsWithinBudget() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.MaxTokens == 0 {
		return true
	}
	return float64(b.currentEstimate())/float64(b.cfg.MaxTokens) <= b.cfg.TargetUtilization
}

// ShouldWarn reports whether current usage has reached warnUtilization.
func (b *Budget) ShouldWarn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.MaxTokens == 0 {
		return false
	}
	return float64(b.currentEstimate())/float64(b.cfg.MaxTokens) >= b.cfg.WarnUtilization
}

// GetCompressibleEntries returns compressible entries oldest-first.
func (b *Budget) GetCompressibleEntries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Entry
	for _, id := range b.order {
		e := b.byID[id]
		if e.Compressible {
			out = append(out, *e)
		}
	}
	return out
}

// Compress iterates compressible entries oldest to newest, applying a
// category-specific summarizer, stopping as soon as the budget is within
// target again. If every compressible entry is exhausted and the budget is
// still over, emits system:error with reason context-budget-exhausted.
func (b *Budget) Compress() {
	for {
		if b.IsWithinBudget() {
			return
		}
		entries := b.GetCompressibleEntries()
		if len(entries) == 0 {
			b.bus.Create(eventbus.KindSystemError, eventbus.SystemErrorPayload{
				Reason: "context-budget-exhausted",
			}, "")
			return
		}
		b.compressOne(entries[0])
	}
}

func (b *Budget) compressOne(e Entry) {
	switch e.Category {
	case CategoryTask:
		b.UpdateEntry(e.ID, "Task "+e.ReferenceID+": delegated")
		b.mu.Lock()
		if entry, ok := b.byID[e.ID]; ok {
			entry.Compressible = false
		}
		b.mu.Unlock()
	case CategoryHistory, CategoryResponse:
		b.RemoveEntry(e.ID)
	case CategorySystem:
		b.UpdateEntry(e.ID, "[system context compressed]")
		b.mu.Lock()
		if entry, ok := b.byID[e.ID]; ok {
			entry.Compressible = false
		}
		b.mu.Unlock()
	default:
		b.RemoveEntry(e.ID)
	}
}
