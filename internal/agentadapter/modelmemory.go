package agentadapter

import "sync"

// ModelMemory records which model each session was started with, so a later
// ExtractUsage call without an explicit model still prices correctly.
// Embedded by both the cli and sdk adapter implementations.
type ModelMemory struct {
	mu        sync.Mutex
	bySession map[string]string
}

func NewModelMemory() *ModelMemory {
	return &ModelMemory{bySession: make(map[string]string)}
}

func (m *ModelMemory) Remember(sessionID, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySession[sessionID] = model
}

func (m *ModelMemory) ModelFor(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bySession[sessionID]
}

func (m *ModelMemory) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bySession, sessionID)
}

// Resolve returns explicitModel if non-empty, else the remembered model for
// sessionID.
func (m *ModelMemory) Resolve(sessionID, explicitModel string) string {
	if explicitModel != "" {
		return explicitModel
	}
	return m.ModelFor(sessionID)
}
