// Package snapshot persists and restores the main loop's own running state
// across restarts on a best-effort basis. The Session Manager never
// re-attaches to an agent process recorded here; restored entries exist for
// logging and alerting only.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// ActiveAgent is one session recorded at save time.
type ActiveAgent struct {
	SessionID string    `json:"sessionId"`
	TaskID    string    `json:"taskId"`
	Model     string    `json:"model"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
}

// State is the full persisted record.
type State struct {
	IsRunning    bool          `json:"isRunning"`
	IsPaused     bool          `json:"isPaused"`
	ActiveAgents []ActiveAgent `json:"activeAgents"`
}

// Save atomically writes state to path: write to a temp file in the same
// directory, then rename over the destination, so a crash mid-write never
// leaves a corrupt snapshot behind.
func Save(path string, state State) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(state); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Load reads and parses the snapshot at path. A missing or malformed file
// is not an error: it returns ok=false and a zero-value State so the caller
// proceeds with empty state.
func Load(path string) (state State, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, false
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false
	}
	return state, true
}
