package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad_RoundTripsExactly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trafficcontrol-state.json")

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := State{
		IsRunning: true,
		IsPaused:  false,
		ActiveAgents: []ActiveAgent{
			{SessionID: "s1", TaskID: "t1", Model: "sonnet", Status: "running", StartedAt: started},
		},
	}

	require.NoError(t, Save(path, want))

	got, ok := Load(path)
	require.True(t, ok)
	assert.Equal(t, want.IsRunning, got.IsRunning)
	assert.Equal(t, want.IsPaused, got.IsPaused)
	require.Len(t, got.ActiveAgents, 1)
	assert.Equal(t, want.ActiveAgents[0].SessionID, got.ActiveAgents[0].SessionID)
	assert.True(t, want.ActiveAgents[0].StartedAt.Equal(got.ActiveAgents[0].StartedAt))
}

func TestLoad_MissingFileReturnsFalseAndEmptyState(t *testing.T) {
	dir := t.TempDir()
	state, ok := Load(filepath.Join(dir, "does-not-exist.json"))
	assert.False(t, ok)
	assert.Equal(t, State{}, state)
}

func TestLoad_MalformedFileReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	state, ok := Load(path)
	assert.False(t, ok)
	assert.Equal(t, State{}, state)
}

func TestSave_NoTempFileLeftBehindOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, Save(path, State{IsRunning: true}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}
