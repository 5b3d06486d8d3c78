package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/orchestrator/internal/mainloop"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

func testServer(t *testing.T, state StateFunc) *Server {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	s := New("127.0.0.1", 0, state, log)
	return s
}

func TestHealthz_ReturnsOK(t *testing.T) {
	s := testServer(t, func() mainloop.State { return mainloop.State{} })
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	time.Sleep(20 * time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatus_ReflectsLoopState(t *testing.T) {
	s := testServer(t, func() mainloop.State {
		return mainloop.State{Running: true, Degraded: true, ConsecutiveDbFailures: 2, LastDbError: errors.New("boom")}
	})
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	time.Sleep(20 * time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Running)
	assert.True(t, body.Degraded)
	assert.Equal(t, 2, body.ConsecutiveDbFailures)
	assert.Equal(t, "boom", body.LastDbError)
}

func TestStop_IsSafeWithoutStart(t *testing.T) {
	s := testServer(t, func() mainloop.State { return mainloop.State{} })
	assert.NoError(t, s.Stop(context.Background()))
}
