package sandbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestNewRuntime_BuildsClientWithoutDialingDaemon(t *testing.T) {
	rt, err := NewRuntime(Config{Image: "agent-runtime:latest"}, testLogger(t))
	require.NoError(t, err)
	require.NotNil(t, rt)
	assert.NoError(t, rt.Close())
}

func TestLaunch_ReturnsUnstartedProcessCarryingConfig(t *testing.T) {
	rt, err := NewRuntime(Config{Image: "agent-runtime:latest"}, testLogger(t))
	require.NoError(t, err)

	proc := rt.Launch(context.Background(), "agent-runtime", []string{"--model", "sonnet"}, "/work", []string{"FOO=bar"})
	cp, ok := proc.(*containerProcess)
	require.True(t, ok)
	assert.Equal(t, "agent-runtime", cp.binary)
	assert.Equal(t, []string{"--model", "sonnet"}, cp.args)
	assert.Equal(t, "/work", cp.dir)
	assert.Equal(t, []string{"FOO=bar"}, cp.env)
	assert.Empty(t, cp.containerID, "Launch must not start the container itself")
}

func frame(streamType byte, data []byte) []byte {
	header := make([]byte, 8)
	header[0] = streamType
	binary.BigEndian.PutUint32(header[4:8], uint32(len(data)))
	return append(header, data...)
}

func TestDemultiplex_KeepsStdoutAndStderrDropsStdin(t *testing.T) {
	var in bytes.Buffer
	in.Write(frame(1, []byte("hello ")))
	in.Write(frame(2, []byte("stderr ")))
	in.Write(frame(0, []byte("ignored")))
	in.Write(frame(1, []byte("world")))

	var out bytes.Buffer
	demultiplex(&in, &out)

	assert.Equal(t, "hello stderr world", out.String())
}

func TestDemultiplex_StopsCleanlyOnShortRead(t *testing.T) {
	var in bytes.Buffer
	in.Write([]byte{1, 0, 0}) // truncated header

	var out bytes.Buffer
	assert.NotPanics(t, func() { demultiplex(&in, &out) })
	assert.Empty(t, out.String())
}
