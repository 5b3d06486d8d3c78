package contextbudget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/orchestrator/internal/eventbus"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

func testBudget(t *testing.T, cfg Config) (*Budget, *eventbus.Bus) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	bus := eventbus.New(log, 20)
	return New(cfg, bus, log), bus
}

func TestEstimateTokens_Monotone(t *testing.T) {
	short := EstimateTokens("hi")
	long := EstimateTokens(strings.Repeat("x", 1000))
	assert.Less(t, short, long)
}

func TestIsWithinBudget_AndShouldWarn_Thresholds(t *testing.T) {
	b, _ := testBudget(t, Config{MaxTokens: 100, TargetUtilization: 0.5, WarnUtilization: 0.4})
	b.AddEntry(CategoryHistory, true, "t1", strings.Repeat("a", 160)) // ~43 tokens

	assert.True(t, b.ShouldWarn())
	assert.True(t, b.IsWithinBudget())

	b.AddEntry(CategoryHistory, true, "t2", strings.Repeat("a", 200)) // pushes over 50%
	assert.False(t, b.IsWithinBudget())
}

func TestCompress_HistoryAndResponseAreRemoved(t *testing.T) {
	b, _ := testBudget(t, Config{MaxTokens: 50, TargetUtilization: 0.3, WarnUtilization: 0.2})
	b.AddEntry(CategoryHistory, true, "t1", strings.Repeat("a", 200))
	b.AddEntry(CategoryResponse, true, "t2", strings.Repeat("a", 200))

	b.Compress()
	assert.True(t, b.IsWithinBudget())
	assert.Empty(t, b.GetCompressibleEntries())
}

func TestCompress_TaskLeavesMarker(t *testing.T) {
	b, _ := testBudget(t, Config{MaxTokens: 1000, TargetUtilization: 0.01, WarnUtilization: 0.01})
	id := b.AddEntry(CategoryTask, true, "task-7", strings.Repeat("a", 400))

	b.Compress()

	entries := b.GetCompressibleEntries()
	assert.Empty(t, entries) // marker is no longer compressible
	b.mu.Lock()
	marker := b.byID[id].Content
	b.mu.Unlock()
	assert.Equal(t, "Task task-7: delegated", marker)
}

func TestCompress_EmitsSystemErrorWhenExhaustedAndStillOver(t *testing.T) {
	b, bus := testBudget(t, Config{MaxTokens: 10, TargetUtilization: 0.1, WarnUtilization: 0.1})
	b.AddEntry(CategoryHistory, false, "t1", strings.Repeat("a", 400)) // not compressible

	var errs []eventbus.Event
	bus.On(eventbus.KindSystemError, func(e eventbus.Event) { errs = append(errs, e) })

	b.Compress()
	require.Len(t, errs, 1)
	payload := errs[0].Payload.(eventbus.SystemErrorPayload)
	assert.Equal(t, "context-budget-exhausted", payload.Reason)
}

func TestRemoveEntriesByReference_RemovesAllMatching(t *testing.T) {
	b, _ := testBudget(t, Config{MaxTokens: 1000, TargetUtilization: 0.5, WarnUtilization: 0.4})
	b.AddEntry(CategoryHistory, true, "task-1", "a")
	b.AddEntry(CategoryResponse, true, "task-1", "b")
	b.AddEntry(CategoryHistory, true, "task-2", "c")

	count := b.RemoveEntriesByReference("task-1")
	assert.Equal(t, 2, count)
}
