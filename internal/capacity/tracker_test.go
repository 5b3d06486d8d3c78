package capacity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/orchestrator/internal/eventbus"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

func testTracker(t *testing.T, limits map[string]int) (*Tracker, *eventbus.Bus) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	bus := eventbus.New(log, 10)
	return New(limits, bus, log), bus
}

// Reserve at the limit, confirm exhaustion, release, confirm re-admission.
func TestReserveRelease_BoundaryScenario(t *testing.T) {
	tr, _ := testTracker(t, map[string]int{"opus": 1, "sonnet": 2})

	require.NoError(t, tr.Reserve("opus", "A"))
	assert.ErrorIs(t, tr.Reserve("opus", "B"), ErrExhausted)
	require.NoError(t, tr.Reserve("sonnet", "C"))
	require.NoError(t, tr.Reserve("sonnet", "D"))
	assert.ErrorIs(t, tr.Reserve("sonnet", "E"), ErrExhausted)

	tr.Release("opus", "A")
	require.NoError(t, tr.Reserve("opus", "B"))
}

func TestRelease_UnknownIDIsNoop(t *testing.T) {
	tr, _ := testTracker(t, map[string]int{"opus": 1})
	assert.NotPanics(t, func() { tr.Release("opus", "missing") })
	assert.Equal(t, 1, tr.Available("opus"))
}

func TestReserve_EmitsExhaustedOnFullTransition(t *testing.T) {
	tr, bus := testTracker(t, map[string]int{"opus": 1})
	var seen []eventbus.Kind
	bus.On(eventbus.KindCapacityExhausted, func(e eventbus.Event) { seen = append(seen, e.Type) })
	bus.On(eventbus.KindCapacityAvailable, func(e eventbus.Event) { seen = append(seen, e.Type) })

	require.NoError(t, tr.Reserve("opus", "A"))
	tr.Release("opus", "A")

	assert.Equal(t, []eventbus.Kind{eventbus.KindCapacityExhausted, eventbus.KindCapacityAvailable}, seen)
}

func TestInvariant_ActiveNeverExceedsLimit(t *testing.T) {
	tr, _ := testTracker(t, map[string]int{"haiku": 3})
	for i := 0; i < 10; i++ {
		_ = tr.Reserve("haiku", string(rune('A'+i)))
	}
	assert.LessOrEqual(t, tr.ActiveCount("haiku"), tr.Limit("haiku"))
}

func TestSync_ReplacesActiveFromLiveSet(t *testing.T) {
	tr, _ := testTracker(t, map[string]int{"opus": 2})
	require.NoError(t, tr.Reserve("opus", "stale"))

	tr.Sync(map[string][]string{"opus": {"live-1", "live-2"}})

	assert.Equal(t, 2, tr.ActiveCount("opus"))
	assert.False(t, tr.HasCapacity("opus"))
}
