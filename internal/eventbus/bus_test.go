package eventbus

import (
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

func testBus(t *testing.T, historySize int) *Bus {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(log, historySize)
}

func TestOn_InvokesInRegistrationOrder(t *testing.T) {
	b := testBus(t, 10)
	var order []int

	b.On(KindTaskQueued, func(Event) { order = append(order, 1) })
	b.On(KindTaskQueued, func(Event) { order = append(order, 2) })
	b.On(KindTaskQueued, func(Event) { order = append(order, 3) })

	b.Create(KindTaskQueued, TaskQueuedPayload{TaskID: "t1"}, "")

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPatternHandlers_RunAfterTypedHandlers(t *testing.T) {
	b := testBus(t, 10)
	var order []string

	b.OnPattern(regexp.MustCompile(`^task:`), func(Event) { order = append(order, "pattern") })
	b.On(KindTaskQueued, func(Event) { order = append(order, "typed") })

	b.Create(KindTaskQueued, TaskQueuedPayload{TaskID: "t1"}, "")

	assert.Equal(t, []string{"typed", "pattern"}, order)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := testBus(t, 10)
	calls := 0
	unsub := b.On(KindTaskQueued, func(Event) { calls++ })

	b.Create(KindTaskQueued, TaskQueuedPayload{}, "")
	unsub()
	b.Create(KindTaskQueued, TaskQueuedPayload{}, "")
	unsub() // idempotent

	assert.Equal(t, 1, calls)
}

func TestHandlerPanic_IsIsolatedAndReEmitted(t *testing.T) {
	b := testBus(t, 10)
	secondCalled := false
	var sysErrSeen *Event

	b.On(KindTaskQueued, func(Event) { panic("boom") })
	b.On(KindTaskQueued, func(Event) { secondCalled = true })
	b.On(KindSystemError, func(e Event) { sysErrSeen = &e })

	assert.NotPanics(t, func() {
		b.Create(KindTaskQueued, TaskQueuedPayload{}, "")
	})

	assert.True(t, secondCalled, "later handlers must still run after an earlier one panics")
	require.NotNil(t, sysErrSeen)
	payload, ok := sysErrSeen.Payload.(SystemErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "handler-panic", payload.Reason)
}

func TestHistory_BoundedRingBuffer(t *testing.T) {
	b := testBus(t, 100)

	for i := 0; i < 10000; i++ {
		b.Create(KindTaskQueued, TaskQueuedPayload{TaskID: strconv.Itoa(i)}, "")
	}

	hist := b.GetHistory(nil)
	require.Len(t, hist, 100)
	last := hist[len(hist)-1].Payload.(TaskQueuedPayload)
	assert.Equal(t, strconv.Itoa(9999), last.TaskID)
}

func TestHistory_FilterByType(t *testing.T) {
	b := testBus(t, 10)
	b.Create(KindTaskQueued, TaskQueuedPayload{TaskID: "a"}, "")
	b.Create(KindTaskCompleted, TaskCompletedPayload{TaskID: "a"}, "")
	b.Create(KindTaskQueued, TaskQueuedPayload{TaskID: "b"}, "")

	hist := b.GetHistory(&HistoryFilter{Type: KindTaskQueued})
	require.Len(t, hist, 2)
	for _, e := range hist {
		assert.Equal(t, KindTaskQueued, e.Type)
	}
}

func TestDestroy_DropsSubscribersAndHistory_Idempotent(t *testing.T) {
	b := testBus(t, 10)
	calls := 0
	b.On(KindTaskQueued, func(Event) { calls++ })
	b.Create(KindTaskQueued, TaskQueuedPayload{}, "")

	b.Destroy()
	assert.NotPanics(t, func() { b.Destroy() })

	b.Create(KindTaskQueued, TaskQueuedPayload{}, "")
	assert.Equal(t, 1, calls)
	assert.Empty(t, b.GetHistory(nil))
}
