package question

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/orchestrator/internal/chat"
	"github.com/trafficcontrol/orchestrator/internal/chat/logchat"
	"github.com/trafficcontrol/orchestrator/internal/eventbus"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

type fakeInjector struct {
	mu  sync.Mutex
	got map[string]string
	err error
}

func (f *fakeInjector) Inject(sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.got == nil {
		f.got = make(map[string]string)
	}
	f.got[sessionID] = text
	return f.err
}

func testRouter(t *testing.T) (*Router, *eventbus.Bus, *logchat.Transport, *fakeInjector) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	bus := eventbus.New(log, 20)
	transport := logchat.New(log)
	injector := &fakeInjector{}
	r := New(bus, transport, injector, "questions", log)
	return r, bus, transport, injector
}

func TestOnQuestion_SendsAndRecordsPending(t *testing.T) {
	r, bus, transport, _ := testRouter(t)

	bus.Create(eventbus.KindAgentQuestion, eventbus.AgentQuestionPayload{
		SessionID: "s1", TaskID: "t1", Question: "which branch?",
	}, "")

	require.Len(t, transport.Sent, 1)
	assert.Contains(t, transport.Sent[0].Text, "which branch?")

	p, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "t1", p.TaskID)
}

func TestInboundMessage_CorrelatesAndInjectsThenDropsEntry(t *testing.T) {
	r, bus, transport, injector := testRouter(t)

	bus.Create(eventbus.KindAgentQuestion, eventbus.AgentQuestionPayload{
		SessionID: "s1", TaskID: "t1", Question: "which branch?",
	}, "")
	pending, ok := r.Get("s1")
	require.True(t, ok)
	require.NotEmpty(t, pending.ThreadID)

	transport.Deliver(chat.InboundMessage{ThreadID: pending.ThreadID, Text: "main", UserID: "u1"})

	injector.mu.Lock()
	got := injector.got["s1"]
	injector.mu.Unlock()
	assert.Equal(t, "main", got)

	_, stillPending := r.Get("s1")
	assert.False(t, stillPending)
}

func TestInboundMessage_FallsThroughWhenNoCorrelation(t *testing.T) {
	r, _, transport, _ := testRouter(t)

	var received chat.InboundMessage
	var called bool
	r.SetFallthrough(func(msg chat.InboundMessage) {
		called = true
		received = msg
	})

	transport.Deliver(chat.InboundMessage{ThreadID: "unrelated", Text: "status", UserID: "u2"})

	assert.True(t, called)
	assert.Equal(t, "status", received.Text)
}

func TestSessionEnd_DropsPendingQuestionSilently(t *testing.T) {
	r, bus, _, _ := testRouter(t)

	bus.Create(eventbus.KindAgentQuestion, eventbus.AgentQuestionPayload{
		SessionID: "s1", TaskID: "t1", Question: "which branch?",
	}, "")
	_, ok := r.Get("s1")
	require.True(t, ok)

	bus.Create(eventbus.KindAgentCompleted, eventbus.AgentCompletedPayload{SessionID: "s1", TaskID: "t1"}, "")

	_, ok = r.Get("s1")
	assert.False(t, ok)
}
