package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/orchestrator/internal/chat"
	"github.com/trafficcontrol/orchestrator/internal/chat/logchat"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
	"github.com/trafficcontrol/orchestrator/internal/taskstore"
)

type logRecorder struct {
	mu  sync.Mutex
	got []Result
}

func (r *logRecorder) record(res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
	return nil
}

func testManager(t *testing.T, timeout time.Duration) (*Manager, *logchat.Transport, *logRecorder) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	transport := logchat.New(log)
	recorder := &logRecorder{}
	m := New(Config{ChannelID: "approvals", Timeout: timeout}, transport, recorder.record, log)
	return m, transport, recorder
}

func mkApprovalTask(id string) taskstore.Task {
	return taskstore.Task{ID: id, Title: "ship the thing", ModelSessionEstimate: map[string]int{"sonnet": 10000}}
}

// S4 boundary scenario: reply "reject: not ready" resolves rejected with reason.
func TestRequestApproval_RejectByReplyWithReason(t *testing.T) {
	m, transport, _ := testManager(t, time.Minute)
	task := mkApprovalTask("t-1")

	var res Result
	done := make(chan struct{})
	go func() {
		res = m.RequestApproval(context.Background(), task, 1, "sonnet")
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := m.ThreadID("t-1")
		return ok
	}, time.Second, time.Millisecond)

	threadID, _ := m.ThreadID("t-1")
	assert.True(t, m.HandleReply(threadID, "reject: not ready", "u1"))

	<-done
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, "not ready", res.Reason)
	require.Len(t, transport.Sent, 1)
	assert.Contains(t, transport.Sent[0].Text, "ship the thing")
}

// S4 boundary scenario: no reply within the deadline resolves timeout.
func TestRequestApproval_TimesOutWithNoReply(t *testing.T) {
	m, _, _ := testManager(t, 50*time.Millisecond)
	task := mkApprovalTask("t-2")

	res := m.RequestApproval(context.Background(), task, 0, "sonnet")
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Contains(t, res.Reason, "No response")
}

func TestRequestApproval_ApproveByReaction(t *testing.T) {
	m, transport, _ := testManager(t, time.Minute)
	task := mkApprovalTask("t-3")

	var res Result
	done := make(chan struct{})
	go func() {
		res = m.RequestApproval(context.Background(), task, 0, "sonnet")
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := m.ThreadID("t-3")
		return ok
	}, time.Second, time.Millisecond)

	threadID, _ := m.ThreadID("t-3")
	assert.True(t, m.HandleReaction(threadID, "+1", "u2"))

	<-done
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, "u2", res.ResponderID)
	require.Len(t, transport.Sent, 1)
	assert.Equal(t, chat.Message{ChannelID: "approvals", Text: transport.Sent[0].Text}, transport.Sent[0])
}

func TestCancelApproval_ResolvesRejectedWithReason(t *testing.T) {
	m, _, _ := testManager(t, time.Minute)
	task := mkApprovalTask("t-4")

	var res Result
	done := make(chan struct{})
	go func() {
		res = m.RequestApproval(context.Background(), task, 0, "sonnet")
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := m.ThreadID("t-4")
		return ok
	}, time.Second, time.Millisecond)

	m.CancelApproval("t-4", "superseded")
	<-done
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, "superseded", res.Reason)
}

func TestDestroy_ResolvesAllPendingAsRejected(t *testing.T) {
	m, _, _ := testManager(t, time.Minute)
	task := mkApprovalTask("t-5")

	var res Result
	done := make(chan struct{})
	go func() {
		res = m.RequestApproval(context.Background(), task, 0, "sonnet")
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := m.ThreadID("t-5")
		return ok
	}, time.Second, time.Millisecond)

	m.Destroy()
	<-done
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, "Manager destroyed", res.Reason)

	// Calling Destroy twice must be safe.
	m.Destroy()
}

func TestHandleReply_UnrecognizedTextIsIgnored(t *testing.T) {
	m, transport, _ := testManager(t, 50*time.Millisecond)
	task := mkApprovalTask("t-6")

	var res Result
	done := make(chan struct{})
	go func() {
		res = m.RequestApproval(context.Background(), task, 0, "sonnet")
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := m.ThreadID("t-6")
		return ok
	}, time.Second, time.Millisecond)

	threadID, _ := m.ThreadID("t-6")
	assert.False(t, m.HandleReply(threadID, "what does this do?", "u3"))
	require.Len(t, transport.Sent, 1)

	<-done
	assert.Equal(t, StatusTimeout, res.Status)
}
