package localhub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/orchestrator/internal/chat"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

func testHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	h := New(log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSendMessage_BroadcastsToConnectedClient(t *testing.T) {
	h, srv := testHub(t)
	conn := dial(t, srv)
	time.Sleep(20 * time.Millisecond) // let registration land

	threadID, err := h.SendMessage(context.Background(), chat.Message{ChannelID: "ops", Text: "approval needed"})
	require.NoError(t, err)
	assert.NotEmpty(t, threadID)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, kindOutboundMessage, env.Kind)
	assert.Equal(t, "approval needed", env.Text)
	assert.Equal(t, threadID, env.ThreadID)
}

func TestInboundReply_InvokesOnMessageHandler(t *testing.T) {
	h, srv := testHub(t)
	conn := dial(t, srv)
	time.Sleep(20 * time.Millisecond)

	received := make(chan chat.InboundMessage, 1)
	h.OnMessage(func(msg chat.InboundMessage) { received <- msg })

	env := envelope{Kind: kindInboundReply, ThreadID: "local-1", Text: "approve", UserID: "u1"}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	select {
	case msg := <-received:
		assert.Equal(t, "local-1", msg.ThreadID)
		assert.Equal(t, "approve", msg.Text)
		assert.Equal(t, "u1", msg.UserID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestInboundReaction_InvokesOnReactionHandler(t *testing.T) {
	h, srv := testHub(t)
	conn := dial(t, srv)
	time.Sleep(20 * time.Millisecond)

	received := make(chan chat.Reaction, 1)
	h.OnReaction(func(r chat.Reaction) { received <- r })

	env := envelope{Kind: kindInboundReaction, ThreadID: "local-1", Emoji: "white_check_mark", UserID: "u1"}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	select {
	case r := <-received:
		assert.Equal(t, "white_check_mark", r.Emoji)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound reaction")
	}
}

func TestInboundMalformedEnvelope_IsDiscardedWithoutPanic(t *testing.T) {
	h, srv := testHub(t)
	conn := dial(t, srv)
	time.Sleep(20 * time.Millisecond)

	h.OnMessage(func(msg chat.InboundMessage) { t.Fatal("handler should not be invoked") })
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	time.Sleep(50 * time.Millisecond)
}
