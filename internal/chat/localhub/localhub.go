// Package localhub is the operator-UI fallback chat.Transport: a
// WebSocket hub broadcasting outbound messages to connected browser clients
// and routing their replies/reactions back in. cmd/trafficcontrol uses it
// when a chat token (TC_CHAT_TOKEN) is configured, and the log-only logchat
// transport when none is.
package localhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/chat"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local operator UI only; deployments that expose this past
		// localhost are expected to put a reverse proxy in front of it.
		return true
	},
}

// envelopeKind distinguishes the few message shapes the hub moves.
type envelopeKind string

const (
	kindOutboundMessage envelopeKind = "message"
	kindInboundReply    envelopeKind = "reply"
	kindInboundReaction envelopeKind = "reaction"
)

type envelope struct {
	Kind      envelopeKind `json:"kind"`
	ThreadID  string       `json:"threadId"`
	ChannelID string       `json:"channelId,omitempty"`
	Text      string       `json:"text,omitempty"`
	Emoji     string       `json:"emoji,omitempty"`
	UserID    string       `json:"userId,omitempty"`
}

// Hub is a chat.Transport implemented as a broadcast WebSocket hub.
type Hub struct {
	clients map[*client]bool

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	seq int64

	mu      sync.RWMutex
	onMsg   chat.MessageHandler
	onReact chat.ReactionHandler

	log *logger.Logger
}

// New creates a Hub. Run must be started in a goroutine before ServeWS is
// wired to an HTTP route.
func New(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		log:        log.WithFields(zap.String("component", "localhub")),
	}
}

// Run processes registration/broadcast events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("local chat hub started")
	defer h.log.Info("local chat hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.log.Warn("dropping message to slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// SendMessage broadcasts msg to every connected client and returns the
// thread id identifying it for correlated replies/reactions: msg.ThreadID
// when set, otherwise a newly generated one.
func (h *Hub) SendMessage(ctx context.Context, msg chat.Message) (string, error) {
	threadID := msg.ThreadID
	if threadID == "" {
		threadID = fmt.Sprintf("local-%d", atomic.AddInt64(&h.seq, 1))
	}
	env := envelope{Kind: kindOutboundMessage, ThreadID: threadID, ChannelID: msg.ChannelID, Text: msg.Text}
	encoded, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("localhub: encode message: %w", err)
	}
	select {
	case h.broadcast <- encoded:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return threadID, nil
}

// OnMessage registers the handler invoked for inbound reply envelopes.
func (h *Hub) OnMessage(handler chat.MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMsg = handler
}

// OnReaction registers the handler invoked for inbound reaction envelopes.
func (h *Hub) OnReaction(handler chat.ReactionHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onReact = handler
}

func (h *Hub) dispatchInbound(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.log.Warn("discarding malformed inbound message", zap.Error(err))
		return
	}

	h.mu.RLock()
	onMsg, onReact := h.onMsg, h.onReact
	h.mu.RUnlock()

	switch env.Kind {
	case kindInboundReply:
		if onMsg != nil {
			onMsg(chat.InboundMessage{ThreadID: env.ThreadID, Text: env.Text, UserID: env.UserID})
		}
	case kindInboundReaction:
		if onReact != nil {
			onReact(chat.Reaction{ThreadID: env.ThreadID, Emoji: env.Emoji, UserID: env.UserID})
		}
	default:
		h.log.Warn("discarding inbound envelope of unknown kind", zap.String("kind", string(env.Kind)))
	}
}

// ServeWS upgrades an HTTP request to a WebSocket connection and registers
// the resulting client with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, 64)}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.hub.dispatchInbound(raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
