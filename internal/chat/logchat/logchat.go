// Package logchat implements chat.Transport by logging outbound messages and
// never producing inbound traffic. It is the default when no chat token is
// configured, and is what tests use as a collaborator.
package logchat

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/chat"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

type Transport struct {
	log *logger.Logger

	mu      sync.Mutex
	seq     int
	Sent    []chat.Message
	onMsg   chat.MessageHandler
	onReact chat.ReactionHandler
}

func New(log *logger.Logger) *Transport {
	return &Transport{log: log.WithFields(zap.String("component", "logchat"))}
}

func (t *Transport) SendMessage(ctx context.Context, msg chat.Message) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	id := "logmsg-" + strconv.Itoa(t.seq)
	t.Sent = append(t.Sent, msg)
	t.log.Info("chat message", zap.String("channel", msg.ChannelID), zap.String("thread", msg.ThreadID), zap.String("text", msg.Text))
	return id, nil
}

func (t *Transport) OnMessage(handler chat.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMsg = handler
}

func (t *Transport) OnReaction(handler chat.ReactionHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReact = handler
}

// Deliver lets tests inject an inbound reply as if it came from the wire.
func (t *Transport) Deliver(msg chat.InboundMessage) {
	t.mu.Lock()
	handler := t.onMsg
	t.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// DeliverReaction lets tests inject an inbound reaction.
func (t *Transport) DeliverReaction(r chat.Reaction) {
	t.mu.Lock()
	handler := t.onReact
	t.mu.Unlock()
	if handler != nil {
		handler(r)
	}
}
