// Package chat declares the transport contract between the orchestrator and
// whatever chat surface an operator is watching. Concrete providers live in
// subpackages: localhub for a self-hosted websocket hub, logchat for a
// log-only fake used in tests and headless runs.
package chat

import "context"

// Message is one outbound chat post, optionally threaded as a reply.
type Message struct {
	ChannelID string
	ThreadID  string // empty for a new top-level message
	Text      string
}

// InboundMessage is a reply observed on the transport.
type InboundMessage struct {
	ThreadID string
	Text     string
	UserID   string
}

// Reaction is an emoji reaction observed on a previously sent message.
type Reaction struct {
	ThreadID string
	Emoji    string
	UserID   string
}

// MessageHandler and ReactionHandler are registered once per transport and
// invoked for every inbound event for the lifetime of the transport.
type MessageHandler func(InboundMessage)
type ReactionHandler func(Reaction)

// Transport sends chat messages and delivers inbound replies/reactions.
// SendMessage returns the provider's message or thread id, used by callers
// as the key to correlate later replies and reactions.
type Transport interface {
	SendMessage(ctx context.Context, msg Message) (string, error)
	OnMessage(handler MessageHandler)
	OnReaction(handler ReactionHandler)
}
