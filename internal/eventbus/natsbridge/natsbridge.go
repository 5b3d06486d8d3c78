// Package natsbridge mirrors every event the in-process bus emits onto a
// NATS subject, one per Kind, so other processes (a fleet-wide dashboard, a
// sibling orchestrator instance) can observe this orchestrator's activity
// without reaching into its memory. The bridge is publish-only: Payload is
// a statically-typed struct per Kind with no generic envelope to decode an
// inbound NATS message back into, so replaying foreign events into the
// local bus is left to a future, explicitly-typed wire format rather than
// attempted here.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/eventbus"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

// matchEverything subscribes the bridge to every Kind the bus emits,
// Mirror's job being a total mirror rather than a filtered export.
var matchEverything = regexp.MustCompile(".*")

// Config configures the NATS connection and subject namespace.
type Config struct {
	URL           string
	ClientID      string
	SubjectPrefix string // defaults to "trafficcontrol.events"
	MaxReconnects int    // defaults to -1 (unlimited)
}

// wireEvent is the JSON shape published to NATS, a flattened projection of
// eventbus.Event suited to cross-process decoding by readers that don't
// share this process's Kind-to-payload-type table.
type wireEvent struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Payload       any       `json:"payload"`
}

// Bridge connects one eventbus.Bus to one NATS connection.
type Bridge struct {
	conn   *nats.Conn
	prefix string
	log    *logger.Logger
	unsubs []eventbus.Unsubscribe
}

// Connect dials NATS with reconnection handling mirroring a long-lived
// service connection, and returns a Bridge ready for Mirror.
func Connect(cfg Config, log *logger.Logger) (*Bridge, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "trafficcontrol.events"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	log = log.WithFields(zap.String("component", "eventbus.natsbridge"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect: %w", err)
	}

	return &Bridge{conn: conn, prefix: cfg.SubjectPrefix, log: log}, nil
}

// Mirror subscribes to every event on bus and republishes each as JSON on
// "<prefix>.<kind>". Returns immediately; mirroring happens asynchronously
// as the bus emits. Call Close to stop.
func (b *Bridge) Mirror(bus *eventbus.Bus) {
	unsub := bus.OnPattern(matchEverything, func(e eventbus.Event) {
		b.publish(e)
	})
	b.unsubs = append(b.unsubs, unsub)
}

func (b *Bridge) publish(e eventbus.Event) {
	we := wireEvent{
		ID:            e.ID,
		Type:          string(e.Type),
		Timestamp:     e.Timestamp,
		CorrelationID: e.CorrelationID,
		Payload:       e.Payload,
	}
	data, err := json.Marshal(we)
	if err != nil {
		b.log.Error("failed to marshal event for NATS", zap.String("event_type", we.Type), zap.Error(err))
		return
	}

	subject := b.prefix + "." + we.Type
	if err := b.conn.Publish(subject, data); err != nil {
		b.log.Error("failed to publish event to NATS", zap.String("subject", subject), zap.Error(err))
	}
}

// Close unsubscribes from the local bus and drains the NATS connection.
func (b *Bridge) Close() error {
	for _, unsub := range b.unsubs {
		unsub()
	}
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("natsbridge: drain: %w", err)
	}
	return nil
}
