// Package notify fans operator alerts out to MQTT, NATS and the operator
// websocket hub. Every channel is optional and failures are logged, never
// returned. Alerts are queued and published by Run, so callers on hot
// paths (detector shards, revocation) never wait on a broker.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/mqtt"
)

// Alert kinds.
const (
	KindDeadLetter       = "delivery.dead_letter"
	KindDetectorState    = "detector.state_changed"
	KindPostureViolation = "posture.violation"
	KindIdentityRevoked  = "identity.revoked"
)

// Alert is one operator notification.
type Alert struct {
	Kind    string    `json:"kind"`
	ThingID string    `json:"thing_id,omitempty"`
	Subject string    `json:"subject,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// MQTTPublisher is satisfied by *mqtt.Client.
type MQTTPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	DefaultQoS() byte
}

// BusPublisher is satisfied by *nats.Client.
type BusPublisher interface {
	Subject(tokens ...string) string
	Publish(ctx context.Context, subject string, data []byte) error
}

// Broadcaster is satisfied by the operator websocket hub.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Logger is the logging interface used by the Notifier.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

const (
	queueSize    = 256
	flushTimeout = 2 * time.Second
)

// Notifier delivers alerts to whichever channels are attached.
type Notifier struct {
	mqtt   MQTTPublisher
	bus    BusPublisher
	hub    Broadcaster
	logger Logger

	queue chan Alert
}

// New creates a Notifier with no channels. Alerts are published once Run
// is started.
func New() *Notifier {
	return &Notifier{logger: noopLogger{}, queue: make(chan Alert, queueSize)}
}

// SetMQTT attaches the MQTT channel.
func (n *Notifier) SetMQTT(p MQTTPublisher) { n.mqtt = p }

// SetBus attaches the NATS channel.
func (n *Notifier) SetBus(b BusPublisher) { n.bus = b }

// SetHub attaches the operator websocket hub.
func (n *Notifier) SetHub(h Broadcaster) { n.hub = h }

// SetLogger sets the logger.
func (n *Notifier) SetLogger(l Logger) { n.logger = l }

// Notify queues alert for every attached channel. It never blocks: when
// the queue is full the alert is dropped with a warning. Safe on a nil
// Notifier.
func (n *Notifier) Notify(_ context.Context, alert Alert) {
	if n == nil {
		return
	}
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}
	select {
	case n.queue <- alert:
	default:
		n.logger.Warn("alert queue full, alert dropped", "kind", alert.Kind, "thing_id", alert.ThingID)
	}
}

// Run publishes queued alerts until ctx ends, then flushes what is left
// within a short timeout.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case alert := <-n.queue:
			n.deliver(ctx, alert)
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			defer cancel()
			for {
				select {
				case alert := <-n.queue:
					n.deliver(fctx, alert)
				default:
					return nil
				}
			}
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, alert Alert) {
	if n.hub != nil {
		n.hub.Broadcast(alert.Kind, alert)
	}
	if n.mqtt == nil && n.bus == nil {
		return
	}

	data, err := json.Marshal(alert)
	if err != nil {
		n.logger.Warn("encoding alert", "kind", alert.Kind, "error", err)
		return
	}
	if n.mqtt != nil {
		if err := n.mqtt.Publish(mqtt.Topics{}.Alert(alert.Kind), data, n.mqtt.DefaultQoS(), false); err != nil {
			n.logger.Warn("publishing alert to mqtt", "kind", alert.Kind, "error", err)
		}
	}
	if n.bus != nil {
		if err := n.bus.Publish(ctx, n.bus.Subject("alerts", alert.Kind), data); err != nil {
			n.logger.Warn("publishing alert to nats", "kind", alert.Kind, "error", err)
		}
	}
}
