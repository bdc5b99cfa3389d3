package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/delivery"
	"github.com/nerrad567/gray-logic-fleet/internal/event"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/nats"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/objectstore"
)

// Sink types accepted in configuration.
const (
	TypeMQTT     = "mqtt"
	TypeNATS     = "nats"
	TypeInfluxDB = "influxdb"
	TypeS3       = "s3"
	TypeLog      = "log"
)

// Default templates when a sink declares none.
const (
	DefaultTopic   = "fleet/events/{thing_id}/{kind}"
	DefaultSubject = "events.{thing_id}.{kind}"
	DefaultPrefix  = "events"
)

var (
	// ErrBackendDisabled is returned when a sink needs a backend that is not
	// connected or not enabled.
	ErrBackendDisabled = errors.New("sinks: backend not enabled")

	// ErrUnknownType is returned for unsupported sink types.
	ErrUnknownType = errors.New("sinks: unknown sink type")

	// ErrBackendUnavailable is a transient failure of a connected backend.
	ErrBackendUnavailable = errors.New("sinks: backend unavailable")
)

// MQTTPublisher is the part of mqtt.Client used by the MQTT sink.
type MQTTPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// BusPublisher is the part of nats.Client used by the NATS sink.
type BusPublisher interface {
	Subject(tokens ...string) string
	Publish(ctx context.Context, subject string, data []byte) error
}

// TelemetryWriter is the part of influxdb.Client used by the InfluxDB sink.
type TelemetryWriter interface {
	IsConnected() bool
	WriteTelemetry(thingID, topic string, payload map[string]any, ts time.Time) int
}

// ObjectPutter is the part of objectstore.Store used by the S3 sink.
type ObjectPutter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	EventKey(sub, thingID string, ts time.Time, seq uint64) string
}

// Logger is the logging interface used by the log sink.
type Logger interface {
	Info(msg string, args ...any)
}

// Backends holds the optional connections external sinks publish through.
// A nil field means the backend is disabled.
type Backends struct {
	MQTT   MQTTPublisher
	Bus    BusPublisher
	Influx TelemetryWriter
	Store  ObjectPutter
	Logger Logger
}

// Build creates the configured external sinks and registers them.
func Build(reg *delivery.Registry, cfgs []config.SinkConfig, b Backends) error {
	for _, c := range cfgs {
		s, err := newSink(c, b)
		if err != nil {
			return fmt.Errorf("sink %q: %w", c.Name, err)
		}
		reg.Register(s)
	}
	return nil
}

func newSink(c config.SinkConfig, b Backends) (delivery.Sink, error) {
	switch c.Type {
	case TypeMQTT:
		if b.MQTT == nil {
			return nil, fmt.Errorf("%w: mqtt", ErrBackendDisabled)
		}
		return &MQTTSink{name: c.Name, client: b.MQTT, topic: orDefault(c.Topic, DefaultTopic), qos: byte(c.QoS)}, nil
	case TypeNATS:
		if b.Bus == nil {
			return nil, fmt.Errorf("%w: nats", ErrBackendDisabled)
		}
		return &NATSSink{name: c.Name, bus: b.Bus, subject: orDefault(c.Subject, DefaultSubject)}, nil
	case TypeInfluxDB:
		if b.Influx == nil {
			return nil, fmt.Errorf("%w: influxdb", ErrBackendDisabled)
		}
		return &InfluxSink{name: c.Name, writer: b.Influx}, nil
	case TypeS3:
		if b.Store == nil {
			return nil, fmt.Errorf("%w: archive", ErrBackendDisabled)
		}
		return &ObjectSink{name: c.Name, store: b.Store, prefix: orDefault(c.Prefix, DefaultPrefix)}, nil
	case TypeLog:
		if b.Logger == nil {
			return nil, fmt.Errorf("%w: logger", ErrBackendDisabled)
		}
		return &LogSink{name: c.Name, logger: b.Logger}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Expand substitutes {thing_id}, {kind} and {topic} in tmpl.
func Expand(tmpl string, ev event.Event) string {
	kind := ev.Topic
	if _, k, err := event.ParseTopic(ev.Topic); err == nil {
		kind = k
	}
	return strings.NewReplacer(
		"{thing_id}", ev.ThingID,
		"{kind}", kind,
		"{topic}", ev.Topic,
	).Replace(tmpl)
}

// MQTTSink republishes the event envelope on an MQTT topic.
type MQTTSink struct {
	name   string
	client MQTTPublisher
	topic  string
	qos    byte
}

func (s *MQTTSink) Name() string { return s.name }

func (s *MQTTSink) Deliver(_ context.Context, ev event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return delivery.Fatal(err)
	}
	err = s.client.Publish(Expand(s.topic, ev), body, s.qos, false)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mqtt.ErrInvalidTopic), errors.Is(err, mqtt.ErrInvalidQoS):
		return delivery.Fatal(err)
	}
	return err
}

// NATSSink publishes the event envelope on a NATS subject.
type NATSSink struct {
	name    string
	bus     BusPublisher
	subject string
}

func (s *NATSSink) Name() string { return s.name }

func (s *NATSSink) Deliver(ctx context.Context, ev event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return delivery.Fatal(err)
	}
	err = s.bus.Publish(ctx, s.bus.Subject(Expand(s.subject, ev)), body)
	if errors.Is(err, nats.ErrInvalidSubject) {
		return delivery.Fatal(err)
	}
	return err
}

// InfluxSink writes the numeric payload fields as a telemetry point.
type InfluxSink struct {
	name   string
	writer TelemetryWriter
}

func (s *InfluxSink) Name() string { return s.name }

func (s *InfluxSink) Deliver(_ context.Context, ev event.Event) error {
	if !s.writer.IsConnected() {
		return fmt.Errorf("%w: influxdb", ErrBackendUnavailable)
	}
	s.writer.WriteTelemetry(ev.ThingID, ev.Topic, ev.Fields(), ev.Timestamp)
	return nil
}

// ObjectSink archives each event as one JSON object.
type ObjectSink struct {
	name   string
	store  ObjectPutter
	prefix string
}

func (s *ObjectSink) Name() string { return s.name }

func (s *ObjectSink) Deliver(ctx context.Context, ev event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return delivery.Fatal(err)
	}
	key := s.store.EventKey(s.prefix, ev.ThingID, ev.Timestamp, ev.Seq)
	return s.store.Put(ctx, key, body, objectstore.ContentTypeJSON)
}

// LogSink writes the event to the service log.
type LogSink struct {
	name   string
	logger Logger
}

func (s *LogSink) Name() string { return s.name }

func (s *LogSink) Deliver(_ context.Context, ev event.Event) error {
	s.logger.Info("event",
		"sink", s.name,
		"thing_id", ev.ThingID,
		"topic", ev.Topic,
		"seq", ev.Seq,
		"payload", string(ev.Payload),
	)
	return nil
}
