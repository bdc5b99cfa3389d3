// Package event defines the routed device event and the device topic grammar.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Device topic kinds under devices/{thingId}/.
const (
	KindTelemetry    = "telemetry"
	KindShadowUpdate = "shadow/update"
	KindShadowGet    = "shadow/get"
)

// DevicePrefix is the first level of every device topic.
const DevicePrefix = "devices"

// ErrInvalidTopic is returned by ParseTopic for topics outside devices/{id}/...
var ErrInvalidTopic = errors.New("event: invalid device topic")

// Event is one accepted device frame. Payload is the raw JSON body; Seq is
// the gateway-assigned sequence number within the Thing's stream.
type Event struct {
	ThingID   string          `json:"thing_id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}

// Fields decodes the payload as a JSON object. Non-object payloads yield
// an empty map so predicates see every field as missing.
func (e Event) Fields() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// Topic builds devices/{thingId}/{kind}.
func Topic(thingID, kind string) string {
	return DevicePrefix + "/" + thingID + "/" + kind
}

// ParseTopic splits a device topic into its Thing id and the remaining kind
// ("telemetry", "shadow/update", ...).
func ParseTopic(topic string) (thingID, kind string, err error) {
	parts := strings.SplitN(topic, "/", 3) //nolint:mnd // prefix, thing id, remainder
	if len(parts) < 3 || parts[0] != DevicePrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if strings.ContainsAny(topic, "+#") {
		return "", "", fmt.Errorf("%w: wildcard in publish topic %q", ErrInvalidTopic, topic)
	}
	return parts[1], parts[2], nil
}
