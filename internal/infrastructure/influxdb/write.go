package influxdb

import (
	"sort"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by fleetd.
const (
	MeasurementTelemetry = "telemetry"
	MeasurementDetector  = "detector_state"
	MeasurementPosture   = "posture_score"
)

// WriteTelemetry archives the numeric and boolean fields of one device event.
// Nested objects are flattened with dotted keys; strings and arrays are
// skipped. Nothing is written when no field qualifies.
//
// Example:
//
//	client.WriteTelemetry("thg-abc", "devices/thg-abc/telemetry",
//	    map[string]any{"tempC": 40.5, "battery": map[string]any{"pct": 81.0}}, ts)
func (c *Client) WriteTelemetry(thingID, topic string, payload map[string]any, ts time.Time) int {
	if !c.IsConnected() {
		return 0
	}
	fields := TelemetryFields(payload)
	if len(fields) == 0 {
		return 0
	}
	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementTelemetry,
		map[string]string{"thing_id": thingID, "topic": topic},
		fields,
		ts,
	))
	return len(fields)
}

// WriteDetectorTransition records a detector state change.
func (c *Client) WriteDetectorTransition(entityID, from, to string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementDetector,
		map[string]string{"entity_id": entityID},
		map[string]any{"from": from, "to": to},
		at,
	))
}

// WritePostureScore records a posture deviation score for one metric.
func (c *Client) WritePostureScore(thingID, metric, severity string, score float64, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementPosture,
		map[string]string{"thing_id": thingID, "metric": metric, "severity": severity},
		map[string]any{"score": score},
		at,
	))
}

// TelemetryFields flattens a decoded JSON payload into line-protocol fields.
func TelemetryFields(payload map[string]any) map[string]any {
	fields := make(map[string]any)
	flatten("", payload, fields)
	return fields
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch v := m[k].(type) {
		case float64, bool:
			out[name] = v
		case int:
			out[name] = float64(v)
		case int64:
			out[name] = float64(v)
		case map[string]any:
			flatten(name, v, out)
		}
	}
}
