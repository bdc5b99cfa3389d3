package mqtt

import "strings"

// Topic roots used by fleetd.
const (
	// TopicPrefixDevices is the root of every device-addressed topic.
	TopicPrefixDevices = "devices"

	// TopicPrefixFleet is the root of platform topics (alerts, status).
	TopicPrefixFleet = "fleet"
)

// Topics builds fleet MQTT topics.
//
//	mqtt.Topics{}.ShadowDelta("thg-abc") // devices/thg-abc/shadow/delta
type Topics struct{}

// DeviceTelemetry returns devices/{thingId}/telemetry.
func (Topics) DeviceTelemetry(thingID string) string {
	return join(TopicPrefixDevices, thingID, "telemetry")
}

// ShadowUpdate returns devices/{thingId}/shadow/update.
func (Topics) ShadowUpdate(thingID string) string {
	return join(TopicPrefixDevices, thingID, "shadow", "update")
}

// DeviceIngress returns the filters for frames devices publish through the
// broker.
func (t Topics) DeviceIngress() []string {
	return []string{t.DeviceTelemetry("+"), t.ShadowUpdate("+")}
}

// ShadowDelta returns devices/{thingId}/shadow/delta, where reconciliation
// patches are published for devices connected through an external broker.
func (Topics) ShadowDelta(thingID string) string {
	return join(TopicPrefixDevices, thingID, "shadow", "delta")
}

// Alert returns fleet/alerts/{kind}. Dots in kind become levels, so
// "posture.violation" maps to fleet/alerts/posture/violation.
func (Topics) Alert(kind string) string {
	return join(TopicPrefixFleet, "alerts", strings.ReplaceAll(kind, ".", "/"))
}

// SystemStatus returns fleet/system/status (retained, LWT target).
func (Topics) SystemStatus() string {
	return join(TopicPrefixFleet, "system", "status")
}

func join(levels ...string) string {
	return strings.Join(levels, "/")
}
