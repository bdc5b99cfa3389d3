// Package api implements the HTTP surface of fleetd.
//
// This package provides:
//   - The provisioning endpoint devices call with a claim token
//   - The device session endpoint, upgraded to a websocket and handed to the gateway
//   - Operator REST endpoints for claims, things, rules, shadows, dead letters,
//     detectors and posture
//   - An operator websocket hub that streams alerts
//   - Prometheus metrics and a JSON status summary
//
// # Security
//
// Devices authenticate with the session token returned by provisioning or,
// when the listener is configured with a client CA, a TLS client
// certificate. Operators send "Authorization: Bearer <token>", verified
// against the Argon2id hash in security.operator_token_hash. The operator
// websocket uses single-use tickets so the bearer token never appears in a
// URL.
//
// # Graceful Degradation
//
// Optional backends (MQTT, object storage) may be nil. Endpoints that need
// them answer 503 instead of failing at startup.
package api
