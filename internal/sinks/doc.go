// Package sinks provides the delivery targets referenced by rule actions.
//
// External sinks are declared in the sinks section of the configuration
// and publish to MQTT, NATS, InfluxDB or S3-compatible storage, or simply
// log the event. Built-in sinks feed the Shadow Store ("shadow"), the
// Detector Engine ("detector") and the Security Posture Monitor
// ("posture").
//
// Every sink reports permanent failures with delivery.Fatal so they are
// dead-lettered without retries; other errors are retried by the
// Deliverer.
package sinks
