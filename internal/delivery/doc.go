// Package delivery hands routed events to sinks with at-least-once
// semantics.
//
// A Sink returns nil (ack), a retryable error or a FatalError. Retryable
// failures are retried with bounded exponential backoff; exhaustion, a
// fatal error or an unknown sink reference moves the (event, action) pair
// to the dead_letters table and raises a delivery.dead_letter alert.
// Dead letters can be listed, replayed through their sink and exported to
// object storage as NDJSON.
package delivery
