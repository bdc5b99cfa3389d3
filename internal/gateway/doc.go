// Package gateway implements the Ingestion Gateway: authenticated,
// long-lived device sessions that turn device frames into routed events.
//
// A session authenticates once (device session token or TLS client
// certificate), then runs three loops: a reader that validates frames and
// feeds a bounded queue, a dispatcher that hands events to the Handler in
// order, and a writer that owns the transport's write side. The reader
// blocks when the queue is full, which is how backpressure reaches the
// device; the dispatcher grants credits as it drains.
//
// Revoking an identity stops its session from reading at once, lets the
// dispatcher drain for the configured grace window, then closes the
// transport. A second connection for the same Thing replaces the first.
package gateway
