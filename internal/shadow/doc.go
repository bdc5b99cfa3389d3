// Package shadow implements the Shadow Store: per-Thing desired and
// reported documents with per-field last-writer-wins arbitration.
//
// Each field carries a (version, timestamp) pair. An update is applied only
// when its pair is strictly greater than the stored one; re-applying the
// identical pair and value is a no-op; anything else is a ConflictError and
// the caller must re-read and retry. A patch is applied all-or-nothing in a
// single SQL transaction over per-field rows, so no document-wide lock is
// held across I/O.
//
// Desired is written by controllers (the operator API), reported only by
// device-originated shadow/update events routed through the "shadow" sink.
package shadow
