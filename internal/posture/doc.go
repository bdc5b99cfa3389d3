// Package posture implements the Security Posture Monitor.
//
// The monitor keeps per-Thing sliding-window counters of connection
// attempts, publishes and authentication failures, scores each against a
// baseline profile and emits a Violation when a score crosses the
// configured deviation threshold. Violations are edge-triggered: one per
// metric per crossing or escalation, re-armed once the score drops back
// under the threshold. The monitor only reports; enforcement is left to
// whoever subscribes to its violations.
package posture
