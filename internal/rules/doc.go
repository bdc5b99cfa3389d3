// Package rules implements the Rule Router.
//
// A rule set is an ordered, versioned collection of rules. Each rule has
// a hierarchical topic filter ('+' one level, '#' the remainder including
// zero levels, last position only), a predicate tree over payload fields
// and a list of sink names. Matching is fan-out: every rule whose filter
// and predicate match an event triggers all of its actions.
//
// A compiled rule set is an immutable Snapshot. The Router publishes the
// active snapshot through an atomic pointer, so every evaluation sees one
// complete snapshot and updates never block readers. A rule whose
// predicate is malformed or fails to evaluate is skipped and logged; the
// other rules still run.
package rules
