package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFilter is returned for a topic filter with misplaced wildcards.
	ErrInvalidFilter = errors.New("rules: invalid topic filter")

	// ErrInvalidRuleSet is returned when a rule set document cannot be used.
	ErrInvalidRuleSet = errors.New("rules: invalid rule set")

	// ErrMalformed marks a structurally broken predicate.
	ErrMalformed = errors.New("rules: malformed predicate")

	ErrUnknownOperator = errors.New("rules: unknown operator")
	ErrTypeMismatch    = errors.New("rules: type mismatch")

	ErrNoRuleSet       = errors.New("rules: no stored rule set")
	ErrVersionNotFound = errors.New("rules: rule set version not found")

	// ErrRouterStopped is returned by Route after shutdown began.
	ErrRouterStopped = errors.New("rules: router stopped")
)

// EvaluationError reports why a rule was skipped for an event.
type EvaluationError struct {
	RuleID string
	Op     string
	Field  string
	Err    error
}

func (e *EvaluationError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("rule %s: %s on %q: %v", e.RuleID, e.Op, e.Field, e.Err)
	case e.Op != "":
		return fmt.Sprintf("rule %s: %s: %v", e.RuleID, e.Op, e.Err)
	default:
		return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
	}
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
