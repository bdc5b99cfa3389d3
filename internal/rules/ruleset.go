package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-fleet/internal/event"
)

// Rule is one declarative routing rule.
type Rule struct {
	ID          string     `json:"id" yaml:"id"`
	TopicFilter string     `json:"topic_filter" yaml:"topic_filter"`
	Predicate   *Predicate `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Actions     []string   `json:"actions" yaml:"actions"`
	Version     int64      `json:"version,omitempty" yaml:"-"`
}

// RuleSet is a versioned ordered collection of rules.
type RuleSet struct {
	Version   int64     `json:"version" yaml:"version"`
	Rules     []Rule    `json:"rules" yaml:"rules"`
	CreatedAt time.Time `json:"created_at,omitzero" yaml:"-"`
}

// Parse decodes a YAML or JSON rule-set document. Unknown keys are
// rejected so typos in operator documents surface early.
func Parse(data []byte) (*RuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var rs RuleSet
	if err := dec.Decode(&rs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidRuleSet)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidRuleSet, err)
	}
	return &rs, nil
}

// Validate checks the structure every rule needs to be routable. Predicate
// problems are not structural: they are reported by Compile per rule.
func (rs *RuleSet) Validate() error {
	var errs []string
	seen := make(map[string]bool, len(rs.Rules))
	for i, r := range rs.Rules {
		label := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			errs = append(errs, label+": id is required")
		} else {
			label = fmt.Sprintf("rules[%d] (%s)", i, r.ID)
			if seen[r.ID] {
				errs = append(errs, label+": duplicate id")
			}
			seen[r.ID] = true
		}
		if err := ValidateFilter(r.TopicFilter); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", label, err))
		}
		if len(r.Actions) == 0 {
			errs = append(errs, label+": at least one action is required")
		}
		for j, a := range r.Actions {
			if strings.TrimSpace(a) == "" {
				errs = append(errs, fmt.Sprintf("%s: actions[%d] is empty", label, j))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRuleSet, strings.Join(errs, "; "))
	}
	return nil
}

// compiledRule pairs a rule with its evaluator. A rule whose predicate
// failed to compile keeps the error and is skipped at evaluation.
type compiledRule struct {
	rule Rule
	pred node
	err  error
}

// Snapshot is an immutable compiled rule set.
type Snapshot struct {
	version   int64
	createdAt time.Time
	rules     []compiledRule
}

// Compile validates rs and builds a Snapshot. Structural errors reject the
// whole set; malformed predicates are kept as per-rule errors.
func Compile(rs *RuleSet) (*Snapshot, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	s := &Snapshot{version: rs.Version, createdAt: rs.CreatedAt, rules: make([]compiledRule, len(rs.Rules))}
	for i, r := range rs.Rules {
		r.Version = rs.Version
		r.Actions = append([]string(nil), r.Actions...)
		pred, err := compile(r.Predicate)
		if err != nil {
			err = &EvaluationError{RuleID: r.ID, Err: err}
		}
		s.rules[i] = compiledRule{rule: r, pred: pred, err: err}
	}
	return s, nil
}

// Version returns the rule-set version.
func (s *Snapshot) Version() int64 { return s.version }

// Len returns the number of rules.
func (s *Snapshot) Len() int { return len(s.rules) }

// Rules returns a copy of the rules in order.
func (s *Snapshot) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i, cr := range s.rules {
		out[i] = cr.rule
	}
	return out
}

// Problems returns the compile errors of rules that will be skipped.
func (s *Snapshot) Problems() []error {
	var out []error
	for _, cr := range s.rules {
		if cr.err != nil {
			out = append(out, cr.err)
		}
	}
	return out
}

// Match is one triggered rule.
type Match struct {
	RuleID  string
	Actions []string
}

// Evaluate returns every rule matching ev in rule order, plus the errors
// of rules that were skipped.
func (s *Snapshot) Evaluate(ev event.Event) ([]Match, []error) {
	var (
		matches []Match
		errs    []error
		fields  map[string]any
	)
	for _, cr := range s.rules {
		if !MatchTopic(cr.rule.TopicFilter, ev.Topic) {
			continue
		}
		if cr.err != nil {
			errs = append(errs, cr.err)
			continue
		}
		if fields == nil {
			fields = ev.Fields()
		}
		ok, err := cr.pred.eval(fields)
		if err != nil {
			var ee *EvaluationError
			if errors.As(err, &ee) {
				ee.RuleID = cr.rule.ID
			} else {
				err = &EvaluationError{RuleID: cr.rule.ID, Err: err}
			}
			errs = append(errs, err)
			continue
		}
		if ok {
			matches = append(matches, Match{RuleID: cr.rule.ID, Actions: cr.rule.Actions})
		}
	}
	return matches, errs
}
