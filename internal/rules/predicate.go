package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Predicate operators.
const (
	OpAnd        = "and"
	OpOr         = "or"
	OpNot        = "not"
	OpExists     = "exists"
	OpEqual      = "eq"
	OpNotEqual   = "ne"
	OpGreater    = "gt"
	OpGreaterEq  = "gte"
	OpLess       = "lt"
	OpLessEq     = "lte"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpRegex      = "regex"
)

// Predicate is the declarative expression tree of a rule.
//
//	{op: and, args: [{op: gt, field: tempC, value: 35}, {op: exists, field: unit}]}
//
// A nil predicate always matches.
type Predicate struct {
	Op    string       `json:"op" yaml:"op"`
	Field string       `json:"field,omitempty" yaml:"field,omitempty"`
	Value any          `json:"value,omitempty" yaml:"value,omitempty"`
	Args  []*Predicate `json:"args,omitempty" yaml:"args,omitempty"`
	Arg   *Predicate   `json:"arg,omitempty" yaml:"arg,omitempty"`
}

// node is a compiled predicate.
type node interface {
	eval(fields map[string]any) (bool, error)
}

type alwaysNode struct{}

func (alwaysNode) eval(map[string]any) (bool, error) { return true, nil }

type andNode []node

func (n andNode) eval(fields map[string]any) (bool, error) {
	for _, c := range n {
		ok, err := c.eval(fields)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

type orNode []node

func (n orNode) eval(fields map[string]any) (bool, error) {
	for _, c := range n {
		ok, err := c.eval(fields)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type notNode struct{ child node }

func (n notNode) eval(fields map[string]any) (bool, error) {
	ok, err := n.child.eval(fields)
	return !ok && err == nil, err
}

type existsNode struct{ path []string }

func (n existsNode) eval(fields map[string]any) (bool, error) {
	_, ok := lookup(fields, n.path)
	return ok, nil
}

type compareNode struct {
	op    string
	field string
	path  []string
	value any
	re    *regexp.Regexp
}

// compile validates p and builds its evaluator.
func compile(p *Predicate) (node, error) {
	if p == nil {
		return alwaysNode{}, nil
	}
	switch p.Op {
	case OpAnd, OpOr:
		if len(p.Args) == 0 {
			return nil, fmt.Errorf("%w: %s needs args", ErrMalformed, p.Op)
		}
		children := make([]node, 0, len(p.Args))
		for i, a := range p.Args {
			if a == nil {
				return nil, fmt.Errorf("%w: %s arg %d is empty", ErrMalformed, p.Op, i)
			}
			c, err := compile(a)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		if p.Op == OpAnd {
			return andNode(children), nil
		}
		return orNode(children), nil

	case OpNot:
		if p.Arg == nil {
			return nil, fmt.Errorf("%w: not needs arg", ErrMalformed)
		}
		c, err := compile(p.Arg)
		if err != nil {
			return nil, err
		}
		return notNode{child: c}, nil

	case OpExists:
		if p.Field == "" {
			return nil, fmt.Errorf("%w: exists needs field", ErrMalformed)
		}
		return existsNode{path: splitPath(p.Field)}, nil

	case OpEqual, OpNotEqual, OpGreater, OpGreaterEq, OpLess, OpLessEq,
		OpContains, OpStartsWith, OpEndsWith, OpRegex:
		return compileComparison(p)

	case "":
		return nil, fmt.Errorf("%w: missing op", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, p.Op)
	}
}

func compileComparison(p *Predicate) (node, error) {
	if p.Field == "" {
		return nil, fmt.Errorf("%w: %s needs field", ErrMalformed, p.Op)
	}
	n := &compareNode{op: p.Op, field: p.Field, path: splitPath(p.Field), value: normalise(p.Value)}

	switch p.Op {
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		if _, ok := n.value.(float64); !ok {
			if _, ok := n.value.(string); !ok {
				return nil, fmt.Errorf("%w: %s needs a number or string value", ErrMalformed, p.Op)
			}
		}
	case OpStartsWith, OpEndsWith:
		if _, ok := n.value.(string); !ok {
			return nil, fmt.Errorf("%w: %s needs a string value", ErrMalformed, p.Op)
		}
	case OpRegex:
		pattern, ok := n.value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: regex needs a string pattern", ErrMalformed)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: regex %q: %w", ErrMalformed, pattern, err)
		}
		n.re = re
	}
	return n, nil
}

func (n *compareNode) eval(fields map[string]any) (bool, error) {
	raw, ok := lookup(fields, n.path)
	if !ok {
		return false, nil
	}
	v := normalise(raw)

	result, err := n.apply(v)
	if err != nil {
		return false, &EvaluationError{Op: n.op, Field: n.field, Err: err}
	}
	return result, nil
}

func (n *compareNode) apply(v any) (bool, error) {
	switch n.op {
	case OpEqual, OpNotEqual:
		eq, err := equal(v, n.value)
		if err != nil {
			return false, err
		}
		return eq == (n.op == OpEqual), nil

	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		c, err := order(v, n.value)
		if err != nil {
			return false, err
		}
		switch n.op {
		case OpGreater:
			return c > 0, nil
		case OpGreaterEq:
			return c >= 0, nil
		case OpLess:
			return c < 0, nil
		default:
			return c <= 0, nil
		}

	case OpContains:
		switch fv := v.(type) {
		case string:
			s, ok := n.value.(string)
			if !ok {
				return false, fmt.Errorf("%w: contains on string needs a string value", ErrTypeMismatch)
			}
			return strings.Contains(fv, s), nil
		case []any:
			for _, item := range fv {
				if eq, err := equal(normalise(item), n.value); err == nil && eq {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, fmt.Errorf("%w: contains needs a string or array field, got %T", ErrTypeMismatch, v)
		}

	case OpStartsWith, OpEndsWith, OpRegex:
		s, ok := v.(string)
		if !ok {
			return false, fmt.Errorf("%w: %s needs a string field, got %T", ErrTypeMismatch, n.op, v)
		}
		switch n.op {
		case OpStartsWith:
			return strings.HasPrefix(s, n.value.(string)), nil //nolint:forcetypeassert // checked at compile
		case OpEndsWith:
			return strings.HasSuffix(s, n.value.(string)), nil //nolint:forcetypeassert // checked at compile
		default:
			return n.re.MatchString(s), nil
		}
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, n.op)
}

func equal(a, b any) (bool, error) {
	if a == nil || b == nil {
		return a == nil && b == nil, nil
	}
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			return av == bv, nil
		}
	case string:
		if bv, ok := b.(string); ok {
			return av == bv, nil
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return av == bv, nil
		}
	}
	return false, fmt.Errorf("%w: cannot compare %T with %T", ErrTypeMismatch, a, b)
}

func order(a, b any) (int, error) {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1, nil
			case av > bv:
				return 1, nil
			}
			return 0, nil
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), nil
		}
	}
	return 0, fmt.Errorf("%w: cannot order %T against %T", ErrTypeMismatch, a, b)
}

// normalise maps every numeric representation onto float64.
func normalise(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	}
	return v
}

func splitPath(field string) []string {
	return strings.Split(field, ".")
}

// lookup walks a dotted path through nested objects.
func lookup(fields map[string]any, path []string) (any, bool) {
	var cur any = fields
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
