package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalPredicate(t *testing.T, p *Predicate, fields map[string]any) (bool, error) {
	t.Helper()
	n, err := compile(p)
	require.NoError(t, err)
	return n.eval(fields)
}

func TestPredicate_Comparisons(t *testing.T) {
	fields := map[string]any{
		"tempC":  40.0,
		"status": "active",
		"armed":  true,
		"tags":   []any{"roof", "north"},
		"env":    map[string]any{"humidity": 55.0, "room": "lab-2"},
	}

	tests := []struct {
		name string
		p    *Predicate
		want bool
	}{
		{"gt int literal", &Predicate{Op: OpGreater, Field: "tempC", Value: 35}, true},
		{"gte equal", &Predicate{Op: OpGreaterEq, Field: "tempC", Value: 40.0}, true},
		{"lt", &Predicate{Op: OpLess, Field: "tempC", Value: 35}, false},
		{"lte", &Predicate{Op: OpLessEq, Field: "tempC", Value: 40}, true},
		{"eq string", &Predicate{Op: OpEqual, Field: "status", Value: "active"}, true},
		{"ne string", &Predicate{Op: OpNotEqual, Field: "status", Value: "idle"}, true},
		{"eq bool", &Predicate{Op: OpEqual, Field: "armed", Value: true}, true},
		{"contains string", &Predicate{Op: OpContains, Field: "status", Value: "tiv"}, true},
		{"contains array", &Predicate{Op: OpContains, Field: "tags", Value: "north"}, true},
		{"contains array miss", &Predicate{Op: OpContains, Field: "tags", Value: "south"}, false},
		{"starts_with", &Predicate{Op: OpStartsWith, Field: "env.room", Value: "lab"}, true},
		{"ends_with", &Predicate{Op: OpEndsWith, Field: "env.room", Value: "-3"}, false},
		{"regex", &Predicate{Op: OpRegex, Field: "env.room", Value: `^lab-\d+$`}, true},
		{"dotted path", &Predicate{Op: OpGreater, Field: "env.humidity", Value: 50}, true},
		{"missing field is false", &Predicate{Op: OpGreater, Field: "pressure", Value: 1}, false},
		{"missing nested field is false", &Predicate{Op: OpEqual, Field: "env.co2.ppm", Value: 1}, false},
		{"exists", &Predicate{Op: OpExists, Field: "env.room"}, true},
		{"exists missing", &Predicate{Op: OpExists, Field: "env.co2"}, false},
		{"nil predicate", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalPredicate(t, tt.p, fields)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPredicate_Logic(t *testing.T) {
	fields := map[string]any{"tempC": 40.0, "status": "active"}
	hot := &Predicate{Op: OpGreater, Field: "tempC", Value: 35}
	idle := &Predicate{Op: OpEqual, Field: "status", Value: "idle"}

	got, err := evalPredicate(t, &Predicate{Op: OpAnd, Args: []*Predicate{hot, idle}}, fields)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = evalPredicate(t, &Predicate{Op: OpOr, Args: []*Predicate{idle, hot}}, fields)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = evalPredicate(t, &Predicate{Op: OpNot, Arg: idle}, fields)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestPredicate_TypeMismatch(t *testing.T) {
	fields := map[string]any{"status": "active", "tempC": 40.0}

	_, err := evalPredicate(t, &Predicate{Op: OpGreater, Field: "status", Value: 3}, fields)
	var ee *EvaluationError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, OpGreater, ee.Op)
	assert.Equal(t, "status", ee.Field)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = evalPredicate(t, &Predicate{Op: OpStartsWith, Field: "tempC", Value: "4"}, fields)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	// A mismatch inside NOT still surfaces as an error, not as true.
	got, err := evalPredicate(t, &Predicate{Op: OpNot, Arg: &Predicate{Op: OpEqual, Field: "tempC", Value: "hot"}}, fields)
	assert.Error(t, err)
	assert.False(t, got)
}

func TestPredicate_Malformed(t *testing.T) {
	tests := []struct {
		name string
		p    *Predicate
		want error
	}{
		{"unknown op", &Predicate{Op: "approx", Field: "x", Value: 1}, ErrUnknownOperator},
		{"missing op", &Predicate{Field: "x"}, ErrMalformed},
		{"and without args", &Predicate{Op: OpAnd}, ErrMalformed},
		{"not without arg", &Predicate{Op: OpNot}, ErrMalformed},
		{"comparison without field", &Predicate{Op: OpEqual, Value: 1}, ErrMalformed},
		{"bad regex", &Predicate{Op: OpRegex, Field: "x", Value: "("}, ErrMalformed},
		{"gt with bool", &Predicate{Op: OpGreater, Field: "x", Value: true}, ErrMalformed},
		{"nested unknown", &Predicate{Op: OpOr, Args: []*Predicate{{Op: "xor"}}}, ErrUnknownOperator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compile(tt.p)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
