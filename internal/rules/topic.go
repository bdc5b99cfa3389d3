package rules

import (
	"fmt"
	"strings"
)

const (
	singleLevel = "+"
	multiLevel  = "#"
)

// ValidateFilter checks the wildcard placement of a topic filter.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFilter)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, multiLevel) && (level != multiLevel || i != len(levels)-1) {
			return fmt.Errorf("%w: %q: '#' must be the whole final level", ErrInvalidFilter, filter)
		}
		if strings.Contains(level, singleLevel) && level != singleLevel {
			return fmt.Errorf("%w: %q: '+' must occupy a whole level", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// MatchTopic reports whether topic matches filter. The filter is assumed
// valid; publish topics never contain wildcards.
func MatchTopic(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")

	for i, level := range f {
		if level == multiLevel {
			// '#' also matches the parent level: "a/#" matches "a".
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != singleLevel && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
