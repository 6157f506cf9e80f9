// Package glob implements shell-style glob matching over a set of patterns,
// used to scope services to request authorities (Host values). Patterns
// support `*` (any run of characters except `/`), `?` (any single character),
// and `[...]` character classes, matched against the full candidate string.
package glob

import (
	"fmt"
	"path"
)

// PatternSet is an ordered, immutable set of glob patterns. The zero value
// is an empty set, which matches nothing — callers that want "no patterns
// means no restriction" must check Empty() themselves rather than rely on
// IsMatch.
type PatternSet struct {
	patterns []string
}

// Compile validates the given patterns and returns a PatternSet.
// Invalid pattern syntax (e.g. an unterminated character class) is
// rejected here so that IsMatch never has to report an error.
func Compile(patterns []string) (PatternSet, error) {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return PatternSet{}, fmt.Errorf("invalid glob pattern %q: %w", p, err)
		}
	}
	set := make([]string, len(patterns))
	copy(set, patterns)
	return PatternSet{patterns: set}, nil
}

// MustCompile is like Compile but panics on invalid patterns. For tests and
// static pattern literals.
func MustCompile(patterns ...string) PatternSet {
	ps, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return ps
}

// IsMatch reports whether any pattern in the set matches candidate in full.
// Matching is case-sensitive and deterministic. An empty set never matches.
func (ps PatternSet) IsMatch(candidate string) bool {
	for _, p := range ps.patterns {
		// Patterns are validated at Compile time, so Match cannot fail here.
		if ok, _ := path.Match(p, candidate); ok {
			return true
		}
	}
	return false
}

// Empty reports whether the set contains no patterns.
func (ps PatternSet) Empty() bool {
	return len(ps.patterns) == 0
}

// Len returns the number of patterns in the set.
func (ps PatternSet) Len() int {
	return len(ps.patterns)
}
