// Package mapping implements the mapping rule engine: it translates an
// incoming request's method and path into the set of metric increments
// (usage) reported to the policy backend.
//
// Rules are evaluated in declaration order. Every matching rule contributes
// its (metric, delta) pair; deltas for the same metric accumulate. A rule
// marked `last` short-circuits evaluation once it matches. Overlapping rules
// without a `last` flag therefore all bill — cumulative billing is intended
// behavior, not a conflict to resolve.
package mapping

import (
	"fmt"
	"regexp"
	"strings"
)

// Usage maps metric names to accumulated deltas. The zero-length map is a
// valid result: it means no rule matched, which is not an error at this
// layer (rejection on empty usage, if any, is the caller's policy).
type Usage map[string]int64

// Rule is a single compiled mapping rule.
type Rule struct {
	Method  string // normalized upper-case
	Pattern string // original pattern text, for diagnostics
	Metric  string
	Delta   int64
	Last    bool

	re       *regexp.Regexp
	hasQuery bool // pattern contains a '?' part and must match path?query
}

// CompileRule builds a Rule from its declarative form. Pattern syntax:
//
//	*        any run of characters
//	{name}   a single path segment (no '/')
//	^        (leading only) redundant start anchor, accepted and ignored
//	$        (trailing only) anchor at the end of the path
//
// Patterns anchor at the start of the path and otherwise match prefixes,
// so `/v1/*` matches `/v1/widgets` and `/v1/widgets/7`. A pattern may
// include a `?key={v}` query part, which is matched against the raw query
// string appended to the path.
func CompileRule(method, pattern, metric string, delta int64, last bool) (Rule, error) {
	if metric == "" {
		return Rule{}, fmt.Errorf("mapping rule %s %q: metric is required", method, pattern)
	}
	if pattern == "" || !strings.HasPrefix(strings.TrimPrefix(pattern, "^"), "/") {
		return Rule{}, fmt.Errorf("mapping rule for metric %q: pattern must start with '/'", metric)
	}
	if delta == 0 {
		delta = 1
	}
	if delta < 0 {
		return Rule{}, fmt.Errorf("mapping rule %s %q: delta must be positive", method, pattern)
	}

	re, hasQuery, err := compilePattern(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("mapping rule %s %q: %w", method, pattern, err)
	}

	return Rule{
		Method:   strings.ToUpper(method),
		Pattern:  pattern,
		Metric:   metric,
		Delta:    delta,
		Last:     last,
		re:       re,
		hasQuery: hasQuery,
	}, nil
}

// MustCompileRule is like CompileRule but panics on error. Intended for
// fixed rules in tests.
func MustCompileRule(method, pattern, metric string, delta int64, last bool) Rule {
	r, err := CompileRule(method, pattern, metric, delta, last)
	if err != nil {
		panic(err)
	}
	return r
}

// compilePattern translates the rule pattern into an anchored regexp.
// A leading '^' is accepted and dropped: patterns always anchor at the
// start of the path, so the explicit anchor is redundant.
func compilePattern(pattern string) (*regexp.Regexp, bool, error) {
	pattern = strings.TrimPrefix(pattern, "^")
	anchored := strings.HasSuffix(pattern, "$")
	pattern = strings.TrimSuffix(pattern, "$")
	hasQuery := strings.Contains(pattern, "?")

	var b strings.Builder
	b.WriteString("^")

	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(".*")
		case '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				return nil, false, fmt.Errorf("unterminated wildcard %q", pattern[i:])
			}
			b.WriteString("[^/]+")
			i += end
		case '}':
			return nil, false, fmt.Errorf("unmatched '}' at position %d", i)
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	if anchored {
		b.WriteString("$")
	}

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, false, err
	}
	return re, hasQuery, nil
}

// Matches reports whether the rule applies to the given request method,
// path, and raw query string.
func (r Rule) Matches(method, path, rawQuery string) bool {
	if r.Method != strings.ToUpper(method) {
		return false
	}
	candidate := path
	if r.hasQuery {
		candidate = path + "?" + rawQuery
	}
	return r.re.MatchString(candidate)
}

// Match evaluates the ordered rule list against a request and returns the
// accumulated usage. Evaluation is order-preserving and idempotent: the
// same inputs always produce the same usage map. A matching rule with Last
// set suppresses all subsequent rules.
func Match(rules []Rule, method, path, rawQuery string) Usage {
	usage := make(Usage)
	for _, r := range rules {
		if !r.Matches(method, path, rawQuery) {
			continue
		}
		usage[r.Metric] += r.Delta
		if r.Last {
			break
		}
	}
	return usage
}
