// Package topic implements subscription pattern matching for OSC addresses.
//
// Three pattern forms are supported:
//
//	/*         universal wildcard, matches every address
//	/foo/*     prefix wildcard, matches any address starting with "/foo/"
//	/foo/bar   exact address
//
// There are no multi-segment or regular-expression semantics: a trailing
// "*" is the only wildcard and it matches any suffix, including "/".
package topic

import "strings"

// Wildcard patterns.
const (
	// Universal matches every address.
	Universal = "/*"

	// wildcardMarker terminates a prefix pattern.
	wildcardMarker = "*"
)

// Matches reports whether address satisfies pattern.
//
// Matches is pure and total: every (address, pattern) pair yields a result.
func Matches(address, pattern string) bool {
	if pattern == Universal {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, wildcardMarker); ok {
		return strings.HasPrefix(address, prefix)
	}
	return address == pattern
}

// MatchAny returns the index of the first pattern in patterns that matches
// address, or -1 if none does.
func MatchAny(address string, patterns []string) int {
	for i, p := range patterns {
		if Matches(address, p) {
			return i
		}
	}
	return -1
}

// ParseList splits a comma-separated pattern list, trimming whitespace and
// discarding empty entries.
//
// Example:
//
//	topic.ParseList(" /a, /b/* ,,") // ["/a", "/b/*"]
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
