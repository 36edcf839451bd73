// Package strings normalizes the string lists that arrive through
// configuration: environment values, skip routes and sensitive field names.
package strings

import (
	"strings"
)

// DedupeAndTrim trims each element and drops blanks and repeats, keeping the
// first occurrence in order.
//
//	DedupeAndTrim([]string{" /metrics ", "/health", "/metrics", ""})
//	// []string{"/metrics", "/health"}
func DedupeAndTrim(values []string) []string {
	return normalize(values, strings.TrimSpace)
}

// DedupeAndTrimLower is DedupeAndTrim with case folding, for names compared
// case-insensitively such as route paths and payload field names.
func DedupeAndTrimLower(values []string) []string {
	return normalize(values, func(s string) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
}

// SplitList splits an environment-style list on sep and normalizes it with
// DedupeAndTrim. Blank input yields nil.
func SplitList(raw, sep string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return DedupeAndTrim(strings.Split(raw, sep))
}

func normalize(values []string, fn func(string) string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = fn(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
