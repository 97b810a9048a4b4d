// Package strings holds small helpers for lists of names.
package strings

import "strings"

// Duplicates returns the trimmed values that appear more than once, in order of
// their second appearance. Blank values are ignored.
func Duplicates(values []string) []string {
	seen := make(map[string]int, len(values))
	var dups []string
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		seen[trimmed]++
		if seen[trimmed] == 2 {
			dups = append(dups, trimmed)
		}
	}
	return dups
}
