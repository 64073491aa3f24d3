package logname

import (
	"fmt"
	"strings"
	"unicode"
)

// SignificantLength is how many leading characters of a destination log
// name the underlying store actually keys on. Two names sharing this
// prefix address the same log and must be treated as a collision.
const SignificantLength = 8

// Canonicalize normalizes a destination log name before prefix
// comparison. Names are case-insensitive to the store.
func Canonicalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// SignificantPrefix returns the store-significant key for a name.
func SignificantPrefix(name string) string {
	runes := []rune(Canonicalize(name))
	if len(runes) <= SignificantLength {
		return string(runes)
	}
	return string(runes[:SignificantLength])
}

// Collide reports whether two names map to the same destination log.
func Collide(a, b string) bool {
	return SignificantPrefix(a) == SignificantPrefix(b)
}

// Validate rejects names the store cannot key on.
func Validate(name string) error {
	c := Canonicalize(name)
	if c == "" {
		return fmt.Errorf("destination name is required")
	}
	if len([]rune(c)) < SignificantLength {
		return fmt.Errorf("destination name %q shorter than the %d significant characters", name, SignificantLength)
	}
	for _, r := range c {
		if unicode.IsControl(r) {
			return fmt.Errorf("destination name %q contains control characters", name)
		}
	}
	return nil
}
