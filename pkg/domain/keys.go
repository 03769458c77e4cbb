package domain

import (
	"strings"
	"unicode"
)

// NormalizeColumnKey derives a column key from a label: trimmed, lower-cased,
// with every whitespace run collapsed into a single underscore.
func NormalizeColumnKey(label string) string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(label)), unicode.IsSpace)
	return strings.Join(fields, "_")
}

// NormalizeUsername trims and lower-cases a login name.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
