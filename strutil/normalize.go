// Package strutil holds the text normalisers shared by configuration
// keywords, telnet commands and practice phrases.
package strutil

import "strings"

// NormalizeLower trims and lower-cases a keyword such as a key source or
// transport name.
func NormalizeLower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeUpper trims and upper-cases value.
func NormalizeUpper(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// NormalizeWords upper-cases value and collapses every whitespace run to a
// single space, the form decoded messages take.
func NormalizeWords(value string) string {
	return strings.Join(strings.Fields(strings.ToUpper(value)), " ")
}
