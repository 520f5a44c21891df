// Package normalize provides small input-canonicalization utilities used
// across the project. Provider fields pass through here once, on submit,
// so every downstream component sees the same canonical form.
package normalize

import (
	"strings"
	"unicode"
)

// Text removes control characters except tab/newline/CR, collapses runs
// of whitespace to single spaces and trims the ends.
func Text(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Name canonicalizes a person or practice name: cleaned text with
// internal punctuation preserved.
func Name(s string) string {
	return Text(s)
}

// Email lowercases and trims an email address. Format validation happens
// at the API edge; evidence-level validity comes from the MX probe.
func Email(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Phone strips formatting down to digits, keeping a leading plus.
func Phone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PostalCode uppercases and strips interior spaces from a postal code.
func PostalCode(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.ReplaceAll(s, " ", "")
}

// StateCode uppercases a two-letter state or region code.
func StateCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Identifier strips spaces and hyphens from a national identifier.
func Identifier(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	return strings.ReplaceAll(s, "-", "")
}
