// Package emailutil normalizes the email addresses that key local accounts.
package emailutil

import "strings"

// Normalize trims and lowercases an address. Account usernames and the
// email claim are always compared in this form.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Domain returns the part after the single @ of a normalized address, or
// "" when the address has no usable domain.
func Domain(email string) string {
	local, domain, ok := strings.Cut(Normalize(email), "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return ""
	}
	return domain
}

// FirstNormalized returns the first candidate that is non-empty after
// normalization, or "" when every candidate is blank.
func FirstNormalized(candidates ...string) string {
	for _, c := range candidates {
		if n := Normalize(c); n != "" {
			return n
		}
	}
	return ""
}
