package identity

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeEmail canonicalizes an email for lookup and uniqueness:
// NFKC, trimmed, lower-cased. The display form is stored separately.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}

// ValidEmail performs a structural check only: one "@", non-empty local part,
// a dot in the domain and no whitespace.
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 3 || len(s) > 320 || strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	local, domain, ok := strings.Cut(s, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return false
	}
	dot := strings.LastIndex(domain, ".")
	return dot > 0 && dot < len(domain)-1
}
