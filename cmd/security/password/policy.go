package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// commonPasswords is checked only when Policy.RejectVeryWeak is set.
var commonPasswords = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"12345678":    {},
	"123456789":   {},
	"qwerty123":   {},
	"letmein1":    {},
	"11111111":    {},
	"iloveyou":    {},
}

// Validate checks password policy. Length is counted in runes, not bytes.
func (c Config) Validate(password string) error {
	n := utf8.RuneCountInString(password)

	if n < c.Policy.MinLength {
		return ErrPasswordTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrPasswordTooLong
	}
	if c.Policy.RejectVeryWeak && looksVeryWeak(password) {
		return ErrWeakPassword
	}
	return nil
}

// looksVeryWeak is a minimal screen, not a strength estimator.
func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	if _, ok := commonPasswords[strings.ToLower(s)]; ok {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	if strings.Trim(s, string(first)) == "" {
		return true
	}

	// PIN-like: short and digits only.
	if utf8.RuneCountInString(s) < 12 && strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) == -1 {
		return true
	}
	return false
}
