package memauth

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

var trivialPasswords = map[string]struct{}{
	"password": {}, "password123": {}, "12345678": {}, "123456789": {},
	"qwerty123": {}, "11111111": {}, "iloveyou": {},
}

// checkPasswordPolicy counts runes, not bytes, and rejects a small set of
// obviously guessable passwords. It is not a strength estimator.
func checkPasswordPolicy(pw string) error {
	n := utf8.RuneCountInString(pw)
	switch {
	case n < minPasswordLength:
		return fmt.Errorf("%w: shorter than %d characters", ErrWeakPassword, minPasswordLength)
	case n > maxPasswordLength:
		return fmt.Errorf("%w: longer than %d characters", ErrWeakPassword, maxPasswordLength)
	case looksVeryWeak(pw):
		return fmt.Errorf("%w: too easy to guess", ErrWeakPassword)
	}
	return nil
}

func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	if _, ok := trivialPasswords[strings.ToLower(s)]; ok {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	allSame, onlyDigits := true, true
	for _, r := range s {
		if r != first {
			allSame = false
		}
		if !unicode.IsDigit(r) {
			onlyDigits = false
		}
	}
	// PIN-like strings stay weak until they are long.
	return allSame || (onlyDigits && utf8.RuneCountInString(s) < 12)
}
