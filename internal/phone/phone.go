// Package phone canonicalises Turkish mobile numbers into the
// 12-digit 90XXXXXXXXXX form used as the identifier everywhere else.
package phone

import (
	"errors"
	"strings"
)

// ErrInvalidPhone is returned for numbers that aren't Turkish mobiles.
var ErrInvalidPhone = errors.New("invalid phone number format")

// Normalize strips all non-digit characters and returns the canonical
// 90-prefixed number. A 10-digit number starting with 5 gets the country
// code prefixed; a 12-digit number already starting with 90 is accepted
// as-is. Everything else is rejected, never truncated or guessed.
func Normalize(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	switch {
	case len(digits) == 10 && strings.HasPrefix(digits, "5"):
		return "90" + digits, nil
	case len(digits) == 12 && strings.HasPrefix(digits, "90"):
		return digits, nil
	}

	return "", ErrInvalidPhone
}
