// Package symbol handles instrument symbol normalization and validation.
// Symbols are compared case-insensitively by normalizing to uppercase
// before every lookup, so "aapl" and "AAPL" name the same position.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxLen is the longest accepted symbol.
const MaxLen = 20

// symbolRegex matches an uppercase ticker: letters and digits, optionally
// with share-class or venue separators ("BRK.B", "RDS-A").
// Example: AAPL, BRK.B, 7203.T
var symbolRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]*$`)

var (
	ErrEmpty         = errors.New("symbol: empty symbol")
	ErrTooLong       = errors.New("symbol: symbol too long")
	ErrInvalidSymbol = errors.New("symbol: invalid symbol format")
)

// Normalize trims and uppercases raw and validates the result.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", ErrEmpty
	}
	if len(s) > MaxLen {
		return "", fmt.Errorf("%w: %q (max %d characters)", ErrTooLong, s, MaxLen)
	}
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return s, nil
}

// MustNormalize is Normalize for compile-time constants. It panics on error.
func MustNormalize(raw string) string {
	s, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return s
}
