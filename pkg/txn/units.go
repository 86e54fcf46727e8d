package txn

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

var decimalPattern = regexp.MustCompile(`^(\d+)(?:\.(\d+))?$`)

// ErrInvalidAmount is returned for amounts that are not non-negative decimals
var ErrInvalidAmount = errors.New("invalid amount")

// ParseUnits converts a decimal amount into base units with the given number
// of decimals. Digits beyond the token's precision are rejected rather than
// rounded.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	m := decimalPattern.FindStringSubmatch(amount)
	if m == nil {
		return nil, fmt.Errorf("%w %q", ErrInvalidAmount, amount)
	}
	if decimals < 0 {
		return nil, fmt.Errorf("invalid decimals %d", decimals)
	}

	whole, frac := m[1], strings.TrimRight(m[2], "0")
	if len(frac) > decimals {
		return nil, fmt.Errorf("%w %q: more than %d decimal places", ErrInvalidAmount, amount, decimals)
	}

	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrInvalidAmount, amount)
	}
	return v, nil
}

// FormatUnits renders base units as a decimal with the given number of decimals
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()
	if decimals > 0 {
		if len(s) <= decimals {
			s = strings.Repeat("0", decimals-len(s)+1) + s
		}
		whole, frac := s[:len(s)-decimals], strings.TrimRight(s[len(s)-decimals:], "0")
		s = whole
		if frac != "" {
			s += "." + frac
		}
	}
	if neg {
		s = "-" + s
	}
	return s
}

// IsPositiveAmount reports whether amount is a decimal greater than zero
func IsPositiveAmount(amount string) bool {
	m := decimalPattern.FindStringSubmatch(strings.TrimSpace(amount))
	if m == nil {
		return false
	}
	return strings.Trim(m[1]+m[2], "0") != ""
}
