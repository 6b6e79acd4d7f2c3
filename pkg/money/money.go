// Package money provides fixed-point USD arithmetic for enforcement decisions.
// All monetary values are carried as int64 micro-dollars (6 fractional digits)
// to keep policy hashes and ledger math stable across platforms.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MicrosPerDollar is the fixed-point scale: 6 fractional digits.
const MicrosPerDollar = 1_000_000

// ErrInvalidAmount is returned when a decimal string cannot be parsed
// into micro-dollars without loss.
var ErrInvalidAmount = errors.New("money: invalid decimal amount")

// USD is a USD amount in micro-dollars.
type USD int64

// FromDollars converts whole dollars to micro-dollars.
func FromDollars(d int64) USD {
	return USD(d * MicrosPerDollar)
}

// ParseUSD parses a decimal string ("400", "0.42", "-12.500000") into
// micro-dollars. More than 6 fractional digits is rejected rather than
// rounded; silent rounding would break reservation settlement parity.
func ParseUSD(s string) (USD, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" || s == "." {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if len(fracPart) > 6 {
		return 0, fmt.Errorf("%w: more than 6 fractional digits in %q", ErrInvalidAmount, s)
	}
	if intPart == "" {
		intPart = "0"
	}

	var whole int64
	for _, c := range intPart {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		d := int64(c - '0')
		if whole > (1<<62)/10 {
			return 0, fmt.Errorf("%w: overflow in %q", ErrInvalidAmount, s)
		}
		whole = whole*10 + d
	}

	var frac int64
	scale := int64(MicrosPerDollar / 10)
	for _, c := range fracPart {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		frac += int64(c-'0') * scale
		scale /= 10
	}

	micros := whole*MicrosPerDollar + frac
	if neg {
		micros = -micros
	}
	return USD(micros), nil
}

// String renders the amount with the full 6 fractional digits, e.g.
// "400.000000". The fixed width keeps CSV exports byte-deterministic.
func (u USD) String() string {
	micros := int64(u)
	sign := ""
	if micros < 0 {
		sign = "-"
		micros = -micros
	}
	return fmt.Sprintf("%s%d.%06d", sign, micros/MicrosPerDollar, micros%MicrosPerDollar)
}

// Dollars returns the whole-dollar part, truncated toward zero.
func (u USD) Dollars() int64 {
	return int64(u) / MicrosPerDollar
}

// IsZero reports whether the amount is exactly zero.
func (u USD) IsZero() bool { return u == 0 }

// IsNegative reports whether the amount is below zero.
func (u USD) IsNegative() bool { return u < 0 }

// Min returns the smaller of a and b.
func Min(a, b USD) USD {
	if a < b {
		return a
	}
	return b
}

// MarshalJSON encodes the amount as a decimal string.
func (u USD) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON accepts either a decimal string or a bare JSON number.
func (u *USD) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Bare number: re-parse the raw token as a decimal literal.
		s = strings.TrimSpace(string(data))
	}
	v, err := ParseUSD(s)
	if err != nil {
		return err
	}
	*u = v
	return nil
}
