// Package fixedpoint converts between decimal strings (as venues send them)
// and int64 fixed-point values. Prices are held in cents (10^-2), quantities
// and base-asset fees in sats (10^-8). No float64 on any accounting path.
package fixedpoint

import (
	"errors"
	"strconv"
	"strings"
)

const (
	// CentsDecimals is the price scale: 1 USD = 100 cents.
	CentsDecimals = 2
	// SatsDecimals is the quantity scale: 1 unit of base asset = 1e8 sats.
	SatsDecimals = 8
)

var ErrBadDecimal = errors.New("fixedpoint: malformed decimal")

// ParseCents parses a decimal price string (e.g. "4566.88") into cents.
func ParseCents(s string) (int64, error) {
	return Parse(s, CentsDecimals)
}

// ParseSats parses a decimal quantity string (e.g. "0.00123") into sats.
func ParseSats(s string) (int64, error) {
	return Parse(s, SatsDecimals)
}

// Parse converts a decimal string into an integer scaled by 10^decimals.
// Excess fractional digits are truncated toward zero. "1.23" with
// decimals=2 yields 123.
func Parse(s string, decimals int) (int64, error) {
	if s == "" {
		return 0, nil
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if strings.Contains(fracPart, ".") {
		return 0, ErrBadDecimal
	}

	var intVal int64
	if intPart != "" {
		v, err := strconv.ParseInt(intPart, 10, 64)
		if err != nil {
			return 0, ErrBadDecimal
		}
		intVal = v
	}

	if len(fracPart) > decimals {
		fracPart = fracPart[:decimals]
	}
	for len(fracPart) < decimals {
		fracPart += "0"
	}

	var fracVal int64
	if fracPart != "" {
		v, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, ErrBadDecimal
		}
		fracVal = v
	}

	total := intVal*pow10(decimals) + fracVal
	if neg {
		total = -total
	}
	return total, nil
}

// Format renders a scaled integer back into a decimal string suitable for a
// venue API ("4566.88", "0.00800000").
func Format(v int64, decimals int) string {
	neg := v < 0
	if neg {
		v = -v
	}
	scale := pow10(decimals)
	intPart := v / scale
	fracPart := v % scale

	s := strconv.FormatInt(intPart, 10)
	if decimals > 0 {
		frac := strconv.FormatInt(fracPart, 10)
		for len(frac) < decimals {
			frac = "0" + frac
		}
		s += "." + frac
	}
	if neg {
		s = "-" + s
	}
	return s
}

// FormatCents renders cents as a price string.
func FormatCents(v int64) string { return Format(v, CentsDecimals) }

// FormatSats renders sats as a quantity string.
func FormatSats(v int64) string { return Format(v, SatsDecimals) }

func pow10(n int) int64 {
	p := int64(1)
	for i := 0; i < n; i++ {
		p *= 10
	}
	return p
}
