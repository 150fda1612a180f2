// Copyright 2026 The chainops Authors
// This file is part of the chainops library.
//
// The chainops library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The chainops library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the chainops library. If not, see <http://www.gnu.org/licenses/>.

package core

import (
	"fmt"
	"math/big"
	"strings"
)

// Raw amounts travel as integer strings and human amounts as exact decimal
// strings, end to end. No float ever touches money; everything below is
// big.Int division and string padding.

// ParseRaw parses a raw integer-string amount. Leading '+' and floats are
// rejected; negative values are accepted (deltas).
func ParseRaw(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty raw amount")
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid raw amount %q", raw)
	}
	return n, nil
}

// FormatUnits converts a raw integer string into its exact decimal
// representation against decimals, with trailing fractional zeros trimmed.
// FormatUnits("10000000", 6) == "10", FormatUnits("10500000", 6) == "10.5".
func FormatUnits(raw string, decimals int) (string, error) {
	n, err := ParseRaw(raw)
	if err != nil {
		return "", err
	}
	if decimals < 0 {
		return "", fmt.Errorf("negative decimals %d", decimals)
	}
	neg := n.Sign() < 0
	abs := new(big.Int).Abs(n)

	s := abs.String()
	if decimals == 0 {
		if neg {
			return "-" + s, nil
		}
		return s, nil
	}
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	whole := s[:len(s)-decimals]
	frac := strings.TrimRight(s[len(s)-decimals:], "0")

	out := whole
	if frac != "" {
		out = whole + "." + frac
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out, nil
}

// ToUnits converts a human decimal string into a raw integer string against
// decimals. Excess fractional digits are an error, not silently truncated.
func ToUnits(human string, decimals int) (string, error) {
	whole, frac, err := splitDecimal(human)
	if err != nil {
		return "", err
	}
	if len(frac) > decimals {
		return "", fmt.Errorf("amount %q has more than %d fractional digits", human, decimals)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	n, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return "", fmt.Errorf("invalid amount %q", human)
	}
	return n.String(), nil
}

// CompareDecimal compares two decimal strings exactly, returning -1, 0 or 1.
// "0" is a value like any other; "" is an error. This is the comparator the
// rule planner uses; rule thresholds never go through floats.
func CompareDecimal(a, b string) (int, error) {
	aw, af, err := splitDecimal(a)
	if err != nil {
		return 0, err
	}
	bw, bf, err := splitDecimal(b)
	if err != nil {
		return 0, err
	}
	// Scale both to the wider fraction and compare as integers.
	width := len(af)
	if len(bf) > width {
		width = len(bf)
	}
	an, ok := new(big.Int).SetString(aw+af+strings.Repeat("0", width-len(af)), 10)
	if !ok {
		return 0, fmt.Errorf("invalid decimal %q", a)
	}
	bn, ok := new(big.Int).SetString(bw+bf+strings.Repeat("0", width-len(bf)), 10)
	if !ok {
		return 0, fmt.Errorf("invalid decimal %q", b)
	}
	return an.Cmp(bn), nil
}

// splitDecimal splits a signed decimal string into sign-carrying whole part
// and fractional digits, both validated.
func splitDecimal(s string) (whole, frac string, err error) {
	if s == "" {
		return "", "", fmt.Errorf("empty decimal")
	}
	sign := ""
	body := s
	if body[0] == '-' {
		sign, body = "-", body[1:]
	}
	whole, frac, _ = strings.Cut(body, ".")
	if whole == "" {
		whole = "0"
	}
	for _, part := range []string{whole, frac} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return "", "", fmt.Errorf("invalid decimal %q", s)
			}
		}
	}
	return sign + whole, frac, nil
}
