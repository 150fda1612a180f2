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

import "testing"

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		raw      string
		decimals int
		want     string
	}{
		{"10000000", 6, "10"},
		{"10500000", 6, "10.5"},
		{"1", 6, "0.000001"},
		{"0", 6, "0"},
		{"123", 0, "123"},
		{"1000000000000000000", 18, "1"},
		{"1234567890123456789", 18, "1.234567890123456789"},
		{"-10500000", 6, "-10.5"},
		{"999", 2, "9.99"},
	}
	for _, tt := range tests {
		got, err := FormatUnits(tt.raw, tt.decimals)
		if err != nil {
			t.Fatalf("FormatUnits(%q, %d): %v", tt.raw, tt.decimals, err)
		}
		if got != tt.want {
			t.Errorf("FormatUnits(%q, %d) = %q, want %q", tt.raw, tt.decimals, got, tt.want)
		}
	}
}

func TestFormatUnitsRejectsNonInteger(t *testing.T) {
	for _, raw := range []string{"", "1.5", "1e6", "abc"} {
		if _, err := FormatUnits(raw, 6); err == nil {
			t.Errorf("FormatUnits(%q) accepted a non-integer raw amount", raw)
		}
	}
}

func TestToUnits(t *testing.T) {
	tests := []struct {
		human    string
		decimals int
		want     string
	}{
		{"10", 6, "10000000"},
		{"10.5", 6, "10500000"},
		{"0.000001", 6, "1"},
		{"0", 6, "0"},
		{"2", 0, "2"},
	}
	for _, tt := range tests {
		got, err := ToUnits(tt.human, tt.decimals)
		if err != nil {
			t.Fatalf("ToUnits(%q, %d): %v", tt.human, tt.decimals, err)
		}
		if got != tt.want {
			t.Errorf("ToUnits(%q, %d) = %q, want %q", tt.human, tt.decimals, got, tt.want)
		}
	}
	if _, err := ToUnits("1.2345678", 6); err == nil {
		t.Error("ToUnits accepted more fractional digits than decimals")
	}
}

// TestRoundTripFaithful pins the detector's amount contract: human equals
// the exact decimal of raw/10^decimals with trailing zeros trimmed.
func TestRoundTripFaithful(t *testing.T) {
	for _, raw := range []string{"1", "10", "100", "123456", "10000000", "480000000"} {
		human, err := FormatUnits(raw, 6)
		if err != nil {
			t.Fatal(err)
		}
		back, err := ToUnits(human, 6)
		if err != nil {
			t.Fatal(err)
		}
		if back != raw {
			t.Errorf("round trip %s -> %s -> %s", raw, human, back)
		}
	}
}

func TestCompareDecimal(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1", "2", -1},
		{"2", "1", 1},
		{"1.5", "1.5", 0},
		{"1.5", "1.50", 0},
		{"0", "0.0", 0},
		{"0.000001", "0", 1},
		{"-1", "1", -1},
		{"10", "9.999999", 1},
		{"480", "500", -1},
	}
	for _, tt := range tests {
		got, err := CompareDecimal(tt.a, tt.b)
		if err != nil {
			t.Fatalf("CompareDecimal(%q, %q): %v", tt.a, tt.b, err)
		}
		if got != tt.want {
			t.Errorf("CompareDecimal(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
	if _, err := CompareDecimal("", "1"); err == nil {
		t.Error("CompareDecimal accepted an empty operand")
	}
	if _, err := CompareDecimal("1,5", "1"); err == nil {
		t.Error("CompareDecimal accepted a malformed operand")
	}
}
