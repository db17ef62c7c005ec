package usdc

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"1", 1000000, true},
		{"1.5", 1500000, true},
		{"1.50", 1500000, true},
		{"0.000001", 1, true},
		{"0.0000019", 1, true}, // truncated past 6 decimals
		{"100.123456", 100123456, true},
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.Int64() != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got.Int64(), tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.000000"},
		{1, "0.000001"},
		{1500000, "1.500000"},
		{100123456, "100.123456"},
		{-1500000, "-1.500000"},
	}

	for _, tt := range tests {
		if got := Format(big.NewInt(tt.in)); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := Format(nil); got != "0.000000" {
		t.Errorf("Format(nil) = %q, want 0.000000", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.500000", "1.000000", "123.456789"} {
		parsed, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(parsed); got != s {
			t.Errorf("round trip %q = %q", s, got)
		}
	}
}

func TestHelpers(t *testing.T) {
	if Cmp("1.50", "1.500000") != 0 {
		t.Error("Cmp should treat 1.50 and 1.500000 as equal")
	}
	if Cmp("0.10", "0.20") != -1 {
		t.Error("Cmp(0.10, 0.20) should be -1")
	}
	if got := Add("0.10", "0.20"); got != "0.300000" {
		t.Errorf("Add = %q, want 0.300000", got)
	}
	if got := Sub("0.10", "0.30"); got != "-0.200000" {
		t.Errorf("Sub = %q, want -0.200000", got)
	}
	if IsPositive("0") || IsPositive("-1") || IsPositive("junk") {
		t.Error("IsPositive false positives")
	}
	if !IsPositive("0.000001") {
		t.Error("IsPositive(0.000001) should be true")
	}
}
