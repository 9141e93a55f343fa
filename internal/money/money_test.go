package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"whole", "100", "100.00"},
		{"cents", "0.50", "0.50"},
		{"trimmed", " 19.99 ", "19.99"},
		{"rounded down", "1.994", "1.99"},
		{"rounded up", "1.995", "2.00"},
		{"zero", "0", "0.00"},
		{"negative", "-5.00", "-5.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) failed", tt.input)
			}
			if got := Format(d); got != tt.expected {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	for _, input := range []string{"", "abc", "1.2.3", "1,50"} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}

func TestParsePositive(t *testing.T) {
	if _, ok := ParsePositive("0"); ok {
		t.Error("zero should not be positive")
	}
	if _, ok := ParsePositive("-1.00"); ok {
		t.Error("negative should not be positive")
	}
	d, ok := ParsePositive("2.50")
	if !ok || Format(d) != "2.50" {
		t.Errorf("ParsePositive(2.50) = %v, %v", d, ok)
	}
}

func TestMin(t *testing.T) {
	a := decimal.NewFromInt(3)
	b := decimal.NewFromInt(7)
	if !Min(a, b).Equal(a) {
		t.Error("Min(3, 7) should be 3")
	}
	if !Min(b, a).Equal(a) {
		t.Error("Min(7, 3) should be 3")
	}
}
