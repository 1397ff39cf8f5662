package validation

import (
	"math"
	"strings"
	"testing"
)

func TestValidateChannelIdentity(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"node", "NODE3000004", false},
		{"dotted", "tank.left", false},
		{"hyphen", "bowl-2", false},
		{"empty", "", true},
		{"hidden", ".tank", true},
		{"slash", "a/b", true},
		{"space", "NODE 1", true},
		{"control char", "a\x00b", true},
		{"too long", strings.Repeat("n", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChannelIdentity(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChannelIdentity(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateDetectorName(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"tank-trend", false},
		{"urination", false},
		{"tank.trend", true},
		{"", true},
	}

	for _, tt := range tests {
		if err := ValidateDetectorName(tt.input); (err != nil) != tt.wantErr {
			t.Errorf("ValidateDetectorName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}

func TestValidateValue(t *testing.T) {
	lo, hi := 0.0, 100.0
	bounded := Range{Min: &lo, Max: &hi}

	tests := []struct {
		name    string
		value   float64
		r       Range
		wantErr bool
	}{
		{"inside", 40, bounded, false},
		{"lower edge", 0, bounded, false},
		{"upper edge", 100, bounded, false},
		{"below", -0.1, bounded, true},
		{"above", 100.5, bounded, true},
		{"open range", 1e9, Range{}, false},
		{"nan", math.NaN(), Range{}, true},
		{"inf", math.Inf(1), Range{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateValue(tt.value, tt.r)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateValue(%v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestRangeString(t *testing.T) {
	lo := 1.5
	if got := (Range{Min: &lo}).String(); got != "[1.5, +inf]" {
		t.Errorf("String() = %q", got)
	}
}

func TestValidateMetadata(t *testing.T) {
	if err := ValidateMetadata(map[string]string{"rssi": "-71"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateMetadata(map[string]string{"": "x"}); err == nil {
		t.Error("expected error for empty key")
	}

	big := make(map[string]string)
	for i := 0; i <= MaxMetadataKeys; i++ {
		big[strings.Repeat("k", i+1)] = "v"
	}
	if err := ValidateMetadata(big); err == nil {
		t.Error("expected error for too many keys")
	}
}

func TestValidateIdempotencyKey(t *testing.T) {
	if err := ValidateIdempotencyKey("feed-8812"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateIdempotencyKey("a\nb"); err == nil {
		t.Error("expected error for control character")
	}
	if err := ValidateIdempotencyKey(strings.Repeat("x", 257)); err == nil {
		t.Error("expected error for long key")
	}
}
