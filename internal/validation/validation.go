// Package validation provides centralized input validation for peebot.
package validation

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for identities and names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// ChannelRules returns the rules for channel identities. Feed identities
// such as NODE3000004 or tank.left are accepted.
func ChannelRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    128,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// DetectorRules returns the rules for detector names and event types.
func DetectorRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateChannelIdentity validates a channel identity with channel rules.
func ValidateChannelIdentity(identity string) error {
	return ValidateName(identity, ChannelRules())
}

// ValidateDetectorName validates a detector name or event type.
func ValidateDetectorName(name string) error {
	return ValidateName(name, DetectorRules())
}

// =============================================================================
// Value Validation
// =============================================================================

// Range bounds a measured value. A nil bound is open.
type Range struct {
	Min *float64
	Max *float64
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// String renders the range for rejection reasons.
func (r Range) String() string {
	lo, hi := "-inf", "+inf"
	if r.Min != nil {
		lo = fmt.Sprintf("%g", *r.Min)
	}
	if r.Max != nil {
		hi = fmt.Sprintf("%g", *r.Max)
	}
	return "[" + lo + ", " + hi + "]"
}

// ValidateValue rejects NaN, infinities and values outside r.
func ValidateValue(v float64, r Range) error {
	if math.IsNaN(v) {
		return fmt.Errorf("value is NaN")
	}
	if math.IsInf(v, 0) {
		return fmt.Errorf("value is infinite")
	}
	if !r.Contains(v) {
		return fmt.Errorf("value %g outside %s", v, r)
	}
	return nil
}

// =============================================================================
// Metadata Validation
// =============================================================================

// MaxMetadataKeys bounds the metadata map of one reading.
const MaxMetadataKeys = 32

// ValidateMetadata checks key count and key shape.
func ValidateMetadata(md map[string]string) error {
	if len(md) > MaxMetadataKeys {
		return fmt.Errorf("too many metadata keys: %d > %d", len(md), MaxMetadataKeys)
	}
	for k := range md {
		if k == "" {
			return fmt.Errorf("metadata key cannot be empty")
		}
		if len(k) > 64 {
			return fmt.Errorf("metadata key %q too long", k[:16]+"...")
		}
	}
	return nil
}

// =============================================================================
// Idempotency Key Validation
// =============================================================================

// ValidateIdempotencyKey checks a key carried from the feed.
func ValidateIdempotencyKey(key string) error {
	if len(key) > 256 {
		return fmt.Errorf("idempotency key too long: maximum 256 characters")
	}
	for i, r := range key {
		if r < 32 || r == 127 {
			return fmt.Errorf("idempotency key cannot contain control characters at position %d", i)
		}
	}
	return nil
}
