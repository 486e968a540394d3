// Package validation checks mutation payloads before they enter the record
// store and outbox.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// Field payload limits.
const (
	MaxFieldKeyLength   = 64
	MaxFieldValueLength = 512
	MaxDeltaFields      = 64
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateDelta checks a mutation's field map. The payload is an open
// schema, so unknown keys are allowed; the checks guard shape, encoding
// and the handful of fields with a known format.
func ValidateDelta(delta types.FieldMap) []ValidationError {
	var c Collector

	if len(delta) == 0 {
		c.Add(&ValidationError{Field: "fields", Message: "must not be empty"})
		return c.Errors()
	}
	if len(delta) > MaxDeltaFields {
		c.Add(&ValidationError{
			Field:   "fields",
			Message: fmt.Sprintf("exceeds maximum of %d fields", MaxDeltaFields),
		})
	}

	for key, value := range delta {
		c.Add(ValidateRequired("field key", key))
		c.Add(ValidateMaxLength(key, key, MaxFieldKeyLength))
		c.Add(ValidateUTF8(key, value))
		c.Add(ValidateNoNullBytes(key, value))
		c.Add(ValidateMaxLength(key, value, MaxFieldValueLength))
		c.Add(validateKnownFormat(key, value))
	}

	return c.Errors()
}

// validateKnownFormat applies per-field rules for the fields with a fixed
// shape. Empty values always pass: writing "" clears a field.
func validateKnownFormat(key, value string) *ValidationError {
	if value == "" {
		return nil
	}
	switch key {
	case types.FieldMobilePrimary, types.FieldMobileSecondary,
		types.FieldMobileTertiary, types.FieldMobileQuaternary:
		return ValidateDigits(key, value)
	case types.FieldPincode:
		return ValidateDigits(key, value)
	case types.FieldGender:
		return ValidateEnum(key, value, []string{"M", "F", "O"})
	default:
		return nil
	}
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{
			Field:   field,
			Message: "must be a valid ULID (26 characters)",
		}
	}

	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range value {
		upper := strings.ToUpper(string(r))
		if !strings.Contains(crockfordBase32, upper) {
			return &ValidationError{
				Field:   field,
				Message: "must be a valid ULID (invalid character)",
			}
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateDigits returns an error if the value contains anything other
// than ASCII digits.
func ValidateDigits(field, value string) *ValidationError {
	for _, r := range value {
		if r < '0' || r > '9' {
			return &ValidationError{
				Field:   field,
				Message: "must contain only digits",
			}
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}
