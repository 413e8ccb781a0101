package config

import (
	"fmt"
	"strings"
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects field-level validation failures.
type ValidationErrors []ValidationError

// Add appends a new validation error.
func (ve *ValidationErrors) Add(field, message string) {
	*ve = append(*ve, ValidationError{Field: field, Message: message})
}

// HasErrors reports whether any validation errors were collected.
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

func (ve ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve))
	for _, e := range ve {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateEntityName checks that a name is usable as an identifier for
// entities persisted to disk (it becomes part of a file name).
func ValidateEntityName(name, kind string) error {
	if strings.TrimSpace(name) == "" {
		return ValidationError{Field: "name", Message: fmt.Sprintf("%s name is required", kind)}
	}
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return ValidationError{Field: "name", Message: fmt.Sprintf("%s name contains invalid character %q", kind, r)}
	}
	return nil
}

// ValidateOneOf checks that value is one of the allowed values.
func ValidateOneOf(field, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return ValidationError{Field: field, Message: fmt.Sprintf("must be one of %s, got %q", strings.Join(allowed, ", "), value)}
}

// FormatValidationError wraps collected validation errors with entity context.
func FormatValidationError(kind, name string, errs ValidationErrors) error {
	return fmt.Errorf("invalid %s %q: %s", kind, name, errs.Error())
}
