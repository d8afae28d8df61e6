// internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a persisted job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrRunNotFound is returned when a persisted run does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrBatchNotFound is returned for an unknown batch handle.
	ErrBatchNotFound = errors.New("batch not found")
)

// ValidationError reports malformed input caught before any external
// interaction or write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConfigError reports an unreadable configuration file, or a template that
// is missing required sections.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ParseError reports a report file whose title or table is not recognized.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse report %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError reports a storage failure. The enclosing transaction has
// been rolled back when it is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
