package common

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed configuration or policy input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func ErrValidation(field, reason string) error {
	return ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a key that has no versions at the consulted replica(s).
type NotFoundError struct {
	Key    string
	Source string
}

func (e NotFoundError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("not found: %s", e.Key)
	}
	return fmt.Sprintf("not found: %s at %s", e.Key, e.Source)
}

func ErrNotFound(key, source string) error {
	return NotFoundError{Key: key, Source: source}
}

// DataError reports data that cannot be reconciled or reconstructed.
// Callers should treat it as terminal and fall back to a full re-sync
// or manual intervention.
type DataError struct {
	Op     string
	Reason string
	Err    error
}

func (e DataError) Error() string {
	msg := fmt.Sprintf("data error: %s: %s", e.Op, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e DataError) Unwrap() error {
	return e.Err
}

func ErrData(op, reason string) error {
	return DataError{Op: op, Reason: reason}
}

func WrapData(op, reason string, err error) error {
	return DataError{Op: op, Reason: reason, Err: err}
}

// Common errors
var (
	ErrStrategiesExhausted = errors.New("all strategies exhausted")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrOutOfBounds         = errors.New("operation out of bounds")
)

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsData reports whether err is a DataError.
func IsData(err error) bool {
	var d DataError
	return errors.As(err, &d)
}
