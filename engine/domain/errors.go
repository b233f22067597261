package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed wrappers below carry context; errors.Is against
// these decides retry eligibility and HTTP mapping.
var (
	ErrInit           = errors.New("service initialization failed")
	ErrDatabase       = errors.New("database operation failed")
	ErrSearch         = errors.New("search failed")
	ErrTimeout        = errors.New("operation timed out")
	ErrAuthentication = errors.New("authentication failed")
	ErrEmbedding      = errors.New("embedding generation failed")
	ErrInvalidRecord  = errors.New("invalid record")
	ErrInvalidQuery   = errors.New("invalid query")
)

// InitError reports a failure to stand up a shard connection or crypto key.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init %s: %v", e.Component, e.Err)
}

func (e *InitError) Unwrap() []error { return []error{ErrInit, e.Err} }

// DatabaseError is a generic shard operation failure.
type DatabaseError struct {
	Shard string
	Op    string
	Err   error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("shard %s: %s: %v", e.Shard, e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() []error { return []error{ErrDatabase, e.Err} }

// SearchError is query-path specific and carries the patient filter for
// diagnostics.
type SearchError struct {
	PatientFilter string
	Err           error
}

func (e *SearchError) Error() string {
	if e.PatientFilter == "" {
		return fmt.Sprintf("search: %v", e.Err)
	}
	return fmt.Sprintf("search (patient %s): %v", e.PatientFilter, e.Err)
}

func (e *SearchError) Unwrap() []error { return []error{ErrSearch, e.Err} }

// TimeoutError marks a shard call that exceeded its deadline after retries.
type TimeoutError struct {
	Shard string
	Op    string
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("shard %s: %s timed out: %v", e.Shard, e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() []error { return []error{ErrTimeout, e.Err} }

// AuthError is a crypto tamper/verification failure. Always fatal, never
// retried.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("crypto %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() []error { return []error{ErrAuthentication, e.Err} }

// EmbeddingError reports a failure to obtain a vector from the model server.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() []error { return []error{ErrEmbedding, e.Err} }

// ValidationError wraps a sentinel with field context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// Retryable reports whether an error is safe and worthwhile to retry.
// Authentication and validation failures are permanent; timeouts and generic
// database failures are treated as transient.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrInvalidRecord),
		errors.Is(err, ErrInvalidQuery):
		return false
	default:
		return true
	}
}
