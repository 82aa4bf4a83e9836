// Package apperr defines the error taxonomy shared by the retrieval pipeline.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrPartialNotFound = errors.New("partially not found")
	ErrConflict        = errors.New("conflict")

	ErrInvalidQuery    = errors.New("invalid query")
	ErrInvalidMutation = errors.New("invalid mutation")

	ErrGraphUnavailable     = errors.New("graph unavailable")
	ErrGeneratorUnavailable = errors.New("generator unavailable")
	ErrGeneratorTimeout     = errors.New("generator timeout")

	ErrPipelineFailed     = errors.New("pipeline failed")
	ErrVerificationFailed = errors.New("verification failed")
)

// IsRetryable reports whether err is a transient transport failure that a
// stage may retry locally.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrGraphUnavailable),
		errors.Is(err, ErrGeneratorUnavailable),
		errors.Is(err, ErrGeneratorTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// PipelineError is the single structured failure returned when a query
// exhausts its retry budget.
type PipelineError struct {
	QueryID  string
	Stage    string
	Attempts int
	Err      error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed at %s after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
}

func (e *PipelineError) Unwrap() []error {
	return []error{ErrPipelineFailed, e.Err}
}

// InvalidQuery wraps a validation message as ErrInvalidQuery.
func InvalidQuery(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}
