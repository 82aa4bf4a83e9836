package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrGraphUnavailable, true},
		{fmt.Errorf("graphstore: fetch: %w", ErrGraphUnavailable), true},
		{ErrGeneratorTimeout, true},
		{ErrGeneratorUnavailable, true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{ErrInvalidQuery, false},
		{ErrConflict, false},
	}
	for _, c := range cases {
		if got := IsRetryable(c.err); got != c.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestPipelineErrorUnwrap(t *testing.T) {
	err := error(&PipelineError{QueryID: "q", Stage: "generating", Attempts: 3, Err: ErrGeneratorTimeout})
	if !errors.Is(err, ErrPipelineFailed) {
		t.Error("expected ErrPipelineFailed")
	}
	if !errors.Is(err, ErrGeneratorTimeout) {
		t.Error("expected cause to unwrap")
	}
	var pe *PipelineError
	if !errors.As(err, &pe) || pe.Stage != "generating" {
		t.Errorf("errors.As failed: %v", err)
	}
}

func TestInvalidQuery(t *testing.T) {
	err := InvalidQuery("query is empty")
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatal("expected ErrInvalidQuery")
	}
	if err.Error() != "invalid query: query is empty" {
		t.Errorf("message = %q", err.Error())
	}
}
