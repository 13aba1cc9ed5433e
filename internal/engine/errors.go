// Package engine drives acquisition work items: the periodic scheduling job,
// the ReadyToAcquire executor, and ingestion of acquisition requests.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/acquisition/internal/platform/fhirclient"
)

// DeadLetterError marks input that cannot succeed on redelivery.
type DeadLetterError struct {
	Reason string
}

func (e *DeadLetterError) Error() string { return e.Reason }

// DeadLetter routes the message to its dead-letter topic.
func (e *DeadLetterError) DeadLetter() bool { return true }

func deadLetter(format string, args ...any) error {
	return &DeadLetterError{Reason: fmt.Sprintf(format, args...)}
}

// TransientError marks a failure worth redelivering.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

func transient(err error) error {
	return &TransientError{Err: err}
}

// isTransient reports whether err should count against the retry budget.
// Cancellation is never transient: it is propagated instead.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te) || fhirclient.IsTransient(err)
}
