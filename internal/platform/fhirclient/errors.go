package fhirclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// NotFoundError is returned by Read when the upstream has no such resource.
type NotFoundError struct {
	ResourceType string
	ID           string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("fhirclient: %s/%s not found", e.ResourceType, e.ID)
}

// FetchError is a transport or protocol failure talking to the upstream.
// StatusCode is zero when no response was received.
type FetchError struct {
	StatusCode int
	URL        string
	Message    string
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fhirclient: request %s", e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" returned %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Temporary reports whether the failure may succeed on a later attempt.
func (e *FetchError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	default:
		return e.StatusCode >= 500
	}
}

// IsTransient reports whether err is a retryable upstream failure. Context
// cancellation is not transient; it belongs to the caller.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Temporary()
	}
	var ne net.Error
	return errors.As(err, &ne)
}
