package client

import (
	"errors"
	"fmt"
)

// Kind classifies a failed call for the caller's retry decision.
type Kind string

const (
	// KindValidation means the service rejected the request. Never retried.
	KindValidation Kind = "ValidationError"
	// KindUnavailable means the retry budget was exhausted on transient failures.
	KindUnavailable Kind = "Unavailable"
	// KindCircuitOpen means the call was refused without touching the network.
	KindCircuitOpen Kind = "CircuitOpen"
)

// Error is returned by every failed Call.
type Error struct {
	Service  string
	Kind     Kind
	Status   int // last HTTP status, 0 if none
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Service, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind of err, or "" if err is not a client error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// statusError carries a non-2xx response through the retry loop.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}
