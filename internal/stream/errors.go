package stream

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures for the caller's retry decision.
type ErrorKind string

const (
	// KindTransient: network failure, timeout, 429 or 5xx. Safe to retry as-is.
	KindTransient ErrorKind = "transient"
	// KindNotFound: the host has no record of the asset. Likely permanent.
	KindNotFound ErrorKind = "not_found"
	// KindValidation: 4xx client error. Not retryable without changing the request.
	KindValidation ErrorKind = "validation"
)

// GatewayError is a failure talking to the stream host.
type GatewayError struct {
	Kind       ErrorKind
	StatusCode int
	Code       int    // remote error code, if the host supplied one
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("stream gateway: %s (%s)", e.Message, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("stream gateway: %v (%s)", e.Err, e.Kind)
	}
	return fmt.Sprintf("stream gateway: status %d (%s)", e.StatusCode, e.Kind)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool { return kindOf(err) == KindTransient }

// IsNotFound reports whether err means the remote asset does not exist.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// IsValidation reports whether err is a non-retryable client error.
func IsValidation(err error) bool { return kindOf(err) == KindValidation }

func kindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

func transientErr(err error) *GatewayError {
	return &GatewayError{Kind: KindTransient, Err: err}
}
