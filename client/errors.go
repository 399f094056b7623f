package client

import (
	"errors"
	"fmt"

	"github.com/qastudio-dev/qastudio-reporter/types"
)

// TransportError is a network level failure of a single request attempt,
// including per-attempt timeouts.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s %s: %v", e.Method, e.URL, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is the final error of an API operation, returned after the retry
// budget is exhausted or on the first non-retryable failure.
type APIError struct {
	StatusCode int    // HTTP status, 0 if no response was received
	Endpoint   string // request path
	Attempts   int
	Message    string
	Retryable  bool // whether the last failure was of a retryable kind
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s API Error %d on %s after %d attempt(s): %s",
			types.MessagePrefix, e.StatusCode, e.Endpoint, e.Attempts, e.Message)
	}
	return fmt.Sprintf("%s API request to %s failed after %d attempt(s): %s",
		types.MessagePrefix, e.Endpoint, e.Attempts, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *APIError) Unwrap() error {
	return e.Err
}

// IsAPIError checks if the error is or wraps an APIError
func IsAPIError(err error) bool {
	var apiErr *APIError
	return err != nil && errors.As(err, &apiErr)
}

// IsTransportError checks if the error is or wraps a TransportError
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return err != nil && errors.As(err, &transportErr)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
