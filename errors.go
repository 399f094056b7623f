package reporter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/qastudio-dev/qastudio-reporter/types"
)

var (
	// ErrNotStarted is returned when outcomes are recorded before StartRun.
	ErrNotStarted = errors.New(types.MessagePrefix + " test run has not been started")
	// ErrAlreadyStarted is returned by a second StartRun.
	ErrAlreadyStarted = errors.New(types.MessagePrefix + " test run has already been started")
	// ErrRunFinished is returned once FinishRun has been called.
	ErrRunFinished = errors.New(types.MessagePrefix + " test run has already finished")
)

// ReportingError is a backend failure surfaced because silent mode is off.
type ReportingError struct {
	Op  string
	Err error
}

func (e *ReportingError) Error() string {
	msg := strings.TrimPrefix(e.Err.Error(), types.MessagePrefix+" ")
	return fmt.Sprintf("%s failed to %s: %s", types.MessagePrefix, e.Op, msg)
}

// Unwrap implements the errors.Unwrap interface
func (e *ReportingError) Unwrap() error {
	return e.Err
}

// IsReportingError checks if the error is or wraps a ReportingError
func IsReportingError(err error) bool {
	var reportingErr *ReportingError
	return err != nil && errors.As(err, &reportingErr)
}

// RuntimeError represents an operational error that should lead to exit code 2
// Examples include configuration errors and non-silent reporting failures.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError reports that the observed test run had failures (exit code 1)
type TestFailureError struct {
	Failed int
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %d test(s) failed", e.Failed)
}

// NewTestFailureError creates a new TestFailureError
func NewTestFailureError(failed int) *TestFailureError {
	return &TestFailureError{Failed: failed}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}
