package accel

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is a library return code
type Status int

const (
	StatusSuccess Status = iota
	StatusNotInitialized
	StatusAllocFailed
	StatusBadParam
	StatusNotSupported
	StatusExecutionFailed
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNotInitialized:
		return "NOT_INITIALIZED"
	case StatusAllocFailed:
		return "ALLOC_FAILED"
	case StatusBadParam:
		return "BAD_PARAM"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusExecutionFailed:
		return "EXECUTION_FAILED"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("STATUS_%d", int(s))
	}
}

// Error is a failed library call
type Error struct {
	Op     string
	Status Status
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// Check converts a status into an error; success is nil
func Check(op string, status Status) error {
	if status == StatusSuccess {
		return nil
	}
	return &Error{Op: op, Status: status}
}

// Errorf builds a library error with a formatted detail
func Errorf(op string, status Status, format string, args ...interface{}) error {
	return &Error{Op: op, Status: status, Detail: fmt.Sprintf(format, args...)}
}

// StatusOf extracts the status from an error chain. Non-library errors report
// StatusInternalError; nil reports StatusSuccess.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusInternalError
}
