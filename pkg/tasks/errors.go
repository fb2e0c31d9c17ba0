package tasks

import (
	"errors"
	"fmt"
)

// Code classifies why a task failed.
type Code int

const (
	CodeUnknown Code = iota
	CodeTransient
	CodeSourceUnavailable
	CodeTargetUnavailable
	CodeNoSpace
	CodeFileCorrupted
	CodeFileNotFound
	CodeNoCandidates
	CodeCanceled
	CodePermanent
)

func (c Code) String() string {
	switch c {
	case CodeTransient:
		return "transient"
	case CodeSourceUnavailable:
		return "source-unavailable"
	case CodeTargetUnavailable:
		return "target-unavailable"
	case CodeNoSpace:
		return "no-space"
	case CodeFileCorrupted:
		return "file-corrupted"
	case CodeFileNotFound:
		return "file-not-found"
	case CodeNoCandidates:
		return "no-candidates"
	case CodeCanceled:
		return "canceled"
	case CodePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is the typed failure a task reports on completion.
type Error struct {
	Code Code
	Pool string
	Err  error
}

func NewError(code Code, pool string, err error) *Error {
	return &Error{Code: code, Pool: pool, Err: err}
}

func (e *Error) Error() string {
	if e.Pool != "" {
		return fmt.Sprintf("%s on pool %s: %v", e.Code, e.Pool, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the task error code; errors that are not *Error yield
// CodeUnknown.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeUnknown
}
