package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies generator failures.
type ErrorKind string

const (
	ErrorInvalidInput ErrorKind = "invalid_input"
	ErrorPrecondition ErrorKind = "precondition"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrPrecondition = errors.New("precondition failed")
)

// Error is a typed generator failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is lets errors.Is match the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case ErrorInvalidInput:
		return target == ErrInvalidInput
	case ErrorPrecondition:
		return target == ErrPrecondition
	}
	return false
}

// Status is the outcome of a generator operation.
type Status int

const (
	StatusOK Status = iota
	StatusSkipped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSkipped:
		return "skipped"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Result is returned by every generator operation: an event, a skip with
// a reason, or a typed error.
type Result struct {
	Status Status
	Event  Event
	Reason string
	Err    *Error
}

// Ok wraps a generated event.
func Ok(ev Event) Result {
	return Result{Status: StatusOK, Event: ev}
}

// Skipped reports an intentional non-event, e.g. a filtered URL.
func Skipped(reason string) Result {
	return Result{Status: StatusSkipped, Reason: reason}
}

// Failed reports a typed failure.
func Failed(kind ErrorKind, format string, args ...any) Result {
	return Result{Status: StatusError, Err: &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

func (r Result) OK() bool { return r.Status == StatusOK }

// AsError returns the failure as an error value, or nil.
func (r Result) AsError() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}
