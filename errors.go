// Package guv provides the sentinel errors and error types used throughout
// the hub/task runtime, with cause-chain support via errors.Unwrap.
package guv

import (
	"errors"
	"fmt"
)

var (
	// ErrHubAlreadyRunning is returned when Run is called on a hub that is already running.
	ErrHubAlreadyRunning = errors.New("guv: hub is already running")

	// ErrHubTerminated is returned when operations are attempted on a terminated hub.
	ErrHubTerminated = errors.New("guv: hub has been terminated")

	// ErrHubNotRunning describes an operation on a hub that hasn't been started.
	// No function in this package returns it.
	ErrHubNotRunning = errors.New("guv: hub is not running")

	// ErrHubOverloaded describes the external queue exceeding the tick budget.
	// The hub does not return it: an overload is only logged (see reportOverload).
	ErrHubOverloaded = errors.New("guv: hub is overloaded")

	// ErrReentrantSwitch is returned when Run is called from within the hub's own thread.
	ErrReentrantSwitch = errors.New("guv: cannot call Run from within the hub thread")

	// ErrTaskExit is the sentinel used to unwind a task's goroutine cleanly, analogous
	// to greenlet's GreenletExit. It is never surfaced to Wait callers as a real failure;
	// a task killed with ErrTaskExit reports no error.
	ErrTaskExit = errors.New("guv: task exit")

	// ErrTaskNotRunning is the value Sleep/Gyield/Trampoline/NewTimeout panic with
	// when called outside a task, and is wrapped by KillAll for each task that had
	// already finished.
	ErrTaskNotRunning = errors.New("guv: task is not running")
)

// DuplicateListenerError reports an attempt to register a second listener for
// the same (fd, direction) pair before the first was removed.
type DuplicateListenerError struct {
	FD  int
	Dir Direction
}

func (e *DuplicateListenerError) Error() string {
	return fmt.Sprintf("guv: duplicate listener for fd %d direction %s", e.FD, e.Dir)
}

// PanicError wraps a value recovered from a panic inside a task or callback.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("guv: panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] for error matching
// through the cause chain.
//
// If the panic Value is not an error (e.g., a string or other type),
// returns nil.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// AggregateError collects multiple errors, as returned by [KillAll] when
// some of the tasks it was asked to kill had already finished.
type AggregateError struct {
	Errors  []error
	Message string
}

func (e *AggregateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("guv: %d errors occurred", len(e.Errors))
}

// AggregateErrorCause returns the first error in the Errors slice, or nil
// if Errors is empty.
func (e *AggregateError) AggregateErrorCause() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Unwrap returns the errors slice for multi-error unwrapping (Go 1.20+).
// This enables [errors.Is] and [errors.As] to check against all errors
// in the aggregate.
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// Is implements custom error matching for AggregateError.
// Returns true if target is an AggregateError (regardless of contents)
// or if any of the contained errors match target.
func (e *AggregateError) Is(target error) bool {
	var aggTarget *AggregateError
	if errors.As(target, &aggTarget) {
		return true
	}
	for _, err := range e.Errors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// TimeoutError is the exception injected into a task when a Timeout scope
// or a trampoline deadline expires. It satisfies errors.Is against itself so
// callers can distinguish a timeout from other injected errors.
type TimeoutError struct {
	Cause   error
	Message string
}

func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "operation timed out"
	}
	return e.Message
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
