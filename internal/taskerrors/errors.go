// Package taskerrors defines the typed error kinds used across the store,
// dispatcher, worker, and API layers so that HTTP handlers can map failures
// to status codes without inspecting error strings.
package taskerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP status mapping and logging.
type Kind int

const (
	// KindValidation marks user-supplied input that failed validation.
	KindValidation Kind = iota
	// KindNotFound marks an absent task, story, or result.
	KindNotFound
	// KindPreconditionFailed marks an operation attempted from the wrong state.
	KindPreconditionFailed
	// KindStore marks a backing-store failure (unreachable, timeout).
	KindStore
	// KindEngine marks an STT/MT engine failure.
	KindEngine
	// KindResourcePressure marks a worker refusing claims under load.
	KindResourcePressure
	// KindCorruption marks a malformed stored record.
	KindCorruption
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindStore:
		return "store_error"
	case KindEngine:
		return "engine_error"
	case KindResourcePressure:
		return "resource_pressure"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// TaskError is the typed error carried through the store/dispatcher/worker
// stack. Callers should use errors.As to recover the Kind.
type TaskError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error { return e.Err }

// New constructs a TaskError of the given kind with no wrapped cause.
func New(kind Kind, message string) *TaskError {
	return &TaskError{Kind: kind, Message: message}
}

// Wrap constructs a TaskError of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *TaskError {
	return &TaskError{Kind: kind, Message: message, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// Convenience constructors mirroring spec.md's §7 error kinds.

func Validation(format string, args ...any) *TaskError {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *TaskError {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func PreconditionFailed(format string, args ...any) *TaskError {
	return New(KindPreconditionFailed, fmt.Sprintf(format, args...))
}

func Store(err error, format string, args ...any) *TaskError {
	return Wrap(KindStore, fmt.Sprintf(format, args...), err)
}

func Engine(err error, format string, args ...any) *TaskError {
	return Wrap(KindEngine, fmt.Sprintf(format, args...), err)
}

func ResourcePressure(format string, args ...any) *TaskError {
	return New(KindResourcePressure, fmt.Sprintf(format, args...))
}

func Corruption(err error, format string, args ...any) *TaskError {
	return Wrap(KindCorruption, fmt.Sprintf(format, args...), err)
}
