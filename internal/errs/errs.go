// Package errs defines the structured error kinds shared across cass's
// components, so the orchestrator and CLI can categorize failures without
// parsing error strings.
package errs

import "fmt"

// Kind tags an error with the error-handling category from the engine
// design: transient I/O, malformed input, derived-index corruption,
// source-catalog corruption, policy refusal, or resource exhaustion.
type Kind string

const (
	Transient         Kind = "transient"
	Malformed         Kind = "malformed"
	DerivedCorruption Kind = "derived_corruption"
	SourceCorruption  Kind = "source_corruption"
	PolicyRefusal     Kind = "policy_refusal"
	ResourceExhausted Kind = "resource_exhausted"
)

// Error wraps an underlying cause with a stable Kind and a human reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error with a reason and no wrapped cause.
func New(kind Kind, reason string) error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap tags err with kind and a human reason, preserving it for errors.Is/As.
func Wrap(kind Kind, reason string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ExitCode maps a Kind to the operator-surface exit code contract (§6.4):
// 0 success, 2 user error, 3 transient, 4 data corruption requiring reindex.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case Is(err, Transient):
		return 3
	case Is(err, SourceCorruption), Is(err, DerivedCorruption):
		return 4
	case Is(err, Malformed), Is(err, PolicyRefusal):
		return 2
	default:
		return 1
	}
}
