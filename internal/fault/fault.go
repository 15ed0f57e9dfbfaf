// Package fault defines the error taxonomy shared by the sync engine.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for presentation and retry decisions.
type Kind int

const (
	// Unknown is the zero Kind; errors outside the taxonomy map here.
	Unknown Kind = iota
	// PolicyViolation means a business rule blocked the action. Not retried.
	PolicyViolation
	// NotFound means a referenced row is missing, usually a race with a
	// concurrent delete.
	NotFound
	// TransientIO means the gateway or network failed mid-operation.
	TransientIO
	// ReconciliationFailure means a multi-step operation partially
	// completed and was reported rather than silently retried.
	ReconciliationFailure
)

func (k Kind) String() string {
	switch k {
	case PolicyViolation:
		return "policy_violation"
	case NotFound:
		return "not_found"
	case TransientIO:
		return "transient_io"
	case ReconciliationFailure:
		return "reconciliation_failure"
	default:
		return "unknown"
	}
}

// Error is a classified failure raised by a public engine operation.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "directory.start_conversation"
	Err  error  // wrapped cause, may be nil
	Msg  string // human-facing explanation, may be empty
}

func (e *Error) Error() string {
	s := e.Op + ": " + e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, or Unknown if it carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
