// Package kerr implements the kernel's error taxonomy (spec §7): a small
// fixed set of kinds, each carrying a structured payload rather than a
// free-form message, so control-plane callers can switch on kind instead of
// parsing strings.
package kerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the taxonomy buckets from spec §7.
type Kind int

const (
	NotFound Kind = iota
	Conflict
	Protocol
	StreamRead
	StreamWrite
	RetryableNetwork
	FatalNetwork
	Abort
	InvariantViolation
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case Protocol:
		return "Protocol"
	case StreamRead:
		return "StreamRead"
	case StreamWrite:
		return "StreamWrite"
	case RetryableNetwork:
		return "RetryableNetwork"
	case FatalNetwork:
		return "FatalNetwork"
	case Abort:
		return "Abort"
	case InvariantViolation:
		return "InvariantViolation"
	default:
		return "Unknown"
	}
}

// KernelError is the concrete error type every taxonomy kind produces. Data
// is a structured payload (ids, counts, …) never interpolated into a string
// the caller would have to parse.
type KernelError struct {
	Kind  Kind
	Msg   string
	Data  map[string]any
	cause error
}

func (e *KernelError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *KernelError) Unwrap() error { return e.cause }

func (e *KernelError) Cause() error { return e.cause }

// New builds a KernelError of the given kind, wrapped with a stack via
// github.com/pkg/errors so crank-abort logging can print a trace without the
// taxonomy kind itself carrying one.
func New(kind Kind, msg string, data map[string]any) error {
	return errors.WithStack(&KernelError{Kind: kind, Msg: msg, Data: data})
}

// Wrap attaches kind/data to an existing error, preserving it as the cause.
func Wrap(cause error, kind Kind, msg string, data map[string]any) error {
	return errors.WithStack(&KernelError{Kind: kind, Msg: msg, Data: data, cause: cause})
}

// Is reports whether err (or any error in its chain) carries the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var ke *KernelError
		if !errors.As(err, &ke) {
			return false
		}
		if ke.Kind == kind {
			return true
		}
		err = ke.cause
	}
	return false
}

// As extracts the *KernelError in err's chain, if any.
func As(err error) (*KernelError, bool) {
	var ke *KernelError
	ok := errors.As(err, &ke)
	return ke, ok
}

func NotFoundf(format string, args ...any) error {
	return New(NotFound, fmt.Sprintf(format, args...), nil)
}

func Conflictf(format string, args ...any) error {
	return New(Conflict, fmt.Sprintf(format, args...), nil)
}

func Protocolf(format string, args ...any) error {
	return New(Protocol, fmt.Sprintf(format, args...), nil)
}

func Invariantf(format string, args ...any) error {
	return New(InvariantViolation, fmt.Sprintf(format, args...), nil)
}
