package operation

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind string

const (
	// KindNoRemoteStore means source determination found no client that ever
	// uploaded a whole store for the document.
	KindNoRemoteStore Kind = "NoRemoteStore"

	// KindTransport means a transport adapter call failed. The adapter error is
	// kept as the cause.
	KindTransport Kind = "TransportError"

	// KindInvalidState means the operation was misused, e.g. started twice.
	KindInvalidState Kind = "InvalidState"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrNoRemoteStore = &Error{Kind: KindNoRemoteStore, Message: "no remote store"}
	ErrTransport     = &Error{Kind: KindTransport, Message: "transport error"}
	ErrInvalidState  = &Error{Kind: KindInvalidState, Message: "invalid state"}

	// ErrCancelled is returned by Wait for an operation that ended Cancelled.
	// Cancellation is not a failure, so it is not an *Error.
	ErrCancelled = errors.New("operation cancelled")
)

// Error is the structured failure attached to a Failed operation.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func NoRemoteStore(format string, args ...any) *Error {
	return &Error{Kind: KindNoRemoteStore, Message: fmt.Sprintf(format, args...)}
}

func Transport(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindTransport, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// asError converts a step result into an *Error. Anything that is not already
// an *Error came from the transport.
func asError(step string, err error) *Error {
	var opErr *Error
	if errors.As(err, &opErr) {
		return opErr
	}
	return Transport(err, "step %s", step)
}
