package backend

import (
	"errors"
	"fmt"
)

// Kind classifies an adapter failure. The dispatch engine maps each kind to
// a wire error code and echoes it in the error payload so clients can branch
// on it without parsing messages.
type Kind string

const (
	// KindProtocol marks malformed or unresolvable requests: unknown
	// operations, missing or invalid arguments. Raised before any backend
	// call.
	KindProtocol Kind = "protocol"
	// KindConflict marks requests that lost to existing state, such as
	// creating a resource that already exists.
	KindConflict Kind = "conflict"
	// KindNotFound marks references to resources that do not exist.
	KindNotFound Kind = "not_found"
	// KindTimeout marks calls that exceeded their deadline.
	KindTimeout Kind = "timeout"
	// KindTransient marks retryable backend failures (throttling, brief
	// unavailability).
	KindTransient Kind = "transient"
)

// Error is a classified adapter failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error for op.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying backend error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: string(kind), Err: err}
}

// KindOf reports the classification of err, if it carries one.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
