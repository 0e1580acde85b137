package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers of the engines.
type Kind string

const (
	// KindInvalidInput marks a malformed request rejected before any write.
	KindInvalidInput Kind = "INVALID_INPUT"
	// KindNotFound marks a missing record whose existence is a precondition.
	KindNotFound Kind = "NOT_FOUND"
	// KindInvalidReference marks a missing neighbor supplied as a reorder hint.
	KindInvalidReference Kind = "INVALID_REFERENCE"
	// KindInvalidMessageID marks a vote referencing an unknown or non-votable message.
	KindInvalidMessageID Kind = "INVALID_MESSAGE_ID"
	// KindPartialFailure marks a multi-item request where only some items succeeded.
	KindPartialFailure Kind = "PARTIAL_FAILURE"
	// KindInternal marks storage or transaction failures not caused by the caller.
	KindInternal Kind = "INTERNAL_ERROR"
)

const internalMessage = "internal error"

// Error is the caller-visible error shared by the catalog, votes and analytics services.
type Error struct {
	kind    Kind
	code    string
	message string
	err     error
}

// New builds an Error with code "<operation>.<reason>".
// The message must be safe to return to callers; the cause never is.
func New(kind Kind, operation, reason, message string, cause error) error {
	return &Error{
		kind:    kind,
		code:    fmt.Sprintf("%s.%s", operation, reason),
		message: message,
		err:     cause,
	}
}

// Internal wraps a storage failure without exposing its text.
func Internal(operation, reason string, cause error) error {
	return New(KindInternal, operation, reason, internalMessage, cause)
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
	return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the taxonomy bucket.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code returns the "<operation>.<reason>" identifier.
func (e *Error) Code() string {
	return e.code
}

// Message returns the caller-safe description.
func (e *Error) Message() string {
	if e.kind == KindInternal {
		return internalMessage
	}
	return e.message
}

// KindOf classifies err; anything that is not an *Error is internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in the chain, or an empty string.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.code
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
