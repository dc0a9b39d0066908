// Package failure defines the error taxonomy the session controller uses to
// choose a terminal transition.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies where a failure originated.
type Kind string

const (
	KindTransport     Kind = "transport"
	KindTranscription Kind = "transcription"
	KindSynthesis     Kind = "synthesis"
	KindReasoning     Kind = "reasoning"
	KindToolExecution Kind = "tool_execution"
)

// Reasons used across the runtime.
const (
	ReasonMaxToolDepth     = "max_tool_depth_exceeded"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonNonRetryable     = "non_retryable"
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonDisconnected     = "disconnected"
	ReasonInvalidArguments = "invalid_arguments"
	ReasonUnknownTool      = "unknown_tool"
	ReasonHandlerFailed    = "handler_failed"
	ReasonTimeout          = "timeout"
	ReasonRateLimited      = "rate_limited"
)

// Error is a classified runtime failure.
type Error struct {
	Kind      Kind
	Op        string
	Reason    string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a non-retryable classified error.
func New(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

// Newf builds a non-retryable classified error from a format string.
func Newf(kind Kind, op, reason, format string, args ...any) *Error {
	return New(kind, op, reason, fmt.Errorf(format, args...))
}

// Retryable builds a retryable classified error.
func Retryable(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Retryable: true, Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// ReasonOf returns the reason of the first classified error in the chain.
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// IsKind reports whether err is classified with kind.
func IsKind(err error, kind Kind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}

// IsCanceled reports whether err is the cancellation path rather than a failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
