// Package fault defines the failure taxonomy for render pipeline errors and
// the classifier that decides whether a failure is worth retrying.
//
// The classifier is the single authority on retry decisions: the pipeline
// runner hands every stage error to Recoverable and acts on the answer.
// No other component re-implements this logic.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind categorizes a pipeline failure for retry classification.
type Kind int

const (
	// KindUnknown is an unclassified failure. Treated as recoverable:
	// retrying a permanent failure costs time, but failing a transient
	// error loses the work entirely.
	KindUnknown Kind = iota

	// KindValidation indicates a malformed or rejected payload. Non-recoverable.
	KindValidation

	// KindAuthorization indicates the caller lacks permission. Non-recoverable.
	KindAuthorization

	// KindNotFound indicates a missing upstream resource. Non-recoverable.
	KindNotFound

	// KindNoProcessor indicates the job type has no registered pipeline.
	// Non-recoverable; this is a configuration bug and should alert operators.
	KindNoProcessor

	// KindTransient indicates a network, 5xx, or provider failure. Recoverable.
	KindTransient

	// KindTimeout indicates the pipeline exceeded its deadline. Recoverable.
	KindTimeout
)

// String returns the kind name as used in logs and stored error text.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindNoProcessor:
		return "no_processor"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline failure. It carries the Kind used for retry
// decisions and optionally the stage that produced it.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: stage %q: %v", e.Kind, e.Stage, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a classification kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithStage returns a copy of the error annotated with the stage name.
func (e *Error) WithStage(stage string) *Error {
	return &Error{Kind: e.Kind, Stage: stage, Err: e.Err}
}

// Validation creates a non-recoverable validation error.
func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// Authorization creates a non-recoverable authorization error.
func Authorization(format string, args ...any) *Error {
	return Newf(KindAuthorization, format, args...)
}

// NotFound creates a non-recoverable missing-resource error.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// Transient creates a recoverable provider/network error.
func Transient(format string, args ...any) *Error {
	return Newf(KindTransient, format, args...)
}

// Timeout creates a recoverable deadline error.
func Timeout(format string, args ...any) *Error {
	return Newf(KindTimeout, format, args...)
}

// NoProcessor creates a non-recoverable configuration error for an
// unregistered job type.
func NoProcessor(jobType string) *Error {
	return Newf(KindNoProcessor, "no pipeline registered for job type %q", jobType)
}

// ClassifyKind determines the failure kind of an arbitrary error.
//
// Typed *Error values report their own kind. Context deadline errors map to
// KindTimeout and net.Error values to KindTransient. For untyped errors the
// message is sniffed for validation/permission/not-found markers; anything
// else is KindUnknown.
func ClassifyKind(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "validation"), strings.Contains(msg, "invalid"):
		return KindValidation
	case strings.Contains(msg, "permission"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"):
		return KindAuthorization
	case strings.Contains(msg, "not found"):
		return KindNotFound
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return KindTimeout
	}

	return KindUnknown
}

// Recoverable reports whether a failed attempt should be retried.
// Unknown failures are recoverable by default.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}

	switch ClassifyKind(err) {
	case KindValidation, KindAuthorization, KindNotFound, KindNoProcessor:
		return false
	default:
		return true
	}
}
