package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors that cross component boundaries. The pipeline,
// the reliability substrate and the API surface all branch on the kind, never
// on error strings.
type ErrorKind string

const (
	KindInvalidInput     ErrorKind = "InvalidInput"
	KindExtractionFailed ErrorKind = "ExtractionFailed"
	KindTimeout          ErrorKind = "Timeout"
	KindCircuitOpen      ErrorKind = "CircuitOpen"
	KindGraphWriteFailed ErrorKind = "GraphWriteFailed"
	KindIntegrityFailed  ErrorKind = "IntegrityFailed"
	KindCancelled        ErrorKind = "Cancelled"
	KindInterrupted      ErrorKind = "Interrupted"
	KindLocalQueueFull   ErrorKind = "LocalQueueFull"
	KindBusyRetryLater   ErrorKind = "BusyRetryLater"
	KindPermissionDenied ErrorKind = "PermissionDenied"
	KindInternal         ErrorKind = "Internal"
)

// Error carries a kind plus an operator-facing message and an optional
// wrapped cause. The user-facing message is sanitized at the API boundary;
// the cause never leaves the process.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a typed error with no cause.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a typed error wrapping a cause.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Kind extracts the ErrorKind from err, walking the wrap chain. Untyped
// errors report KindInternal.
func Kind(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the outermost *Error in err's chain has the given
// kind. Kinds of *Error values wrapped beneath it are not consulted.
func IsKind(err error, kind ErrorKind) bool {
	return Kind(err) == kind
}

// IsTransient reports whether err should be retried rather than surfaced.
// Connection-level failures, timeouts and open circuits are transient;
// structural errors (bad input, failed extraction, integrity violations) are
// not. The DLQ classifier and the stage retry loop both use this.
func IsTransient(err error) bool {
	switch Kind(err) {
	case KindTimeout, KindCircuitOpen, KindGraphWriteFailed, KindBusyRetryLater, KindLocalQueueFull:
		return true
	}
	return false
}

// UserMessage returns the single sanitized message the API may expose for a
// terminal error. Internal detail (paths, addresses, driver errors) stays in
// the cause chain and is never included.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindInvalidInput:
			return "the uploaded file was rejected: " + e.Message
		case KindExtractionFailed:
			return "the document could not be processed"
		case KindTimeout:
			return "processing timed out"
		case KindIntegrityFailed:
			return "processing failed verification and was rolled back"
		case KindCancelled:
			return "processing was cancelled"
		case KindInterrupted:
			return "processing was interrupted by a service restart"
		case KindBusyRetryLater:
			return "the service is busy, retry later"
		case KindPermissionDenied:
			return "permission denied"
		}
	}
	return "an internal error occurred"
}
