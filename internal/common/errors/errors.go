// Package errors provides the structured error envelope shared by the
// controller and worker. Every user-visible failure carries a Kind plus
// optional structured details so API clients can react without parsing
// message strings.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The zero value is not a valid kind.
type Kind string

const (
	KindValidation            Kind = "VALIDATION"
	KindAuth                  Kind = "AUTH"
	KindQuota                 Kind = "QUOTA"
	KindPoolExhausted         Kind = "POOL_EXHAUSTED"
	KindProvisioningFailed    Kind = "PROVISIONING_FAILED"
	KindSnapshotMissing       Kind = "SNAPSHOT_MISSING"
	KindSnapshotRestoreFailed Kind = "SNAPSHOT_RESTORE_FAILED"
	KindStartFailed           Kind = "START_FAILED"
	KindGitFailure            Kind = "GIT_FAILURE"
	KindAutomationFailure     Kind = "AUTOMATION_FAILURE"
	KindAssistantFailure      Kind = "ASSISTANT_FAILURE"
	KindAgentNotReady         Kind = "AGENT_NOT_READY"
	KindCancelled             Kind = "CANCELLED"
	KindNotFound              Kind = "NOT_FOUND"
	KindInternal              Kind = "INTERNAL"
)

// Error is the application error envelope.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil if err is nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails attaches structured details to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Validation creates a VALIDATION error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Auth creates an AUTH error.
func Auth(message string) *Error {
	return New(KindAuth, message)
}

// NotFound creates a NOT_FOUND error for a resource.
func NotFound(resource, id string) *Error {
	return Newf(KindNotFound, "%s with id '%s' not found", resource, id)
}

// Internal creates an INTERNAL error wrapping the underlying cause.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// Quota creates a QUOTA error with the structured limit payload the UI
// needs to explain which limit was hit.
func Quota(limitType, resourceType string, current, max int, monthly bool) *Error {
	return &Error{
		Kind:    KindQuota,
		Message: fmt.Sprintf("%s quota exceeded: %d/%d %ss", limitType, current, max, resourceType),
		Details: map[string]any{
			"limitType":      limitType,
			"current":        current,
			"max":            max,
			"resourceType":   resourceType,
			"isMonthlyLimit": monthly,
		},
	}
}

// PoolExhausted creates a POOL_EXHAUSTED error carrying the pool occupancy.
func PoolExhausted(current, max int) *Error {
	return &Error{
		Kind:    KindPoolExhausted,
		Message: "no machine available",
		Details: map[string]any{
			"currentMachines": current,
			"maxMachines":     max,
		},
	}
}

// GitFailure creates a GIT_FAILURE error with stderr attached.
func GitFailure(op, stderr string, err error) *Error {
	e := &Error{
		Kind:    KindGitFailure,
		Message: fmt.Sprintf("git %s failed", op),
		Err:     err,
	}
	if stderr != "" {
		e.Details = map[string]any{"stderr": stderr}
	}
	return e
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Returns KindInternal for non-application errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError extracts the *Error from err, or wraps it as INTERNAL.
func AsError(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("unexpected error", err)
}

// HTTPStatus maps an error kind to the HTTP status the API layer replies with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindQuota:
		return http.StatusTooManyRequests
	case KindPoolExhausted:
		return http.StatusServiceUnavailable
	case KindAgentNotReady, KindCancelled:
		return http.StatusConflict
	case KindProvisioningFailed, KindSnapshotMissing, KindSnapshotRestoreFailed,
		KindStartFailed, KindGitFailure, KindAutomationFailure, KindAssistantFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
