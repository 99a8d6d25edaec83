// Package apperr defines the error kinds shared across the indexing and
// chat core, and maps them onto HTTP status codes for the API layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for API responses and propagation policy.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindValidation       Kind = "validation"
	KindModel            Kind = "model_error"
	KindStore            Kind = "store_error"
	KindUpstream         Kind = "upstream_error"
	KindIndex            Kind = "index_error"
	KindBackpressure     Kind = "backpressure"
	KindConflict         Kind = "conflict"
	KindDisabled         Kind = "disabled"
	KindInternal         Kind = "internal"
)

// Error is the concrete error type carried across package boundaries in
// this module. Kind drives both propagation policy and HTTP status.
type Error struct {
	Kind    Kind
	Message string
	Details any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured details to an existing error (used for
// validation field errors).
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err is
// not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the status code spec.md §7 expects.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindBackpressure:
		return http.StatusServiceUnavailable
	case KindDisabled:
		return http.StatusServiceUnavailable
	case KindModel, KindStore, KindUpstream, KindIndex, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// IsNotFound reports whether err is (or wraps) a NotFound error, the pattern
// the teacher used for storage.ErrUnsupportedFileType.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
