package verification

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies failures along the request pipeline.
type Kind uint8

// Failure kinds. Values are stable; add sparingly.
const (
	KindUnknown Kind = iota
	// KindUnsupportedContentType: request fields could not be read because of the body encoding.
	KindUnsupportedContentType
	// KindMissingFields: assertion or audience absent.
	KindMissingFields
	// KindVerificationFailure: the worker rejected the assertion.
	KindVerificationFailure
	// KindNoWorkerResponse: the pool returned nothing for a job.
	KindNoWorkerResponse
	// KindPoolFatal: a worker crashed or violated the protocol.
	KindPoolFatal
	// KindBodyTooLarge: body over the admission limit.
	KindBodyTooLarge
	// KindOverloaded: request shed by admission control.
	KindOverloaded
)

// HTTPStatus maps a Kind onto the status returned to the caller.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnsupportedContentType:
		return http.StatusUnsupportedMediaType
	case KindMissingFields:
		return http.StatusBadRequest
	case KindVerificationFailure, KindNoWorkerResponse:
		return http.StatusOK
	case KindBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Accepted request media types, in the order they are reported to callers.
const (
	MediaTypeForm = "application/x-www-form-urlencoded"
	MediaTypeJSON = "application/json"
)

// AcceptedMediaTypes lists the media types the verify endpoint can read.
var AcceptedMediaTypes = []string{MediaTypeForm, MediaTypeJSON}

// ReasonMissingFields is returned when assertion or audience is absent.
const ReasonMissingFields = "need assertion and audience"

// Error is a classified pipeline failure. Reason is caller facing.
type Error struct {
	Kind   Kind
	Reason string
	cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.cause)
	}
	return e.Reason
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status for the error.
func (e *Error) Status() int { return e.Kind.HTTPStatus() }

// NewError builds a classified error.
func NewError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// WrapError builds a classified error around cause.
func WrapError(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, cause: cause}
}

// ErrMissingFields is the sentinel for requests lacking assertion or audience.
var ErrMissingFields = NewError(KindMissingFields, ReasonMissingFields)

// UnsupportedContentType builds the 415 error for the raw header value.
func UnsupportedContentType(header string) *Error {
	if header == "" {
		header = "none"
	}
	return NewError(KindUnsupportedContentType, fmt.Sprintf(
		"Unsupported Content-Type: %s. Content-Type expected to be one of: %s",
		header,
		strings.Join(AcceptedMediaTypes, ", "),
	))
}

// KindOf returns the Kind of err, or KindUnknown when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AsError extracts a classified error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
