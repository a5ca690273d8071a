package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/h5lab/h5serve/internal/hdf5"
	"github.com/h5lab/h5serve/internal/storage"
)

// ErrorKind classifies request failures for HTTP mapping.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindForbidden
	KindBadSelection
	KindUnsupportedType
	KindRangeTooLarge
	KindOutOfRange
	KindCorrupt
	KindStale
	KindUnavailable
	KindBusy
	KindCancelled
)

// StatusClientClosedRequest is the nginx convention for a request the
// client abandoned.
const StatusClientClosedRequest = 499

// Code returns the stable string carried in error response bodies.
func (k ErrorKind) Code() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindBadSelection:
		return "bad_selection"
	case KindUnsupportedType:
		return "unsupported_type"
	case KindRangeTooLarge:
		return "range_too_large"
	case KindOutOfRange:
		return "out_of_range"
	case KindCorrupt:
		return "corrupt_container"
	case KindStale:
		return "stale"
	case KindUnavailable:
		return "unavailable"
	case KindBusy:
		return "busy"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// HTTPStatus returns the response status for the kind.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden, KindBadSelection, KindOutOfRange:
		return http.StatusBadRequest
	case KindUnsupportedType:
		return http.StatusUnprocessableEntity
	case KindRangeTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindStale:
		return http.StatusConflict
	case KindUnavailable, KindBusy:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified request failure. CurrentToken is set on stale
// errors so clients can refresh their freshness hint.
type Error struct {
	Kind         ErrorKind
	Message      string
	CurrentToken string
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// failf builds a classified error with a formatted message.
func failf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// staleError reports a freshness mismatch along with the token a retry
// should use.
func staleError(current string) *Error {
	return &Error{
		Kind:         KindStale,
		Message:      "object changed; retry with the current token",
		CurrentToken: current,
	}
}

// Classify wraps err into an *Error, mapping the sentinels of the
// storage and container layers onto request kinds. A nil err maps to
// nil; an existing *Error passes through.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	kind := KindInternal
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindCancelled
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, hdf5.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, storage.ErrInvalidKey):
		kind = KindForbidden
	case errors.Is(err, storage.ErrStale):
		kind = KindStale
	case errors.Is(err, storage.ErrUnavailable):
		kind = KindUnavailable
	case errors.Is(err, hdf5.ErrUnsupported):
		kind = KindUnsupportedType
	case errors.Is(err, hdf5.ErrInvalidFile), errors.Is(err, hdf5.ErrCorrupted):
		kind = KindCorrupt
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}
