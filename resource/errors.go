package resource

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a store failure. Each kind maps onto one HTTP status.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindBadRequest
	KindForbidden
	KindNotFound
	KindMethodNotAllowed
	KindConflict
	KindPreconditionFailed
	KindUnsupportedMediaType
	KindInternalServerError
	KindNotImplemented
)

var kindNames = [...]string{
	KindUnknown:              "unknown",
	KindBadRequest:           "bad_request",
	KindForbidden:            "forbidden",
	KindNotFound:             "not_found",
	KindMethodNotAllowed:     "method_not_allowed",
	KindConflict:             "conflict",
	KindPreconditionFailed:   "precondition_failed",
	KindUnsupportedMediaType: "unsupported_media_type",
	KindInternalServerError:  "internal_server_error",
	KindNotImplemented:       "not_implemented",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// HTTPStatus returns the status code an HTTP adapter should report.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case KindNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Failure captures transport-neutral error details that adapters can map to
// HTTP status codes.
type Failure struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (f Failure) Error() string {
	switch {
	case f.Detail != "" && f.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Detail, f.Cause)
	case f.Detail != "":
		return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
	case f.Cause != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Cause)
	}
	return f.Kind.String()
}

func (f Failure) Unwrap() error { return f.Cause }

// HTTPStatus is a shorthand for f.Kind.HTTPStatus().
func (f Failure) HTTPStatus() int { return f.Kind.HTTPStatus() }

// WithCause returns a copy of f carrying cause.
func (f Failure) WithCause(cause error) Failure {
	f.Cause = cause
	return f
}

func newFailure(kind Kind, format string, args []any) Failure {
	if len(args) == 0 {
		return Failure{Kind: kind, Detail: format}
	}
	return Failure{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) Failure {
	return newFailure(KindBadRequest, format, args)
}

func Forbidden(format string, args ...any) Failure {
	return newFailure(KindForbidden, format, args)
}

func NotFound(format string, args ...any) Failure {
	return newFailure(KindNotFound, format, args)
}

func MethodNotAllowed(format string, args ...any) Failure {
	return newFailure(KindMethodNotAllowed, format, args)
}

func Conflict(format string, args ...any) Failure {
	return newFailure(KindConflict, format, args)
}

func PreconditionFailed(format string, args ...any) Failure {
	return newFailure(KindPreconditionFailed, format, args)
}

func UnsupportedMediaType(format string, args ...any) Failure {
	return newFailure(KindUnsupportedMediaType, format, args)
}

func InternalServerError(format string, args ...any) Failure {
	return newFailure(KindInternalServerError, format, args)
}

func NotImplemented(format string, args ...any) Failure {
	return newFailure(KindNotImplemented, format, args)
}

// KindOf extracts the failure kind from err. Errors that are not failures
// report KindInternalServerError; a nil error reports KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var f Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	var fp *Failure
	if errors.As(err, &fp) && fp != nil {
		return fp.Kind
	}
	return KindInternalServerError
}

// IsKind reports whether err is a failure of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// AsInternal wraps arbitrary errors as internal server errors while leaving
// failures untouched.
func AsInternal(err error, detail string) error {
	if err == nil {
		return nil
	}
	var f Failure
	if errors.As(err, &f) {
		return err
	}
	return Failure{Kind: KindInternalServerError, Detail: detail, Cause: err}
}
