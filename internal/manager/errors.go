package manager

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
)

// ErrNotInitialized is returned when inference is attempted while no model is
// loaded. It reaches callers wrapped in a *ResourceError.
var ErrNotInitialized = errors.New("model not initialized")

// ValidationError is a client mistake (bad prompt, out of range parameter).
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string   { return e.Msg }
func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a client validation error (return 400).
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ResourceError reports a failure of the model resource: device selection,
// adapter load, inference or swap.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	if e.Err == nil {
		return e.Op + ": failed"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *ResourceError) Unwrap() error   { return e.Err }
func (e *ResourceError) StatusCode() int { return http.StatusInternalServerError }

// IsResource reports whether err carries a *ResourceError.
func IsResource(err error) bool {
	var r *ResourceError
	return errors.As(err, &r)
}

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ reason string }

func (e tooBusyError) Error() string   { return "too busy: " + e.reason }
func (e tooBusyError) StatusCode() int { return http.StatusTooManyRequests }
func (e tooBusyError) Busy() bool      { return true }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var b tooBusyError
	return errors.As(err, &b)
}

// dependencyUnavailableError signals a missing model runtime
// so the HTTP layer can return 503 Service Unavailable instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string   { return e.msg }
func (e dependencyUnavailableError) StatusCode() int { return http.StatusServiceUnavailable }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}

// ErrorKind classifies errors for callers that need to branch on them
// without looking at message text.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindResource   ErrorKind = "resource"
	KindBusy       ErrorKind = "busy"
	KindIO         ErrorKind = "io"
	KindUnknown    ErrorKind = "unknown"
)

// busy is implemented by errors from any package that mean "try again later".
type busy interface{ Busy() bool }

// Kind returns the ErrorKind of err. A nil error is KindUnknown.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var b busy
	if errors.As(err, &b) && b.Busy() {
		return KindBusy
	}
	switch {
	case IsValidation(err):
		return KindValidation
	case IsResource(err), IsDependencyUnavailable(err):
		return KindResource
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return KindIO
	}
	return KindUnknown
}
