// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrDuplicate     = errors.New("duplicate entry")
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrUnprocessable = errors.New("unprocessable entity")
	ErrForbidden     = errors.New("forbidden")
	ErrUnauthorized  = errors.New("unauthorized")
)

// ErrorMapping translates a domain error into one of the sentinels above.
type ErrorMapping struct {
	Err    error
	Status error
}

// Map wraps err with the first matching status sentinel so RespondError
// can classify it. Unmatched errors are returned unchanged.
func Map(err error, mappings ...ErrorMapping) error {
	for _, m := range mappings {
		if errors.Is(err, m.Err) {
			return &mappedError{status: m.Status, err: err}
		}
	}
	return err
}

type mappedError struct {
	status error
	err    error
}

func (e *mappedError) Error() string { return e.err.Error() }

func (e *mappedError) Unwrap() []error { return []error{e.status, e.err} }

// DetailedError carries extra problem members such as offending ids.
type DetailedError interface {
	error
	ProblemDetails() map[string]any
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var extra map[string]any
	var detailed DetailedError
	if errors.As(err, &detailed) {
		extra = detailed.ProblemDetails()
	}
	switch {
	case errors.Is(err, ErrNotFound):
		ProblemWith(w, http.StatusNotFound, "Not Found", err.Error(), extra)
	case errors.Is(err, ErrDuplicate):
		ProblemWith(w, http.StatusConflict, "Duplicate", err.Error(), extra)
	case errors.Is(err, ErrConflict):
		ProblemWith(w, http.StatusConflict, "Conflict", err.Error(), extra)
	case errors.Is(err, ErrValidation):
		ProblemWith(w, http.StatusBadRequest, "Validation Failed", err.Error(), extra)
	case errors.Is(err, ErrUnprocessable):
		ProblemWith(w, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error(), extra)
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
