// Package errors defines the error taxonomy shared by the catalog, the
// router and the request layers. Every externally visible failure wraps one
// of the sentinels below inside an AppError carrying the index name and, for
// schema failures, the offending field.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound             = errors.New("index not found")
	ErrAlreadyExists        = errors.New("index already exists")
	ErrSchemaValidation     = errors.New("schema validation failed")
	ErrWriterBusy           = errors.New("index writer busy")
	ErrCommitFailure        = errors.New("commit failed")
	ErrStartupLoad          = errors.New("index failed to load")
	ErrShutdownDrainTimeout = errors.New("shutdown drain timed out")
	ErrInvalidInput         = errors.New("invalid input")
	ErrShuttingDown         = errors.New("server shutting down")
	ErrInternal             = errors.New("internal error")
	ErrTimeout              = errors.New("operation timed out")
)

// AppError is a sentinel enriched with the context the request layer needs
// to build a response without re-deriving it.
type AppError struct {
	Err        error
	Index      string
	Field      string
	Message    string
	StatusCode int
	Cause      error
}

func (e *AppError) Error() string {
	msg := e.Err.Error()
	if e.Index != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Index)
	}
	if e.Field != "" {
		msg = fmt.Sprintf("%s: field %q", msg, e.Field)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is
// and errors.As.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

func NotFound(index string) *AppError {
	return &AppError{Err: ErrNotFound, Index: index, StatusCode: http.StatusNotFound}
}

func AlreadyExists(index string) *AppError {
	return &AppError{Err: ErrAlreadyExists, Index: index, StatusCode: http.StatusConflict}
}

func SchemaViolation(index, field, message string) *AppError {
	return &AppError{
		Err:        ErrSchemaValidation,
		Index:      index,
		Field:      field,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func WriterBusy(index string) *AppError {
	return &AppError{
		Err:        ErrWriterBusy,
		Index:      index,
		Message:    "commit in progress",
		StatusCode: http.StatusServiceUnavailable,
	}
}

func CommitFailed(index string, cause error) *AppError {
	return &AppError{
		Err:        ErrCommitFailure,
		Index:      index,
		Cause:      cause,
		StatusCode: http.StatusInternalServerError,
	}
}

func StartupLoadFailed(index string, cause error) *AppError {
	return &AppError{
		Err:        ErrStartupLoad,
		Index:      index,
		Cause:      cause,
		StatusCode: http.StatusInternalServerError,
	}
}

func DrainTimeout(index string, cause error) *AppError {
	return &AppError{
		Err:        ErrShutdownDrainTimeout,
		Index:      index,
		Cause:      cause,
		StatusCode: http.StatusServiceUnavailable,
	}
}

func InvalidInput(format string, args ...any) *AppError {
	return Newf(ErrInvalidInput, http.StatusBadRequest, format, args...)
}

// InvalidQuery reports a query that does not fit the index schema.
func InvalidQuery(index string, cause error) *AppError {
	return &AppError{
		Err:        ErrInvalidInput,
		Index:      index,
		Cause:      cause,
		StatusCode: http.StatusBadRequest,
	}
}

func ShuttingDown(index string) *AppError {
	return &AppError{
		Err:        ErrShuttingDown,
		Index:      index,
		StatusCode: http.StatusServiceUnavailable,
	}
}

// Kind returns a stable, machine-readable name for the error's category.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrSchemaValidation):
		return "schema_validation"
	case errors.Is(err, ErrWriterBusy):
		return "writer_busy"
	case errors.Is(err, ErrCommitFailure):
		return "commit_failure"
	case errors.Is(err, ErrStartupLoad):
		return "startup_load"
	case errors.Is(err, ErrShutdownDrainTimeout):
		return "shutdown_drain_timeout"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrSchemaValidation), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrWriterBusy), errors.Is(err, ErrShuttingDown),
		errors.Is(err, ErrShutdownDrainTimeout), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromKind reverses Kind, returning the sentinel for a kind name received
// from a remote peer. Unknown kinds map to ErrInternal.
func FromKind(kind string) error {
	switch kind {
	case "not_found":
		return ErrNotFound
	case "already_exists":
		return ErrAlreadyExists
	case "schema_validation":
		return ErrSchemaValidation
	case "writer_busy":
		return ErrWriterBusy
	case "commit_failure":
		return ErrCommitFailure
	case "startup_load":
		return ErrStartupLoad
	case "shutdown_drain_timeout":
		return ErrShutdownDrainTimeout
	case "invalid_input":
		return ErrInvalidInput
	case "shutting_down":
		return ErrShuttingDown
	case "timeout":
		return ErrTimeout
	default:
		return ErrInternal
	}
}
