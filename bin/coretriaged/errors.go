package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/elwinar/coretriage/pkg/sentry"
	"github.com/google/uuid"
)

// ErrStorageUnavailable is returned when an operation needs the object store
// and none is configured.
var ErrStorageUnavailable = errors.New(`object storage unavailable`)

// MissingFieldError is returned when a submission lacks a required field.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("`%s` is missing, please specify a %s", e.Field, e.Field)
}

// MissingSectionError is returned when a submission carrying inline debug
// information lacks one of the expected sections.
type MissingSectionError struct {
	Section string
}

func (e *MissingSectionError) Error() string {
	return fmt.Sprintf("debug section `%s` is missing", e.Section)
}

// ParseError is returned when a submission field can't be decoded.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing `%s`: %s", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// MalformedIdentifierError is returned when the build_id section can't be
// parsed into a module identifier.
type MalformedIdentifierError struct {
	Err error
}

func (e *MalformedIdentifierError) Error() string {
	return fmt.Sprintf("malformed build_id section: %s", e.Err)
}

func (e *MalformedIdentifierError) Unwrap() error {
	return e.Err
}

// StorageIOError is returned when the object store fails.
type StorageIOError struct {
	Key string
	Err error
}

func (e *StorageIOError) Error() string {
	return fmt.Sprintf("accessing object %s: %s", e.Key, e.Err)
}

func (e *StorageIOError) Unwrap() error {
	return e.Err
}

// DebugArtifactMissingError is returned when a submission references a
// module whose debug information isn't in the object store.
type DebugArtifactMissingError struct {
	ModuleID uuid.UUID
	Key      string
}

func (e *DebugArtifactMissingError) Error() string {
	return fmt.Sprintf("missing debugging information for module %s (%s)", e.ModuleID, e.Key)
}

// SymbolicationError is returned when the stack can't be reconstructed from
// the coredump and its debug information.
type SymbolicationError struct {
	Err error
}

func (e *SymbolicationError) Error() string {
	return fmt.Sprintf("reconstructing stack: %s", e.Err)
}

func (e *SymbolicationError) Unwrap() error {
	return e.Err
}

// ReportError is returned when the incident couldn't be delivered to the
// reporting backend. It wraps a *sentry.StatusError when the backend
// answered.
type ReportError struct {
	Err error
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("reporting incident: %s", e.Err)
}

func (e *ReportError) Unwrap() error {
	return e.Err
}

// errorKind returns a short label for the class of err, used in metrics.
func errorKind(err error) string {
	var (
		missingField   *MissingFieldError
		missingSection *MissingSectionError
		parse          *ParseError
		malformed      *MalformedIdentifierError
		storageIO      *StorageIOError
		missing        *DebugArtifactMissingError
		symbolication  *SymbolicationError
		report         *ReportError
	)

	switch {
	case errors.As(err, &missingField):
		return "missing_field"
	case errors.As(err, &missingSection):
		return "missing_section"
	case errors.As(err, &parse):
		return "parse"
	case errors.As(err, &malformed):
		return "malformed_identifier"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.As(err, &storageIO):
		return "storage_io"
	case errors.As(err, &missing):
		return "debug_artifact_missing"
	case errors.As(err, &symbolication):
		return "symbolication"
	case errors.As(err, &report):
		return "report"
	default:
		return "internal"
	}
}

// statusOf returns the HTTP status to answer with for err.
func statusOf(err error) int {
	switch errorKind(err) {
	case "missing_field", "missing_section", "parse", "malformed_identifier":
		return http.StatusBadRequest
	case "storage_unavailable":
		return http.StatusServiceUnavailable
	case "debug_artifact_missing", "symbolication":
		return http.StatusUnprocessableEntity
	case "report":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// reportStatus returns the status code answered by the reporting backend if
// err carries one.
func reportStatus(err error) (int, bool) {
	var serr *sentry.StatusError
	if errors.As(err, &serr) {
		return serr.StatusCode, true
	}
	return 0, false
}
