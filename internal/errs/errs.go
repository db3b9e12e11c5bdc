// Package errs provides the classified error taxonomy used across the
// incident pipeline. Every component returns errors wrapped in a Classified
// error so that upstream callers (HTTP handlers, queue consumers, circuit
// breakers) can decide retry-vs-surface behavior on the error's Class
// rather than by matching message strings.
package errs

import (
	"errors"
	"fmt"
)

// Class is the behavior bucket a failure falls into, per the error taxonomy.
type Class string

const (
	ClassValidation Class = "validation"
	ClassAuth       Class = "auth"
	ClassNotFound   Class = "not_found"
	ClassForbidden  Class = "forbidden"
	ClassConflict   Class = "conflict"
	ClassTransient  Class = "transient"
	ClassPermanent  Class = "permanent"
	ClassInternal   Class = "internal"
)

// Sentinel errors for use with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrValidation     = errors.New("validation failed")
	ErrTimeout        = errors.New("operation timeout")
	ErrMaxRetries     = errors.New("maximum retries exceeded")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrAllProviders   = errors.New("all providers failed")
	ErrUnknownAction  = errors.New("unknown workflow action")
	ErrCycleDetected  = errors.New("workflow execution cycle detected")
)

// E is a structured, classified error with optional field-level validation
// detail, mirroring the teacher's FrameworkError (Op/Kind/ID/Err) shape.
type E struct {
	Op      string
	Class   Class
	ID      string
	Message string
	Fields  map[string]string // field -> reason, for ClassValidation
	Err     error
}

func (e *E) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Class)
}

func (e *E) Unwrap() error { return e.Err }

// New builds a classified error.
func New(op string, class Class, err error) *E {
	return &E{Op: op, Class: class, Err: err}
}

// NotFound builds a ClassNotFound error for entity id.
func NotFound(op, id string) *E {
	return &E{Op: op, Class: ClassNotFound, ID: id, Err: ErrNotFound}
}

// Validation builds a ClassValidation error carrying field-level detail.
func Validation(op string, fields map[string]string) *E {
	return &E{Op: op, Class: ClassValidation, Fields: fields, Err: ErrValidation}
}

// Conflict builds a ClassConflict error.
func Conflict(op string, err error) *E {
	return &E{Op: op, Class: ClassConflict, Err: err}
}

// ClassOf extracts the Class of err, defaulting to ClassInternal when err is
// not a *E and not a recognized sentinel.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Class
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrUnauthenticated):
		return ClassAuth
	case errors.Is(err, ErrForbidden):
		return ClassForbidden
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrMaxRetries), errors.Is(err, ErrAllProviders):
		return ClassPermanent
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrCircuitOpen):
		return ClassTransient
	default:
		return ClassInternal
	}
}

// Retryable reports whether an error's class warrants a caller-side retry.
// Validation/Auth/NotFound/Forbidden/Permanent never are.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransient, ClassConflict:
		return true
	default:
		return false
	}
}

// IsValidation reports whether err (or anything it wraps) is a validation error.
func IsValidation(err error) bool { return ClassOf(err) == ClassValidation }

// HTTPStatus maps a Class to the response status code the HTTP surface uses.
func HTTPStatus(c Class) int {
	switch c {
	case ClassValidation:
		return 400
	case ClassAuth:
		return 401
	case ClassForbidden:
		return 403
	case ClassNotFound:
		return 404
	case ClassConflict:
		return 409
	case ClassTransient, ClassPermanent:
		return 502
	default:
		return 500
	}
}
