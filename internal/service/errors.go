package service

import (
	"errors"
	"fmt"

	"hierarchyflow/internal/model"
	"hierarchyflow/internal/repository"
)

type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindNotFound      ErrorKind = "not_found"
	KindStateConflict ErrorKind = "state_conflict"
	KindUnavailable   ErrorKind = "repository_unavailable"
)

// Sentinels for errors.Is. They match any WorkflowError of the same kind.
var (
	ErrValidation            = &WorkflowError{Kind: KindValidation}
	ErrAuthorization         = &WorkflowError{Kind: KindAuthorization}
	ErrNotFound              = &WorkflowError{Kind: KindNotFound}
	ErrStateConflict         = &WorkflowError{Kind: KindStateConflict}
	ErrRepositoryUnavailable = &WorkflowError{Kind: KindUnavailable}
)

// WorkflowError is returned by every engine operation. Denials carry the tier that
// would have been allowed to act.
type WorkflowError struct {
	Kind         ErrorKind      `json:"kind"`
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	RequiredRole model.Role     `json:"required_role,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	cause        error
}

func (e *WorkflowError) Error() string {
	if e == nil {
		return ""
	}
	if e.RequiredRole != "" {
		return fmt.Sprintf("%s: %s (requires %s)", e.Code, e.Message, e.RequiredRole.Label())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on kind, and on code as well when the target names one.
func (e *WorkflowError) Is(target error) bool {
	t, ok := target.(*WorkflowError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

func (e *WorkflowError) Unwrap() error {
	return e.cause
}

func validationErr(code, format string, args ...any) *WorkflowError {
	return &WorkflowError{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func conflictErr(code, format string, args ...any) *WorkflowError {
	return &WorkflowError{Kind: KindStateConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func notFoundErr(what, id string) *WorkflowError {
	return &WorkflowError{
		Kind:    KindNotFound,
		Code:    what + "_not_found",
		Message: fmt.Sprintf("%s %q not found", what, id),
		Details: map[string]any{"id": id},
	}
}

func deniedErr(required model.Role, format string, args ...any) *WorkflowError {
	return &WorkflowError{
		Kind:         KindAuthorization,
		Code:         "not_authorized",
		Message:      fmt.Sprintf(format, args...),
		RequiredRole: required,
	}
}

// translate maps repository and directory failures into the engine's taxonomy.
// WorkflowErrors pass through untouched.
func translate(what, id string, err error) error {
	if err == nil {
		return nil
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return notFoundErr(what, id)
	case errors.Is(err, repository.ErrConflict):
		return &WorkflowError{
			Kind:    KindStateConflict,
			Code:    "concurrent_update",
			Message: fmt.Sprintf("%s %q was changed concurrently, retry the operation", what, id),
			cause:   err,
		}
	default:
		return &WorkflowError{
			Kind:    KindUnavailable,
			Code:    "repository_unavailable",
			Message: "storage is unavailable",
			cause:   err,
		}
	}
}

// Outcome is the metrics label for err.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return string(we.Kind)
	}
	return "error"
}
