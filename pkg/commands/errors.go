package commands

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/versioning"
)

// ErrorKind classifies a CommandError.
type ErrorKind string

const (
	KindVersionConflict ErrorKind = "VERSION_CONFLICT"
	KindValidation      ErrorKind = "VALIDATION_ERROR"
	KindNotFound        ErrorKind = "NOT_FOUND"
	KindPathConflict    ErrorKind = "PATH_CONFLICT"
	KindUnprocessable   ErrorKind = "UNPROCESSABLE"
	KindBadRequest      ErrorKind = "BAD_REQUEST"
)

// CommandError is a failure reported synchronously to the caller of a
// command. Code is the HTTP status it maps to.
type CommandError struct {
	Kind    ErrorKind           `json:"-"`
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Fields  map[string][]string `json:"fields,omitempty"`
	err     error
}

func (e *CommandError) Error() string {
	return e.Message
}

// Unwrap returns the underlying domain error, if any.
func (e *CommandError) Unwrap() error { return e.err }

// AsCommandError extracts a CommandError from err.
func AsCommandError(err error) (*CommandError, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func notFound(format string, args ...any) *CommandError {
	return &CommandError{Kind: KindNotFound, Code: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

func unprocessable(format string, args ...any) *CommandError {
	return &CommandError{Kind: KindUnprocessable, Code: http.StatusUnprocessableEntity, Message: fmt.Sprintf(format, args...)}
}

func badRequest(format string, args ...any) *CommandError {
	return &CommandError{Kind: KindBadRequest, Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func invalid(message string, fields map[string][]string) *CommandError {
	return &CommandError{Kind: KindValidation, Code: http.StatusUnprocessableEntity, Message: message, Fields: fields}
}

// commandError converts domain errors raised inside a command into
// CommandErrors. Other errors are returned unchanged.
func commandError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsCommandError(err); ok {
		return err
	}
	var conflict *versioning.ConflictError
	if errors.As(err, &conflict) {
		field := fmt.Sprintf("does not match current version %d", conflict.Current)
		if conflict.Current < 0 {
			field = "was overtaken by a concurrent request"
		}
		return &CommandError{
			Kind:    KindVersionConflict,
			Code:    http.StatusConflict,
			Message: conflict.Error(),
			Fields:  map[string][]string{"previous_version": {field}},
			err:     err,
		}
	}
	var path *content.PathConflictError
	if errors.As(err, &path) {
		return &CommandError{
			Kind:    KindPathConflict,
			Code:    http.StatusConflict,
			Message: path.Error(),
			Fields:  map[string][]string{"base_path": {path.Error()}},
			err:     err,
		}
	}
	return err
}
