// Package apierr classifies errors that cross the HTTP boundary or the turn stream.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the error category.
type Kind string

const (
	// KindValidation is a malformed request, rejected before any model call.
	KindValidation Kind = "validation"
	// KindAuth is a missing identity or an ownership mismatch.
	KindAuth Kind = "auth"
	// KindNotFound is a referenced chat, document or model that does not exist.
	KindNotFound Kind = "not_found"
	// KindModelTransport is a model call failure that survived its retry.
	KindModelTransport Kind = "model_transport"
	// KindToolExecution is a tool failure; it is fed back to the model.
	KindToolExecution Kind = "tool_execution"
	// KindPersistence is a storage failure after retries were exhausted.
	KindPersistence Kind = "persistence"
	// KindInternal is anything else.
	KindInternal Kind = "internal"
)

// Error carries a kind, a client-safe message and the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation reports a malformed request.
func Validation(message string) *Error { return New(KindValidation, message, nil) }

// Unauthorized reports a missing identity or ownership mismatch.
func Unauthorized(message string) *Error { return New(KindAuth, message, nil) }

// NotFound reports a missing resource.
func NotFound(message string) *Error { return New(KindNotFound, message, nil) }

// ModelTransport wraps a model call failure.
func ModelTransport(err error) *Error { return New(KindModelTransport, "model call failed", err) }

// ToolExecution wraps a tool failure.
func ToolExecution(tool string, err error) *Error {
	return New(KindToolExecution, "tool "+tool+" failed", err)
}

// Persistence wraps a storage failure.
func Persistence(err error) *Error { return New(KindPersistence, "persistence failed", err) }

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code used when it fails a request before
// streaming starts.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindModelTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show a client.
func PublicMessage(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return http.StatusText(HTTPStatus(err))
}
