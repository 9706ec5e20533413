// Package apperr provides the flat error taxonomy shared by the fork engine,
// the stream relay and the HTTP layer.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeInternal                 Code = "INTERNAL"
	CodeInvalidArgument          Code = "INVALID_ARGUMENT"
	CodeConversationNotFound     Code = "CONVERSATION_NOT_FOUND"
	CodeMessageNotFound          Code = "MESSAGE_NOT_FOUND"
	CodeMessageNotInConversation Code = "MESSAGE_NOT_IN_CONVERSATION"
	CodeUpstreamGeneration       Code = "UPSTREAM_GENERATION_FAILURE"
	CodeForkWrite                Code = "FORK_WRITE_FAILED"
	CodePersistence              Code = "PERSISTENCE_FAILURE"
)

// HTTPStatus maps a code to the status returned by the HTTP layer.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument, CodeMessageNotInConversation:
		return http.StatusBadRequest
	case CodeConversationNotFound, CodeMessageNotFound:
		return http.StatusNotFound
	case CodeUpstreamGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the tagged error kind returned across package boundaries.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code, so errors.Is(err, apperr.New(code, ""))
// works regardless of message or cause.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the code from err, or CodeInternal if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return errors.Is(err, New(code, ""))
}
