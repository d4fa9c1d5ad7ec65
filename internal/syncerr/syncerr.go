// Package syncerr defines the error taxonomy shared by the sync API
// and the federation gateway. Every user-visible failure carries a
// stable machine code and the HTTP status it maps to.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Machine codes. These are wire contract; clients switch on them.
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeInvalidToken    = "INVALID_TOKEN"

	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeInvalidSubscription  = "INVALID_SUBSCRIPTION"
	CodeTooManyOperations    = "TOO_MANY_OPERATIONS"
	CodeInvalidFederatedID   = "INVALID_FEDERATED_ID"
	CodeAmbiguousEventID     = "AMBIGUOUS_EVENT_ID"
	CodeAmbiguousCommitID    = "AMBIGUOUS_COMMIT_ID"
	CodeAmbiguousOperationID = "AMBIGUOUS_OPERATION_ID"
	CodeInstanceRequired     = "INSTANCE_REQUIRED"
	CodeNoInstancesSelected  = "NO_INSTANCES_SELECTED"

	CodeNotFound     = "NOT_FOUND"
	CodeChunkExpired = "CHUNK_EXPIRED"

	CodeRateLimited   = "RATE_LIMITED"
	CodeWSLimitTotal  = "WEBSOCKET_CONNECTION_LIMIT_TOTAL"
	CodeWSLimitClient = "WEBSOCKET_CONNECTION_LIMIT_CLIENT"

	CodeDownstreamUnavailable     = "DOWNSTREAM_UNAVAILABLE"
	CodeInvalidDownstreamResponse = "INVALID_DOWNSTREAM_RESPONSE"

	CodeInternal = "INTERNAL"
)

// Error is a classified, user-visible failure.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an error with an explicit code and status.
func New(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

func Invalid(format string, args ...any) *Error {
	return New(CodeInvalidRequest, http.StatusBadRequest, format, args...)
}

func InvalidSubscription(format string, args ...any) *Error {
	return New(CodeInvalidSubscription, http.StatusBadRequest, format, args...)
}

func Unauthenticated(format string, args ...any) *Error {
	return New(CodeUnauthenticated, http.StatusUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(CodeForbidden, http.StatusForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, http.StatusNotFound, format, args...)
}

func RateLimited(format string, args ...any) *Error {
	return New(CodeRateLimited, http.StatusTooManyRequests, format, args...)
}

func Internal(format string, args ...any) *Error {
	return New(CodeInternal, http.StatusInternalServerError, format, args...)
}

// From classifies an arbitrary error. Already-classified errors pass
// through; everything else becomes an opaque INTERNAL.
func From(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return Internal("internal server error")
}

// CodeOf returns the machine code of a classified error, or
// CodeInternal for anything else. Empty for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return From(err).Code
}
