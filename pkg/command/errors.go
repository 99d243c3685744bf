package command

import "errors"

// Failure codes used across transports.
const (
	CodeUnknownAction    = "UNKNOWN_ACTION"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeHandlerFailure   = "HANDLER_FAILURE"
	CodeTransportFailure = "TRANSPORT_FAILURE"
	CodeTimeout          = "TIMEOUT"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeNotFound         = "NOT_FOUND"
)

// Error is a structured failure raised by the bridge core.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Failure creates a new Error.
func Failure(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf returns the failure code carried by err, or "" when err is not an *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool {
	return CodeOf(err) == CodeUnauthorized
}

// IsTimeout reports whether err is a timeout failure.
func IsTimeout(err error) bool {
	return CodeOf(err) == CodeTimeout
}
