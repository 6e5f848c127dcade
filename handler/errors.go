package handler

import (
	"errors"
	"net/http"
)

// ErrNilResponse indicates a handler returned nil instead of a Response.
var ErrNilResponse = errors.New("handler returned nil response")

// HTTPError is an error with a status code and a stable machine key.
type HTTPError struct {
	Code    int    // HTTP status code
	Key     string // stable key, e.g. "not_found"
	Message string // optional human message, defaults to the status text
}

// Error implements the error interface.
func (e HTTPError) Error() string {
	return e.Key
}

// Is matches any HTTPError with the same code and key, so a copy carrying a
// custom message still satisfies errors.Is against the sentinel.
func (e HTTPError) Is(target error) bool {
	t, ok := target.(HTTPError)
	return ok && t.Code == e.Code && t.Key == e.Key
}

// WithMessage returns a copy of e carrying msg.
func (e HTTPError) WithMessage(msg string) HTTPError {
	e.Message = msg
	return e
}

// text is the message shown to the client.
func (e HTTPError) text() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.Code)
}

var (
	ErrBadRequest            = HTTPError{Code: http.StatusBadRequest, Key: "bad_request"}
	ErrUnauthorized          = HTTPError{Code: http.StatusUnauthorized, Key: "unauthorized"}
	ErrForbidden             = HTTPError{Code: http.StatusForbidden, Key: "forbidden"}
	ErrNotFound              = HTTPError{Code: http.StatusNotFound, Key: "not_found"}
	ErrRequestEntityTooLarge = HTTPError{Code: http.StatusRequestEntityTooLarge, Key: "request_entity_too_large"}
	ErrTooManyRequests       = HTTPError{Code: http.StatusTooManyRequests, Key: "too_many_requests"}
	ErrInternalServerError   = HTTPError{Code: http.StatusInternalServerError, Key: "internal_server_error"}
	ErrBadGateway            = HTTPError{Code: http.StatusBadGateway, Key: "bad_gateway"}
	ErrGatewayTimeout        = HTTPError{Code: http.StatusGatewayTimeout, Key: "gateway_timeout"}
)
