package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error kinds surfaced by a session. Match them with errors.Is.
var (
	ErrBadRequest          = errors.New("bad request")
	ErrHeaderTooLarge      = fmt.Errorf("request head too large: %w", ErrBadRequest)
	ErrAuthRequired        = errors.New("proxy authentication required")
	ErrForbidden           = errors.New("forbidden by access rules")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrIO                  = errors.New("i/o error")
)

// SessionError carries an error kind, the underlying cause, and whether the
// failure was a timeout.
type SessionError struct {
	Kind    error
	Timeout bool
	Err     error
}

func newSessionError(kind, err error) *SessionError {
	return &SessionError{Kind: kind, Err: err}
}

func (e *SessionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Timeout {
		b.WriteString(" (timeout)")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause.
func (e *SessionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// StatusCode maps an error to the HTTP status reported to the client.
// It returns 0 for errors that end a session without a response.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrHeaderTooLarge):
		return http.StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthRequired):
		return http.StatusProxyAuthRequired
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUpstreamUnreachable):
		var se *SessionError
		if errors.As(err, &se) && se.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return 0
	}
}
