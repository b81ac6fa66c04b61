package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// ErrorKind classifies gateway failures by who can fix them.
type ErrorKind int

const (
	// KindClient is a request the caller can correct (HTTP 400).
	KindClient ErrorKind = iota + 1
	// KindUpstream is a failure of the backend being proxied (HTTP 502).
	KindUpstream
)

// Error is returned by normalizers and adapters. Message is safe to show to
// clients; Err keeps the cause for logs.
type Error struct {
	Kind    ErrorKind
	Message string
	// Base is the resolved local base URL, set on local upstream failures.
	Base string
	// Status is the upstream HTTP status, 0 when no response was received.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to the status the gateway answers with.
func (e *Error) HTTPStatus() int {
	if e.Kind == KindClient {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func NewClientError(msg string) *Error {
	return &Error{Kind: KindClient, Message: msg}
}

func NewUpstreamError(msg string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: msg, Err: err}
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
