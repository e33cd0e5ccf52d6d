// Package chaterrors defines the error taxonomy shared by the HTTP
// surface and the streaming core. Every client-visible failure has a
// stable machine-readable kind; kinds map onto HTTP statuses when the
// status line has not been sent yet, and onto a final error frame when
// it has.
package chaterrors

import (
	"encoding/json"
	"net/http"
)

// Kind is the stable machine-readable error category.
type Kind string

const (
	KindBadRequest      Kind = "bad_request"
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindRateLimit       Kind = "rate_limit"
	KindUpstreamFailure Kind = "upstream_failure"
	KindCorruptFrame    Kind = "corrupt_frame"
)

// ChatError pairs a kind with the surface it occurred on (chat,
// stream, api, ...) and a human-readable message.
type ChatError struct {
	Kind    Kind   `json:"-"`
	Surface string `json:"-"`
	Message string `json:"message"`
}

func New(kind Kind, surface, message string) *ChatError {
	return &ChatError{Kind: kind, Surface: surface, Message: message}
}

func (e *ChatError) Error() string {
	return string(e.Kind) + ":" + e.Surface + ": " + e.Message
}

// Code is the wire identifier, e.g. "forbidden:chat".
func (e *ChatError) Code() string {
	return string(e.Kind) + ":" + e.Surface
}

// HTTPStatus maps the kind onto a response status.
func (e *ChatError) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUpstreamFailure:
		return http.StatusBadGateway
	case KindCorruptFrame:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// WriteJSON emits the error as an HTTP response. Only valid before
// the stream body has started; mid-stream failures become error
// frames instead.
func (e *ChatError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    e.Code(),
		"message": e.Message,
	})
}

// AsChatError unwraps err into a *ChatError if it is one.
func AsChatError(err error) (*ChatError, bool) {
	ce, ok := err.(*ChatError)
	return ce, ok
}
