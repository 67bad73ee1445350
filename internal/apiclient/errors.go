package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError means no response was received at all: DNS, dial, TLS,
// timeouts and dropped connections all end up here.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: no response: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is a response received with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: response %s", e.Method, e.Path, e.Status)
}

// IsConnectivity reports whether err happened before any response was received.
func IsConnectivity(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsStatus reports whether err carries a server response.
func IsStatus(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr)
}
