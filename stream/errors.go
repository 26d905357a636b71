package stream

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrStopped is returned by Run when the supervisor was already stopped
	ErrStopped = errors.New("stream supervisor is stopped")
	// ErrAlreadyRunning is returned by Run when another Run call is active
	ErrAlreadyRunning = errors.New("stream supervisor is already running")
	// ErrStreamClosed is reported when the server ends the response body
	ErrStreamClosed = errors.New("stream closed by remote")

	errSuperseded = errors.New("connection superseded")
)

// ConfigurationError reports an invalid or missing configuration field.
// It is raised before any network activity and is never retried.
type ConfigurationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// StatusCode maps configuration failures onto the 400 class
func (e *ConfigurationError) StatusCode() int {
	return http.StatusBadRequest
}

func configErr(field, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason}
}

// TransportError covers connections that could not be established or broke
// mid-stream, including bytes that are not valid UTF-8.
type TransportError struct {
	Op           string `json:"op"` // "connect", "read", "decode"
	URL          string `json:"url,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	StatusCode   int    `json:"status_code,omitempty"`
	Body         string `json:"body,omitempty"`
	Err          error  `json:"-"`
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("stream %s error (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("stream %s error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the status code suggests the server may accept
// a later attempt. Network failures without a status are treated as temporary.
func (e *TransportError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// TimeoutError is the cause attached to a connection cancelled by the idle
// watchdog.
type TimeoutError struct {
	ConnectionID string        `json:"connection_id"`
	Idle         time.Duration `json:"idle"`
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stream idle for %s on connection %s", e.Idle, e.ConnectionID)
}

// Timeout satisfies the net.Error style timeout check
func (e *TimeoutError) Timeout() bool {
	return true
}

// ServerConnectionError is an in-band connection exception object sent by
// the server, such as a rate-limit or operational disconnect notice.
type ServerConnectionError struct {
	ConnectionID string `json:"connection_id,omitempty"`
	Title        string `json:"title"`
	Detail       string `json:"detail,omitempty"`
	Type         string `json:"type,omitempty"`
	Raw          []byte `json:"-"`
}

func (e *ServerConnectionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server connection error %q: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("server connection error %q", e.Title)
}

// HandlerError wraps a failure returned (or a panic raised) by the payload
// handler.
type HandlerError struct {
	ConnectionID string `json:"connection_id"`
	Err          error  `json:"-"`
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("stream handler failed on connection %s: %v", e.ConnectionID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err belongs to the streaming-phase errors the
// supervisor recovers from when a retry policy is configured.
func IsRetryable(err error) bool {
	var (
		transport *TransportError
		timeout   *TimeoutError
		server    *ServerConnectionError
	)
	return errors.As(err, &transport) || errors.As(err, &timeout) || errors.As(err, &server)
}
