package client

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sawpanic/filterstream/infra/breakers"
	"github.com/sawpanic/filterstream/internal/net/ratelimit"
)

const defaultUserAgent = "filterstream/1.0 (+https://github.com/sawpanic/filterstream)"

// WrapperConfig configures the HTTP client wrapper
type WrapperConfig struct {
	Service     string
	UserAgent   string
	RateLimiter *ratelimit.Limiter
	Breaker     *breakers.Breaker

	// Endpoint maps a request to its rate limit bucket. Nil uses the host.
	Endpoint func(*http.Request) string
}

// Wrapper is an http.RoundTripper adding bearer auth, per-endpoint rate
// limiting and circuit breaking
type Wrapper struct {
	config    WrapperConfig
	transport http.RoundTripper

	mu    sync.RWMutex
	token string
}

// NewWrapper creates a wrapper around transport (http.DefaultTransport when nil)
func NewWrapper(config WrapperConfig, token string, transport http.RoundTripper) *Wrapper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	return &Wrapper{
		config:    config,
		transport: transport,
		token:     token,
	}
}

// SetToken replaces the bearer token for later requests
func (w *Wrapper) SetToken(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.token = token
}

func (w *Wrapper) bearer() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.token
}

// RoundTrip implements http.RoundTripper. Responses with 429 or 5xx status
// count against the breaker but are still handed back to the caller.
func (w *Wrapper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", w.config.UserAgent)
	}
	if token := w.bearer(); token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if w.config.RateLimiter != nil {
		if err := w.config.RateLimiter.Wait(req.Context(), w.endpoint(req)); err != nil {
			return nil, &RequestError{
				Service: w.config.Service,
				Type:    "rate_limit",
				Err:     fmt.Errorf("rate limit wait failed: %w", err),
			}
		}
	}

	if w.config.Breaker == nil {
		resp, err := w.transport.RoundTrip(req)
		if err != nil {
			return nil, &RequestError{Service: w.config.Service, Type: "transport", Err: err}
		}
		return resp, nil
	}

	v, err := w.config.Breaker.Execute(func() (any, error) {
		resp, err := w.transport.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return resp, &statusError{code: resp.StatusCode}
		}
		return resp, nil
	})

	var serr *statusError
	switch {
	case errors.As(err, &serr):
		return v.(*http.Response), nil
	case errors.Is(err, breakers.ErrOpen):
		return nil, &RequestError{Service: w.config.Service, Type: "circuit", Err: err}
	case err != nil:
		return nil, &RequestError{Service: w.config.Service, Type: "transport", Err: err}
	}
	return v.(*http.Response), nil
}

func (w *Wrapper) endpoint(req *http.Request) string {
	if w.config.Endpoint != nil {
		return w.config.Endpoint(req)
	}
	return req.URL.Host
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d", e.code) }

// RequestError is a failure that happened before a response was received
type RequestError struct {
	Service string `json:"service"`
	Type    string `json:"type"` // "rate_limit", "circuit", "transport"
	Err     error  `json:"-"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Service, e.Type, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsRateLimited returns true if the local limiter refused to wait
func (e *RequestError) IsRateLimited() bool {
	return e.Type == "rate_limit"
}

// IsCircuitOpen returns true if the breaker rejected the request
func (e *RequestError) IsCircuitOpen() bool {
	return e.Type == "circuit"
}
