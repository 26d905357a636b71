package stream

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout is the idle gap after which a connection is considered stale
	DefaultTimeout = 20 * time.Second
	// DefaultMaxLineBytes bounds a single JSON line read from the stream
	DefaultMaxLineBytes = 1 << 20
)

// HandlerPolicy decides what a failing handler does to the stream
type HandlerPolicy int

const (
	// HandlerContinue logs the failure and keeps streaming
	HandlerContinue HandlerPolicy = iota
	// HandlerAbort stops the supervisor and returns the failure from Run
	HandlerAbort
)

func (p HandlerPolicy) String() string {
	switch p {
	case HandlerContinue:
		return "continue"
	case HandlerAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// RetryOptions enables reconnection. A nil *RetryOptions disables it.
type RetryOptions struct {
	Base          time.Duration // First wait, defaults to DefaultRetryBase
	CustomBackoff BackoffFunc   // Growth function, defaults to SquareBackoff
}

// Options configures a Supervisor
type Options struct {
	Token   string        // Bearer token (required)
	URL     string        // Streaming endpoint (required)
	Timeout time.Duration // Idle timeout, defaults to DefaultTimeout
	Retry   *RetryOptions // nil disables reconnection

	HandlerPolicy HandlerPolicy
	Observer      Observer
	Logger        *zerolog.Logger
	HTTPClient    *http.Client // Used by the default connector
	Connector     Connector    // Overrides the HTTP connector
	MaxLineBytes  int
}

// Validate checks every field and reports the first invalid one
func (o *Options) Validate() error {
	if o.Token == "" {
		return configErr("token", "must be a non-empty string")
	}
	if err := validateURL(o.URL); err != nil {
		return err
	}
	if o.Timeout < 0 {
		return configErr("timeout", "must be positive")
	}
	if o.Retry != nil && o.Retry.Base < 0 {
		return configErr("retry.base", "must be positive")
	}
	if o.MaxLineBytes < 0 {
		return configErr("maxLineBytes", "must be positive")
	}
	switch o.HandlerPolicy {
	case HandlerContinue, HandlerAbort:
	default:
		return configErr("handlerPolicy", fmt.Sprintf("unknown policy %d", o.HandlerPolicy))
	}
	return nil
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Timeout == 0 {
		out.Timeout = DefaultTimeout
	}
	if out.MaxLineBytes == 0 {
		out.MaxLineBytes = DefaultMaxLineBytes
	}
	return out
}

func validateURL(raw string) error {
	if raw == "" {
		return configErr("url", "must be a non-empty string")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return configErr("url", err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return configErr("url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return configErr("url", "missing host")
	}
	return nil
}

// ParseOptions builds Options from a loosely typed map, as produced by
// decoding YAML or JSON. Numeric durations are milliseconds. "retry" may be
// a boolean or an object with optional "base" and "customBackoff" keys.
func ParseOptions(raw map[string]any) (Options, error) {
	var opts Options

	token, ok := raw["token"].(string)
	if !ok || token == "" {
		return Options{}, configErr("token", "must be a non-empty string")
	}
	opts.Token = token

	rawURL, present := raw["url"]
	if !present {
		return Options{}, configErr("url", "is required")
	}
	u, ok := rawURL.(string)
	if !ok {
		return Options{}, configErr("url", fmt.Sprintf("must be a string, got %T", rawURL))
	}
	opts.URL = u

	if v, present := raw["timeout"]; present && v != nil {
		d, ok := toDuration(v)
		if !ok {
			return Options{}, configErr("timeout", fmt.Sprintf("must be a number, got %T", v))
		}
		if d <= 0 {
			return Options{}, configErr("timeout", "must be positive")
		}
		opts.Timeout = d
	}

	if v, present := raw["retry"]; present && v != nil {
		retry, err := parseRetry(v)
		if err != nil {
			return Options{}, err
		}
		opts.Retry = retry
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func parseRetry(v any) (*RetryOptions, error) {
	switch r := v.(type) {
	case bool:
		if !r {
			return nil, nil
		}
		return &RetryOptions{}, nil
	case *RetryOptions:
		return r, nil
	case map[string]any:
		retry := &RetryOptions{}
		if b, present := r["base"]; present && b != nil {
			d, ok := toDuration(b)
			if !ok {
				return nil, configErr("retry.base", fmt.Sprintf("must be a number, got %T", b))
			}
			if d <= 0 {
				return nil, configErr("retry.base", "must be positive")
			}
			retry.Base = d
		}
		if f, present := r["customBackoff"]; present && f != nil {
			switch fn := f.(type) {
			case BackoffFunc:
				retry.CustomBackoff = fn
			case func(time.Duration) time.Duration:
				retry.CustomBackoff = fn
			default:
				return nil, configErr("retry.customBackoff", fmt.Sprintf("must be a function, got %T", f))
			}
		}
		return retry, nil
	default:
		return nil, configErr("retry", fmt.Sprintf("must be a boolean or an object, got %T", v))
	}
}

// toDuration accepts numbers as milliseconds and time.Duration verbatim
func toDuration(v any) (time.Duration, bool) {
	switch n := v.(type) {
	case time.Duration:
		return n, true
	case int:
		return time.Duration(n) * time.Millisecond, true
	case int32:
		return time.Duration(n) * time.Millisecond, true
	case int64:
		return time.Duration(n) * time.Millisecond, true
	case uint:
		return time.Duration(n) * time.Millisecond, true
	case uint32:
		return time.Duration(n) * time.Millisecond, true
	case uint64:
		if n > math.MaxInt64/uint64(time.Millisecond) {
			return 0, false
		}
		return time.Duration(n) * time.Millisecond, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return time.Duration(n * float64(time.Millisecond)), true
	case float32:
		return time.Duration(float64(n) * float64(time.Millisecond)), true
	default:
		return 0, false
	}
}
