package stream

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultRetryBase is the first wait applied after a failed connection
	DefaultRetryBase = 10 * time.Second

	maxDuration = time.Duration(math.MaxInt64)
)

// BackoffFunc maps the current backoff onto the next one. It must be a pure
// function.
type BackoffFunc func(current time.Duration) time.Duration

// SquareBackoff squares the backoff expressed in milliseconds, so 10s (10000ms)
// becomes 100000000ms. Results that do not fit a time.Duration saturate.
func SquareBackoff(current time.Duration) time.Duration {
	ms := current.Milliseconds()
	if ms <= 0 {
		return current
	}
	if ms > math.MaxInt64/ms {
		return maxDuration
	}
	squared := ms * ms
	if squared > math.MaxInt64/int64(time.Millisecond) {
		return maxDuration
	}
	return time.Duration(squared) * time.Millisecond
}

// RetryState tracks the reconnect backoff of one supervisor. It is only
// touched from the goroutine running the supervisor loop.
type RetryState struct {
	base     time.Duration
	current  time.Duration
	next     BackoffFunc
	attempts int
}

var _ backoff.BackOff = (*RetryState)(nil)

// NewRetryState creates retry state starting at base. A nil fn selects
// SquareBackoff.
func NewRetryState(base time.Duration, fn BackoffFunc) *RetryState {
	if base <= 0 {
		base = DefaultRetryBase
	}
	if fn == nil {
		fn = SquareBackoff
	}
	return &RetryState{
		base:    base,
		current: base,
		next:    fn,
	}
}

// NextBackOff returns the wait for this attempt and grows the backoff once
// for the following one. A backoff function that would shrink the value is
// ignored so the backoff never decreases between successes.
func (r *RetryState) NextBackOff() time.Duration {
	wait := r.current
	grown := r.next(r.current)
	if grown > r.current {
		r.current = grown
	}
	r.attempts++
	return wait
}

// Reset puts the backoff back to base after a successful message
func (r *RetryState) Reset() {
	r.current = r.base
	r.attempts = 0
}

// Current returns the wait the next retry would use
func (r *RetryState) Current() time.Duration {
	return r.current
}

// Base returns the configured base backoff
func (r *RetryState) Base() time.Duration {
	return r.base
}

// Attempts returns the number of consecutive retries since the last success
func (r *RetryState) Attempts() int {
	return r.attempts
}
