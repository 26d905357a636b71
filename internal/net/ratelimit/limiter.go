package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is the token bucket for one endpoint
type Limit struct {
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

// Limiter provides per-endpoint rate limiting using token buckets. Endpoints
// without an explicit limit share the fallback settings.
type Limiter struct {
	mu        sync.RWMutex
	limiters  map[string]*rate.Limiter
	overrides map[string]Limit
	fallback  Limit
}

// NewLimiter creates a limiter whose endpoints default to rps and burst
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		overrides: make(map[string]Limit),
		fallback:  Limit{RPS: rps, Burst: burst},
	}
}

// SetEndpoint overrides the bucket for one endpoint
func (l *Limiter) SetEndpoint(endpoint string, limit Limit) {
	if limit.Burst < 1 {
		limit.Burst = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.overrides[endpoint] = limit
	if limiter, ok := l.limiters[endpoint]; ok {
		limiter.SetLimit(rate.Limit(limit.RPS))
		limiter.SetBurst(limit.Burst)
	}
}

func (l *Limiter) limiter(endpoint string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[endpoint]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := l.limiters[endpoint]; exists {
		return limiter
	}

	limit, ok := l.overrides[endpoint]
	if !ok {
		limit = l.fallback
	}
	limiter = rate.NewLimiter(rate.Limit(limit.RPS), limit.Burst)
	l.limiters[endpoint] = limiter
	return limiter
}

// Allow reports whether a request to endpoint may go out now
func (l *Limiter) Allow(endpoint string) bool {
	return l.limiter(endpoint).Allow()
}

// Wait blocks until a request to endpoint is allowed or ctx is cancelled
func (l *Limiter) Wait(ctx context.Context, endpoint string) error {
	return l.limiter(endpoint).Wait(ctx)
}

// Stats returns a snapshot of every endpoint seen so far
func (l *Limiter) Stats() map[string]Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]Stats, len(l.limiters))
	now := time.Now()
	for endpoint, limiter := range l.limiters {
		tokens := limiter.TokensAt(now)
		var delay time.Duration
		if tokens < 1 && limiter.Limit() > 0 {
			delay = time.Duration((1 - tokens) / float64(limiter.Limit()) * float64(time.Second))
		}
		stats[endpoint] = Stats{
			Endpoint:        endpoint,
			RPS:             float64(limiter.Limit()),
			Burst:           limiter.Burst(),
			TokensAvailable: tokens,
			Delay:           delay,
		}
	}
	return stats
}

// Reset forgets every bucket; overrides are kept
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = make(map[string]*rate.Limiter)
}

// Stats describes one endpoint bucket
type Stats struct {
	Endpoint        string        `json:"endpoint"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	Delay           time.Duration `json:"delay"`
}

// IsThrottled returns true if the next request would have to wait
func (s Stats) IsThrottled() bool {
	return s.Delay > 0
}
