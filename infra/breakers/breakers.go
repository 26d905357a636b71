package breakers

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"
)

// ErrOpen is returned while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker open")

// Settings tunes when a breaker trips and how long it stays open
type Settings struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	MinRequests         uint32        `yaml:"min_requests"`
	FailureRatio        float64       `yaml:"failure_ratio"`
	Interval            time.Duration `yaml:"interval"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// DefaultSettings trips after 3 consecutive failures, or above 5% failures
// once 20 requests were seen in the window.
func DefaultSettings() Settings {
	return Settings{
		ConsecutiveFailures: 3,
		MinRequests:         20,
		FailureRatio:        0.05,
		Interval:            60 * time.Second,
		OpenTimeout:         60 * time.Second,
	}
}

type Breaker struct {
	name string
	cb   *cb.CircuitBreaker
}

// New creates a breaker. isSuccessful decides which errors count against
// the breaker; nil counts every error.
func New(name string, s Settings, isSuccessful func(error) bool) *Breaker {
	st := cb.Settings{
		Name:         name,
		Interval:     s.Interval,
		Timeout:      s.OpenTimeout,
		IsSuccessful: isSuccessful,
	}
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if s.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= s.ConsecutiveFailures {
			return true
		}
		if counts.Requests < s.MinRequests || counts.Requests == 0 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > s.FailureRatio
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		log.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	}
	return &Breaker{name: name, cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn through the breaker. Rejections come back as ErrOpen.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return v, err
}

// Name returns the breaker name
func (b *Breaker) Name() string { return b.name }

// State returns closed, half-open or open
func (b *Breaker) State() string { return b.cb.State().String() }
