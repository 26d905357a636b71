package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is a supervisor lifecycle state
type State int32

const (
	StateIdle          State = iota // Created, Run not called yet
	StateConnecting                 // Waiting for the connector
	StateStreaming                  // Reading from an open connection
	StateAwaitingRetry              // Sleeping out the backoff
	StateStopped                    // Terminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateAwaitingRetry:
		return "awaiting_retry"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and logs
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Supervisor keeps one filtered stream alive and feeds its payloads to a
// Handler. A stopped Supervisor cannot be restarted; build a new one.
type Supervisor struct {
	connector Connector
	handler   Handler
	retry     *RetryState
	policy    HandlerPolicy
	observer  Observer
	logger    zerolog.Logger
	maxLine   int

	mu      sync.RWMutex
	token   string
	url     string
	timeout time.Duration

	state    atomic.Int32
	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	wait func(ctx context.Context, d time.Duration) error
}

// New validates opts and creates a Supervisor. Invalid options fail with a
// *ConfigurationError before any network activity.
func New(opts Options, handler Handler) (*Supervisor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, configErr("handler", "must not be nil")
	}
	o := opts.withDefaults()

	logger := log.Logger
	if o.Logger != nil {
		logger = *o.Logger
	}

	connector := o.Connector
	if connector == nil {
		connector = NewHTTPConnector(o.Token, o.HTTPClient)
	}

	var retry *RetryState
	if o.Retry != nil {
		retry = NewRetryState(o.Retry.Base, o.Retry.CustomBackoff)
	}

	return &Supervisor{
		connector: connector,
		handler:   handler,
		retry:     retry,
		policy:    o.HandlerPolicy,
		observer:  o.Observer,
		logger:    logger.With().Str("component", "stream").Logger(),
		maxLine:   o.MaxLineBytes,
		token:     o.Token,
		url:       o.URL,
		timeout:   o.Timeout,
		stopCh:    make(chan struct{}),
		wait:      sleepContext,
	}, nil
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// SetToken replaces the bearer token for the next connection
func (s *Supervisor) SetToken(token string) error {
	if token == "" {
		return configErr("token", "must be a non-empty string")
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	if tc, ok := s.connector.(interface{ SetToken(string) }); ok {
		tc.SetToken(token)
	}
	return nil
}

// SetURL replaces the streaming endpoint for the next connection
func (s *Supervisor) SetURL(url string) error {
	if err := validateURL(url); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
	return nil
}

// SetTimeout replaces the idle timeout for the next connection
func (s *Supervisor) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return configErr("timeout", "must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = timeout
	return nil
}

func (s *Supervisor) endpoint() (string, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url, s.timeout
}

// Stop moves the supervisor to Stopped and cancels the active connection.
// It is safe to call from any goroutine, any number of times.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		s.logger.Info().Msg("Stream supervisor stopped before start")
	}
}

// Run connects and streams until Stop is called, ctx ends, or a failure
// cannot be recovered. It returns nil after Stop, ctx.Err() when ctx ended,
// and the failure otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrStopped
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			s.finish(nil)
			return parent.Err()
		}

		var handlerErr *HandlerError
		if errors.As(err, &handlerErr) {
			s.finish(err)
			return err
		}

		if s.retry == nil {
			s.finish(err)
			return err
		}

		s.setState(StateAwaitingRetry)
		attempt := s.retry.Attempts() + 1
		wait := s.retry.NextBackOff()
		s.emit(Event{Kind: EventRetryScheduled, Backoff: wait, Attempt: attempt, Err: err})

		if err := s.wait(ctx, wait); err != nil {
			s.finish(nil)
			return parent.Err()
		}
		s.setState(StateConnecting)
	}
}

// session runs one connection from connect to failure
func (s *Supervisor) session(ctx context.Context) error {
	url, timeout := s.endpoint()

	h, err := s.connector.Connect(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.emit(Event{Kind: EventTransportError, Err: err})
		return err
	}
	defer h.Cancel(errSuperseded)

	s.setState(StateStreaming)
	s.emit(Event{Kind: EventConnected, ConnectionID: h.ID})

	dog := newWatchdog(timeout, func() {
		h.Cancel(&TimeoutError{ConnectionID: h.ID, Idle: timeout})
	})
	defer dog.Stop()

	scanner := bufio.NewScanner(&activityReader{r: h.Body, touch: dog.Touch})
	scanner.Buffer(make([]byte, 0, 4096), s.maxLine)

	for scanner.Scan() {
		if err := s.dispatch(ctx, h, dog, scanner.Bytes()); err != nil {
			return err
		}
	}
	return s.sessionEnd(ctx, h, scanner.Err())
}

// dispatch classifies one line and acts on it
func (s *Supervisor) dispatch(ctx context.Context, h *Handle, dog *watchdog, line []byte) error {
	c, err := Classify(line)
	if err != nil {
		var terr *TransportError
		if errors.As(err, &terr) {
			terr.URL = h.URL
			terr.ConnectionID = h.ID
		}
		h.Cancel(err)
		s.emit(Event{Kind: EventTransportError, ConnectionID: h.ID, Err: err})
		return err
	}

	switch c.Kind {
	case KindKeepAlive:
		s.resetBackoff()
		s.emit(Event{Kind: EventKeepAlive, ConnectionID: h.ID})

	case KindServerError:
		serr := c.ServerError
		serr.ConnectionID = h.ID
		h.Cancel(serr)
		s.emit(Event{Kind: EventServerError, ConnectionID: h.ID, Err: serr})
		return serr

	case KindPayload:
		s.resetBackoff()
		msg := Message{
			Raw:          append(json.RawMessage(nil), c.Raw...),
			ConnectionID: h.ID,
			ReceivedAt:   time.Now().UTC(),
		}

		dog.Pause()
		start := time.Now()
		herr := s.invoke(ctx, msg)
		dog.Touch()
		s.emit(Event{Kind: EventPayload, ConnectionID: h.ID, Duration: time.Since(start)})

		if herr != nil {
			werr := &HandlerError{ConnectionID: h.ID, Err: herr}
			s.emit(Event{Kind: EventHandlerError, ConnectionID: h.ID, Err: werr})
			if s.policy == HandlerAbort {
				h.Cancel(werr)
				return werr
			}
		}
	}
	return nil
}

// sessionEnd turns the end of the body into the error that caused it
func (s *Supervisor) sessionEnd(ctx context.Context, h *Handle, scanErr error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var timeout *TimeoutError
	if errors.As(h.Cause(), &timeout) {
		s.emit(Event{Kind: EventTimeout, ConnectionID: h.ID, Err: timeout})
		return timeout
	}

	if scanErr == nil {
		scanErr = ErrStreamClosed
	}
	err := &TransportError{Op: "read", URL: h.URL, ConnectionID: h.ID, Err: scanErr}
	s.emit(Event{Kind: EventTransportError, ConnectionID: h.ID, Err: err})
	return err
}

// invoke runs the handler and converts a panic into an error
func (s *Supervisor) invoke(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, msg)
}

func (s *Supervisor) resetBackoff() {
	if s.retry != nil {
		s.retry.Reset()
	}
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Supervisor) finish(err error) {
	s.setState(StateStopped)
	s.emit(Event{Kind: EventStopped, Err: err})
}

func (s *Supervisor) emit(e Event) {
	e.State = s.State()
	e.At = time.Now().UTC()

	s.logEvent(e)
	if s.observer != nil {
		s.observer.OnEvent(e)
	}
}

func (s *Supervisor) logEvent(e Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case EventKeepAlive, EventPayload:
		ev = s.logger.Debug()
	case EventConnected, EventRetryScheduled:
		ev = s.logger.Info()
	case EventServerError, EventTimeout, EventTransportError:
		ev = s.logger.Warn()
	case EventHandlerError:
		ev = s.logger.Error()
	case EventStopped:
		if e.Err != nil {
			ev = s.logger.Error()
		} else {
			ev = s.logger.Info()
		}
	default:
		ev = s.logger.Debug()
	}

	ev = ev.Str("event", string(e.Kind)).Stringer("state", e.State)
	if e.ConnectionID != "" {
		ev = ev.Str("connection_id", e.ConnectionID)
	}
	if e.Kind == EventRetryScheduled {
		ev = ev.Dur("backoff", e.Backoff).Int("attempt", e.Attempt)
	}
	if e.Kind == EventPayload {
		ev = ev.Dur("handler_duration", e.Duration)
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}
	ev.Msg("Stream event")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
