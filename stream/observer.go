package stream

import "time"

// EventKind names a classified supervisor event
type EventKind string

const (
	EventConnected      EventKind = "connected"
	EventKeepAlive      EventKind = "keep_alive"
	EventPayload        EventKind = "payload"
	EventServerError    EventKind = "server_error"
	EventTimeout        EventKind = "timeout"
	EventTransportError EventKind = "transport_error"
	EventRetryScheduled EventKind = "retry_scheduled"
	EventHandlerError   EventKind = "handler_error"
	EventStopped        EventKind = "stopped"
)

// Event is emitted for every classified outcome, recovered or not
type Event struct {
	Kind         EventKind     `json:"kind"`
	State        State         `json:"state"`
	ConnectionID string        `json:"connection_id,omitempty"`
	Backoff      time.Duration `json:"backoff,omitempty"`
	Attempt      int           `json:"attempt,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"` // Handler run time for payloads
	Err          error         `json:"-"`
	At           time.Time     `json:"at"`
}

// Observer receives events synchronously on the supervisor goroutine, so
// implementations must return quickly.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

// OnEvent calls f
func (f ObserverFunc) OnEvent(e Event) {
	f(e)
}

// Observers fans events out to several observers in order
type Observers []Observer

// OnEvent forwards e to every non-nil observer
func (o Observers) OnEvent(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.OnEvent(e)
		}
	}
}
