// Package sink delivers stream messages to their destinations.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sawpanic/filterstream/stream"
)

// Sink receives every payload the stream delivers
type Sink interface {
	Name() string
	Write(ctx context.Context, msg stream.Message) error
}

// Writer emits each message as one JSON line
type Writer struct {
	mu   sync.Mutex
	name string
	enc  *json.Encoder
}

// NewWriter writes JSON lines to w
func NewWriter(name string, w io.Writer) *Writer {
	return &Writer{name: name, enc: json.NewEncoder(w)}
}

func (w *Writer) Name() string { return w.name }

func (w *Writer) Write(_ context.Context, msg stream.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Multi fans a message out to several sinks. A failing sink does not stop
// delivery to the others.
type Multi struct {
	sinks   []Sink
	observe func(sink string, err error)
}

// NewMulti builds a fan-out. observe, when set, is told the outcome of every
// write.
func NewMulti(observe func(sink string, err error), sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, observe: observe}
}

func (m *Multi) Name() string { return "multi" }

// Len returns the number of sinks
func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Write(ctx context.Context, msg stream.Message) error {
	var errs []error
	for _, s := range m.sinks {
		err := s.Write(ctx, msg)
		if m.observe != nil {
			m.observe(s.Name(), err)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
