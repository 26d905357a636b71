package stream

import (
	"io"
	"sync"
	"time"
)

// watchdog fires once when it has not been touched for timeout. It belongs
// to a single connection.
type watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	paused  bool
	stopped bool
}

func newWatchdog(timeout time.Duration, fire func()) *watchdog {
	w := &watchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		idle := !w.paused && !w.stopped
		w.mu.Unlock()
		if idle {
			fire()
		}
	})
	return w
}

// Touch re-arms the timer after data arrived
func (w *watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.paused = false
	w.timer.Stop()
	w.timer.Reset(w.timeout)
}

// Pause disarms the timer while the handler owns the goroutine
func (w *watchdog) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true
	w.timer.Stop()
}

// Stop disarms the timer for good
func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}

// activityReader touches the watchdog on every chunk read from the body
type activityReader struct {
	r     io.Reader
	touch func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}
