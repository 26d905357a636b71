package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	userAgent    = "filterstream/1.0 (+https://github.com/sawpanic/filterstream)"
	maxErrorBody = 4 << 10
)

// Connector opens a new stream connection. Every call must return a handle
// with its own cancellation signal.
type Connector interface {
	Connect(ctx context.Context, url string) (*Handle, error)
}

// Handle is one open connection. It is never reused: a reconnect abandons
// the old handle and opens a new one.
type Handle struct {
	ID       string
	URL      string
	OpenedAt time.Time
	Body     io.ReadCloser

	ctx       context.Context
	cancel    context.CancelCauseFunc
	closeOnce sync.Once
}

// OpenHandle mints a fresh cancellation signal derived from parent, then
// calls open with it to obtain the body. Custom connectors build handles
// through it so no two connections share a signal.
func OpenHandle(parent context.Context, url string, open func(ctx context.Context) (io.ReadCloser, error)) (*Handle, error) {
	ctx, cancel := context.WithCancelCause(parent)

	body, err := open(ctx)
	if err != nil {
		cancel(err)
		return nil, err
	}

	h := &Handle{
		ID:       uuid.New().String(),
		URL:      url,
		OpenedAt: time.Now().UTC(),
		Body:     body,
		ctx:      ctx,
		cancel:   cancel,
	}
	// A blocked read must return once the signal fires, whoever fired it.
	context.AfterFunc(ctx, h.closeBody)
	return h, nil
}

// Context is cancelled when the handle is cancelled or its parent ends
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Cancel signals the connection with cause and closes the body. Only the
// first cause is kept.
func (h *Handle) Cancel(cause error) {
	h.cancel(cause)
	h.closeBody()
}

func (h *Handle) closeBody() {
	h.closeOnce.Do(func() {
		_ = h.Body.Close()
	})
}

// Cause returns why the handle was cancelled, or nil while it is live
func (h *Handle) Cause() error {
	return context.Cause(h.ctx)
}

// HTTPConnector opens streams with a bearer-token GET request
type HTTPConnector struct {
	client *http.Client

	mu    sync.RWMutex
	token string
}

// NewHTTPConnector creates a connector. The client must not set a Timeout,
// which would cut the long-lived body; idle detection belongs to the
// supervisor.
func NewHTTPConnector(token string, client *http.Client) *HTTPConnector {
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = 30 * time.Second
		client = &http.Client{Transport: transport}
	}
	return &HTTPConnector{
		client: client,
		token:  token,
	}
}

// SetToken replaces the bearer token used by later connections
func (c *HTTPConnector) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *HTTPConnector) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return "Bearer " + c.token
}

// Connect issues the GET request and returns a handle over the response body
func (c *HTTPConnector) Connect(ctx context.Context, url string) (*Handle, error) {
	return OpenHandle(ctx, url, func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, &TransportError{Op: "connect", URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
		}
		req.Header.Set("Authorization", c.bearer())
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, &TransportError{Op: "connect", URL: url, Err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &TransportError{
				Op:         "connect",
				URL:        url,
				StatusCode: resp.StatusCode,
				Body:       string(body),
				Err:        fmt.Errorf("unexpected status %s", resp.Status),
			}
		}

		return resp.Body, nil
	})
}
