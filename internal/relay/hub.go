package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/filterstream/stream"
)

// ErrClosed is returned when the hub no longer accepts clients or messages
var ErrClosed = errors.New("relay hub closed")

// Config tunes the hub
type Config struct {
	MaxClients   int           // 0 means unlimited
	BufferSize   int           // Per-client queue; a full queue drops the client
	WriteTimeout time.Duration // Deadline for each frame
	PingInterval time.Duration // Keep-alive pings; pong wait is twice this

	// CheckOrigin overrides the upgrader origin check. Nil allows local
	// origins only.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns sensible relay defaults
func DefaultConfig() Config {
	return Config{
		MaxClients:   64,
		BufferSize:   256,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	addr      string
	joinedAt  time.Time
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub relays stream payloads to every connected WebSocket client. Each
// client has its own writer goroutine; a client that cannot keep up is
// disconnected instead of slowing the stream.
type Hub struct {
	config   Config
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup

	onClients func(n int)
}

// NewHub creates a hub
func NewHub(config Config) *Hub {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = localOrigin
	}

	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[*client]struct{}),
	}
}

// OnClientsChanged registers a callback receiving the client count
func (h *Hub) OnClientsChanged(fn func(n int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClients = fn
}

// ServeHTTP upgrades the request and registers the client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed, full := h.closed, h.config.MaxClients > 0 && len(h.clients) >= h.config.MaxClients
	h.mu.RUnlock()
	if closed {
		http.Error(w, "relay closed", http.StatusServiceUnavailable)
		return
	}
	if full {
		http.Error(w, "too many relay clients", http.StatusServiceUnavailable)
		return
	}

	// Upgrade writes its own handshake; carry over headers set by middleware
	header := w.Header().Clone()
	header.Del("Sec-Websocket-Extensions")
	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Relay upgrade failed")
		return
	}

	c := &client{
		conn:     conn,
		send:     make(chan []byte, h.config.BufferSize),
		done:     make(chan struct{}),
		addr:     r.RemoteAddr,
		joinedAt: time.Now(),
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	// Added under the lock so Close never waits on a count it cannot see
	h.wg.Add(2)
	n, fn := len(h.clients), h.onClients
	h.mu.Unlock()

	if fn != nil {
		fn(n)
	}
	log.Info().Str("remote_addr", c.addr).Int("clients", n).Msg("Relay client connected")
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	n, fn := len(h.clients), h.onClients
	h.mu.Unlock()

	c.close()
	if !present {
		return
	}
	if fn != nil {
		fn(n)
	}
	log.Info().
		Str("remote_addr", c.addr).
		Dur("connected_for", time.Since(c.joinedAt)).
		Int("clients", n).
		Msg("Relay client disconnected")
}

// readLoop drains client frames so control messages are processed
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.unregister(c)

	pongWait := 2 * h.config.PingInterval
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(h.config.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.unregister(c)
				return
			}
		case <-c.done:
			deadline := time.Now().Add(h.config.WriteTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closing"), deadline)
			return
		}
	}
}

// Broadcast queues data for every client and returns how many accepted it.
// Clients whose queue is full are disconnected.
func (h *Hub) Broadcast(data []byte) int {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		select {
		case c.send <- data:
			delivered++
		default:
			log.Warn().Str("remote_addr", c.addr).Msg("Relay client too slow, disconnecting")
			h.unregister(c)
		}
	}
	return delivered
}

// Name identifies the hub when used as a sink
func (h *Hub) Name() string { return "relay" }

// Write relays one stream message
func (h *Hub) Write(ctx context.Context, msg stream.Message) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	h.Broadcast(append([]byte(nil), msg.Raw...))
	return nil
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
	return nil
}

func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
}
