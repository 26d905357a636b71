package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/filterstream/stream"
)

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_RelaysMessages(t *testing.T) {
	hub := NewHub(DefaultConfig())
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	first := dial(t, server)
	second := dial(t, server)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	payload := json.RawMessage(`{"data":{"id":"1","text":"hello"}}`)
	require.NoError(t, hub.Write(context.Background(), stream.Message{Raw: payload}))

	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		assert.JSONEq(t, string(payload), string(data))
	}
}

func TestHub_ClientCountCallback(t *testing.T) {
	hub := NewHub(DefaultConfig())
	counts := make(chan int, 4)
	hub.OnClientsChanged(func(n int) { counts <- n })

	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, server)
	assert.Equal(t, 1, <-counts)

	conn.Close()
	select {
	case n := <-counts:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not observed")
	}
	require.NoError(t, hub.Close())
}

func TestHub_MaxClients(t *testing.T) {
	hub := NewHub(Config{MaxClients: 1})
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	dial(t, server)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub(DefaultConfig())
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewHub(DefaultConfig())
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, server)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Close())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.ErrorIs(t, hub.Write(context.Background(), stream.Message{Raw: []byte(`{}`)}), ErrClosed)
}

func TestHub_CloseWhileClientsJoin(t *testing.T) {
	hub := NewHub(Config{})
	server := httptest.NewServer(hub)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if resp != nil {
				resp.Body.Close()
			}
			if err != nil {
				return
			}
			defer conn.Close()
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, hub.Close())
	assert.Zero(t, hub.Clients(), "every registered client is gone once Close returns")
	wg.Wait()
}

func TestHub_HandshakeKeepsResponseHeaders(t *testing.T) {
	hub := NewHub(DefaultConfig())
	defer hub.Close()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", "abc12345")
		hub.ServeHTTP(w, r)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "abc12345", resp.Header.Get("X-Request-ID"))
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub := NewHub(DefaultConfig())
	assert.Zero(t, hub.Broadcast([]byte(`{}`)))
	assert.Equal(t, "relay", hub.Name())
}
