package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/filterstream/internal/metrics"
	"github.com/sawpanic/filterstream/internal/relay"
	"github.com/sawpanic/filterstream/stream"
)

func newTestServer(t *testing.T) (*Server, *metrics.Registry, *httptest.Server) {
	t.Helper()
	registry := metrics.NewRegistry()
	s := NewServer(DefaultServerConfig(), registry, "v-test")
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, registry, ts
}

func getHealth(t *testing.T, url string) (int, HealthResponse) {
	t.Helper()
	resp, err := http.Get(url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealth_Streaming(t *testing.T) {
	_, registry, ts := newTestServer(t)
	registry.OnEvent(stream.Event{Kind: stream.EventConnected, State: stream.StateStreaming, ConnectionID: "c1", At: time.Now()})

	status, body := getHealth(t, ts.URL)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "v-test", body.Version)
	assert.Equal(t, "streaming", body.Stream.State)
	assert.Equal(t, "c1", body.Stream.ConnectionID)
	assert.Equal(t, float64(1), body.Stream.Connections)
}

func TestHealth_AwaitingRetryIsDegraded(t *testing.T) {
	_, registry, ts := newTestServer(t)
	registry.OnEvent(stream.Event{Kind: stream.EventRetryScheduled, State: stream.StateAwaitingRetry, Backoff: 4 * time.Second})

	status, body := getHealth(t, ts.URL)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, float64(4), body.Stream.BackoffSeconds)
}

func TestHealth_StoppedIsUnhealthy(t *testing.T) {
	_, registry, ts := newTestServer(t)
	registry.OnEvent(stream.Event{Kind: stream.EventStopped, State: stream.StateStopped})

	status, body := getHealth(t, ts.URL)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unhealthy", body.Status)
}

func TestHealth_FailingCheck(t *testing.T) {
	s, _, ts := newTestServer(t)
	s.AddCheck("redis", func(context.Context) error { return errors.New("dial tcp: connection refused") })
	s.AddCheck("postgres", func(context.Context) error { return nil })

	_, body := getHealth(t, ts.URL)
	assert.Equal(t, "degraded", body.Status)
	require.Contains(t, body.Checks, "redis")
	assert.Equal(t, "fail", body.Checks["redis"].Status)
	assert.Contains(t, body.Checks["redis"].Message, "connection refused")
	assert.Equal(t, "pass", body.Checks["postgres"].Status)
}

func TestMetricsEndpoint(t *testing.T) {
	_, registry, ts := newTestServer(t)
	registry.OnEvent(stream.Event{Kind: stream.EventKeepAlive, State: stream.StateStreaming})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `filterstream_events_total{kind="keep_alive"} 1`)
}

func TestRequestID(t *testing.T) {
	_, _, ts := newTestServer(t)

	first, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	first.Body.Close()
	second, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	second.Body.Close()

	assert.Len(t, first.Header.Get("X-Request-ID"), 8)
	assert.NotEqual(t, first.Header.Get("X-Request-ID"), second.Header.Get("X-Request-ID"))
}

func TestNotFound(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/candidates")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "/candidates", body["path"])
}

func TestCORS_LocalOriginsOnly(t *testing.T) {
	_, _, ts := newTestServer(t)

	for _, path := range []string{"/health", "/metrics"} {
		req, _ := http.NewRequest(http.MethodOptions, ts.URL+path, nil)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", "GET")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"), path)
		assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "GET", path)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "http://127.0.0.1:8080")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://127.0.0.1:8080", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRelayThroughMiddleware(t *testing.T) {
	s, _, ts := newTestServer(t)
	hub := relay.NewHub(relay.DefaultConfig())
	defer hub.Close()
	s.HandleRelay(hub)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Write(context.Background(), stream.Message{Raw: json.RawMessage(`{"data":{"id":"1"}}`)}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"id":"1"}}`, string(data))
}

func TestStartAndShutdown(t *testing.T) {
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, metrics.NewRegistry(), "v-test")
	require.NoError(t, s.Start())
	assert.NotEqual(t, "127.0.0.1:0", s.Addr())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	other := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, metrics.NewRegistry(), "v-test")
	require.NoError(t, other.Start())
	defer other.Shutdown(context.Background())

	busy := NewServer(ServerConfig{Addr: other.Addr()}, metrics.NewRegistry(), "v-test")
	assert.ErrorContains(t, busy.Start(), "busy or unavailable")
}
