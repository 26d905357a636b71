package client

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/filterstream/infra/breakers"
	"github.com/sawpanic/filterstream/internal/net/ratelimit"
)

func TestWrapper_SetsHeaders(t *testing.T) {
	var auth, agent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		agent = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	w := NewWrapper(WrapperConfig{Service: "rules"}, "abc", nil)
	httpClient := &http.Client{Transport: w}

	resp, err := httpClient.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer abc", auth)
	assert.Equal(t, defaultUserAgent, agent)

	w.SetToken("rotated")
	resp, err = httpClient.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer rotated", auth)
}

func TestWrapper_ServerErrorsTripBreaker(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	b := breakers.New("rules", breakers.DefaultSettings(), nil)
	httpClient := &http.Client{Transport: NewWrapper(WrapperConfig{Service: "rules", Breaker: b}, "t", nil)}

	for i := 0; i < 3; i++ {
		resp, err := httpClient.Get(server.URL)
		require.NoError(t, err, "5xx responses are returned to the caller")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		resp.Body.Close()
	}

	_, err := httpClient.Get(server.URL)
	require.Error(t, err)

	var rerr *RequestError
	require.True(t, errors.As(err, &rerr))
	assert.True(t, rerr.IsCircuitOpen())
	assert.ErrorIs(t, err, breakers.ErrOpen)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestWrapper_ClientErrorsDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	b := breakers.New("rules", breakers.DefaultSettings(), nil)
	httpClient := &http.Client{Transport: NewWrapper(WrapperConfig{Service: "rules", Breaker: b}, "t", nil)}

	for i := 0; i < 5; i++ {
		resp, err := httpClient.Get(server.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, "closed", b.State())
}

func TestWrapper_RateLimitedByEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	limiter := ratelimit.NewLimiter(100, 1)
	var seen []string
	w := NewWrapper(WrapperConfig{
		Service:     "rules",
		RateLimiter: limiter,
		Endpoint: func(r *http.Request) string {
			seen = append(seen, r.Method)
			return "rules." + r.Method
		},
	}, "t", nil)

	resp, err := (&http.Client{Transport: w}).Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{http.MethodGet}, seen)
	_, tracked := limiter.Stats()["rules.GET"]
	assert.True(t, tracked)
}
