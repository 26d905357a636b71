package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/filterstream/internal/config"
	"github.com/sawpanic/filterstream/stream"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--log-format", "json", "--log-level", "error"}, args...))
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "filterstream "+version+"\n", out)
}

func TestRulesList(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"id":"1","value":"#golang","tag":"go"},{"id":"2","value":"cats has:images"}],"meta":{"result_count":2}}`)
	}))
	defer server.Close()

	t.Setenv(config.EnvToken, "cli-token")
	t.Setenv(config.EnvRulesURL, server.URL)

	out, err := execute(t, "rules", "list")
	require.NoError(t, err)
	assert.Equal(t, "Bearer cli-token", auth)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "#golang")
	assert.Contains(t, out, "cats has:images")
}

func TestRulesAddDryRun(t *testing.T) {
	var query string
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"id":"9","value":"#golang","tag":"go"}],"meta":{"summary":{"created":1,"valid":1}}}`)
	}))
	defer server.Close()

	t.Setenv(config.EnvToken, "cli-token")
	t.Setenv(config.EnvRulesURL, server.URL)

	out, err := execute(t, "rules", "add", "#golang", "--tag", "go", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, "dry_run=true", query)
	assert.Equal(t, []any{map[string]any{"value": "#golang", "tag": "go"}}, body["add"])
	assert.Contains(t, out, "9")
}

func TestRulesRequiresToken(t *testing.T) {
	t.Setenv(config.EnvToken, "")
	_, err := execute(t, "rules", "list")
	assert.ErrorContains(t, err, "token is required")
}

func TestStreamToStdout(t *testing.T) {
	post := `{"data":{"id":"1445880548472328192","text":"hello"},"matching_rules":[{"id":"7","tag":"news"}]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cli-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "\r\n")
		fmt.Fprint(w, post+"\r\n")
		fmt.Fprint(w, post+"\r\n")
	}))
	defer server.Close()

	t.Setenv(config.EnvToken, "cli-token")
	t.Setenv(config.EnvStreamURL, server.URL)
	t.Setenv(config.EnvRedisAddr, "")

	out, err := execute(t, "stream", "--no-retry")
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrStreamClosed)

	lines := bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n"))
	require.Len(t, lines, 1, "the replayed post is dropped")

	var msg stream.Message
	require.NoError(t, json.Unmarshal(lines[0], &msg))
	assert.JSONEq(t, post, string(msg.Raw))
	assert.NotEmpty(t, msg.ConnectionID)
}

func TestApplyStreamFlags(t *testing.T) {
	fs := pflag.NewFlagSet("stream", pflag.ContinueOnError)
	addStreamFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--url", "https://stream.example.com/2/stream",
		"--timeout", "45s",
		"--no-retry",
		"--relay",
		"--handler-policy", "abort",
	}))

	cfg := config.DefaultConfig()
	require.NoError(t, applyStreamFlags(fs, cfg))

	assert.Equal(t, "https://stream.example.com/2/stream", cfg.Stream.URL)
	assert.Equal(t, 45000, cfg.Stream.TimeoutMS)
	assert.False(t, cfg.Stream.Retry.Enabled)
	assert.True(t, cfg.Relay.Enabled)
	assert.True(t, cfg.Metrics.Enabled, "the relay needs the monitor server")
	assert.Equal(t, "abort", cfg.Stream.HandlerPolicy)
	assert.True(t, cfg.Dedup.Enabled)
}

func TestApplyStreamFlags_Invalid(t *testing.T) {
	fs := pflag.NewFlagSet("stream", pflag.ContinueOnError)
	addStreamFlags(fs)
	require.NoError(t, fs.Parse([]string{"--handler-policy", "explode"}))

	err := applyStreamFlags(fs, config.DefaultConfig())
	assert.ErrorContains(t, err, "handler_policy")
}
