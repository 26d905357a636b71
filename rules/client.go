package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/filterstream/infra/breakers"
	"github.com/sawpanic/filterstream/internal/net/client"
	"github.com/sawpanic/filterstream/internal/net/ratelimit"
)

const (
	maxResponseBody = 1 << 20

	endpointList   = "rules.list"
	endpointChange = "rules.change"
)

// Config holds rule client configuration
type Config struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"-"`
	DryRun         bool          `yaml:"dry_run"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxTries       uint          `yaml:"max_tries"`
	ListRPS        float64       `yaml:"list_rps"`
	ChangeRPS      float64       `yaml:"change_rps"`

	// Optional collaborators; zero values get sensible defaults
	Transport http.RoundTripper           `yaml:"-"`
	Limiter   *ratelimit.Limiter          `yaml:"-"`
	Breaker   *breakers.Breaker           `yaml:"-"`
	BackOff   func() backoff.BackOff      `yaml:"-"`
	OnRequest func(op string, status int) `yaml:"-"`
	Logger    *zerolog.Logger             `yaml:"-"`
}

// Client talks to the rule management endpoint. Transient failures (429,
// 5xx, network errors) are retried; everything else is returned at once.
type Client struct {
	url        string
	dryRun     bool
	http       *http.Client
	wrapper    *client.Wrapper
	maxTries   uint
	newBackOff func() backoff.BackOff
	onRequest  func(op string, status int)
	logger     zerolog.Logger
}

var _ API = (*Client)(nil)

// NewClient creates a rule client
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("rules: token is required")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if u, err := url.Parse(cfg.URL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("rules: invalid url %q", cfg.URL)
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.ListRPS == 0 {
		cfg.ListRPS = 0.5
	}
	if cfg.ChangeRPS == 0 {
		cfg.ChangeRPS = 0.5
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(cfg.ChangeRPS, 5)
		limiter.SetEndpoint(endpointList, ratelimit.Limit{RPS: cfg.ListRPS, Burst: 5})
		limiter.SetEndpoint(endpointChange, ratelimit.Limit{RPS: cfg.ChangeRPS, Burst: 5})
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = breakers.New("rules", breakers.DefaultSettings(), nil)
	}
	newBackOff := cfg.BackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	wrapper := client.NewWrapper(client.WrapperConfig{
		Service:     "rules",
		RateLimiter: limiter,
		Breaker:     breaker,
		Endpoint: func(r *http.Request) string {
			if r.Method == http.MethodGet {
				return endpointList
			}
			return endpointChange
		},
	}, cfg.Token, cfg.Transport)

	return &Client{
		url:        cfg.URL,
		dryRun:     cfg.DryRun,
		http:       &http.Client{Transport: wrapper, Timeout: cfg.RequestTimeout},
		wrapper:    wrapper,
		maxTries:   cfg.MaxTries,
		newBackOff: newBackOff,
		onRequest:  cfg.OnRequest,
		logger:     logger.With().Str("component", "rules").Logger(),
	}, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// SetToken replaces the bearer token for later requests
func (c *Client) SetToken(token string) {
	c.wrapper.SetToken(token)
}

type envelope struct {
	Data []Rule `json:"data"`
	Meta struct {
		Sent        string  `json:"sent"`
		ResultCount int     `json:"result_count"`
		Summary     Summary `json:"summary"`
	} `json:"meta"`
	Errors []ErrorObject `json:"errors"`
}

// List returns the active rules
func (c *Client) List(ctx context.Context) ([]Rule, error) {
	env, err := c.do(ctx, "list", http.MethodGet, nil, false)
	if err != nil {
		return nil, err
	}
	if len(env.Errors) > 0 && len(env.Data) == 0 {
		return nil, &APIError{Op: "list", StatusCode: http.StatusOK, Errors: env.Errors}
	}
	return env.Data, nil
}

// Create adds rules and returns them with their server-assigned ids. Rules
// the server refused are reported through *APIError alongside the ones it
// created.
func (c *Client) Create(ctx context.Context, rules ...Rule) ([]Rule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	add := make([]Rule, len(rules))
	for i, r := range rules {
		add[i] = Rule{Value: r.Value, Tag: r.Tag}
	}

	env, err := c.do(ctx, "create", http.MethodPost, map[string]any{"add": add}, c.dryRun)
	if err != nil {
		return nil, err
	}
	if len(env.Errors) > 0 {
		return env.Data, &APIError{Op: "create", StatusCode: http.StatusOK, Errors: env.Errors}
	}
	return env.Data, nil
}

// Delete removes rules by id
func (c *Client) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"delete": map[string]any{"ids": ids}}

	env, err := c.do(ctx, "delete", http.MethodPost, body, c.dryRun)
	if err != nil {
		return err
	}
	if len(env.Errors) > 0 {
		return &APIError{Op: "delete", StatusCode: http.StatusOK, Errors: env.Errors}
	}
	return nil
}

// Validate submits rules as a dry run and reports how many the server would
// accept, without changing anything.
func (c *Client) Validate(ctx context.Context, rules ...Rule) (Summary, error) {
	add := make([]Rule, len(rules))
	for i, r := range rules {
		add[i] = Rule{Value: r.Value, Tag: r.Tag}
	}
	env, err := c.do(ctx, "validate", http.MethodPost, map[string]any{"add": add}, true)
	if err != nil {
		return Summary{}, err
	}
	if len(env.Errors) > 0 {
		return env.Meta.Summary, &APIError{Op: "validate", StatusCode: http.StatusOK, Errors: env.Errors}
	}
	return env.Meta.Summary, nil
}

func (c *Client) do(ctx context.Context, op, method string, payload any, dryRun bool) (*envelope, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
	}

	endpoint := c.url
	if dryRun {
		endpoint += "?dry_run=true"
	}

	attempt := func() (*envelope, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.record(op, 0)
			var rerr *client.RequestError
			if ctx.Err() != nil || (errors.As(err, &rerr) && rerr.Type != "transport") {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		c.record(op, resp.StatusCode)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s response: %w", op, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := parseAPIError(op, resp.StatusCode, data)
			if apiErr.Temporary() {
				return nil, apiErr
			}
			return nil, backoff.Permanent(apiErr)
		}

		var env envelope
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &env); err != nil {
				return nil, backoff.Permanent(fmt.Errorf("failed to decode %s response: %w", op, err))
			}
		}
		return &env, nil
	}

	env, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn().Err(err).Str("op", op).Dur("retry_in", wait).Msg("Rules request failed, retrying")
		}),
	)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("op", op).
		Bool("dry_run", dryRun).
		Int("created", env.Meta.Summary.Created).
		Int("deleted", env.Meta.Summary.Deleted).
		Int("result_count", env.Meta.ResultCount).
		Msg("Rules request completed")
	return env, nil
}

func (c *Client) record(op string, status int) {
	if c.onRequest != nil {
		c.onRequest(op, status)
	}
}

func parseAPIError(op string, status int, data []byte) *APIError {
	apiErr := &APIError{Op: op, StatusCode: status}
	var body struct {
		Title  string        `json:"title"`
		Detail string        `json:"detail"`
		Type   string        `json:"type"`
		Errors []ErrorObject `json:"errors"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Title = body.Title
		apiErr.Detail = body.Detail
		apiErr.Type = body.Type
		apiErr.Errors = body.Errors
	}
	if apiErr.Title == "" && len(apiErr.Errors) == 0 {
		apiErr.Title = http.StatusText(status)
		if apiErr.Title == "" {
			apiErr.Title = "HTTP " + strconv.Itoa(status)
		}
	}
	return apiErr
}
