package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rickgao/barstream/internal/config"
	"github.com/rickgao/barstream/internal/version"
)

// Client defaults. The agent may take tens of seconds to plan a stream.
const (
	DefaultTimeout      = 60 * time.Second
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = time.Second
)

// Client calls the strategy agent REST API.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates an agent client for baseURL. apiKey is optional and
// sent as a bearer token when set.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		userAgent:    "barstream/" + version.Version,
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		logger:       slog.Default(),
		maxRetries:   DefaultMaxRetries,
		retryBackoff: DefaultRetryBackoff,
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig creates an agent client from the agent config section.
// Extra options are applied after the config values.
func NewClientFromConfig(cfg config.AgentConfig, logger *slog.Logger, opts ...ClientOption) *Client {
	base := []ClientOption{
		WithTimeout(cfg.Timeout),
		WithRetries(cfg.MaxRetries, DefaultRetryBackoff),
	}
	if logger != nil {
		base = append(base, WithLogger(logger))
	}
	return NewClient(cfg.BaseURL, cfg.APIKey, append(base, opts...)...)
}

// WithTimeout sets the per-attempt HTTP timeout. Non-positive values keep
// the default.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRetries sets how many times a retryable failure is retried and the
// base backoff between attempts. Negative counts disable retries.
func WithRetries(n int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max(n, 0)
		if backoff > 0 {
			c.retryBackoff = backoff
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient replaces the HTTP client, including its timeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}
