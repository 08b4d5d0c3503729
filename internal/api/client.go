package api

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/rickgao/airsense-sync/internal/auth"
	"github.com/rickgao/airsense-sync/internal/dedup"
	"github.com/rickgao/airsense-sync/internal/retry"
)

// Client provides access to the readings REST API.
type Client struct {
	baseURL    string
	signer     auth.Signer
	httpClient *http.Client
	logger     *slog.Logger

	policy   retry.Policy
	inflight *dedup.Group[[]byte]
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: slog.Default(),
		policy: retry.DefaultPolicy(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.inflight = dedup.New[[]byte](c.logger)
	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the total attempts per request and the first backoff delay.
func WithRetries(maxAttempts int, baseDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.policy.MaxAttempts = maxAttempts
		c.policy.BaseDelay = baseDelay
	}
}

// WithRetryPolicy replaces the whole retry policy.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSigner sets the request signer.
func WithSigner(s auth.Signer) ClientOption {
	return func(c *Client) {
		c.signer = s
	}
}

// WithHTTP2 installs a transport that negotiates HTTP/2 over TLS, falling
// back to HTTP/1.1 when the server does not offer h2. tlsConfig may be nil.
func WithHTTP2(tlsConfig *tls.Config) ClientOption {
	return func(c *Client) {
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}

		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:     tlsConfig,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        10,
		}
		if err := http2.ConfigureTransport(transport); err != nil {
			c.logger.Warn("http2 unavailable, using http/1.1", "error", err)
		}

		c.httpClient = &http.Client{
			Timeout:   c.httpClient.Timeout,
			Transport: transport,
		}
	}
}
