package iotguardgo

import (
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tomyedwab/iotguard/session"
)

// Client is the authenticated gateway to the IoT security API. Every call made
// through it, or through the *http.Client returned by HTTPClient, carries the
// current access token and survives access token expiry transparently.
type Client struct {
	baseURL    string
	store      *session.Store
	httpClient *http.Client      // Intercepted client handed to callers
	base       http.RoundTripper // Raw transport for unauthenticated auth calls
	transport  *Transport
	logger     *slog.Logger
	metrics    *Metrics
	audit      auditTrail
}

type clientConfig struct {
	httpClient     *http.Client
	logger         *slog.Logger
	auditor        Auditor
	metrics        *Metrics
	renewalTimeout time.Duration
	tlsConfig      *tls.Config
	certsDir       string
}

// ClientOption represents a functional option for configuring the Client
type ClientOption func(*clientConfig)

// WithHTTPClient sets the HTTP client whose timeout and transport the gateway
// builds on. Its transport is wrapped, never replaced.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *clientConfig) {
		c.httpClient = client
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithAuditor records session transitions in auditor.
func WithAuditor(auditor Auditor) ClientOption {
	return func(c *clientConfig) {
		c.auditor = auditor
	}
}

// WithMetrics records gateway activity in m.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *clientConfig) {
		c.metrics = m
	}
}

// WithRenewalTimeout bounds each renewal call.
func WithRenewalTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.renewalTimeout = d
	}
}

// WithTLSConfig sets the TLS configuration of the underlying transport.
func WithTLSConfig(tlsConfig *tls.Config) ClientOption {
	return func(c *clientConfig) {
		c.tlsConfig = tlsConfig
	}
}

// WithCertsDir loads extra root certificates for .localhost backends from dir.
func WithCertsDir(dir string) ClientOption {
	return func(c *clientConfig) {
		c.certsDir = dir
	}
}

// NewClient creates a new gateway client for baseURL sharing store.
func NewClient(baseURL string, store *session.Store, options ...ClientOption) *Client {
	cfg := clientConfig{
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		renewalTimeout: DefaultRenewalTimeout,
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := cfg.logger.With("component", "gateway")

	baseURL = strings.TrimRight(baseURL, "/")

	base := cfg.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	tlsConfig := cfg.tlsConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = configureTLSForLocalhost(baseURL, cfg.certsDir, logger)
		if err != nil {
			logger.Warn("ignoring TLS setup error", "error", err)
		}
	}
	base = withTLSConfig(base, tlsConfig)

	audit := auditTrail{auditor: cfg.auditor, logger: logger}
	transport := &Transport{
		base:  base,
		store: store,
		renewer: &renewer{
			endpoint: baseURL + "/auth/refresh",
			base:     base,
			store:    store,
			timeout:  cfg.renewalTimeout,
			logger:   logger,
			metrics:  cfg.metrics,
			audit:    audit,
		},
		logger:  logger,
		metrics: cfg.metrics,
		audit:   audit,
	}

	httpClient := *cfg.httpClient
	httpClient.Transport = transport

	return &Client{
		baseURL:    baseURL,
		store:      store,
		httpClient: &httpClient,
		base:       base,
		transport:  transport,
		logger:     logger,
		metrics:    cfg.metrics,
		audit:      audit,
	}
}

// BaseURL returns the client's base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the intercepted HTTP client. Requests made with it are
// authorized and recover from token expiry like the Client's own calls.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// PlainHTTPClient returns an HTTP client on the same underlying transport
// that neither authorizes requests nor recovers from 401s.
func (c *Client) PlainHTTPClient() *http.Client {
	httpClient := *c.httpClient
	httpClient.Transport = c.base
	return &httpClient
}

// Session returns the store the client reads and writes credentials in.
func (c *Client) Session() *session.Store {
	return c.store
}

// Metrics returns the collectors the client records into, or nil.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// IsAuthenticated reports whether the session holds an access token
func (c *Client) IsAuthenticated() bool {
	return c.store.Get().Authenticated()
}

// URL resolves path against the base URL. Absolute URLs are returned as-is.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}
