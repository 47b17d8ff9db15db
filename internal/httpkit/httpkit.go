// Package httpkit builds the outbound HTTP clients used by SuvFin (model
// provider, WhatsApp Graph API, billing provider). Every client gets the
// same dial/TLS/header timeouts and User-Agent, plus optional bearer
// authentication and retry.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/suvfin/internal/buildinfo"
)

// Default timeouts and connection pool limits for the shared transport.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 30 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 50
	DefaultMaxIdleConnsPerHost = 10
)

// ClientOption configures a Client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout     time.Duration
	userAgent   string
	bearerToken string
	transport   *http.Transport
	retryCount  int
	retryDelay  time.Duration
	logger      *slog.Logger
}

// WithTimeout sets the overall request timeout on the http.Client.
// A zero value disables the timeout and leaves deadlines to ctx.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithBearerToken adds "Authorization: Bearer <token>" to every request
// that does not already carry an Authorization header.
func WithBearerToken(token string) ClientOption {
	return func(c *clientConfig) { c.bearerToken = token }
}

// WithTransport overrides the default transport.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// WithRetry retries requests that fail before reaching the server
// (connection refused, host or network unreachable) and idempotent
// requests answered by a failing gateway. Requests with a body are
// retried only when the body can be rewound.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
	}
}

// WithLogger sets a logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport creates an http.Transport with the shared defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client with the shared transport and the
// requested options applied.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}

	t := cfg.transport
	if t == nil {
		t = NewTransport()
	}

	var rt http.RoundTripper = &headerTransport{
		base:   t,
		ua:     cfg.userAgent,
		bearer: cfg.bearerToken,
	}

	if cfg.retryCount > 0 {
		rt = &retryTransport{
			base:   rt,
			count:  cfg.retryCount,
			delay:  cfg.retryDelay,
			logger: cfg.logger,
		}
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: rt,
	}
}

// headerTransport injects User-Agent and Authorization headers unless
// the request already sets them.
type headerTransport struct {
	base   http.RoundTripper
	ua     string
	bearer string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	needUA := t.ua != "" && req.Header.Get("User-Agent") == ""
	needAuth := t.bearer != "" && req.Header.Get("Authorization") == ""
	if needUA || needAuth {
		// RoundTripper must not mutate the caller's request.
		req = req.Clone(req.Context())
		if needUA {
			req.Header.Set("User-Agent", t.ua)
		}
		if needAuth {
			req.Header.Set("Authorization", "Bearer "+t.bearer)
		}
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	for attempt := 1; attempt <= t.count && t.shouldRetry(req, resp, err); attempt++ {
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			break
		}
		if resp != nil {
			DrainAndClose(resp.Body, 4096)
		}
		if t.logger != nil {
			t.logger.Debug("retrying request",
				"method", req.Method,
				"host", req.URL.Host,
				"attempt", attempt,
				"status", statusOf(resp),
				"error", err,
			)
		}

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retryReq := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retryReq.Body = body
		}
		resp, err = t.base.RoundTrip(retryReq)
	}
	return resp, err
}

// shouldRetry accepts dial failures for any method, and gateway errors
// (502, 503, 504) only for GET and HEAD. Media downloads from the
// WhatsApp CDN hit the latter; a POST that reached a gateway may
// already have been acted on.
func (t *retryTransport) shouldRetry(req *http.Request, resp *http.Response, err error) bool {
	if err != nil {
		return isRetryableError(err)
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// isRetryableError reports dial-level failures that happen before any
// bytes reach the server. ECONNRESET is excluded: the server may already
// have acted on the request.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
			return true
		}
	}
	return false
}

// ReadErrorBody reads up to limit bytes from rc for error messages,
// then drains and closes the remainder.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
