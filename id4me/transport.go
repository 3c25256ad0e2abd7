package id4me

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxBodyBytes = 1 << 20

// Transport performs raw HTTP exchanges with identity authorities. It carries
// no retry or timeout logic of its own beyond what HTTPTransport adds.
type Transport interface {
	Get(ctx context.Context, url string, headers map[string]string) ([]byte, error)
	Post(ctx context.Context, url string, body []byte, headers map[string]string) ([]byte, error)
}

// RetryPolicy bounds retries of transient upstream failures.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      2,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// Do runs op until it succeeds, returns a permanent error, exhausts the
// attempt budget or ctx is done. Wrap errors with backoff.Permanent to stop early.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, what string, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		if logger != nil {
			logger.Debug("retrying upstream call", "call", what, "error", err, "wait", wait)
		}
	})
}

// TransportConfig configures HTTPTransport.
type TransportConfig struct {
	Timeout    time.Duration
	Retry      RetryPolicy
	HTTPClient *http.Client
	// AllowInsecure permits plain http authority URLs. Development only.
	AllowInsecure bool
}

// HTTPTransport is the default Transport. Every attempt gets its own timeout
// and transient failures (network errors, 5xx, 429) are retried. Requests
// to non-https URLs, redirects included, fail with ErrInsecureURL unless
// AllowInsecure is set.
type HTTPTransport struct {
	client        *http.Client
	timeout       time.Duration
	retry         RetryPolicy
	logger        *slog.Logger
	allowInsecure bool
}

// insecurePolicy is implemented by transports that may reach http authorities.
type insecurePolicy interface {
	AllowsInsecure() bool
}

func allowsInsecure(t Transport) bool {
	p, ok := t.(insecurePolicy)
	return ok && p.AllowsInsecure()
}

// httpsOnly refuses every request that is not sent over https.
type httpsOnly struct {
	next http.RoundTripper
}

func (h httpsOnly) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("%w: %s", ErrInsecureURL, req.URL.Redacted())
	}
	return h.next.RoundTrip(req)
}

// NewHTTPTransport constructs an HTTPTransport.
func NewHTTPTransport(cfg TransportConfig, logger *slog.Logger) *HTTPTransport {
	client := &http.Client{}
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		client = &c
	}
	if !cfg.AllowInsecure {
		next := client.Transport
		if next == nil {
			next = http.DefaultTransport
		}
		client.Transport = httpsOnly{next: next}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		client:        client,
		timeout:       timeout,
		retry:         cfg.Retry,
		logger:        logger,
		allowInsecure: cfg.AllowInsecure,
	}
}

// AllowsInsecure reports whether plain http authorities may be contacted.
func (t *HTTPTransport) AllowsInsecure() bool { return t.allowInsecure }

// Client exposes the underlying client for libraries that take one through
// the context (oauth2, go-oidc). It applies the same https restriction.
func (t *HTTPTransport) Client() *http.Client {
	if t.client.Timeout > 0 {
		return t.client
	}
	c := *t.client
	c.Timeout = t.timeout
	return &c
}

// Get issues a GET request and returns the response body.
func (t *HTTPTransport) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	return t.do(ctx, http.MethodGet, url, nil, headers)
}

// Post issues a POST request with body and returns the response body.
func (t *HTTPTransport) Post(ctx context.Context, url string, body []byte, headers map[string]string) ([]byte, error) {
	return t.do(ctx, http.MethodPost, url, body, headers)
}

func (t *HTTPTransport) do(ctx context.Context, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	var out []byte
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, url, rdr)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrInsecureURL) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &StatusError{URL: url, StatusCode: resp.StatusCode, Body: payload}
			if serr.Temporary() {
				return serr
			}
			return backoff.Permanent(serr)
		}
		out = payload
		return nil
	}

	if err := t.retry.Do(ctx, t.logger, method+" "+url, op); err != nil {
		return nil, err
	}
	return out, nil
}
