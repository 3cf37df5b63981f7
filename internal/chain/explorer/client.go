package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emperorhan/volume-backfill/internal/chain/ratelimit"
	"github.com/emperorhan/volume-backfill/internal/circuitbreaker"
	"github.com/emperorhan/volume-backfill/internal/failure"
	"github.com/emperorhan/volume-backfill/internal/metrics"
	"github.com/emperorhan/volume-backfill/internal/pipeline/retry"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	backoffBase       = time.Second
	maxErrorBodyBytes = 512
)

// Config configures a Blockbook-compatible explorer client.
type Config struct {
	BaseURL      string
	APIKey       string
	Chain        string
	Timeout      time.Duration
	RequestDelay time.Duration
	MaxRetries   int
}

// Client issues GET requests against the explorer REST API. Every successful
// request is followed by RequestDelay so callers never outrun the provider's
// quota; failures are retried with 2^attempt second backoff.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	chain        string
	requestDelay time.Duration
	maxRetries   int
	logger       *slog.Logger
	limiter      *ratelimit.Limiter
	breaker      *circuitbreaker.Breaker
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	delay := cfg.RequestDelay
	if delay < 0 {
		delay = 0
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		chain:        cfg.Chain,
		requestDelay: delay,
		maxRetries:   maxRetries,
		logger:       logger.With("component", "explorer"),
		sleep:        sleepCtx,
	}
}

// SetRateLimiter sets the token-bucket limiter applied before every attempt.
func (c *Client) SetRateLimiter(l *ratelimit.Limiter) {
	c.limiter = l
}

// SetCircuitBreaker makes the client reject requests without calling the
// explorer while b is open. Each Request counts once, after its retries.
func (c *Client) SetCircuitBreaker(b *circuitbreaker.Breaker) {
	c.breaker = b
}

// Request performs GET path?params and decodes the JSON body into out.
//
// A body with a non-empty top-level "error" field is treated as a failed
// attempt. HTTP 404 is returned immediately as failure.ErrNotFound. After
// MaxRetries failed attempts the error is a *failure.RequestError.
func (c *Client) Request(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := endpointLabel(path)
	if err := c.breaker.Allow(); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	policy := retry.Policy{
		Op:          "GET " + path,
		MaxAttempts: c.maxRetries,
		BaseDelay:   backoffBase,
		Sleep:       c.sleep,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			metrics.ExplorerRetriesTotal.WithLabelValues(c.chain, endpoint).Inc()
			c.logger.Warn("explorer request failed, retrying",
				"path", path,
				"attempt", attempt,
				"backoff", wait,
				"error", err,
			)
		},
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		start := time.Now()
		err := c.get(ctx, path, params, out)
		metrics.ExplorerRequestLatency.WithLabelValues(c.chain, endpoint).Observe(time.Since(start).Seconds())
		ratelimit.RecordCall(c.chain, endpoint, err)
		if err == nil {
			c.logger.Debug("explorer request succeeded", "path", path, "attempt", attempt)
		}
		return err
	})
	switch {
	case err == nil, failure.IsNotFound(err):
		c.breaker.Success()
	case ctx.Err() == nil:
		c.breaker.Failure()
	}
	if err != nil {
		return err
	}

	if err := c.sleep(ctx, c.requestDelay); err != nil {
		return fmt.Errorf("request delay: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return retry.Terminal(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return retry.Transient(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode == http.StatusNotFound {
		return retry.Terminal(failure.NotFound("explorer %s", path))
	}
	if resp.StatusCode != http.StatusOK {
		return retry.Transient(fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(body)))
	}

	if apiErr := applicationError(body); apiErr != nil {
		return retry.Transient(apiErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return retry.Transient(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// APIError is an error reported inside an HTTP 200 body.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return "explorer api error: " + e.Message
}

func applicationError(body []byte) error {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		// Not an object; let the typed decode report it.
		return nil
	}
	raw := bytes.TrimSpace(envelope.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte(`""`)) || bytes.Equal(raw, []byte("false")) {
		return nil
	}

	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return &APIError{Message: msg}
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return &APIError{Message: obj.Message}
	}
	return &APIError{Message: string(raw)}
}

// IsAPIError reports whether err carries an explorer application error.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

func endpointLabel(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "root"
	}
	return trimmed
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		return string(body[:maxErrorBodyBytes]) + "..."
	}
	return string(body)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
