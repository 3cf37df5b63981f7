// Package coingecko reads historical market charts from the CoinGecko API.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/volume-backfill/internal/chain/ratelimit"
	"github.com/emperorhan/volume-backfill/internal/metrics"
	"github.com/emperorhan/volume-backfill/internal/pipeline/retry"
	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL    = "https://api.coingecko.com/api/v3"
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	backoffBase       = time.Second
	maxBackoff        = 60 * time.Second
	apiKeyHeader      = "x-cg-api-key"
)

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RPS        float64
}

// Point is one sample of a market chart series.
type Point struct {
	Time  time.Time
	Price decimal.Decimal
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries int
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		maxRetries: maxRetries,
		limiter:    ratelimit.NewLimiter(cfg.RPS, 1, "coingecko"),
		logger:     logger.With("component", "coingecko"),
	}
}

type marketChartResponse struct {
	Prices [][]json.Number `json:"prices"`
}

// MarketChartRange returns the price series of coinID quoted in vsCurrency
// between from and to, in the order the API returns it. CoinGecko picks the
// granularity from the span; ranges of 2 to 90 days are hourly.
//
// 429 and 5xx responses are retried with exponential backoff. Other 4xx
// responses fail immediately.
func (c *Client) MarketChartRange(ctx context.Context, coinID, vsCurrency string, from, to time.Time) ([]Point, error) {
	path := "/coins/" + url.PathEscape(coinID) + "/market_chart/range"
	params := url.Values{}
	params.Set("vs_currency", vsCurrency)
	params.Set("from", strconv.FormatInt(from.Unix(), 10))
	params.Set("to", strconv.FormatInt(to.Unix(), 10))

	var resp marketChartResponse
	policy := retry.Policy{
		Op:          "GET " + path + " " + vsCurrency,
		MaxAttempts: c.maxRetries,
		BaseDelay:   backoffBase,
		MaxDelay:    maxBackoff,
		Sleep:       c.sleep,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			c.logger.Warn("market chart request failed, retrying",
				"coin", coinID,
				"currency", vsCurrency,
				"attempt", attempt,
				"backoff", wait,
				"error", err,
			)
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		resp = marketChartResponse{}
		err := c.get(ctx, path, params, &resp)
		metrics.MarketDataRequestsTotal.WithLabelValues("coingecko", vsCurrency, ratelimit.ClassifyError(err)).Inc()
		return err
	})
	if err != nil {
		return nil, err
	}

	points := make([]Point, 0, len(resp.Prices))
	for i, pair := range resp.Prices {
		p, err := parsePoint(pair)
		if err != nil {
			return nil, fmt.Errorf("prices[%d]: %w", i, err)
		}
		points = append(points, p)
	}
	return points, nil
}

func parsePoint(pair []json.Number) (Point, error) {
	if len(pair) != 2 {
		return Point{}, fmt.Errorf("want [timestamp, price], got %d values", len(pair))
	}
	ms, err := pair[0].Int64()
	if err != nil {
		f, ferr := pair[0].Float64()
		if ferr != nil {
			return Point{}, fmt.Errorf("timestamp %q: %w", pair[0], err)
		}
		ms = int64(f)
	}
	price, err := decimal.NewFromString(pair[1].String())
	if err != nil {
		return Point{}, fmt.Errorf("price %q: %w", pair[1], err)
	}
	return Point{Time: time.UnixMilli(ms).UTC(), Price: price}, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return retry.Terminal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return retry.Transient(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return retry.Transient(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return retry.Transient(fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(body)))
	default:
		return retry.Terminal(fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return retry.Terminal(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
