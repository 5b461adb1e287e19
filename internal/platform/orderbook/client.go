// Package orderbook is a read-only client for the CoW Protocol orderbook API,
// used to look up how much of each TWAP part has been filled.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// Options tunes a Client. Zero values select defaults.
type Options struct {
	Timeout    time.Duration
	MaxRetries uint
	RateLimit  float64 // requests per second, 0 disables limiting
	RateBurst  int
	HTTPClient *http.Client
}

// Client queries GET {base}/api/v1/orders/{uid}.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries uint
}

// NewClient creates a new orderbook client.
//
// baseURL is the API root for one chain, e.g. "https://api.cow.fi/mainnet".
func NewClient(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: hc,
		limiter:    limiter,
		maxRetries: opts.MaxRetries,
	}
}

// apiOrder is the subset of the orderbook's order representation we read.
type apiOrder struct {
	UID                          string `json:"uid"`
	Status                       string `json:"status"`
	ExecutedBuyAmount            string `json:"executedBuyAmount"`
	ExecutedSellAmount           string `json:"executedSellAmount"`
	ExecutedSellAmountBeforeFees string `json:"executedSellAmountBeforeFees"`
}

// GetPartFill returns the executed amounts of the order with uid. An order
// unknown to the orderbook yields domain.ErrNotFound.
func (c *Client) GetPartFill(ctx context.Context, uid string) (domain.PartFill, error) {
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.get(ctx, "/api/v1/orders/"+uid)
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(c.maxRetries),
	)
	if err != nil {
		return domain.PartFill{}, fmt.Errorf("orderbook: get order %s: %w", uid, err)
	}

	var o apiOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return domain.PartFill{}, fmt.Errorf("orderbook: decode order %s: %w", uid, err)
	}

	sell, err := parseAmount(o.ExecutedSellAmountBeforeFees)
	if err != nil {
		return domain.PartFill{}, fmt.Errorf("orderbook: order %s executedSellAmountBeforeFees: %w", uid, err)
	}
	buy, err := parseAmount(o.ExecutedBuyAmount)
	if err != nil {
		return domain.PartFill{}, fmt.Errorf("orderbook: order %s executedBuyAmount: %w", uid, err)
	}
	return domain.PartFill{ExecutedSellAmount: sell, ExecutedBuyAmount: buy}, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// get performs one GET. Errors that retrying cannot fix are wrapped with
// backoff.Permanent.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(domain.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body))
	default:
		return nil, backoff.Permanent(fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body)))
	}
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, errors.New("invalid amount " + s)
	}
	return n, nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
