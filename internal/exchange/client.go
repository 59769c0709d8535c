// Package exchange implements the REST seam the market-data core depends
// on: fetching an order book snapshot on reconnect, reading server time for
// stale-book reconciliation, and the L1/L2 auth needed to authenticate the
// WS user channel.
//
// GetOrderBook waits on the Book TokenBucket before each request;
// GetServerTime and DeriveAPIKey are not rate-limited. DeriveAPIKey sends
// L1 headers; no request here sends L2 HMAC headers.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polybook/internal/config"
	"polybook/pkg/types"
)

// Client is the Polymarket CLOB REST API client used by the core to
// bootstrap and reconcile order book state.
type Client struct {
	http   *resty.Client // HTTP client with retry + base URL
	auth   *Auth         // L1/L2 auth provider for request signing
	rl     *RateLimiter  // per-endpoint-category rate limiting
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		logger: logger,
	}
}

// GetOrderBook fetches the order book for a single token. The core calls
// this on reconnect, before the first server-sent WS snapshot arrives, and
// applies the result via book.ApplySnapshot.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetServerTime returns the CLOB server's Unix timestamp in seconds, used
// by the stale-book reaper to tolerate clock skew between the local and
// server clocks.
func (c *Client) GetServerTime(ctx context.Context) (uint64, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/time")
	if err != nil {
		return 0, fmt.Errorf("get time: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get time: status %d: %s", resp.StatusCode(), resp.String())
	}

	t, err := strconv.ParseUint(string(resp.Body()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse server time %q: %w", resp.Body(), err)
	}
	return t, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication, used to
// bootstrap the credentials the user channel's subscribe frame needs when
// none are pre-configured.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}
