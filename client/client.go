// Package client wraps the aggregator REST API consumed by the agent. Read
// and build calls share a uniform retry layer; transaction submission is
// deliberately exempt from it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/moltydex/autopay-go/logger"
	"github.com/moltydex/autopay-go/metrics"
	"github.com/moltydex/autopay-go/types"
)

// Client talks to the aggregator API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
	log        logger.Logger
	metrics    metrics.Recorder
}

// Option customizes a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(maxRetries int, base time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryBase = base
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Client) { c.metrics = r }
}

// New creates a Client for the given API base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: types.DefaultHTTPTimeout},
		maxRetries: types.DefaultMaxRetries,
		retryBase:  types.DefaultRetryBaseDelay,
		log:        logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Balance fetches the wallet's holding of one token.
func (c *Client) Balance(ctx context.Context, walletAddress, tokenMint string) (*types.BalanceSnapshot, error) {
	q := url.Values{}
	q.Set("wallet_address", walletAddress)
	q.Set("token_mint", tokenMint)

	var out types.BalanceSnapshot
	err := c.doWithRetry(ctx, "balance", func() error {
		return c.getJSON(ctx, "/api/balance", q, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Quote requests a swap quote for the given input amount.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint, amount string, slippageBps int) (*types.QuoteEstimate, error) {
	q := url.Values{}
	q.Set("input_mint", inputMint)
	q.Set("output_mint", outputMint)
	q.Set("amount", amount)
	q.Set("slippage_bps", strconv.Itoa(slippageBps))

	var out types.QuoteEstimate
	err := c.doWithRetry(ctx, "quote", func() error {
		return c.getJSON(ctx, "/api/quote", q, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// BuildSwap asks the aggregator to build an unsigned swap transaction.
func (c *Client) BuildSwap(ctx context.Context, walletAddress, inputMint, outputMint, amount string, slippageBps int) (*types.SwapBuild, error) {
	body := map[string]any{
		"wallet_address": walletAddress,
		"input_mint":     inputMint,
		"output_mint":    outputMint,
		"amount":         amount,
		"slippage_bps":   slippageBps,
	}

	var out types.SwapBuild
	err := c.doWithRetry(ctx, "swap_build", func() error {
		return c.postJSON(ctx, "/api/swap/build", body, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SendTransaction submits a signed transaction. It is never retried: after a
// network failure the submission outcome is ambiguous, and resending risks
// double-moving funds. Callers re-poll confirmation instead.
func (c *Client) SendTransaction(ctx context.Context, signedTxBase64 string) (*types.SendResult, error) {
	body := map[string]any{"signedTransaction": signedTxBase64}

	var out types.SendResult
	if err := c.postJSON(ctx, "/api/transaction/send", body, &out); err != nil {
		return nil, err
	}
	if out.Signature == "" {
		return nil, types.Errorf(types.ErrSend, "transaction send returned no signature")
	}
	return &out, nil
}

// TransactionStatus fetches the current on-chain status of a transaction.
func (c *Client) TransactionStatus(ctx context.Context, signature string) (*types.TransactionStatus, error) {
	var out types.TransactionStatus
	err := c.doWithRetry(ctx, "tx_status", func() error {
		return c.getJSON(ctx, "/api/transaction/status/"+url.PathEscape(signature), nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterWebhook subscribes a callback URL to status updates for one
// transaction. Fire-and-forget from the agent's point of view.
func (c *Client) RegisterWebhook(ctx context.Context, signature, callbackURL string, metadata map[string]any) error {
	body := map[string]any{
		"signature":    signature,
		"callback_url": callbackURL,
		"metadata":     metadata,
	}
	return c.doWithRetry(ctx, "webhook", func() error {
		return c.postJSON(ctx, "/api/transaction/webhook", body, &struct{}{})
	})
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return newHTTPError(resp.StatusCode, data)
	}

	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
