package saled

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"halloffame/native/mint"
	"halloffame/native/sale"
)

// MintClient is a sale.TokenService backed by a remote mintd. Requests carry
// the settlement id so retries cannot mint twice.
type MintClient struct {
	endpoint    string
	token       string
	client      *http.Client
	logger      *slog.Logger
	maxAttempts uint
	minBackoff  time.Duration
	maxBackoff  time.Duration

	wg sync.WaitGroup
}

// MintClientOption configures a MintClient.
type MintClientOption func(*MintClient)

// WithMintHTTPClient overrides the HTTP client.
func WithMintHTTPClient(client *http.Client) MintClientOption {
	return func(c *MintClient) {
		if client != nil {
			c.client = client
		}
	}
}

// WithMintRetry overrides the retry policy.
func WithMintRetry(maxAttempts int, minBackoff, maxBackoff time.Duration) MintClientOption {
	return func(c *MintClient) {
		if maxAttempts > 0 {
			c.maxAttempts = uint(maxAttempts)
		}
		if minBackoff > 0 {
			c.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			c.maxBackoff = maxBackoff
		}
	}
}

// WithMintLogger sets the structured logger.
func WithMintLogger(logger *slog.Logger) MintClientOption {
	return func(c *MintClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewMintClient targets the mintd at endpoint.
func NewMintClient(endpoint, token string, timeout time.Duration, opts ...MintClientOption) (*MintClient, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("mint client: endpoint required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &MintClient{
		endpoint: endpoint,
		token:    strings.TrimSpace(token),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:      slog.Default(),
		maxAttempts: 4,
		minBackoff:  250 * time.Millisecond,
		maxBackoff:  5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// RequestMint implements sale.TokenService. The outcome is delivered from a
// separate goroutine once the remote call settles.
func (c *MintClient) RequestMint(ctx context.Context, req sale.MintRequest, complete func(sale.Outcome)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		complete(c.Mint(ctx, req))
	}()
}

// Mint performs the remote call with retries and maps the response to an
// outcome. Exhausted retries report a failure, unless some attempt may have
// reached mintd and minted: an undecodable 200 or a transport error after the
// request was sent. Those report an unknown outcome so the escrow is held.
func (c *MintClient) Mint(ctx context.Context, req sale.MintRequest) sale.Outcome {
	body := mint.MintRequestBody{
		SettlementID: req.SettlementID,
		ReceiverID:   req.Buyer,
		Amount:       req.Amount,
	}
	if req.Prepaid != nil {
		body.Prepaid = req.Prepaid.Dec()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return sale.Failed(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.minBackoff
	policy.MaxInterval = c.maxBackoff

	var maybeMinted bool
	tokens, err := backoff.Retry(ctx, func() ([]sale.Token, error) {
		tokens, err := c.post(ctx, payload)
		var amb *ambiguousError
		if errors.As(err, &amb) {
			maybeMinted = true
		}
		return tokens, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.maxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Info("mint request retry", "settlement_id", req.SettlementID, "error", err, "backoff", wait)
		}))
	if err != nil {
		if maybeMinted {
			c.logger.Error("mint request unconfirmed",
				"settlement_id", req.SettlementID,
				"receiver", req.Buyer,
				"amount", req.Amount,
				"error", err)
			return sale.Unknown(err)
		}
		c.logger.Warn("mint request failed",
			"settlement_id", req.SettlementID,
			"receiver", req.Buyer,
			"amount", req.Amount,
			"error", err)
		return sale.Failed(err)
	}
	return sale.Succeeded(tokens)
}

// ambiguousError marks an attempt after which mintd may hold minted tokens.
type ambiguousError struct{ err error }

func (e *ambiguousError) Error() string { return e.err.Error() }
func (e *ambiguousError) Unwrap() error { return e.err }

func (c *MintClient) post(ctx context.Context, payload []byte) ([]sale.Token, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/mints", bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, err
		}
		return nil, &ambiguousError{err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil && resp.StatusCode == http.StatusOK {
		return nil, &ambiguousError{err: fmt.Errorf("mint client: read tokens: %w", err)}
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		var tokens []sale.Token
		if err := json.Unmarshal(data, &tokens); err != nil {
			return nil, &ambiguousError{err: fmt.Errorf("mint client: decode tokens: %w", err)}
		}
		return tokens, nil
	}
	var failure mint.ErrorBody
	_ = json.Unmarshal(data, &failure)
	reason := strings.TrimSpace(failure.Error)
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	err = fmt.Errorf("mint client: status %d: %s", resp.StatusCode, reason)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return nil, backoff.Permanent(err)
	}
	return nil, err
}

// Wait blocks until every outstanding request has completed.
func (c *MintClient) Wait() { c.wg.Wait() }

var _ sale.TokenService = (*MintClient)(nil)
