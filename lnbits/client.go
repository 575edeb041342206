// Package lnbits is a client for the LNbits wallet API and its
// withdraw extension, which mints the single-use LNURL-withdraw links
// this agent writes to tags.
package lnbits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/dotside-studios/lntag-agent/buildinfo"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultRetries       = 2
	DefaultRetryInterval = 500 * time.Millisecond
)

// Config carries the connection settings for one LNbits instance.
type Config struct {
	// BaseURL is the instance root, e.g. https://demo.lnbits.com.
	BaseURL string

	// APIKey is the wallet's admin or invoice key, sent as X-Api-Key.
	APIKey string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// Retries is how many times idempotent GETs are retried after
	// transport failures. Writes are never retried here.
	Retries uint64

	// RetryInterval is the initial backoff between retries.
	RetryInterval time.Duration
}

// Client talks to one LNbits instance on behalf of one wallet.
type Client struct {
	baseURL       string
	apiKey        string
	http          *http.Client
	log           zerolog.Logger
	retries       uint64
	retryInterval time.Duration
}

// New builds a Client from config. Zero-valued timeouts and retry
// settings get defaults.
func New(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	retries := cfg.Retries
	if retries == 0 {
		retries = DefaultRetries
	}
	interval := cfg.RetryInterval
	if interval == 0 {
		interval = DefaultRetryInterval
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		http:          &http.Client{Timeout: timeout},
		log:           logger.With().Str("component", "lnbits").Logger(),
		retries:       retries,
		retryInterval: interval,
	}
}

// BaseURL returns the normalized instance root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CheckConnection verifies the instance answers with this API key.
func (c *Client) CheckConnection(ctx context.Context) error {
	if err := c.get(ctx, "/api/v1/wallet", nil); err != nil {
		return fmt.Errorf("lnbits connection check: %w", err)
	}
	return nil
}

// WalletInfo fetches the wallet document.
func (c *Client) WalletInfo(ctx context.Context) (*Wallet, error) {
	var w Wallet
	if err := c.get(ctx, "/api/v1/wallet", &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Balance returns the wallet balance in millisatoshis.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	w, err := c.WalletInfo(ctx)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// CreateWithdrawLink mints a new LNURL-withdraw link. Not retried: a
// timed-out attempt may still have minted a link on the server.
func (c *Client) CreateWithdrawLink(ctx context.Context, req CreateLinkRequest) (*WithdrawLink, error) {
	var link WithdrawLink
	if err := c.do(ctx, http.MethodPost, "/withdraw/api/v1/links", req, &link); err != nil {
		return nil, err
	}
	c.log.Info().
		Str("link_id", link.ID).
		Int64("amount_sat", req.MaxWithdrawable).
		Int("uses", req.Uses).
		Msg("withdraw link created")
	return &link, nil
}

// GetWithdrawLink fetches one withdraw link by ID.
func (c *Client) GetWithdrawLink(ctx context.Context, id string) (*WithdrawLink, error) {
	var link WithdrawLink
	if err := c.get(ctx, "/withdraw/api/v1/links/"+id, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// ListWithdrawLinks fetches all withdraw links on the wallet.
func (c *Client) ListWithdrawLinks(ctx context.Context) ([]WithdrawLink, error) {
	var links []WithdrawLink
	if err := c.get(ctx, "/withdraw/api/v1/links", &links); err != nil {
		return nil, err
	}
	return links, nil
}

// DeleteWithdrawLink removes a withdraw link, voiding its claim.
func (c *Client) DeleteWithdrawLink(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/withdraw/api/v1/links/"+id, nil, nil); err != nil {
		return err
	}
	c.log.Info().Str("link_id", id).Msg("withdraw link deleted")
	return nil
}

// CreateInvoice creates an incoming invoice for amountSats.
func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, memo, webhook string) (*Invoice, error) {
	body := invoiceRequest{Out: false, Amount: amountSats, Memo: memo, Webhook: webhook}
	var inv Invoice
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", body, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// PayInvoice pays a BOLT11 invoice from the wallet.
func (c *Client) PayInvoice(ctx context.Context, bolt11 string) (*Invoice, error) {
	body := payRequest{Out: true, Bolt11: bolt11}
	var inv Invoice
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", body, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// CheckPayment probes whether the payment with the given hash settled.
func (c *Client) CheckPayment(ctx context.Context, paymentHash string) (*PaymentStatus, error) {
	var status PaymentStatus
	if err := c.get(ctx, "/api/v1/payments/"+paymentHash, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Payments lists the most recent wallet payments.
func (c *Client) Payments(ctx context.Context, limit int) ([]Payment, error) {
	var payments []Payment
	if err := c.get(ctx, fmt.Sprintf("/api/v1/payments?limit=%d", limit), &payments); err != nil {
		return nil, err
	}
	return payments, nil
}

// get performs an idempotent GET with exponential backoff on transport
// failures. API errors are permanent: the server answered, retrying
// will not change its mind.
func (c *Client) get(ctx context.Context, path string, out any) error {
	op := func() error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return backoff.Permanent(err)
		}
		c.log.Debug().Err(err).Str("path", path).Msg("transport failure, will retry")
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.retries), ctx))
}

// do performs one request with auth headers and decodes the JSON
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// newAPIError extracts the detail field LNbits puts in error bodies,
// falling back to raw body text.
func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return apiErr
	}

	var body struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Detail != "" {
		apiErr.Detail = body.Detail
		return apiErr
	}

	apiErr.Detail = strings.TrimSpace(string(raw))
	return apiErr
}
