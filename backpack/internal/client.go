// Copyright (c) 2025 NSVK

package internal

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nsvk/backpackbot/ctxutil"
	"golang.org/x/time/rate"
)

var RestURL = url.URL{
	Scheme: "https",
	Host:   "api.backpack.exchange",
}

// signWindow is the validity window the exchange allows between the signed
// timestamp and its own clock, in milliseconds.
const signWindow = "5000"

type Options struct {
	// Timeout to use for the HTTP requests. Remote calls have no other
	// wall-clock bound, so this must stay positive.
	HttpClientTimeout time.Duration

	// MaxRetries bounds the attempts for every remote call.
	MaxRetries int

	// RetryDelay returns the pause before each retry attempt.
	RetryDelay ctxutil.DelayFunc

	// RequestsPerSecond paces raw request issue across all endpoints.
	RequestsPerSecond rate.Limit
}

func (v *Options) setDefaults() {
	if v.HttpClientTimeout == 0 {
		v.HttpClientTimeout = 10 * time.Second
	}
	if v.MaxRetries == 0 {
		v.MaxRetries = 5
	}
	if v.RetryDelay == nil {
		v.RetryDelay = ctxutil.FixedDelay(2 * time.Second)
	}
	if v.RequestsPerSecond == 0 {
		v.RequestsPerSecond = 5
	}
}

// Client is a low-level REST client for one exchange account. Signed
// endpoints get the four authentication headers computed from the account's
// ed25519 key over the canonical parameter string.
type Client struct {
	opts Options

	pubKey string
	priKey ed25519.PrivateKey

	client  *http.Client
	limiter *rate.Limiter
}

func New(pubKey string, seed []byte, proxyURL *url.URL, opts *Options) (*Client, error) {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("api secret must be a %d byte ed25519 seed, got %d bytes", ed25519.SeedSize, len(seed))
	}

	transport := http.DefaultTransport
	if proxyURL != nil {
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	c := &Client{
		opts:   *opts,
		pubKey: pubKey,
		priKey: ed25519.NewKeyFromSeed(seed),
		client: &http.Client{
			Timeout:   opts.HttpClientTimeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(opts.RequestsPerSecond, 1),
	}
	return c, nil
}

func (c *Client) signHeaders(instruction string, params map[string]string) http.Header {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	msg := SigningString(instruction, params, ts, signWindow)
	signature := ed25519.Sign(c.priKey, []byte(msg))

	h := make(http.Header)
	h.Set("X-Timestamp", ts)
	h.Set("X-Window", signWindow)
	h.Set("X-API-Key", c.pubKey)
	h.Set("X-Signature", base64.StdEncoding.EncodeToString(signature))
	return h
}

// roundTrip performs one HTTP exchange. Query and body parameters are
// merged into the signature when an instruction name is given.
func (c *Client) roundTrip(ctx context.Context, method, instruction, apiPath string, query url.Values, body Params) (int, []byte, error) {
	addrURL := &url.URL{
		Scheme:   RestURL.Scheme,
		Host:     RestURL.Host,
		Path:     apiPath,
		RawQuery: query.Encode(),
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("could not marshal request body to json: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, addrURL.String(), reader)
	if err != nil {
		slog.Error("could not create http request object with context", "method", method, "url", addrURL, "err", err)
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if instruction != "" {
		signed := make(map[string]string)
		for k := range query {
			signed[k] = query.Get(k)
		}
		for k, v := range body.Canonical() {
			signed[k] = v
		}
		for k, vs := range c.signHeaders(instruction, signed) {
			req.Header[k] = vs
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("could not perform http request", "method", method, "url", addrURL, "err", err)
		}
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) withRetry(ctx context.Context, name string, f func(context.Context) error) error {
	err := ctxutil.Retry(ctx, c.opts.MaxRetries, c.opts.RetryDelay, f)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("request failed after all attempts", "op", name, "err", err)
	}
	return err
}

func getJSON[T any](ctx context.Context, c *Client, instruction, apiPath string, query url.Values) (*T, error) {
	var result *T
	err := c.withRetry(ctx, instruction+" "+apiPath, func(ctx context.Context) error {
		code, data, err := c.roundTrip(ctx, http.MethodGet, instruction, apiPath, query, nil)
		if err != nil {
			return err
		}
		if code != http.StatusOK {
			return fmt.Errorf("http GET %s returned %d: %s", apiPath, code, data)
		}
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("could not decode %s response to json: %w", apiPath, err)
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	return getJSON[Account](ctx, c, "accountQuery", "/api/v1/account", nil)
}

// UpdateAccount patches account settings. Callers must re-read the account
// to verify that the change took effect.
func (c *Client) UpdateAccount(ctx context.Context, settings Params) error {
	return c.withRetry(ctx, "accountUpdate", func(ctx context.Context) error {
		code, data, err := c.roundTrip(ctx, http.MethodPatch, "accountUpdate", "/api/v1/account", nil, settings)
		if err != nil {
			return err
		}
		if code != http.StatusOK {
			return fmt.Errorf("account update returned %d: %s", code, data)
		}
		return nil
	})
}

func (c *Client) GetTickers(ctx context.Context) ([]*Ticker, error) {
	v, err := getJSON[[]*Ticker](ctx, c, "", "/api/v1/tickers", nil)
	if err != nil {
		return nil, err
	}
	return *v, nil
}

func (c *Client) GetCollateral(ctx context.Context) (*GetCollateralResponse, error) {
	return getJSON[GetCollateralResponse](ctx, c, "collateralQuery", "/api/v1/capital/collateral", nil)
}

func (c *Client) GetBalances(ctx context.Context) (map[string]*Balance, error) {
	v, err := getJSON[map[string]*Balance](ctx, c, "balanceQuery", "/api/v1/capital", nil)
	if err != nil {
		return nil, err
	}
	return *v, nil
}

func (c *Client) GetMarkets(ctx context.Context) ([]*Market, error) {
	v, err := getJSON[[]*Market](ctx, c, "", "/api/v1/markets", nil)
	if err != nil {
		return nil, err
	}
	return *v, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]*Position, error) {
	v, err := getJSON[[]*Position](ctx, c, "positionQuery", "/api/v1/position", nil)
	if err != nil {
		return nil, err
	}
	return *v, nil
}

// CreateOrder submits an order. A rejection the exchange explains in a JSON
// body is returned as an Order with Message set, not as an error; only
// transport failures and undecodable responses are retried.
func (c *Client) CreateOrder(ctx context.Context, order Params) (*Order, error) {
	var result *Order
	err := c.withRetry(ctx, "orderExecute", func(ctx context.Context) error {
		code, data, err := c.roundTrip(ctx, http.MethodPost, "orderExecute", "/api/v1/order", nil, order)
		if err != nil {
			return err
		}
		v := new(Order)
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("order response %d is not json: %s", code, data)
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Client) ListFills(ctx context.Context, limit, offset int) ([]*Fill, error) {
	query := make(url.Values)
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))
	v, err := getJSON[[]*Fill](ctx, c, "fillHistoryQueryAll", "/wapi/v1/history/fills", query)
	if err != nil {
		return nil, err
	}
	return *v, nil
}
