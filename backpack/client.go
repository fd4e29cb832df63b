// Copyright (c) 2025 NSVK

// Package backpack implements a typed client for the Backpack exchange
// REST api. Signed endpoints authenticate with ed25519 request signatures;
// every remote call is wrapped in a bounded retry.
package backpack

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nsvk/backpackbot/backpack/internal"
	"github.com/nsvk/backpackbot/ctxutil"
	"github.com/nsvk/backpackbot/secrets"
	"github.com/shopspring/decimal"
)

type Client struct {
	opts Options

	label string

	client *internal.Client
}

// New creates a gateway for one exchange account. An empty proxyRef
// connects directly; otherwise it is normalized to an http proxy url.
func New(creds *secrets.Credentials, label, proxyRef string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()

	proxyURL, err := parseProxyRef(proxyRef)
	if err != nil {
		return nil, err
	}
	if proxyURL == nil {
		slog.Warn("account trades without a proxy", "label", label)
	}

	client, err := internal.New(creds.PublicKey, creds.Seed, proxyURL, opts.internalOptions())
	if err != nil {
		return nil, err
	}
	return &Client{opts: *opts, label: label, client: client}, nil
}

func parseProxyRef(ref string) (*url.URL, error) {
	if ref == "" {
		return nil, nil
	}
	ref = strings.TrimPrefix(ref, "https://")
	ref = strings.TrimPrefix(ref, "http://")
	proxyURL, err := url.Parse("http://" + ref)
	if err != nil {
		return nil, fmt.Errorf("could not parse proxy reference %q: %w", ref, err)
	}
	return proxyURL, nil
}

func (c *Client) Label() string {
	return c.label
}

func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	v, err := c.client.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	return &Account{
		AutoLend:         v.AutoLend,
		AutoRepayBorrows: v.AutoRepayBorrows,
		LeverageLimit:    v.LeverageLimit,
	}, nil
}

// EnableAutoLend turns on automatic lending and borrow repayment, then
// re-reads the account and fails if the setting did not take effect.
func (c *Client) EnableAutoLend(ctx context.Context) (*Account, error) {
	settings := internal.Params{
		"autoLend":         true,
		"autoRepayBorrows": true,
	}
	if err := c.client.UpdateAccount(ctx, settings); err != nil {
		return nil, err
	}
	acct, err := c.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	if !acct.AutoLend {
		return nil, fmt.Errorf("auto lend setting did not take effect")
	}
	slog.Debug("enabled auto lend and repay", "label", c.label)
	return acct, nil
}

// ChangeLeverage patches the account leverage limit and verifies the
// change through a re-read.
func (c *Client) ChangeLeverage(ctx context.Context, leverage int) (*Account, error) {
	want := strconv.Itoa(leverage)
	if err := c.client.UpdateAccount(ctx, internal.Params{"leverageLimit": want}); err != nil {
		return nil, err
	}
	acct, err := c.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	if acct.LeverageLimit != want {
		return nil, fmt.Errorf("leverage limit is %q after update to %q", acct.LeverageLimit, want)
	}
	slog.Debug("changed account leverage", "label", c.label, "leverage", leverage)
	return acct, nil
}

// GetTickers returns last prices for all spot markets keyed by token
// symbol. Perpetual markets are excluded and the stablecoin is pegged to 1.
func (c *Client) GetTickers(ctx context.Context) (map[string]decimal.Decimal, error) {
	tickers, err := c.client.GetTickers(ctx)
	if err != nil {
		return nil, err
	}
	prices := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		if strings.HasSuffix(t.Symbol, "_PERP") {
			continue
		}
		price, err := decimal.NewFromString(t.LastPrice)
		if err != nil {
			return nil, fmt.Errorf("could not parse last price %q for %q: %w", t.LastPrice, t.Symbol, err)
		}
		prices[strings.TrimSuffix(t.Symbol, "_"+StableSymbol)] = price
	}
	prices[StableSymbol] = decimal.NewFromInt(1)
	return prices, nil
}

// GetBalances merges the collateral and plain balance endpoints; the
// collateral quantity wins when both list a symbol.
func (c *Client) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	collateral, err := c.client.GetCollateral(ctx)
	if err != nil {
		return nil, err
	}
	balances := make(map[string]decimal.Decimal)
	for _, b := range collateral.Collateral {
		quantity, err := decimal.NewFromString(b.TotalQuantity)
		if err != nil {
			return nil, fmt.Errorf("could not parse collateral quantity %q for %q: %w", b.TotalQuantity, b.Symbol, err)
		}
		balances[b.Symbol] = quantity
	}

	plain, err := c.client.GetBalances(ctx)
	if err != nil {
		return nil, err
	}
	for symbol, b := range plain {
		if _, ok := balances[symbol]; ok {
			continue
		}
		available, err := decimal.NewFromString(b.Available)
		if err != nil {
			return nil, fmt.Errorf("could not parse balance %q for %q: %w", b.Available, symbol, err)
		}
		balances[symbol] = available
	}
	return balances, nil
}

// GetMarketPrecisions derives per-token decimal precisions from the market
// filters. Tokens listed only as perpetuals fall back into the spot map.
func (c *Client) GetMarketPrecisions(ctx context.Context) (map[string]Precision, error) {
	markets, err := c.client.GetMarkets(ctx)
	if err != nil {
		return nil, err
	}

	spot := make(map[string]Precision)
	perp := make(map[string]Precision)
	for _, m := range markets {
		p := Precision{
			Amount:   DecimalCount(m.Filters.Quantity.MinQuantity),
			Price:    DecimalCount(m.Filters.Price.MinPrice),
			TickSize: DecimalCount(m.Filters.Price.TickSize),
		}
		if strings.HasSuffix(m.Symbol, "_PERP") {
			perp[m.BaseSymbol] = p
		} else {
			spot[m.BaseSymbol] = p
		}
	}
	for token, p := range perp {
		if _, ok := spot[token]; !ok {
			spot[token] = p
		}
	}
	return spot, nil
}

func (c *Client) CreateOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	order, err := c.client.CreateOrder(ctx, req.params())
	if err != nil {
		return nil, err
	}

	result := &OrderResult{
		ID:      order.ID,
		Status:  order.Status,
		Created: order.CreatedAt != 0,
	}
	if !result.Created {
		result.Reason = order.Message
		if result.Reason == "" {
			result.Reason = fmt.Sprintf("unexpected order response (status %q)", order.Status)
		}
		return result, nil
	}
	if order.ExecutedQuantity != "" {
		if result.ExecutedQuantity, err = decimal.NewFromString(order.ExecutedQuantity); err != nil {
			return nil, fmt.Errorf("could not parse executed quantity %q: %w", order.ExecutedQuantity, err)
		}
	}
	if order.ExecutedQuoteQuantity != "" {
		if result.ExecutedQuoteQuantity, err = decimal.NewFromString(order.ExecutedQuoteQuantity); err != nil {
			return nil, fmt.Errorf("could not parse executed quote quantity %q: %w", order.ExecutedQuoteQuantity, err)
		}
	}
	return result, nil
}

// FindFill polls the most-recent fills for the given order. Returns nil
// without an error when the fill does not show up before the polls are
// exhausted.
func (c *Client) FindFill(ctx context.Context, orderID string) (*Fill, error) {
	for round := 0; ; round++ {
		fills, err := c.client.ListFills(ctx, 10, 0)
		if err != nil {
			return nil, err
		}
		for _, f := range fills {
			if f.OrderID == orderID {
				return parseFill(f)
			}
		}
		if round >= c.opts.FillPollRounds {
			slog.Warn("could not find order fill before giving up", "label", c.label, "orderID", orderID)
			return nil, nil
		}
		ctxutil.Sleep(ctx, c.opts.FillPollInterval)
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
	}
}

func parseFill(f *internal.Fill) (*Fill, error) {
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return nil, fmt.Errorf("could not parse fill price %q: %w", f.Price, err)
	}
	quantity, err := decimal.NewFromString(f.Quantity)
	if err != nil {
		return nil, fmt.Errorf("could not parse fill quantity %q: %w", f.Quantity, err)
	}
	ts, err := parseFillTime(f.Timestamp)
	if err != nil {
		return nil, err
	}
	return &Fill{
		OrderID:  f.OrderID,
		Symbol:   f.Symbol,
		Side:     f.Side,
		Price:    price,
		Quantity: quantity,
		Time:     ts,
	}, nil
}

func parseFillTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse fill timestamp %q", s)
}

func (c *Client) GetPositions(ctx context.Context) ([]*Position, error) {
	raw, err := c.client.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	var positions []*Position
	for _, p := range raw {
		net, err := decimal.NewFromString(p.NetQuantity)
		if err != nil {
			return nil, fmt.Errorf("could not parse net quantity %q for %q: %w", p.NetQuantity, p.Symbol, err)
		}
		exposure, err := decimal.NewFromString(p.NetExposureQuantity)
		if err != nil {
			return nil, fmt.Errorf("could not parse net exposure %q for %q: %w", p.NetExposureQuantity, p.Symbol, err)
		}
		entry, err := decimal.NewFromString(p.EntryPrice)
		if err != nil {
			entry = decimal.Zero
		}
		positions = append(positions, &Position{
			Symbol:      p.Symbol,
			Token:       strings.TrimSuffix(p.Symbol, "_"+StableSymbol+"_PERP"),
			NetQuantity: net,
			NetExposure: exposure,
			EntryPrice:  entry,
		})
	}
	return positions, nil
}
