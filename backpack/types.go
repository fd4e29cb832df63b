// Copyright (c) 2025 NSVK

package backpack

import (
	"time"

	"github.com/nsvk/backpackbot/backpack/internal"
	"github.com/shopspring/decimal"
)

// Sides use the exchange's bid/ask vocabulary.
const (
	Bid = "Bid"
	Ask = "Ask"
)

// OppositeSide returns the other side of the book.
func OppositeSide(side string) string {
	if side == Bid {
		return Ask
	}
	return Bid
}

// SpotName translates a side into buy/sell wording for reports.
func SpotName(side string) string {
	if side == Bid {
		return "Buy"
	}
	return "Sell"
}

// FuturesName translates a side into long/short wording for reports.
func FuturesName(side string) string {
	if side == Bid {
		return "Long"
	}
	return "Short"
}

// StableSymbol is the quote currency for every market we trade.
const StableSymbol = "USDC"

// SpotSymbol returns the spot market symbol for a token.
func SpotSymbol(token string) string {
	return token + "_" + StableSymbol
}

// PerpSymbol returns the perpetual-future market symbol for a token.
func PerpSymbol(token string) string {
	return token + "_" + StableSymbol + "_PERP"
}

type Account struct {
	AutoLend         bool
	AutoRepayBorrows bool
	LeverageLimit    string
}

type orderKind int

const (
	spotLimit orderKind = iota
	futuresQuote
	futuresReduce
)

// OrderRequest describes one order submission. Use the constructors; they
// pick the exact parameter set each order shape requires.
type OrderRequest struct {
	kind orderKind

	Symbol string
	Side   string

	Quantity      decimal.Decimal
	QuoteQuantity decimal.Decimal
	Price         decimal.Decimal
}

// SpotLimitIOC is an immediate-or-cancel limit order on a spot market.
func SpotLimitIOC(symbol, side string, quantity, price decimal.Decimal) *OrderRequest {
	return &OrderRequest{
		kind:     spotLimit,
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
		Price:    price,
	}
}

// FuturesMarketQuote is a market order on a perpetual market sized in quote
// currency. It opens or grows a position.
func FuturesMarketQuote(symbol, side string, quote decimal.Decimal) *OrderRequest {
	return &OrderRequest{
		kind:          futuresQuote,
		Symbol:        symbol,
		Side:          side,
		QuoteQuantity: quote,
	}
}

// FuturesMarketReduce is a reduce-only market order sized in base quantity.
// It can only shrink an existing position.
func FuturesMarketReduce(symbol, side string, quantity decimal.Decimal) *OrderRequest {
	return &OrderRequest{
		kind:     futuresReduce,
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
	}
}

func (r *OrderRequest) params() internal.Params {
	switch r.kind {
	case spotLimit:
		return internal.Params{
			"symbol":          r.Symbol,
			"side":            r.Side,
			"orderType":       "Limit",
			"timeInForce":     "IOC",
			"quantity":        r.Quantity.String(),
			"price":           r.Price.String(),
			"autoBorrow":      false,
			"autoBorrowRepay": false,
			"autoLendRedeem":  true,
			"autoLend":        false,
		}
	case futuresQuote:
		return internal.Params{
			"symbol":        r.Symbol,
			"side":          r.Side,
			"orderType":     "Market",
			"quoteQuantity": r.QuoteQuantity.String(),
			"reduceOnly":    false,
		}
	default:
		return internal.Params{
			"symbol":     r.Symbol,
			"side":       r.Side,
			"orderType":  "Market",
			"quantity":   r.Quantity.String(),
			"reduceOnly": true,
		}
	}
}

// OrderResult is the decoded order-placement outcome. Exactly one of
// Filled, Open or Rejected describes it; callers branch on those instead of
// inspecting raw status strings.
type OrderResult struct {
	ID     string
	Status string

	ExecutedQuantity      decimal.Decimal
	ExecutedQuoteQuantity decimal.Decimal

	// Created is true when the exchange accepted the order at all.
	Created bool

	// Reason carries the rejection message when Created is false.
	Reason string
}

func (r *OrderResult) Filled() bool {
	return r.Created && r.Status == "Filled"
}

// Open reports an order that was accepted but rests on the book.
func (r *OrderResult) Open() bool {
	return r.Created && r.Status == "New"
}

func (r *OrderResult) Rejected() bool {
	return !r.Filled() && !r.Open()
}

type Fill struct {
	OrderID  string
	Symbol   string
	Side     string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Time     time.Time
}

type Position struct {
	Symbol string

	// Token is the base symbol with the perp suffix stripped.
	Token string

	// NetQuantity is negative for short positions.
	NetQuantity decimal.Decimal

	// NetExposure is the absolute position size in base units.
	NetExposure decimal.Decimal

	EntryPrice decimal.Decimal
}

// StatWindow aggregates fill history over one time window.
type StatWindow struct {
	Volume decimal.Decimal
	Orders int
	Days   int
}

type Statistics struct {
	Month StatWindow
	Total StatWindow
}
