// Copyright (c) 2025 NSVK

package internal

// Account is the response of the account query/update endpoints.
type Account struct {
	AutoLend         bool   `json:"autoLend"`
	AutoRepayBorrows bool   `json:"autoRepayBorrows"`
	AutoLendRedeem   bool   `json:"autoLendRedeem"`
	LeverageLimit    string `json:"leverageLimit"`
}

type Ticker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
}

type CollateralBalance struct {
	Symbol        string `json:"symbol"`
	TotalQuantity string `json:"totalQuantity"`
}

type GetCollateralResponse struct {
	Collateral []*CollateralBalance `json:"collateral"`
}

type Balance struct {
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Staked    string `json:"staked"`
}

type QuantityFilter struct {
	MinQuantity string `json:"minQuantity"`
}

type PriceFilter struct {
	MinPrice string `json:"minPrice"`
	TickSize string `json:"tickSize"`
}

type MarketFilters struct {
	Quantity QuantityFilter `json:"quantity"`
	Price    PriceFilter    `json:"price"`
}

type Market struct {
	Symbol     string        `json:"symbol"`
	BaseSymbol string        `json:"baseSymbol"`
	Filters    MarketFilters `json:"filters"`
}

// Order is the order-execute response. Created is false when the exchange
// rejected the request; Message then carries the rejection reason.
type Order struct {
	ID                    string `json:"id"`
	Status                string `json:"status"`
	CreatedAt             int64  `json:"createdAt"`
	Symbol                string `json:"symbol"`
	Side                  string `json:"side"`
	ExecutedQuantity      string `json:"executedQuantity"`
	ExecutedQuoteQuantity string `json:"executedQuoteQuantity"`
	Message               string `json:"message"`
}

type Fill struct {
	OrderID   string `json:"orderId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Timestamp string `json:"timestamp"`
}

type Position struct {
	Symbol              string `json:"symbol"`
	NetQuantity         string `json:"netQuantity"`
	NetExposureQuantity string `json:"netExposureQuantity"`
	EntryPrice          string `json:"entryPrice"`
}
