// Copyright (c) 2025 NSVK

package trader

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/bvkgo/kv/kvmemdb"
	"github.com/nsvk/backpackbot/backpack"
	"github.com/nsvk/backpackbot/gobs"
	"github.com/nsvk/backpackbot/queue"
	"github.com/shopspring/decimal"
)

type stubExchange struct {
	label string

	account    backpack.Account
	prices     map[string]decimal.Decimal
	balances   map[string]decimal.Decimal
	precisions map[string]backpack.Precision
	positions  []*backpack.Position
	stats      *backpack.Statistics

	// reject makes every order fail with this reason.
	reject string

	// status overrides the "Filled" status of created orders. A
	// non-filled status returns zero executed amounts.
	status string

	// quoteOffset skews executed quote amounts to simulate slippage.
	quoteOffset decimal.Decimal

	orders          []*backpack.OrderRequest
	leverageChanges []int
	nextID          int
}

func (s *stubExchange) Label() string { return s.label }

func (s *stubExchange) GetAccount(ctx context.Context) (*backpack.Account, error) {
	a := s.account
	return &a, nil
}

func (s *stubExchange) EnableAutoLend(ctx context.Context) (*backpack.Account, error) {
	s.account.AutoLend = true
	s.account.AutoRepayBorrows = true
	return s.GetAccount(ctx)
}

func (s *stubExchange) ChangeLeverage(ctx context.Context, leverage int) (*backpack.Account, error) {
	s.leverageChanges = append(s.leverageChanges, leverage)
	s.account.LeverageLimit = strconv.Itoa(leverage)
	return s.GetAccount(ctx)
}

func (s *stubExchange) GetTickers(ctx context.Context) (map[string]decimal.Decimal, error) {
	return s.prices, nil
}

func (s *stubExchange) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	return s.balances, nil
}

func (s *stubExchange) GetMarketPrecisions(ctx context.Context) (map[string]backpack.Precision, error) {
	return s.precisions, nil
}

func symbolToken(symbol string) string {
	token := strings.TrimSuffix(symbol, "_PERP")
	return strings.TrimSuffix(token, "_"+backpack.StableSymbol)
}

func (s *stubExchange) CreateOrder(ctx context.Context, req *backpack.OrderRequest) (*backpack.OrderResult, error) {
	s.orders = append(s.orders, req)
	if s.reject != "" {
		return &backpack.OrderResult{Status: "Rejected", Reason: s.reject}, nil
	}

	last := s.prices[symbolToken(req.Symbol)]
	var quantity, quote decimal.Decimal
	switch {
	case req.QuoteQuantity.IsPositive():
		quote = req.QuoteQuantity.Add(s.quoteOffset)
		quantity = quote.Div(last)
	case req.Price.IsPositive():
		quantity = req.Quantity
		quote = quantity.Mul(req.Price)
	default:
		quantity = req.Quantity
		quote = quantity.Mul(last).Add(s.quoteOffset)
	}

	status := "Filled"
	if s.status != "" {
		status = s.status
		quantity, quote = decimal.Zero, decimal.Zero
	}

	s.nextID++
	return &backpack.OrderResult{
		ID:                    s.label + "-" + strconv.Itoa(s.nextID),
		Status:                status,
		Created:               true,
		ExecutedQuantity:      quantity,
		ExecutedQuoteQuantity: quote,
	}, nil
}

func (s *stubExchange) FindFill(ctx context.Context, orderID string) (*backpack.Fill, error) {
	return nil, nil
}

func (s *stubExchange) GetPositions(ctx context.Context) ([]*backpack.Position, error) {
	return s.positions, nil
}

func (s *stubExchange) GetStatistics(ctx context.Context) (*backpack.Statistics, error) {
	return s.stats, nil
}

func testConfig() *Config {
	return &Config{
		Tokens:         []string{"SOL"},
		MinAmount:      decimal.NewFromInt(100),
		MaxAmount:      decimal.NewFromInt(100),
		MinPercentBack: 100,
		MaxPercentBack: 100,
		MinLeverage:    2,
		MaxLeverage:    2,
		OrderRetries:   2,
	}
}

func testQueue(t *testing.T, keys ...string) *queue.Queue {
	t.Helper()
	q := queue.New(kvmemdb.New(), nil)
	accounts := make(map[string]*gobs.AccountState)
	for _, key := range keys {
		accounts[key] = &gobs.AccountState{
			Label: key,
			Tasks: []gobs.TaskState{{Name: "trade", Status: gobs.TaskPending}},
		}
	}
	if err := q.CreateAccounts(context.Background(), accounts); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestTradeRoundTrip(t *testing.T) {
	ctx := context.Background()
	ex := &stubExchange{
		label:   "acct-1",
		account: backpack.Account{AutoLend: true, LeverageLimit: "1"},
		prices: map[string]decimal.Decimal{
			"SOL":                 decimal.NewFromInt(100),
			backpack.StableSymbol: decimal.NewFromInt(1),
		},
		balances: map[string]decimal.Decimal{
			backpack.StableSymbol: decimal.NewFromInt(1000),
		},
		precisions: map[string]backpack.Precision{
			"SOL": {Amount: 2, Price: 2},
		},
	}
	q := testQueue(t, "key-a")
	s := NewSession(testConfig(), q, ex, "key-a", "")

	if err := s.Trade(ctx); err != nil {
		t.Fatal(err)
	}

	if len(ex.orders) != 2 {
		t.Fatalf("placed %d orders, want buy then sell", len(ex.orders))
	}
	buyOrder, sellOrder := ex.orders[0], ex.orders[1]
	if buyOrder.Side != backpack.Bid || sellOrder.Side != backpack.Ask {
		t.Errorf("order sides = %s, %s", buyOrder.Side, sellOrder.Side)
	}
	if buyOrder.Symbol != "SOL_USDC" {
		t.Errorf("order symbol = %q", buyOrder.Symbol)
	}
	// $100 spend at last price 100 buys 1 SOL; the 100% sell-back returns
	// all of it.
	if !buyOrder.Quantity.Equal(decimal.NewFromInt(1)) {
		t.Errorf("buy quantity = %s, want 1", buyOrder.Quantity)
	}
	if !sellOrder.Quantity.Equal(buyOrder.Quantity) {
		t.Errorf("sell quantity = %s, want %s", sellOrder.Quantity, buyOrder.Quantity)
	}
	// Buy limit crosses up (100.8), sell limit crosses down (99.2).
	if buyOrder.Price.String() != "100.8" || sellOrder.Price.String() != "99.2" {
		t.Errorf("limit prices = %s, %s", buyOrder.Price, sellOrder.Price)
	}

	// Round-trip PnL is realized into the account record.
	accounts, err := q.Accounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := accounts["key-a"].TotalPnl.String(); got != "-1.6" {
		t.Errorf("TotalPnl = %s, want -1.6", got)
	}

	report, err := q.FlushReport(ctx, "key-a", "acct-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(report, "Bought 1 SOL") || !strings.Contains(report, "Sold 1 SOL") {
		t.Errorf("report is missing trade lines:\n%s", report)
	}
	if !strings.Contains(report, "Done: 2/2") {
		t.Errorf("report success rate is wrong:\n%s", report)
	}
}

func TestTradePnlCoversSoldQuantityOnly(t *testing.T) {
	ctx := context.Background()
	ex := &stubExchange{
		label:   "acct-1",
		account: backpack.Account{AutoLend: true, LeverageLimit: "1"},
		prices: map[string]decimal.Decimal{
			"SOL":                 decimal.NewFromInt(100),
			backpack.StableSymbol: decimal.NewFromInt(1),
		},
		balances: map[string]decimal.Decimal{
			backpack.StableSymbol: decimal.NewFromInt(1000),
		},
		precisions: map[string]backpack.Precision{
			"SOL": {Amount: 2, Price: 2},
		},
	}
	cfg := testConfig()
	cfg.MinPercentBack, cfg.MaxPercentBack = 99, 99
	q := testQueue(t, "key-a")
	s := NewSession(cfg, q, ex, "key-a", "")

	if err := s.Trade(ctx); err != nil {
		t.Fatal(err)
	}
	if len(ex.orders) != 2 {
		t.Fatalf("placed %d orders, want buy then sell", len(ex.orders))
	}
	if !ex.orders[1].Quantity.Equal(decimal.RequireFromString("0.99")) {
		t.Fatalf("sell quantity = %s, want 0.99", ex.orders[1].Quantity)
	}

	// Buying 1 at 100.8 and selling 0.99 at 99.2 loses 1.6 on each of the
	// 0.99 matched units. The unsold remainder is still held, not lost.
	accounts, err := q.Accounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := accounts["key-a"].TotalPnl.String(); got != "-1.584" {
		t.Errorf("TotalPnl = %s, want -1.584", got)
	}
}

func TestTradeLiquidatesWhenBroke(t *testing.T) {
	ctx := context.Background()
	ex := &stubExchange{
		label:   "acct-1",
		account: backpack.Account{AutoLend: true, LeverageLimit: "1"},
		prices: map[string]decimal.Decimal{
			"SOL":                 decimal.NewFromInt(100),
			backpack.StableSymbol: decimal.NewFromInt(1),
		},
		balances: map[string]decimal.Decimal{
			backpack.StableSymbol: decimal.RequireFromString("0.5"),
			"SOL":                 decimal.NewFromInt(2),
		},
		precisions: map[string]backpack.Precision{
			"SOL": {Amount: 2, Price: 2},
		},
	}
	q := testQueue(t, "key-a")
	s := NewSession(testConfig(), q, ex, "key-a", "")

	if err := s.Trade(ctx); err != nil {
		t.Fatal(err)
	}
	if len(ex.orders) != 1 {
		t.Fatalf("placed %d orders, want a single liquidation", len(ex.orders))
	}
	order := ex.orders[0]
	if order.Side != backpack.Ask || !order.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("liquidation order = %s %s", order.Side, order.Quantity)
	}
}

func TestTradeFailsWithNothingToSell(t *testing.T) {
	ctx := context.Background()
	ex := &stubExchange{
		label:   "acct-1",
		account: backpack.Account{AutoLend: true},
		prices: map[string]decimal.Decimal{
			backpack.StableSymbol: decimal.NewFromInt(1),
		},
		balances: map[string]decimal.Decimal{
			backpack.StableSymbol: decimal.RequireFromString("0.5"),
		},
		precisions: map[string]backpack.Precision{},
	}
	q := testQueue(t, "key-a")
	s := NewSession(testConfig(), q, ex, "key-a", "")

	if err := s.Trade(ctx); err == nil {
		t.Fatal("broke account with no holdings must fail the task")
	}
	if len(ex.orders) != 0 {
		t.Errorf("placed %d orders, want none", len(ex.orders))
	}
}

func TestPlaceSpotOrderRetriesRejection(t *testing.T) {
	ctx := context.Background()
	ex := &stubExchange{
		label:   "acct-1",
		account: backpack.Account{AutoLend: true},
		prices: map[string]decimal.Decimal{
			"SOL":                 decimal.NewFromInt(100),
			backpack.StableSymbol: decimal.NewFromInt(1),
		},
		balances: map[string]decimal.Decimal{
			backpack.StableSymbol: decimal.NewFromInt(1000),
		},
		precisions: map[string]backpack.Precision{
			"SOL": {Amount: 2, Price: 2},
		},
		reject: "Insufficient funds",
	}
	q := testQueue(t, "key-a")
	s := NewSession(testConfig(), q, ex, "key-a", "")
	if err := s.Login(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.fetchMarket(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := s.placeSpotOrder(ctx, backpack.Bid, "SOL", decimal.NewFromInt(1)); err == nil {
		t.Fatal("rejected order must surface an error after retries")
	}
	if len(ex.orders) != 2 {
		t.Errorf("attempted %d orders, want the configured 2", len(ex.orders))
	}

	// Identical retry failures are deduped to one report line.
	report, err := q.FlushReport(ctx, "key-a", "acct-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(report, "Insufficient funds"); n != 1 {
		t.Errorf("report has %d failure lines, want 1:\n%s", n, report)
	}
}

func TestPlaceSpotOrderWarnsWhenResting(t *testing.T) {
	ctx := context.Background()
	ex := &stubExchange{
		label:   "acct-1",
		account: backpack.Account{AutoLend: true},
		prices: map[string]decimal.Decimal{
			"SOL":                 decimal.NewFromInt(100),
			backpack.StableSymbol: decimal.NewFromInt(1),
		},
		balances: map[string]decimal.Decimal{
			backpack.StableSymbol: decimal.NewFromInt(1000),
		},
		precisions: map[string]backpack.Precision{
			"SOL": {Amount: 2, Price: 2},
		},
		status: "New",
	}
	q := testQueue(t, "key-a")
	s := NewSession(testConfig(), q, ex, "key-a", "")
	if err := s.Login(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.fetchMarket(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := s.placeSpotOrder(ctx, backpack.Bid, "SOL", decimal.NewFromInt(1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Filled() {
		t.Fatalf("resting order reports as filled: %+v", res)
	}

	// A resting unfilled order is a warning, not a completed trade.
	report, err := q.FlushReport(ctx, "key-a", "acct-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(report, "⚠️ Open buy limit order for 1 SOL") {
		t.Errorf("report is missing the open-order warning:\n%s", report)
	}
	if strings.Contains(report, "Bought") {
		t.Errorf("resting order reported as bought:\n%s", report)
	}
}

func TestSellAllClosesPositions(t *testing.T) {
	ctx := context.Background()
	ex := &stubExchange{
		label:   "acct-1",
		account: backpack.Account{AutoLend: true},
		prices: map[string]decimal.Decimal{
			"SOL":                 decimal.NewFromInt(100),
			"BTC":                 decimal.NewFromInt(90000),
			backpack.StableSymbol: decimal.NewFromInt(1),
		},
		balances: map[string]decimal.Decimal{
			backpack.StableSymbol: decimal.NewFromInt(10),
			"SOL":                 decimal.NewFromInt(3),
			"BTC":                 decimal.RequireFromString("0.000001"), // dust
		},
		precisions: map[string]backpack.Precision{
			"SOL": {Amount: 2, Price: 2},
			"BTC": {Amount: 5, Price: 0},
		},
		positions: []*backpack.Position{
			{
				Symbol:      backpack.PerpSymbol("SOL"),
				Token:       "SOL",
				NetQuantity: decimal.NewFromInt(-2),
				NetExposure: decimal.NewFromInt(2),
			},
		},
	}
	q := testQueue(t, "key-a")
	s := NewSession(testConfig(), q, ex, "key-a", "")

	if err := s.SellAll(ctx); err != nil {
		t.Fatal(err)
	}

	if len(ex.orders) != 2 {
		t.Fatalf("placed %d orders, want spot sale plus position close", len(ex.orders))
	}
	spot, futures := ex.orders[0], ex.orders[1]
	if spot.Symbol != "SOL_USDC" || spot.Side != backpack.Ask || !spot.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Errorf("spot sale = %+v", spot)
	}
	// The short position closes with a reduce-only buy.
	if futures.Symbol != backpack.PerpSymbol("SOL") || futures.Side != backpack.Bid {
		t.Errorf("position close = %+v", futures)
	}
	if !futures.Quantity.Equal(decimal.NewFromInt(2)) || futures.QuoteQuantity.IsPositive() {
		t.Errorf("position close sizing = %+v", futures)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	ex := &stubExchange{
		label:   "acct-1",
		account: backpack.Account{AutoLend: true},
		prices: map[string]decimal.Decimal{
			"SOL":                 decimal.NewFromInt(100),
			backpack.StableSymbol: decimal.NewFromInt(1),
		},
		balances: map[string]decimal.Decimal{
			backpack.StableSymbol: decimal.NewFromInt(50),
			"SOL":                 decimal.NewFromInt(1),
		},
		stats: &backpack.Statistics{
			Month: backpack.StatWindow{Volume: decimal.NewFromInt(1234), Orders: 10, Days: 3},
			Total: backpack.StatWindow{Volume: decimal.NewFromInt(9999), Orders: 42, Days: 17},
		},
	}
	q := testQueue(t, "key-a")
	s := NewSession(testConfig(), q, ex, "key-a", "")

	text, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"Monthly volume: $1234.00",
		"Total orders: 42",
		"USDC balance: 50.00",
		"Total balance: $150.00",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("stats text is missing %q:\n%s", want, text)
		}
	}
}
