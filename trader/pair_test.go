// Copyright (c) 2025 NSVK

package trader

import (
	"context"
	"strings"
	"testing"

	"github.com/nsvk/backpackbot/backpack"
	"github.com/nsvk/backpackbot/gobs"
	"github.com/shopspring/decimal"
)

func pairStub(label string, balance int64) *stubExchange {
	return &stubExchange{
		label:   label,
		account: backpack.Account{AutoLend: true, LeverageLimit: "1"},
		prices: map[string]decimal.Decimal{
			"SOL":                 decimal.NewFromInt(100),
			backpack.StableSymbol: decimal.NewFromInt(1),
		},
		balances: map[string]decimal.Decimal{
			backpack.StableSymbol: decimal.NewFromInt(balance),
		},
		precisions: map[string]backpack.Precision{
			"SOL": {Amount: 2, Price: 2, TickSize: 2},
		},
	}
}

func TestPairOpen(t *testing.T) {
	ctx := context.Background()
	exA := pairStub("acct-a", 1000)
	exB := pairStub("acct-b", 1000)
	exB.quoteOffset = decimal.RequireFromString("0.5")

	cfg := testConfig()
	q := testQueue(t, "key-a", "key-b")
	sessions := [2]*Session{
		NewSession(cfg, q, exA, "key-a", "proxy-a"),
		NewSession(cfg, q, exB, "key-b", "proxy-b"),
	}
	pair := NewPair(cfg, q, "event-1", "1/5", sessions)

	if err := pair.Open(ctx, "SOL"); err != nil {
		t.Fatal(err)
	}

	// Both legs run at the sampled leverage.
	for _, ex := range []*stubExchange{exA, exB} {
		if len(ex.leverageChanges) != 1 || ex.leverageChanges[0] != 2 {
			t.Errorf("%s leverage changes = %v, want [2]", ex.label, ex.leverageChanges)
		}
		if len(ex.orders) != 1 {
			t.Fatalf("%s placed %d orders, want 1", ex.label, len(ex.orders))
		}
		order := ex.orders[0]
		if order.Symbol != backpack.PerpSymbol("SOL") {
			t.Errorf("%s order symbol = %q", ex.label, order.Symbol)
		}
		// $100 notional at 2x leverage, sized in quote currency.
		if !order.QuoteQuantity.Equal(decimal.NewFromInt(200)) {
			t.Errorf("%s quote quantity = %s, want 200", ex.label, order.QuoteQuantity)
		}
	}
	if exA.orders[0].Side == exB.orders[0].Side {
		t.Errorf("legs are on the same side %q", exA.orders[0].Side)
	}

	pairs, err := q.PendingPairs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	pending := pairs["event-1"]
	if pending == nil {
		t.Fatal("pair open did not persist a pending record")
	}
	if pending.Token != "SOL" || pending.PairIndex != "1/5" {
		t.Errorf("pending = %+v", pending)
	}

	var long, short *gobs.PairLegState
	for i := range pending.Legs {
		leg := &pending.Legs[i]
		if leg.Side == backpack.Bid {
			long = leg
		} else {
			short = leg
		}
		if leg.AccountKey == "" || leg.ProxyRef == "" || leg.OrderID == "" {
			t.Errorf("leg is missing identity fields: %+v", leg)
		}
		if !leg.Size.IsPositive() || !leg.Quote.IsPositive() {
			t.Errorf("leg is missing order amounts: %+v", leg)
		}
	}
	if long == nil || short == nil {
		t.Fatalf("legs do not cover both sides: %+v", pending.Legs)
	}
	if want := short.Quote.Sub(long.Quote); !pending.BuyProfit.Equal(want) {
		t.Errorf("BuyProfit = %s, want %s", pending.BuyProfit, want)
	}
}

func TestPairOpenQuoteUsesTickSize(t *testing.T) {
	ctx := context.Background()
	exA := pairStub("acct-a", 1000)
	exB := pairStub("acct-b", 1000)
	exA.precisions["SOL"] = backpack.Precision{Amount: 2, Price: 2, TickSize: 1}
	exB.precisions["SOL"] = backpack.Precision{Amount: 2, Price: 2, TickSize: 1}

	cfg := testConfig()
	cfg.MinAmount = decimal.RequireFromString("100.128")
	cfg.MaxAmount = cfg.MinAmount
	q := testQueue(t, "key-a", "key-b")
	sessions := [2]*Session{
		NewSession(cfg, q, exA, "key-a", ""),
		NewSession(cfg, q, exB, "key-b", ""),
	}
	pair := NewPair(cfg, q, "event-1", "", sessions)

	if err := pair.Open(ctx, "SOL"); err != nil {
		t.Fatal(err)
	}

	// The $200.256 notional is sized to the market's one-decimal tick.
	for _, ex := range []*stubExchange{exA, exB} {
		if got := ex.orders[0].QuoteQuantity.String(); got != "200.3" {
			t.Errorf("%s quote quantity = %s, want 200.3", ex.label, got)
		}
	}
}

func TestPairOpenAbortsOnLegFailure(t *testing.T) {
	ctx := context.Background()
	exA := pairStub("acct-a", 1000)
	exB := pairStub("acct-b", 1000)
	exA.reject = "Insufficient margin"
	exB.reject = "Insufficient margin"

	cfg := testConfig()
	q := testQueue(t, "key-a", "key-b")
	sessions := [2]*Session{
		NewSession(cfg, q, exA, "key-a", ""),
		NewSession(cfg, q, exB, "key-b", ""),
	}
	pair := NewPair(cfg, q, "event-1", "", sessions)

	if err := pair.Open(ctx, "SOL"); err == nil {
		t.Fatal("pair open with rejected legs must fail")
	}
	if n, err := q.PairCount(ctx); err != nil || n != 0 {
		t.Fatalf("failed open persisted a pending pair (%d, %v)", n, err)
	}
}

func TestPairOpenPoorAccount(t *testing.T) {
	ctx := context.Background()
	exA := pairStub("acct-a", 1000)
	exB := pairStub("acct-b", 50) // below the fixed range minimum

	cfg := testConfig()
	q := testQueue(t, "key-a", "key-b")
	sessions := [2]*Session{
		NewSession(cfg, q, exA, "key-a", ""),
		NewSession(cfg, q, exB, "key-b", ""),
	}
	pair := NewPair(cfg, q, "event-1", "", sessions)

	err := pair.Open(ctx, "SOL")
	if err == nil {
		t.Fatal("underfunded pair open must fail")
	}
	if !strings.Contains(err.Error(), "acct-b") {
		t.Errorf("error does not name the poor account: %v", err)
	}
	if len(exA.orders)+len(exB.orders) != 0 {
		t.Errorf("underfunded open still placed orders")
	}
}

func TestPairClose(t *testing.T) {
	ctx := context.Background()
	exA := pairStub("acct-a", 1000)
	exB := pairStub("acct-b", 1000)
	// Price moved from 100 to 110 since the open.
	exA.prices["SOL"] = decimal.NewFromInt(110)
	exB.prices["SOL"] = decimal.NewFromInt(110)

	cfg := testConfig()
	q := testQueue(t, "key-a", "key-b")
	sessions := [2]*Session{
		NewSession(cfg, q, exA, "key-a", ""),
		NewSession(cfg, q, exB, "key-b", ""),
	}
	pair := NewPair(cfg, q, "event-1", "2/5", sessions)

	pending := &gobs.PendingPairState{
		Token:     "SOL",
		PairIndex: "2/5",
		Legs: [2]gobs.PairLegState{
			{AccountKey: "key-a", Label: "acct-a", Side: backpack.Bid, Size: decimal.NewFromInt(2), Quote: decimal.NewFromInt(200)},
			{AccountKey: "key-b", Label: "acct-b", Side: backpack.Ask, Size: decimal.NewFromInt(2), Quote: decimal.NewFromInt(200)},
		},
	}
	if err := q.AddPendingPair(ctx, "event-1", pending); err != nil {
		t.Fatal(err)
	}

	if err := pair.Close(ctx, pending); err != nil {
		t.Fatal(err)
	}

	// Each leg closes its full size reduce-only on the opposite side.
	orderA, orderB := exA.orders[0], exB.orders[0]
	if orderA.Side != backpack.Ask || orderB.Side != backpack.Bid {
		t.Errorf("close sides = %s, %s", orderA.Side, orderB.Side)
	}
	for _, order := range []*backpack.OrderRequest{orderA, orderB} {
		if !order.Quantity.Equal(decimal.NewFromInt(2)) || order.QuoteQuantity.IsPositive() {
			t.Errorf("close order sizing = %+v", order)
		}
	}

	if n, err := q.PairCount(ctx); err != nil || n != 0 {
		t.Fatalf("closed pair record was not removed (%d, %v)", n, err)
	}

	// Both legs filled at 110 x 2 = $220 against a $200 open.
	report, err := q.FlushReport(ctx, "event-1", "SOL pair", "2/5")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(report, "Total profit: $40.0000") {
		t.Errorf("report is missing the profit line:\n%s", report)
	}
	if !strings.Contains(report, "[2/5] SOL pair") {
		t.Errorf("report header is wrong:\n%s", report)
	}
}

func TestPairCloseAbortsOnLegFailure(t *testing.T) {
	ctx := context.Background()
	exA := pairStub("acct-a", 1000)
	exB := pairStub("acct-b", 1000)
	exA.reject = "Reduce only violation"
	exB.reject = "Reduce only violation"

	cfg := testConfig()
	q := testQueue(t, "key-a", "key-b")
	sessions := [2]*Session{
		NewSession(cfg, q, exA, "key-a", ""),
		NewSession(cfg, q, exB, "key-b", ""),
	}
	pair := NewPair(cfg, q, "event-1", "", sessions)

	pending := &gobs.PendingPairState{
		Token: "SOL",
		Legs: [2]gobs.PairLegState{
			{AccountKey: "key-a", Side: backpack.Bid, Size: decimal.NewFromInt(2), Quote: decimal.NewFromInt(200)},
			{AccountKey: "key-b", Side: backpack.Ask, Size: decimal.NewFromInt(2), Quote: decimal.NewFromInt(200)},
		},
	}
	if err := q.AddPendingPair(ctx, "event-1", pending); err != nil {
		t.Fatal(err)
	}

	if err := pair.Close(ctx, pending); err == nil {
		t.Fatal("close with rejected legs must fail")
	}
	// The record stays pending for a later pass.
	if n, err := q.PairCount(ctx); err != nil || n != 1 {
		t.Fatalf("pending pair count = %d (%v), want 1", n, err)
	}
}
