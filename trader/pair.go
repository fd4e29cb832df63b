// Copyright (c) 2025 NSVK

package trader

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/nsvk/backpackbot/backpack"
	"github.com/nsvk/backpackbot/ctxutil"
	"github.com/nsvk/backpackbot/gobs"
	"github.com/nsvk/backpackbot/queue"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// minPairNotional is the smallest per-leg notional worth opening when
// sizing from a percentage of the balance.
var minPairNotional = decimal.RequireFromString("1.5")

// Pair opens and closes a hedged futures position across two accounts: one
// long, one short, same token, same notional. The hedge makes the combined
// position roughly market-neutral while both accounts generate volume.
type Pair struct {
	cfg   *Config
	queue *queue.Queue

	// eventID keys the pending-pair record and the shared report log.
	eventID string

	// index is the "[done/total]" progress hint shown in the flushed
	// report header.
	index string

	sessions [2]*Session
}

func NewPair(cfg *Config, q *queue.Queue, eventID, index string, sessions [2]*Session) *Pair {
	for _, s := range sessions {
		s.SetReportKey(eventID)
	}
	return &Pair{
		cfg:      cfg,
		queue:    q,
		eventID:  eventID,
		index:    index,
		sessions: sessions,
	}
}

func (p *Pair) EventID() string {
	return p.eventID
}

func (p *Pair) Index() string {
	return p.index
}

// login logs both sessions in and fetches their market data concurrently.
func (p *Pair) login(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range p.sessions {
		g.Go(func() error {
			if err := s.Login(gctx); err != nil {
				return err
			}
			return s.fetchMarket(gctx)
		})
	}
	return g.Wait()
}

// bidAmount computes the shared per-leg notional before leverage.
func (p *Pair) bidAmount() (decimal.Decimal, error) {
	b0 := p.sessions[0].balances[backpack.StableSymbol]
	b1 := p.sessions[1].balances[backpack.StableSymbol]
	low, poor := b0, p.sessions[0].Label()
	if b1.LessThan(b0) {
		low, poor = b1, p.sessions[1].Label()
	}

	if p.cfg.FixedAmounts() {
		if low.LessThan(p.cfg.MinAmount) {
			return decimal.Zero, fmt.Errorf("account %q has %s %s, below the minimum trade amount %s",
				poor, low, backpack.StableSymbol, p.cfg.MinAmount)
		}
		return randDecimal(p.cfg.MinAmount, decimal.Min(p.cfg.MaxAmount, low)), nil
	}

	pct := randInt(p.cfg.MinPercent, p.cfg.MaxPercent)
	notional := low.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100))
	if notional.LessThan(minPairNotional) {
		return decimal.Zero, fmt.Errorf("account %q balance %s %s sizes the pair below %s",
			poor, low, backpack.StableSymbol, minPairNotional)
	}
	return notional, nil
}

// Open places the two hedge legs and persists the resulting pending-pair
// record. A failed leg aborts the whole pairing; a leg that already went
// through is intentionally left open on the exchange (compensating it
// would carry its own execution risk) and the pair is simply not recorded.
func (p *Pair) Open(ctx context.Context, token string) error {
	if err := p.login(ctx); err != nil {
		return err
	}

	for _, s := range p.sessions {
		if _, ok := s.precisions[token]; !ok {
			p.sessions[0].report(ctx, fmt.Sprintf("Token %s is not listed", token), queue.Failure, true)
			return fmt.Errorf("token %q has no market metadata", token)
		}
	}

	notional, err := p.bidAmount()
	if err != nil {
		p.sessions[0].report(ctx, err.Error(), queue.Failure, true)
		return err
	}

	leverage := randInt(p.cfg.MinLeverage, p.cfg.MaxLeverage)
	notional = notional.Mul(decimal.NewFromInt(int64(leverage)))

	sides := [2]string{backpack.Bid, backpack.Ask}
	if rand.IntN(2) == 1 {
		sides[0], sides[1] = sides[1], sides[0]
	}

	slog.Info("opening hedged pair", "token", token, "notional", notional, "leverage", leverage,
		"long", p.sessions[legIndex(sides, backpack.Bid)].Label(),
		"short", p.sessions[legIndex(sides, backpack.Ask)].Label())

	var legs [2]gobs.PairLegState
	for i, s := range p.sessions {
		if i > 0 {
			minDelay, maxDelay := p.cfg.OrderDelayRange()
			ctxutil.SleepRange(ctx, minDelay, maxDelay)
		}
		leg, err := p.openLeg(ctx, s, token, sides[i], leverage, notional)
		if err != nil {
			s.report(ctx, fmt.Sprintf("Open %s %s failed: %v", backpack.FuturesName(sides[i]), token, err), queue.Failure, true)
			return fmt.Errorf("could not open %s leg on %q: %w", backpack.FuturesName(sides[i]), s.Label(), err)
		}
		legs[i] = *leg
	}

	// Entry-price skew between the legs: the short collected more than the
	// long paid when positive.
	buyProfit := decimal.Zero
	for _, leg := range legs {
		if leg.Side == backpack.Ask {
			buyProfit = buyProfit.Add(leg.Quote)
		} else {
			buyProfit = buyProfit.Sub(leg.Quote)
		}
	}

	pending := &gobs.PendingPairState{
		Token:     token,
		PairIndex: p.index,
		BuyProfit: buyProfit,
		Legs:      legs,
	}
	if err := p.queue.AddPendingPair(ctx, p.eventID, pending); err != nil {
		return err
	}
	p.sessions[0].report(ctx, fmt.Sprintf("Buy difference: $%s", buyProfit.StringFixed(4)), queue.Neutral, false)
	return nil
}

func legIndex(sides [2]string, side string) int {
	if sides[0] == side {
		return 0
	}
	return 1
}

func (p *Pair) openLeg(ctx context.Context, s *Session, token, side string, leverage int, notional decimal.Decimal) (*gobs.PairLegState, error) {
	if s.account.LeverageLimit != strconv.Itoa(leverage) {
		if _, err := s.exchange.ChangeLeverage(ctx, leverage); err != nil {
			return nil, err
		}
		ctxutil.SleepRange(ctx, time.Second, 3*time.Second)
	}

	quote := backpack.RoundPrice(notional, s.precisions[token].TickSize)
	res, err := s.exchange.CreateOrder(ctx, backpack.FuturesMarketQuote(backpack.PerpSymbol(token), side, quote))
	if err != nil {
		return nil, err
	}
	if res.Rejected() {
		return nil, fmt.Errorf("order rejected: %s", res.Reason)
	}

	size := res.ExecutedQuantity
	spent := res.ExecutedQuoteQuantity
	price := decimal.Zero
	if size.IsPositive() {
		price = spent.Div(size)
	}
	s.report(ctx, fmt.Sprintf("Opened %s %s %s for $%s", backpack.FuturesName(side), size, token, spent.StringFixed(2)), queue.Success, false)

	return &gobs.PairLegState{
		AccountKey: s.accountKey,
		Label:      s.Label(),
		ProxyRef:   s.proxyRef,
		Side:       side,
		Size:       size,
		Quote:      spent,
		Price:      price,
		OrderID:    res.ID,
	}, nil
}

// Close unwinds a pending pair with reduce-only orders on both legs, in
// random account order. Sessions must be aligned with the record's legs.
// Any leg failure aborts the close and keeps the record pending for a
// later pass.
func (p *Pair) Close(ctx context.Context, pending *gobs.PendingPairState) error {
	if err := p.login(ctx); err != nil {
		return err
	}

	order := []int{0, 1}
	rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	profit := decimal.Zero
	for n, i := range order {
		if n > 0 {
			minDelay, maxDelay := p.cfg.OrderDelayRange()
			ctxutil.SleepRange(ctx, minDelay, maxDelay)
		}
		leg := pending.Legs[i]
		s := p.sessions[i]

		pct := randInt(p.cfg.MinPercentBack, p.cfg.MaxPercentBack)
		quantity := leg.Size.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100))
		quantity = backpack.RoundQuantity(quantity, s.precisions[pending.Token].Amount)
		if quantity.IsZero() {
			s.report(ctx, fmt.Sprintf("Low %s position to close", pending.Token), queue.Warning, true)
			continue
		}

		side := backpack.OppositeSide(leg.Side)
		res, err := s.exchange.CreateOrder(ctx, backpack.FuturesMarketReduce(backpack.PerpSymbol(pending.Token), side, quantity))
		if err != nil {
			return fmt.Errorf("could not close %s leg on %q: %w", backpack.FuturesName(leg.Side), s.Label(), err)
		}
		if res.Rejected() {
			s.report(ctx, fmt.Sprintf("Close %s %s %s failed: %s", backpack.FuturesName(leg.Side), quantity, pending.Token, res.Reason), queue.Failure, true)
			return fmt.Errorf("close order on %q was rejected: %s", s.Label(), res.Reason)
		}

		profit = profit.Add(res.ExecutedQuoteQuantity.Sub(leg.Quote))
		s.report(ctx, fmt.Sprintf("Closed %s %s %s for $%s", backpack.FuturesName(leg.Side), quantity, pending.Token, res.ExecutedQuoteQuantity.StringFixed(2)), queue.Success, false)
	}

	p.sessions[0].report(ctx, fmt.Sprintf("Total profit: $%s", profit.StringFixed(4)), queue.Neutral, false)
	if err := p.queue.RemovePendingPair(ctx, p.eventID); err != nil {
		return err
	}
	slog.Info("closed hedged pair", "token", pending.Token, "profit", profit)
	return nil
}
