// Copyright (c) 2025 NSVK

package trader

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/nsvk/backpackbot/backpack"
	"github.com/nsvk/backpackbot/ctxutil"
	"github.com/nsvk/backpackbot/queue"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Exchange is the gateway surface the trading logic needs. The production
// implementation is backpack.Client; tests use a stub.
type Exchange interface {
	Label() string
	GetAccount(ctx context.Context) (*backpack.Account, error)
	EnableAutoLend(ctx context.Context) (*backpack.Account, error)
	ChangeLeverage(ctx context.Context, leverage int) (*backpack.Account, error)
	GetTickers(ctx context.Context) (map[string]decimal.Decimal, error)
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)
	GetMarketPrecisions(ctx context.Context) (map[string]backpack.Precision, error)
	CreateOrder(ctx context.Context, req *backpack.OrderRequest) (*backpack.OrderResult, error)
	FindFill(ctx context.Context, orderID string) (*backpack.Fill, error)
	GetPositions(ctx context.Context) ([]*backpack.Position, error)
	GetStatistics(ctx context.Context) (*backpack.Statistics, error)
}

// liquidateChance is the probability of selling the largest holding even
// when the stable balance would allow a normal round trip.
const liquidateChance = 0.2

// dustValue is the minimum USD value a holding must have to be worth
// selling.
var dustValue = decimal.NewFromInt(1)

// Session runs trading operations for one selected account.
type Session struct {
	cfg      *Config
	queue    *queue.Queue
	exchange Exchange

	// accountKey keys the account's queue record and realized PnL.
	accountKey string
	proxyRef   string

	// reportKey keys the report log. It equals accountKey for single
	// trades and the event id for pair trades.
	reportKey string

	account    *backpack.Account
	prices     map[string]decimal.Decimal
	balances   map[string]decimal.Decimal
	precisions map[string]backpack.Precision

	// buyPrice and buySize record the last tracked buy's average fill
	// price and executed quantity, awaiting the matching sell.
	buyPrice decimal.Decimal
	buySize  decimal.Decimal
}

func NewSession(cfg *Config, q *queue.Queue, exchange Exchange, accountKey, proxyRef string) *Session {
	return &Session{
		cfg:        cfg,
		queue:      q,
		exchange:   exchange,
		accountKey: accountKey,
		proxyRef:   proxyRef,
		reportKey:  accountKey,
	}
}

// SetReportKey redirects report lines, e.g. to a pair event id.
func (s *Session) SetReportKey(key string) {
	s.reportKey = key
}

func (s *Session) Label() string {
	return s.exchange.Label()
}

func (s *Session) report(ctx context.Context, text string, outcome queue.Outcome, dedupe bool) {
	if err := s.queue.AppendReport(ctx, s.reportKey, text, outcome, dedupe); err != nil {
		slog.Error("could not append report line", "label", s.Label(), "err", err)
	}
}

// Login fetches the account settings and turns on auto-lend when it is
// still off.
func (s *Session) Login(ctx context.Context) error {
	account, err := s.exchange.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("could not fetch account info: %w", err)
	}
	if !account.AutoLend {
		if account, err = s.exchange.EnableAutoLend(ctx); err != nil {
			return fmt.Errorf("could not enable auto lend: %w", err)
		}
	}
	s.account = account
	slog.Info("logged in", "label", s.Label(), "leverage", account.LeverageLimit)
	return nil
}

// fetchMarket loads prices, balances and precision metadata concurrently.
// All three must succeed before any trading decision is made.
func (s *Session) fetchMarket(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		s.prices, err = s.exchange.GetTickers(gctx)
		return err
	})
	g.Go(func() (err error) {
		s.balances, err = s.exchange.GetBalances(gctx)
		return err
	})
	g.Go(func() (err error) {
		s.precisions, err = s.exchange.GetMarketPrecisions(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("could not fetch market data: %w", err)
	}
	return nil
}

func (s *Session) minTradeAmount() decimal.Decimal {
	if s.cfg.FixedAmounts() {
		return s.cfg.MinAmount
	}
	return dustValue
}

// holdingQuantity returns the token balance rounded to its amount
// precision.
func (s *Session) holdingQuantity(token string) decimal.Decimal {
	return backpack.RoundQuantity(s.balances[token], s.precisions[token].Amount)
}

// largestHolding finds the non-stable holding with the highest USD value.
// Returns an empty token when nothing is worth selling.
func (s *Session) largestHolding() (string, decimal.Decimal) {
	tokens := make([]string, 0, len(s.balances))
	for token := range s.balances {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	var best string
	bestValue := decimal.Zero
	for _, token := range tokens {
		if token == backpack.StableSymbol {
			continue
		}
		price, ok := s.prices[token]
		if !ok {
			continue
		}
		value := price.Mul(s.holdingQuantity(token))
		if value.GreaterThan(bestValue) {
			best, bestValue = token, value
		}
	}
	return best, bestValue
}

// pickToken draws a uniformly random token from the configured universe
// intersected with what the exchange actually lists.
func (s *Session) pickToken() string {
	var candidates []string
	for _, token := range s.cfg.Tokens {
		_, priced := s.prices[token]
		_, listed := s.precisions[token]
		if priced && listed {
			candidates = append(candidates, token)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.N(len(candidates))]
}

// Trade performs one unit of trading work: either liquidate the largest
// holding (forced by a low stable balance, or at random) or buy a random
// token and sell it right back.
func (s *Session) Trade(ctx context.Context) error {
	if err := s.Login(ctx); err != nil {
		return err
	}
	if err := s.fetchMarket(ctx); err != nil {
		return err
	}

	usdc := s.balances[backpack.StableSymbol]
	largest, largestValue := s.largestHolding()

	liquidate := usdc.LessThan(s.minTradeAmount())
	if liquidate {
		if largest == "" {
			s.report(ctx, fmt.Sprintf("Not enough %s and nothing to liquidate", backpack.StableSymbol), queue.Failure, true)
			return fmt.Errorf("account %q has only %s %s and no holdings", s.Label(), usdc, backpack.StableSymbol)
		}
		slog.Info("stable balance too low; liquidating largest holding",
			"label", s.Label(), "balance", usdc, "token", largest, "value", largestValue)
	} else if largest != "" && largestValue.GreaterThan(dustValue) && rand.Float64() < liquidateChance {
		liquidate = true
		slog.Info("liquidating largest holding opportunistically",
			"label", s.Label(), "token", largest, "value", largestValue)
	}
	if liquidate {
		return s.sellHolding(ctx, largest)
	}

	token := s.pickToken()
	if token == "" {
		s.report(ctx, "No tradable token found", queue.Failure, true)
		return fmt.Errorf("none of the configured tokens is listed on the exchange")
	}

	bought, err := s.buy(ctx, token, usdc)
	if err != nil {
		return err
	}
	minDelay, maxDelay := s.cfg.OrderDelayRange()
	ctxutil.SleepRange(ctx, minDelay, maxDelay)
	return s.sellBack(ctx, token, bought)
}

// buy spends a sampled stable amount on the token and returns the executed
// quantity.
func (s *Session) buy(ctx context.Context, token string, usdc decimal.Decimal) (decimal.Decimal, error) {
	var spend decimal.Decimal
	if s.cfg.FixedAmounts() {
		if usdc.LessThan(s.cfg.MinAmount) {
			s.report(ctx, fmt.Sprintf("Balance %s below minimum trade amount %s", usdc, s.cfg.MinAmount), queue.Failure, true)
			return decimal.Zero, fmt.Errorf("balance %s is below the minimum trade amount %s", usdc, s.cfg.MinAmount)
		}
		spend = randDecimal(s.cfg.MinAmount, decimal.Min(s.cfg.MaxAmount, usdc))
	} else {
		pct := randInt(s.cfg.MinPercent, s.cfg.MaxPercent)
		spend = usdc.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100))
	}

	quantity := backpack.RoundQuantity(spend.Div(s.prices[token]), s.precisions[token].Amount)
	if quantity.IsZero() {
		s.report(ctx, fmt.Sprintf("Spend %s too small for one %s", spend, token), queue.Failure, true)
		return decimal.Zero, fmt.Errorf("spend %s rounds to zero %s", spend, token)
	}

	result, err := s.placeSpotOrder(ctx, backpack.Bid, token, quantity)
	if err != nil {
		return decimal.Zero, err
	}
	if result.ExecutedQuantity.IsPositive() {
		return result.ExecutedQuantity, nil
	}
	return quantity, nil
}

// sellBack sells a percent-back sized share of what was just bought.
func (s *Session) sellBack(ctx context.Context, token string, bought decimal.Decimal) error {
	pct := randInt(s.cfg.MinPercentBack, s.cfg.MaxPercentBack)
	quantity := bought.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100))
	quantity = backpack.RoundQuantity(quantity, s.precisions[token].Amount)
	if quantity.IsZero() {
		s.report(ctx, fmt.Sprintf("Low %s balance to sell back", token), queue.Warning, true)
		return nil
	}
	_, err := s.placeSpotOrder(ctx, backpack.Ask, token, quantity)
	return err
}

// sellHolding liquidates the full rounded balance of one token.
func (s *Session) sellHolding(ctx context.Context, token string) error {
	quantity := s.holdingQuantity(token)
	if quantity.IsZero() {
		s.report(ctx, fmt.Sprintf("Low %s balance to sell", token), queue.Warning, true)
		return nil
	}
	_, err := s.placeSpotOrder(ctx, backpack.Ask, token, quantity)
	return err
}

// placeSpotOrder submits an aggressive immediate-or-cancel limit order and
// reports the outcome. A rejected order is retried up to the configured
// bound with a fresh last price each attempt.
func (s *Session) placeSpotOrder(ctx context.Context, side, token string, quantity decimal.Decimal) (*backpack.OrderResult, error) {
	symbol := backpack.SpotSymbol(token)
	prec := s.precisions[token]

	minDelay, _ := s.cfg.OrderDelayRange()
	var result *backpack.OrderResult
	err := ctxutil.Retry(ctx, s.cfg.OrderRetries, ctxutil.FixedDelay(minDelay), func(ctx context.Context) error {
		prices, err := s.exchange.GetTickers(ctx)
		if err != nil {
			return err
		}
		last, ok := prices[token]
		if !ok {
			return fmt.Errorf("no last price for %q", token)
		}

		// Cross the spread far enough that the IOC order fills.
		factor := decimal.RequireFromString("1.008")
		if side == backpack.Ask {
			factor = decimal.RequireFromString("0.992")
		}
		limit := backpack.RoundPrice(last.Mul(factor), prec.Price)

		res, err := s.exchange.CreateOrder(ctx, backpack.SpotLimitIOC(symbol, side, quantity, limit))
		if err != nil {
			return err
		}
		if res.Rejected() {
			s.report(ctx, fmt.Sprintf("%s %s %s failed: %s", backpack.SpotName(side), quantity, token, res.Reason), queue.Failure, true)
			return fmt.Errorf("%s order for %s %s was rejected: %s", side, quantity, token, res.Reason)
		}

		if !res.Filled() {
			s.report(ctx, fmt.Sprintf("Open %s limit order for %s %s at %s", strings.ToLower(backpack.SpotName(side)), quantity, token, limit), queue.Warning, false)
			result = res
			return nil
		}

		price := limit
		if fill, err := s.exchange.FindFill(ctx, res.ID); err == nil && fill != nil {
			price = fill.Price
		}
		s.report(ctx, fmt.Sprintf("%s %s %s at %s", spotPastTense(side), quantity, token, price), queue.Success, false)
		s.trackPnl(ctx, side, res)
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func spotPastTense(side string) string {
	if side == backpack.Bid {
		return "Bought"
	}
	return "Sold"
}

// trackPnl realizes buy/sell round-trip profit into the account record.
// The sell may return less than the bought quantity, so PnL is the
// average-price difference over the matched quantity. Gated on the
// percent-back configuration.
func (s *Session) trackPnl(ctx context.Context, side string, res *backpack.OrderResult) {
	if !s.cfg.TrackPnl() || !res.ExecutedQuantity.IsPositive() || !res.ExecutedQuoteQuantity.IsPositive() {
		return
	}
	avgPrice := res.ExecutedQuoteQuantity.Div(res.ExecutedQuantity)
	if side == backpack.Bid {
		s.buyPrice = avgPrice
		s.buySize = res.ExecutedQuantity
		return
	}
	if !s.buySize.IsPositive() {
		return
	}
	matched := decimal.Min(s.buySize, res.ExecutedQuantity)
	pnl := avgPrice.Sub(s.buyPrice).Mul(matched)
	s.buyPrice, s.buySize = decimal.Zero, decimal.Zero
	if err := s.queue.AddAccountPnl(ctx, s.accountKey, pnl); err != nil {
		slog.Error("could not record realized pnl", "label", s.Label(), "pnl", pnl, "err", err)
		return
	}
	slog.Info("realized round-trip pnl", "label", s.Label(), "pnl", pnl)
}

// SellAll liquidates every meaningful spot holding and closes every open
// futures position.
func (s *Session) SellAll(ctx context.Context) error {
	if err := s.Login(ctx); err != nil {
		return err
	}
	if err := s.fetchMarket(ctx); err != nil {
		return err
	}

	tokens := make([]string, 0, len(s.balances))
	for token := range s.balances {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	actions := 0
	for _, token := range tokens {
		if token == backpack.StableSymbol {
			continue
		}
		price, ok := s.prices[token]
		if !ok {
			continue
		}
		if price.Mul(s.balances[token]).LessThanOrEqual(dustValue) {
			continue
		}
		quantity := s.holdingQuantity(token)
		if quantity.IsZero() {
			s.report(ctx, fmt.Sprintf("Low %s balance to sell", token), queue.Warning, true)
			continue
		}
		if _, err := s.placeSpotOrder(ctx, backpack.Ask, token, quantity); err != nil {
			slog.Error("could not liquidate holding", "label", s.Label(), "token", token, "err", err)
		}
		actions++
		minDelay, maxDelay := s.cfg.OrderDelayRange()
		ctxutil.SleepRange(ctx, minDelay, maxDelay)
	}

	positions, err := s.exchange.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("could not fetch futures positions: %w", err)
	}
	for _, pos := range positions {
		quantity := backpack.RoundQuantity(pos.NetExposure, s.precisions[pos.Token].Amount)
		if quantity.IsZero() {
			s.report(ctx, fmt.Sprintf("Low %s position to close", pos.Token), queue.Warning, true)
			continue
		}
		side := backpack.Ask
		if pos.NetQuantity.IsNegative() {
			side = backpack.Bid
		}
		res, err := s.exchange.CreateOrder(ctx, backpack.FuturesMarketReduce(pos.Symbol, side, quantity))
		if err != nil {
			return err
		}
		if res.Rejected() {
			s.report(ctx, fmt.Sprintf("Close %s %s %s failed: %s", futuresEntryName(side), quantity, pos.Token, res.Reason), queue.Failure, true)
		} else {
			s.report(ctx, fmt.Sprintf("Closed %s %s %s", futuresEntryName(side), quantity, pos.Token), queue.Success, false)
		}
		actions++
		minDelay, maxDelay := s.cfg.OrderDelayRange()
		ctxutil.SleepRange(ctx, minDelay, maxDelay)
	}

	if actions == 0 {
		s.report(ctx, "No tokens to sell found", queue.Neutral, false)
		slog.Info("nothing to sell or close", "label", s.Label())
	}
	return nil
}

// futuresEntryName names the position a reduce-only order on the given
// side is closing: buying back closes a short, selling closes a long.
func futuresEntryName(closeSide string) string {
	return backpack.FuturesName(backpack.OppositeSide(closeSide))
}

func randDecimal(min, max decimal.Decimal) decimal.Decimal {
	if max.LessThanOrEqual(min) {
		return min
	}
	span := max.Sub(min)
	return min.Add(span.Mul(decimal.NewFromFloat(rand.Float64())))
}

func randInt(min, max int) int {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}
