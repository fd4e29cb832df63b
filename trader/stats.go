// Copyright (c) 2025 NSVK

package trader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nsvk/backpackbot/backpack"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Stats summarizes the account's trading history and balances into a text
// block for the log and the notification sink.
func (s *Session) Stats(ctx context.Context) (string, error) {
	if err := s.Login(ctx); err != nil {
		return "", err
	}

	var stats *backpack.Statistics
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		stats, err = s.exchange.GetStatistics(gctx)
		return err
	})
	g.Go(func() (err error) {
		s.balances, err = s.exchange.GetBalances(gctx)
		return err
	})
	g.Go(func() (err error) {
		s.prices, err = s.exchange.GetTickers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("could not fetch account statistics: %w", err)
	}

	total := decimal.Zero
	for token, quantity := range s.balances {
		if price, ok := s.prices[token]; ok {
			total = total.Add(price.Mul(quantity))
		}
	}
	usdc := s.balances[backpack.StableSymbol]

	var sb strings.Builder
	fmt.Fprintf(&sb, "Monthly volume: $%s\n", stats.Month.Volume.StringFixed(2))
	fmt.Fprintf(&sb, "Monthly orders: %d\n", stats.Month.Orders)
	fmt.Fprintf(&sb, "Monthly active days: %d\n", stats.Month.Days)
	fmt.Fprintf(&sb, "Total volume: $%s\n", stats.Total.Volume.StringFixed(2))
	fmt.Fprintf(&sb, "Total orders: %d\n", stats.Total.Orders)
	fmt.Fprintf(&sb, "Total active days: %d\n", stats.Total.Days)
	fmt.Fprintf(&sb, "%s balance: %s\n", backpack.StableSymbol, usdc.StringFixed(2))
	fmt.Fprintf(&sb, "Total balance: $%s", total.StringFixed(2))

	text := sb.String()
	slog.Info("account statistics", "label", s.Label(),
		"monthVolume", stats.Month.Volume, "totalVolume", stats.Total.Volume, "totalBalance", total)
	return text, nil
}
