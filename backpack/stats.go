// Copyright (c) 2025 NSVK

package backpack

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// GetStatistics pages through the complete fill history and aggregates
// traded volume, distinct order count and distinct active days for the
// trailing 30 days and for all time.
func (c *Client) GetStatistics(ctx context.Context) (*Statistics, error) {
	monthStart := time.Now().UTC().AddDate(0, 0, -30)

	var month, total statsBuilder
	for offset := 0; ; offset += c.opts.StatsPageSize {
		fills, err := c.client.ListFills(ctx, c.opts.StatsPageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, f := range fills {
			fill, err := parseFill(f)
			if err != nil {
				return nil, err
			}
			total.add(fill)
			if fill.Time.After(monthStart) {
				month.add(fill)
			}
		}
		if len(fills) < c.opts.StatsPageSize {
			break
		}
	}
	return &Statistics{Month: month.window(), Total: total.window()}, nil
}

type statsBuilder struct {
	volume decimal.Decimal
	orders map[string]struct{}
	days   map[string]struct{}
}

func (b *statsBuilder) add(f *Fill) {
	if b.orders == nil {
		b.orders = make(map[string]struct{})
		b.days = make(map[string]struct{})
	}
	b.volume = b.volume.Add(f.Price.Mul(f.Quantity))
	b.orders[f.OrderID] = struct{}{}
	b.days[f.Time.UTC().Format(time.DateOnly)] = struct{}{}
}

func (b *statsBuilder) window() StatWindow {
	return StatWindow{
		Volume: b.volume,
		Orders: len(b.orders),
		Days:   len(b.days),
	}
}
