// Copyright (c) 2025 NSVK

// Package trader implements the trading logic that runs against one
// selected account (spot round trips, liquidation, statistics) or against
// two accounts at once (hedged futures pairs).
package trader

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the user-tunable trading parameters, loaded from a JSON
// file. Amounts are USD values of the stable quote currency.
type Config struct {
	// Tokens is the trade universe. Only tokens the exchange also lists
	// are considered.
	Tokens []string `json:"tokens"`

	// MinAmount/MaxAmount give a fixed USD spend range per trade. When
	// MaxAmount is zero, spends are sized from the percent range below
	// instead.
	MinAmount decimal.Decimal `json:"min_amount"`
	MaxAmount decimal.Decimal `json:"max_amount"`

	// MinPercent/MaxPercent size the spend as a percentage of the
	// available stable balance.
	MinPercent int `json:"min_percent"`
	MaxPercent int `json:"max_percent"`

	// MinPercentBack/MaxPercentBack size the sell-back (or pair close) as
	// a percentage of the originally acquired quantity. When both ends are
	// 99 or above, buy/sell round trips track realized PnL per account.
	MinPercentBack int `json:"min_percent_back"`
	MaxPercentBack int `json:"max_percent_back"`

	// MinLeverage/MaxLeverage bound the random leverage for pair trades.
	MinLeverage int `json:"min_leverage"`
	MaxLeverage int `json:"max_leverage"`

	// OrderRetries bounds the attempts for one spot order placement.
	OrderRetries int `json:"order_retries"`

	// Shuffle randomizes account selection order in the work queue.
	Shuffle bool `json:"shuffle"`

	// CloseChance is the probability that a pair-trading round closes a
	// pending pair instead of opening a fresh one.
	CloseChance float64 `json:"close_chance"`

	// Pacing pauses in seconds, humanizing the gap between orders and
	// accounts. These are blocking sleeps, not retry backoff.
	MinOrderDelaySecs   int `json:"min_order_delay_secs"`
	MaxOrderDelaySecs   int `json:"max_order_delay_secs"`
	MinAccountDelaySecs int `json:"min_account_delay_secs"`
	MaxAccountDelaySecs int `json:"max_account_delay_secs"`
}

func (c *Config) OrderDelayRange() (time.Duration, time.Duration) {
	return time.Duration(c.MinOrderDelaySecs) * time.Second, time.Duration(c.MaxOrderDelaySecs) * time.Second
}

func (c *Config) AccountDelayRange() (time.Duration, time.Duration) {
	return time.Duration(c.MinAccountDelaySecs) * time.Second, time.Duration(c.MaxAccountDelaySecs) * time.Second
}

func (c *Config) setDefaults() {
	if c.OrderRetries == 0 {
		c.OrderRetries = 3
	}
	if c.MaxPercent == 0 {
		c.MinPercent, c.MaxPercent = 5, 15
	}
	if c.MaxPercentBack == 0 {
		c.MinPercentBack, c.MaxPercentBack = 99, 100
	}
	if c.MaxLeverage == 0 {
		c.MinLeverage, c.MaxLeverage = 1, 2
	}
	if c.CloseChance == 0 {
		c.CloseChance = 0.33
	}
	if c.MaxOrderDelaySecs == 0 {
		c.MinOrderDelaySecs, c.MaxOrderDelaySecs = 2, 10
	}
	if c.MaxAccountDelaySecs == 0 {
		c.MinAccountDelaySecs, c.MaxAccountDelaySecs = 30, 120
	}
}

func (c *Config) Check() error {
	if len(c.Tokens) == 0 {
		return fmt.Errorf("token list cannot be empty")
	}
	if c.MinAmount.IsNegative() || c.MaxAmount.LessThan(c.MinAmount) {
		return fmt.Errorf("invalid amount range [%s, %s]", c.MinAmount, c.MaxAmount)
	}
	if c.MinPercent < 0 || c.MaxPercent > 100 || c.MaxPercent < c.MinPercent {
		return fmt.Errorf("invalid percent range [%d, %d]", c.MinPercent, c.MaxPercent)
	}
	if c.MinPercentBack <= 0 || c.MaxPercentBack > 100 || c.MaxPercentBack < c.MinPercentBack {
		return fmt.Errorf("invalid percent-back range [%d, %d]", c.MinPercentBack, c.MaxPercentBack)
	}
	if c.MinLeverage < 1 || c.MaxLeverage < c.MinLeverage {
		return fmt.Errorf("invalid leverage range [%d, %d]", c.MinLeverage, c.MaxLeverage)
	}
	if c.CloseChance < 0 || c.CloseChance > 1 {
		return fmt.Errorf("invalid close chance %f", c.CloseChance)
	}
	return nil
}

// FixedAmounts reports whether trades are sized from the fixed USD range
// instead of a percentage of the balance.
func (c *Config) FixedAmounts() bool {
	return c.MaxAmount.IsPositive()
}

// TrackPnl reports whether buy/sell round trips realize PnL into the
// account record. Only near-complete sell-backs make a round trip worth
// tracking.
func (c *Config) TrackPnl() bool {
	return c.MinPercentBack >= 99
}

// LoadConfig reads and validates a JSON config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %q: %w", path, err)
	}
	c := new(Config)
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("could not parse config file %q: %w", path, err)
	}
	c.setDefaults()
	if err := c.Check(); err != nil {
		return nil, err
	}
	return c, nil
}
