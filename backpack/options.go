// Copyright (c) 2025 NSVK

package backpack

import (
	"time"

	"github.com/nsvk/backpackbot/backpack/internal"
	"github.com/nsvk/backpackbot/ctxutil"
	"golang.org/x/time/rate"
)

type Options struct {
	// Timeout to use for the HTTP requests.
	HttpClientTimeout time.Duration

	// MaxRetries bounds attempts for every remote call.
	MaxRetries int

	// RetryDelay returns the pause before each retry attempt. The delay
	// must be positive; the default is a fixed two seconds.
	RetryDelay ctxutil.DelayFunc

	// RequestsPerSecond paces raw request issue.
	RequestsPerSecond rate.Limit

	// FillPollRounds is the number of extra fill-history polls after the
	// first miss when resolving an order's fill.
	FillPollRounds int

	// FillPollInterval is the pause between fill-history polls.
	FillPollInterval time.Duration

	// StatsPageSize is the fill-history page size used by statistics
	// aggregation.
	StatsPageSize int
}

func (v *Options) setDefaults() {
	if v.FillPollRounds == 0 {
		v.FillPollRounds = 11
	}
	if v.FillPollInterval == 0 {
		v.FillPollInterval = 2 * time.Second
	}
	if v.StatsPageSize == 0 {
		v.StatsPageSize = 1000
	}
}

func (v *Options) internalOptions() *internal.Options {
	return &internal.Options{
		HttpClientTimeout: v.HttpClientTimeout,
		MaxRetries:        v.MaxRetries,
		RetryDelay:        v.RetryDelay,
		RequestsPerSecond: v.RequestsPerSecond,
	}
}
