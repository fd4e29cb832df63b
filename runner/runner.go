// Copyright (c) 2025 NSVK

// Package runner drives the work queue: it repeatedly selects one task (or
// a matched pair of accounts), builds a gateway-backed trading session,
// runs it and writes the outcome back, flushing reports to the
// notification sink as accounts finish.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/nsvk/backpackbot/backpack"
	"github.com/nsvk/backpackbot/ctxutil"
	"github.com/nsvk/backpackbot/gobs"
	"github.com/nsvk/backpackbot/queue"
	"github.com/nsvk/backpackbot/secrets"
	"github.com/nsvk/backpackbot/trader"
)

// Mode selects what a task run does with each account.
type Mode string

const (
	Trade   Mode = "trade"
	Pairs   Mode = "pairs"
	SellAll Mode = "sell-all"
	Stats   Mode = "stats"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Trade, Pairs, SellAll, Stats:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// failureDelay paces the loop after a failed task so a broken account does
// not spin.
const failureDelay = 10 * time.Second

// Notifier delivers a flushed report. Delivery is best-effort.
type Notifier interface {
	SendText(ctx context.Context, text string) error
}

type Runner struct {
	cfg      *trader.Config
	queue    *queue.Queue
	keyring  *secrets.Keyring
	notifier Notifier
	opts     *backpack.Options
}

// New creates a runner. The notifier may be nil, in which case reports are
// only logged.
func New(cfg *trader.Config, q *queue.Queue, keyring *secrets.Keyring, notifier Notifier, opts *backpack.Options) *Runner {
	return &Runner{
		cfg:      cfg,
		queue:    q,
		keyring:  keyring,
		notifier: notifier,
		opts:     opts,
	}
}

// newSession decrypts the account's api key and builds a gateway-backed
// trading session for it.
func (r *Runner) newSession(encryptedKey, label, proxyRef string) (*trader.Session, error) {
	apiKey, err := r.keyring.Decrypt(encryptedKey)
	if err != nil {
		return nil, err
	}
	creds, err := secrets.ParseAPIKey(apiKey)
	if err != nil {
		return nil, fmt.Errorf("account %q has a malformed api key: %w", label, err)
	}
	client, err := backpack.New(creds, label, proxyRef, r.opts)
	if err != nil {
		return nil, err
	}
	return trader.NewSession(r.cfg, r.queue, client, encryptedKey, proxyRef), nil
}

func (r *Runner) notify(ctx context.Context, text string) {
	slog.Info("session report", "report", text)
	if r.notifier == nil {
		return
	}
	if err := r.notifier.SendText(ctx, text); err != nil {
		slog.Error("could not deliver report", "err", err)
	}
}

// accountsHint formats the "[done/total]" account progress prefix for a
// report header.
func (r *Runner) accountsHint(ctx context.Context) string {
	counters, err := r.queue.Counters(ctx)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d/%d", counters.AccountsDone, counters.AccountsTotal)
}

// Run dispatches on the mode.
func (r *Runner) Run(ctx context.Context, mode Mode) error {
	if mode == Pairs {
		return r.RunPairs(ctx)
	}
	return r.RunTasks(ctx, mode)
}

// RunTasks processes single-account tasks until the queue is exhausted or
// the context ends.
func (r *Runner) RunTasks(ctx context.Context, mode Mode) error {
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		sel, err := r.queue.SelectOne(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrExhausted) {
				slog.Info("all accounts are done")
				r.notify(ctx, "All accounts are done")
				return nil
			}
			return err
		}
		slog.Info("selected account task", "label", sel.Account.Label, "last", sel.Last, "mode", mode)

		runErr := r.runTask(ctx, sel, mode)
		if runErr != nil {
			slog.Error("account task failed", "label", sel.Account.Label, "err", runErr)
		}

		// Sell-all and stats act on the whole account in one pass, so a
		// success retires every queued task the account still holds.
		complete := r.queue.CompleteOne
		if mode != Trade {
			complete = r.queue.CompleteAccount
		}
		completion, err := complete(ctx, sel, runErr == nil)
		if err != nil {
			return err
		}
		if completion.FlushReports {
			if err := r.flushAccount(ctx, sel, completion); err != nil {
				return err
			}
		}

		if runErr == nil {
			minDelay, maxDelay := r.cfg.AccountDelayRange()
			ctxutil.SleepRange(ctx, minDelay, maxDelay)
		} else {
			ctxutil.Sleep(ctx, failureDelay)
		}
	}
}

func (r *Runner) runTask(ctx context.Context, sel *queue.Selection, mode Mode) error {
	session, err := r.newSession(sel.Key, sel.Account.Label, sel.Account.ProxyRef)
	if err != nil {
		return err
	}
	switch mode {
	case Trade:
		return session.Trade(ctx)
	case SellAll:
		return session.SellAll(ctx)
	case Stats:
		text, err := session.Stats(ctx)
		if err != nil {
			return err
		}
		return r.queue.AppendReport(ctx, sel.Key, text, queue.Neutral, false)
	}
	return fmt.Errorf("unknown mode %q", mode)
}

// flushAccount delivers the account's accumulated report once its final
// task completed.
func (r *Runner) flushAccount(ctx context.Context, sel *queue.Selection, completion *queue.Completion) error {
	if r.cfg.TrackPnl() && !completion.TotalPnl.IsZero() {
		text := fmt.Sprintf("Total PnL: $%s", completion.TotalPnl.StringFixed(4))
		if err := r.queue.AppendReport(ctx, sel.Key, text, queue.Neutral, false); err != nil {
			return err
		}
	}
	report, err := r.queue.FlushReport(ctx, sel.Key, sel.Account.Label, r.accountsHint(ctx))
	if err != nil {
		return err
	}
	r.notify(ctx, report)
	return nil
}

// RunPairs alternates between opening fresh hedged pairs and closing
// pending ones until both the queue and the pending records are drained.
func (r *Runner) RunPairs(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		left, err := r.queue.AccountsLeft(ctx)
		if err != nil {
			return err
		}
		pending, err := r.queue.PairCount(ctx)
		if err != nil {
			return err
		}
		if left < 2 && pending == 0 {
			slog.Info("all pairs are done")
			r.notify(ctx, "All pairs are done")
			return nil
		}

		var runErr error
		if pending > 0 && (left < 2 || rand.Float64() < r.cfg.CloseChance) {
			runErr = r.closeOnePair(ctx)
		} else {
			runErr = r.openOnePair(ctx)
			if errors.Is(runErr, queue.ErrExhausted) {
				continue
			}
		}

		if runErr == nil {
			minDelay, maxDelay := r.cfg.AccountDelayRange()
			ctxutil.SleepRange(ctx, minDelay, maxDelay)
		} else {
			slog.Error("pair round failed", "err", runErr)
			ctxutil.Sleep(ctx, failureDelay)
		}
	}
}

func (r *Runner) openOnePair(ctx context.Context) error {
	pair, err := r.queue.SelectPair(ctx)
	if err != nil {
		return err
	}

	eventID := uuid.New().String()
	counters, err := r.queue.Counters(ctx)
	if err != nil {
		return err
	}
	hint := fmt.Sprintf("%d/%d", counters.PairsDone+1, counters.PairsTotal)
	token := r.cfg.Tokens[rand.N(len(r.cfg.Tokens))]

	var sessions [2]*trader.Session
	openErr := func() error {
		for i, sel := range pair {
			s, err := r.newSession(sel.Key, sel.Account.Label, sel.Account.ProxyRef)
			if err != nil {
				return err
			}
			sessions[i] = s
		}
		return trader.NewPair(r.cfg, r.queue, eventID, hint, sessions).Open(ctx, token)
	}()

	if _, err := r.queue.CompletePair(ctx, pair, openErr == nil); err != nil {
		return err
	}
	report, err := r.queue.FlushReport(ctx, eventID, "Open "+token+" pair", hint)
	if err != nil {
		return err
	}
	r.notify(ctx, report)
	return openErr
}

func (r *Runner) closeOnePair(ctx context.Context) error {
	id, pending, err := r.queue.RandomPendingPair(ctx)
	if err != nil {
		return err
	}
	if pending == nil {
		return nil
	}

	closeErr := func() error {
		var sessions [2]*trader.Session
		for i, leg := range pending.Legs {
			s, err := r.newSession(leg.AccountKey, legLabel(leg), leg.ProxyRef)
			if err != nil {
				return err
			}
			sessions[i] = s
		}
		return trader.NewPair(r.cfg, r.queue, id, pending.PairIndex, sessions).Close(ctx, pending)
	}()

	report, err := r.queue.FlushReport(ctx, id, "Close "+pending.Token+" pair", pending.PairIndex)
	if err != nil {
		return err
	}
	r.notify(ctx, report)
	return closeErr
}

func legLabel(leg gobs.PairLegState) string {
	if leg.Label != "" {
		return leg.Label
	}
	return leg.AccountKey
}
