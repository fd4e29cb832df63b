// Copyright (c) 2025 NSVK

// Package queue implements the durable work queue of per-account trading
// tasks, the pending hedged-pair records and the accumulated report log.
// Everything lives in a kv.Database; each exported operation is one
// transaction, so a crash between selection and completion re-runs the
// task instead of losing it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sort"
	"sync"

	"github.com/bvkgo/kv"
	"github.com/nsvk/backpackbot/gobs"
	"github.com/nsvk/backpackbot/kvutil"
	"github.com/shopspring/decimal"
)

const (
	accountsDir = "/accounts"
	reportsDir  = "/reports"
	pairsDir    = "/pairs"
	countersKey = "/queue/counters"
)

// ErrExhausted reports that no account has a pending task left.
var ErrExhausted = errors.New("work queue is exhausted")

type Options struct {
	// Shuffle picks accounts uniformly at random instead of scanning them
	// round-robin.
	Shuffle bool

	// TaskRetries is the number of consecutive failures after which a task
	// is flipped to failed and never selected again.
	TaskRetries int
}

func (v *Options) setDefaults() {
	if v.TaskRetries == 0 {
		v.TaskRetries = 3
	}
}

type Queue struct {
	db   kv.Database
	opts Options

	mu sync.Mutex

	// consumed counts tasks handed out by Select* but not yet completed,
	// per account key, so that back-to-back selections never return the
	// same task.
	consumed map[string]int

	cursor int
}

func New(db kv.Database, opts *Options) *Queue {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()
	return &Queue{
		db:       db,
		opts:     *opts,
		consumed: make(map[string]int),
	}
}

func accountKey(key string) string {
	return accountsDir + "/" + key
}

// Selection is a snapshot of one task handed out for execution. Key is the
// account's store key (its encrypted api-key blob).
type Selection struct {
	Key     string
	Account *gobs.AccountState

	// Last is true when this was the account's final available pending
	// task at selection time.
	Last bool
}

// Completion describes what a task completion did to the queue.
type Completion struct {
	// AccountExhausted is true when the account has no pending tasks left
	// and drops out of the selection rotation.
	AccountExhausted bool

	// FlushReports is true exactly when the account's accumulated report
	// should now be flushed and delivered.
	FlushReports bool

	// TotalPnl is the account's accumulated realized profit at completion
	// time, captured here because the record itself may just have been
	// deleted.
	TotalPnl decimal.Decimal
}

// loadAccounts returns all queued accounts keyed by their store-key suffix,
// plus the sorted key order.
func (q *Queue) loadAccounts(ctx context.Context) (map[string]*gobs.AccountState, []string, error) {
	accounts := make(map[string]*gobs.AccountState)
	begin, end := kvutil.PathRange(accountsDir)
	err := kvutil.AscendDB(ctx, q.db, begin, end, func(ctx context.Context, r kv.Reader, k string, a *gobs.AccountState) error {
		accounts[k[len(accountsDir)+1:]] = a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	keys := make([]string, 0, len(accounts))
	for k := range accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return accounts, keys, nil
}

// available returns how many pending tasks of the account are not already
// handed out. Callers must hold q.mu.
func (q *Queue) available(key string, a *gobs.AccountState) int {
	return a.PendingTasks() - q.consumed[key]
}

// SelectOne picks one pending task. The task stays in the store (selection
// is not durable; completion is), but it is withheld from subsequent
// selections until CompleteOne is called for it.
func (q *Queue) SelectOne(ctx context.Context) (*Selection, error) {
	accounts, keys, err := q.loadAccounts(ctx)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates []string
	for _, k := range keys {
		if q.available(k, accounts[k]) > 0 {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrExhausted
	}

	var key string
	if q.opts.Shuffle {
		key = candidates[rand.N(len(candidates))]
	} else {
		key = candidates[q.cursor%len(candidates)]
		q.cursor++
	}

	sel := &Selection{
		Key:     key,
		Account: accounts[key],
		Last:    q.available(key, accounts[key]) == 1,
	}
	q.consumed[key]++
	return sel, nil
}

// SelectPair picks one pending task from each of two distinct accounts.
// With exactly one account left there is nobody to pair it with, so the
// queue counts as exhausted.
func (q *Queue) SelectPair(ctx context.Context) ([2]*Selection, error) {
	var pair [2]*Selection

	accounts, keys, err := q.loadAccounts(ctx)
	if err != nil {
		return pair, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates []string
	for _, k := range keys {
		if q.available(k, accounts[k]) > 0 {
			candidates = append(candidates, k)
		}
	}
	switch len(candidates) {
	case 0:
		return pair, ErrExhausted
	case 1:
		slog.Warn("only one account with pending tasks remains; pair trading needs two", "label", accounts[candidates[0]].Label)
		return pair, ErrExhausted
	}

	first, second := 0, 1
	if q.opts.Shuffle {
		perm := rand.Perm(len(candidates))
		first, second = perm[0], perm[1]
	} else {
		first = q.cursor % len(candidates)
		second = (q.cursor + 1) % len(candidates)
		q.cursor += 2
	}

	for i, ci := range []int{first, second} {
		key := candidates[ci]
		pair[i] = &Selection{
			Key:     key,
			Account: accounts[key],
			Last:    q.available(key, accounts[key]) == 1,
		}
		q.consumed[key]++
	}
	return pair, nil
}

func (q *Queue) release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumed[key] > 1 {
		q.consumed[key]--
	} else {
		delete(q.consumed, key)
	}
}

// CompleteOne records the outcome of a previously selected task.
func (q *Queue) CompleteOne(ctx context.Context, sel *Selection, ok bool) (*Completion, error) {
	q.release(sel.Key)

	var completion *Completion
	err := kv.WithReadWriter(ctx, q.db, func(ctx context.Context, rw kv.ReadWriter) (err error) {
		counters, err := getCounters(ctx, rw)
		if err != nil {
			return err
		}
		if completion, err = q.completeAccount(ctx, rw, sel.Key, ok, false, counters); err != nil {
			return err
		}
		return kvutil.Set(ctx, rw, countersKey, counters)
	})
	if err != nil {
		return nil, fmt.Errorf("could not complete task for account %q: %w", sel.Account.Label, err)
	}
	return completion, nil
}

// CompleteAccount records the outcome of a previously selected task and,
// on success, retires the account's remaining pending tasks as well. Modes
// that act on the whole account in one pass (sell-all, stats) use this so
// an account with several queued tasks is not processed once per task.
func (q *Queue) CompleteAccount(ctx context.Context, sel *Selection, ok bool) (*Completion, error) {
	q.release(sel.Key)

	var completion *Completion
	err := kv.WithReadWriter(ctx, q.db, func(ctx context.Context, rw kv.ReadWriter) (err error) {
		counters, err := getCounters(ctx, rw)
		if err != nil {
			return err
		}
		if completion, err = q.completeAccount(ctx, rw, sel.Key, ok, true, counters); err != nil {
			return err
		}
		return kvutil.Set(ctx, rw, countersKey, counters)
	})
	if err != nil {
		return nil, fmt.Errorf("could not complete account %q: %w", sel.Account.Label, err)
	}
	return completion, nil
}

// CompletePair records one shared outcome for both legs of a pair
// selection in a single transaction.
func (q *Queue) CompletePair(ctx context.Context, pair [2]*Selection, ok bool) ([2]*Completion, error) {
	for _, sel := range pair {
		q.release(sel.Key)
	}

	var completions [2]*Completion
	err := kv.WithReadWriter(ctx, q.db, func(ctx context.Context, rw kv.ReadWriter) (err error) {
		counters, err := getCounters(ctx, rw)
		if err != nil {
			return err
		}
		for i, sel := range pair {
			if completions[i], err = q.completeAccount(ctx, rw, sel.Key, ok, false, counters); err != nil {
				return err
			}
		}
		if ok {
			counters.PairsDone++
		}
		return kvutil.Set(ctx, rw, countersKey, counters)
	})
	if err != nil {
		return completions, fmt.Errorf("could not complete pair tasks: %w", err)
	}
	return completions, nil
}

// completeAccount applies one task outcome to one account record. On
// success a pending task is dropped (all of them when all is set) and
// TasksDone advances by the number dropped; on failure the
// consecutive-failure counter grows until the task flips to failed. The
// record is deleted only when no tasks remain at all, since failed tasks
// still occupy their slot.
func (q *Queue) completeAccount(ctx context.Context, rw kv.ReadWriter, key string, ok, all bool, counters *gobs.QueueCounters) (*Completion, error) {
	acct, err := kvutil.Get[gobs.AccountState](ctx, rw, accountKey(key))
	if err != nil {
		return nil, err
	}

	pendingBefore := acct.PendingTasks()
	if pendingBefore == 0 {
		return nil, fmt.Errorf("account %q has no pending tasks to complete", acct.Label)
	}

	if ok {
		drop := 1
		if all {
			drop = pendingBefore
		}
		kept := acct.Tasks[:0]
		for _, t := range acct.Tasks {
			if drop > 0 && t.Status == gobs.TaskPending {
				drop--
				counters.TasksDone++
				continue
			}
			kept = append(kept, t)
		}
		acct.Tasks = kept
		acct.Retries = 0
	} else {
		acct.Retries++
		if acct.Retries >= q.opts.TaskRetries {
			for i, t := range acct.Tasks {
				if t.Status == gobs.TaskPending {
					acct.Tasks[i].Status = gobs.TaskFailed
					break
				}
			}
			acct.Retries = 0
		}
	}

	completion := &Completion{TotalPnl: acct.TotalPnl}
	if acct.PendingTasks() == 0 {
		completion.AccountExhausted = true
		completion.FlushReports = true
		counters.AccountsDone++
	}

	if len(acct.Tasks) == 0 {
		if err := rw.Delete(ctx, accountKey(key)); err != nil {
			return nil, err
		}
		return completion, nil
	}
	if err := kvutil.Set(ctx, rw, accountKey(key), acct); err != nil {
		return nil, err
	}
	return completion, nil
}

// CreateAccounts replaces the whole account keyspace with a fresh bulk
// import. The report log and progress counters are reset; pending pair
// records survive since they reference exchange-side positions.
func (q *Queue) CreateAccounts(ctx context.Context, accounts map[string]*gobs.AccountState) error {
	if len(accounts) == 0 {
		return fmt.Errorf("no accounts to import")
	}

	err := kv.WithReadWriter(ctx, q.db, func(ctx context.Context, rw kv.ReadWriter) error {
		for _, dir := range []string{accountsDir, reportsDir} {
			if err := deleteRange(ctx, rw, dir); err != nil {
				return err
			}
		}

		counters := &gobs.QueueCounters{AccountsTotal: len(accounts)}
		for key, acct := range accounts {
			counters.TasksTotal += acct.PendingTasks()
			if err := kvutil.Set(ctx, rw, accountKey(key), acct); err != nil {
				return err
			}
		}
		counters.PairsTotal = counters.TasksTotal / 2
		return kvutil.Set(ctx, rw, countersKey, counters)
	})
	if err != nil {
		return fmt.Errorf("could not import accounts: %w", err)
	}

	q.mu.Lock()
	q.consumed = make(map[string]int)
	q.cursor = 0
	q.mu.Unlock()
	return nil
}

// AddAccountPnl accumulates realized profit into the account record.
func (q *Queue) AddAccountPnl(ctx context.Context, key string, delta decimal.Decimal) error {
	return kv.WithReadWriter(ctx, q.db, func(ctx context.Context, rw kv.ReadWriter) error {
		acct, err := kvutil.Get[gobs.AccountState](ctx, rw, accountKey(key))
		if err != nil {
			return err
		}
		acct.TotalPnl = acct.TotalPnl.Add(delta)
		return kvutil.Set(ctx, rw, accountKey(key), acct)
	})
}

// Accounts returns a snapshot of all queued accounts.
func (q *Queue) Accounts(ctx context.Context) (map[string]*gobs.AccountState, error) {
	accounts, _, err := q.loadAccounts(ctx)
	return accounts, err
}

// AccountsLeft returns how many accounts still hold at least one pending
// task.
func (q *Queue) AccountsLeft(ctx context.Context) (int, error) {
	accounts, _, err := q.loadAccounts(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range accounts {
		if a.PendingTasks() > 0 {
			n++
		}
	}
	return n, nil
}

// Counters returns the overall progress counters. A queue that was never
// imported into reports all zeros.
func (q *Queue) Counters(ctx context.Context) (*gobs.QueueCounters, error) {
	var counters *gobs.QueueCounters
	err := kv.WithReader(ctx, q.db, func(ctx context.Context, r kv.Reader) (err error) {
		counters, err = getCounters(ctx, r)
		return err
	})
	return counters, err
}

func getCounters(ctx context.Context, g kv.Getter) (*gobs.QueueCounters, error) {
	counters, err := kvutil.Get[gobs.QueueCounters](ctx, g, countersKey)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return new(gobs.QueueCounters), nil
		}
		return nil, err
	}
	return counters, nil
}

func deleteRange(ctx context.Context, rw kv.ReadWriter, dir string) error {
	begin, end := kvutil.PathRange(dir)
	it, err := rw.Ascend(ctx, begin, end)
	if err != nil {
		return err
	}
	var keys []string
	for k, _, err := it.Fetch(ctx, false); err == nil; k, _, err = it.Fetch(ctx, true) {
		keys = append(keys, k)
	}
	kv.Close(it)

	for _, k := range keys {
		if err := rw.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
