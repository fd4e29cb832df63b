// Copyright (c) 2025 NSVK

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/bvkgo/kv"
	"github.com/nsvk/backpackbot/gobs"
	"github.com/nsvk/backpackbot/kvutil"
)

// backupState is the JSON image of the whole queue keyspace. Account, report
// and pair records are keyed by their store-key suffix.
type backupState struct {
	Accounts map[string]*gobs.AccountState     `json:"accounts"`
	Reports  map[string]*gobs.ReportState      `json:"reports"`
	Pairs    map[string]*gobs.PendingPairState `json:"pairs"`
	Counters *gobs.QueueCounters               `json:"counters"`
}

// Backup writes the queue keyspace as one JSON document.
func (q *Queue) Backup(ctx context.Context, w io.Writer) error {
	state := &backupState{
		Accounts: make(map[string]*gobs.AccountState),
		Reports:  make(map[string]*gobs.ReportState),
		Pairs:    make(map[string]*gobs.PendingPairState),
	}

	collect := func(ctx context.Context, r kv.Reader) error {
		begin, end := kvutil.PathRange(accountsDir)
		err := kvutil.Ascend(ctx, r, begin, end, func(ctx context.Context, r kv.Reader, k string, a *gobs.AccountState) error {
			state.Accounts[k[len(accountsDir)+1:]] = a
			return nil
		})
		if err != nil {
			return fmt.Errorf("could not read account records: %w", err)
		}

		begin, end = kvutil.PathRange(reportsDir)
		err = kvutil.Ascend(ctx, r, begin, end, func(ctx context.Context, r kv.Reader, k string, v *gobs.ReportState) error {
			state.Reports[k[len(reportsDir)+1:]] = v
			return nil
		})
		if err != nil {
			return fmt.Errorf("could not read report records: %w", err)
		}

		begin, end = kvutil.PathRange(pairsDir)
		err = kvutil.Ascend(ctx, r, begin, end, func(ctx context.Context, r kv.Reader, k string, v *gobs.PendingPairState) error {
			state.Pairs[k[len(pairsDir)+1:]] = v
			return nil
		})
		if err != nil {
			return fmt.Errorf("could not read pair records: %w", err)
		}

		counters, err := getCounters(ctx, r)
		if err != nil {
			return err
		}
		state.Counters = counters
		return nil
	}
	if err := kv.WithReader(ctx, q.db, collect); err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(state); err != nil {
		return fmt.Errorf("could not encode queue state: %w", err)
	}
	return nil
}

// Restore replaces the queue keyspace with the contents of a JSON backup.
func (q *Queue) Restore(ctx context.Context, r io.Reader) error {
	state := new(backupState)
	if err := json.NewDecoder(r).Decode(state); err != nil {
		return fmt.Errorf("could not decode queue state: %w", err)
	}

	restore := func(ctx context.Context, rw kv.ReadWriter) error {
		for _, dir := range []string{accountsDir, reportsDir, pairsDir} {
			if err := deleteRange(ctx, rw, dir); err != nil {
				return err
			}
		}
		for key, acct := range state.Accounts {
			if err := kvutil.Set(ctx, rw, accountKey(key), acct); err != nil {
				return err
			}
		}
		for key, report := range state.Reports {
			if err := kvutil.Set(ctx, rw, reportKey(key), report); err != nil {
				return err
			}
		}
		for id, pair := range state.Pairs {
			if err := kvutil.Set(ctx, rw, pairKey(id), pair); err != nil {
				return err
			}
		}
		if state.Counters == nil {
			state.Counters = new(gobs.QueueCounters)
		}
		return kvutil.Set(ctx, rw, countersKey, state.Counters)
	}
	if err := kv.WithReadWriter(ctx, q.db, restore); err != nil {
		return fmt.Errorf("could not restore queue state: %w", err)
	}

	q.mu.Lock()
	q.consumed = make(map[string]int)
	q.cursor = 0
	q.mu.Unlock()
	return nil
}
