// Copyright (c) 2025 NSVK

package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/bvkgo/kv"
	"github.com/nsvk/backpackbot/gobs"
	"github.com/nsvk/backpackbot/kvutil"
)

func pairKey(id string) string {
	return pairsDir + "/" + id
}

// AddPendingPair persists an opened hedged pair under its event id. The
// record survives until both legs are closed successfully.
func (q *Queue) AddPendingPair(ctx context.Context, id string, pair *gobs.PendingPairState) error {
	if err := kvutil.SetDB(ctx, q.db, pairKey(id), pair); err != nil {
		return fmt.Errorf("could not save pending pair %s: %w", id, err)
	}
	return nil
}

// RandomPendingPair returns a uniformly random pending pair, or empty id
// and nil when none exist.
func (q *Queue) RandomPendingPair(ctx context.Context) (string, *gobs.PendingPairState, error) {
	pairs, err := q.PendingPairs(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(pairs) == 0 {
		return "", nil, nil
	}
	ids := make([]string, 0, len(pairs))
	for id := range pairs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	id := ids[rand.N(len(ids))]
	return id, pairs[id], nil
}

func (q *Queue) RemovePendingPair(ctx context.Context, id string) error {
	return kv.WithReadWriter(ctx, q.db, func(ctx context.Context, rw kv.ReadWriter) error {
		return rw.Delete(ctx, pairKey(id))
	})
}

// PendingPairs returns all open pairs keyed by event id.
func (q *Queue) PendingPairs(ctx context.Context) (map[string]*gobs.PendingPairState, error) {
	pairs := make(map[string]*gobs.PendingPairState)
	begin, end := kvutil.PathRange(pairsDir)
	err := kvutil.AscendDB(ctx, q.db, begin, end, func(ctx context.Context, r kv.Reader, k string, p *gobs.PendingPairState) error {
		pairs[k[len(pairsDir)+1:]] = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

func (q *Queue) PairCount(ctx context.Context) (int, error) {
	pairs, err := q.PendingPairs(ctx)
	if err != nil {
		return 0, err
	}
	return len(pairs), nil
}
