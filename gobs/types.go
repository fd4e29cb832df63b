// Copyright (c) 2025 NSVK

// Package gobs holds the serialized forms of all durable state. Values are
// gob-encoded into the key-value store, so fields must remain
// backward-compatible across releases.
package gobs

import (
	"github.com/shopspring/decimal"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskFailed  TaskStatus = "failed"
)

// TaskState is one unit of trading work assigned to an account. A task stays
// pending until it either completes successfully (and is removed) or fails
// too many consecutive times (and is marked failed, never to be selected
// again).
type TaskState struct {
	Name   string
	Status TaskStatus
}

// AccountState is one exchange account in the work queue. The account is
// keyed in the store by its encrypted api-key blob, so the plaintext key
// never touches the disk.
type AccountState struct {
	Label    string
	ProxyRef string

	Tasks []TaskState

	// Retries counts consecutive task failures. It resets to zero on any
	// success and when a task is flipped to failed.
	Retries int

	// TotalPnl accumulates realized profit from buy/sell round trips.
	TotalPnl decimal.Decimal
}

func (a *AccountState) PendingTasks() int {
	n := 0
	for _, t := range a.Tasks {
		if t.Status == TaskPending {
			n++
		}
	}
	return n
}

// PairLegState records one account's half of a hedged futures pair at the
// time the position was opened.
type PairLegState struct {
	AccountKey string
	Label      string
	ProxyRef   string

	Side    string
	Size    decimal.Decimal
	Quote   decimal.Decimal
	Price   decimal.Decimal
	OrderID string
}

// PendingPairState is an open hedged futures pair awaiting unwind. It is
// keyed in the store by its event id and deleted only after both legs are
// closed successfully.
type PendingPairState struct {
	Token string

	// PairIndex is the "[done/total]" position of this pair at open time,
	// used as the report header prefix when the pair is closed.
	PairIndex string

	// BuyProfit is the entry-price skew between the two legs: the short
	// leg's quote amount minus the long leg's.
	BuyProfit decimal.Decimal

	Legs [2]PairLegState
}

// ReportState accumulates annotated report lines for one account or pair
// event until the logical session ends and the report is flushed.
type ReportState struct {
	Lines []string

	// DoneCount/TotalCount track the success rate over lines that recorded
	// a success or failure outcome.
	DoneCount  int
	TotalCount int
}

// QueueCounters tracks overall progress across process restarts.
type QueueCounters struct {
	AccountsTotal int
	AccountsDone  int

	TasksTotal int
	TasksDone  int

	PairsTotal int
	PairsDone  int
}
