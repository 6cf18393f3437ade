package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the settlement state of a transaction. Transitions are
// monotonic: pending may move to settled or failed, both terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// Terminal reports whether a transaction in this status can still change.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is a legal
// status transition.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && next.Terminal()
}

// Transaction is one inbound deposit event from the anchor platform.
type Transaction struct {
	ID                  uuid.UUID
	AnchorTransactionID string
	StellarAccount      string
	Amount              decimal.Decimal
	AssetCode           string
	Status              Status
	SettlementAttempts  int
	BatchID             *uuid.UUID
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SettlementBatch groups the transactions settled in one engine tick.
type SettlementBatch struct {
	ID               uuid.UUID
	WindowStart      time.Time
	WindowEnd        time.Time
	LedgerReference  string
	TransactionCount int
	// TotalsByAsset maps asset code to the summed settled amount.
	TotalsByAsset map[string]decimal.Decimal
	CreatedAt     time.Time
}

// Partition is one bounded time range of the transactions table.
type Partition struct {
	RangeStart time.Time
	RangeEnd   time.Time
	TableName  string
	CreatedAt  time.Time
}
