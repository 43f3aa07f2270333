package model

import "time"

// LedgerEventType is the kind of mutation a LedgerEvent records.
type LedgerEventType string

const (
	EventCredit    LedgerEventType = "credit"
	EventDebit     LedgerEventType = "debit"
	EventCharge    LedgerEventType = "charge"
	EventTransfer  LedgerEventType = "transfer"
	EventAdjust    LedgerEventType = "adjust"
	EventReconcile LedgerEventType = "reconcile"
)

// GenesisHash is the sentinel prev_hash for the first journal line.
const GenesisHash = "GENESIS"

// LedgerEvent is one append-only journal line. Hash and PrevHash are set by
// the journal writer, never by callers.
type LedgerEvent struct {
	Schema    string          `json:"schema"`
	EventID   string          `json:"event_id"`
	Timestamp time.Time       `json:"ts"`
	Type      LedgerEventType `json:"type"`
	Account   string          `json:"account"`
	ToAccount string          `json:"to_account,omitempty"`
	Amount    string          `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	WorkerID  string          `json:"worker_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// LedgerAccount is the derived-state view of one account's balance. The sum
// of all event deltas affecting the account equals its balance (invariant
// 6 in the testable-properties set).
type LedgerAccount struct {
	AccountID string `json:"-"`
	Balance   string `json:"balance"`
}
