package engine

import (
	"fmt"
	"time"
)

// LedgerEntryKind classifies a ledger mutation.
type LedgerEntryKind string

const (
	LedgerAccrual LedgerEntryKind = "accrual"
	LedgerSpend   LedgerEntryKind = "spend"
	LedgerRefund  LedgerEntryKind = "refund"
	LedgerUpkeep  LedgerEntryKind = "upkeep"
)

// LedgerEntry is one chronological ledger event.
type LedgerEntry struct {
	// Seq numbers entries from 1 within a process lifetime.
	Seq uint64 `json:"seq"`

	// Kind classifies the entry.
	Kind LedgerEntryKind `json:"kind"`

	// Amount is the signed change to the balance.
	Amount int64 `json:"amount"`

	// Balance is the balance after the entry.
	Balance int64 `json:"balance"`

	// UnitID is the unit the entry relates to, if any.
	UnitID string `json:"unit_id,omitempty"`

	// Note is a short free-form description.
	Note string `json:"note,omitempty"`

	// At is when the entry was recorded.
	At time.Time `json:"at"`
}

// Ledger is the credits balance and its recent history.
// The balance never goes negative.
type Ledger struct {
	balance int64
	seq     uint64
	history int
	entries []LedgerEntry
}

// NewLedger creates a ledger with a starting balance and a history bound.
func NewLedger(initial int64, history int) *Ledger {
	if initial < 0 {
		initial = 0
	}
	if history <= 0 {
		history = 256
	}
	return &Ledger{balance: initial, history: history}
}

// Balance returns the current balance.
func (l *Ledger) Balance() int64 {
	return l.balance
}

// CanSpend reports whether amount can be debited.
func (l *Ledger) CanSpend(amount int64) bool {
	return amount >= 0 && amount <= l.balance
}

// Spend debits amount for a unit. A spend that would overdraw is rejected with
// ErrInsufficientCredits and leaves the ledger unchanged.
func (l *Ledger) Spend(amount int64, unitID, note string, at time.Time) (LedgerEntry, error) {
	if amount < 0 {
		return LedgerEntry{}, NewValidationError(fmt.Sprintf("negative spend %d", amount), nil)
	}
	if !l.CanSpend(amount) {
		return LedgerEntry{}, &EngineError{
			Class:    ErrorClassValidation,
			Code:     ErrCodeInsufficientCredit,
			Message:  fmt.Sprintf("insufficient credits: need %d, have %d", amount, l.balance),
			Resource: unitID,
			Details:  map[string]interface{}{"cost": amount, "balance": l.balance},
		}
	}
	return l.record(LedgerSpend, -amount, unitID, note, at), nil
}

// Credit adds a non-negative amount as an accrual or refund.
func (l *Ledger) Credit(kind LedgerEntryKind, amount int64, unitID, note string, at time.Time) LedgerEntry {
	if amount < 0 {
		amount = 0
	}
	return l.record(kind, amount, unitID, note, at)
}

// Drain removes up to amount, saturating at zero. Used for upkeep.
func (l *Ledger) Drain(amount int64, note string, at time.Time) LedgerEntry {
	if amount > l.balance {
		amount = l.balance
	}
	if amount < 0 {
		amount = 0
	}
	return l.record(LedgerUpkeep, -amount, "", note, at)
}

// Entries returns a copy of the retained history, oldest first.
func (l *Ledger) Entries() []LedgerEntry {
	out := make([]LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Ledger) record(kind LedgerEntryKind, amount int64, unitID, note string, at time.Time) LedgerEntry {
	l.balance += amount
	l.seq++
	entry := LedgerEntry{
		Seq:     l.seq,
		Kind:    kind,
		Amount:  amount,
		Balance: l.balance,
		UnitID:  unitID,
		Note:    note,
		At:      at,
	}
	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.history; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
	return entry
}
