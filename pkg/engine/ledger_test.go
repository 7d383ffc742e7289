package engine

import (
	"errors"
	"testing"
	"time"
)

func TestLedgerSpendAndCredit(t *testing.T) {
	now := time.Now()
	l := NewLedger(100, 0)

	e, err := l.Spend(60, "miner-a", "deploy", now)
	if err != nil {
		t.Fatalf("Spend() error = %v", err)
	}
	if e.Amount != -60 || e.Balance != 40 || e.Seq != 1 {
		t.Errorf("spend entry = %+v", e)
	}

	if _, err := l.Spend(41, "miner-b", "deploy", now); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("overdraw error = %v, want ErrInsufficientCredits", err)
	}
	if l.Balance() != 40 || len(l.Entries()) != 1 {
		t.Errorf("rejected spend changed ledger: balance=%d entries=%d", l.Balance(), len(l.Entries()))
	}

	if _, err := l.Spend(-1, "", "", now); err == nil {
		t.Error("negative spend accepted")
	}

	r := l.Credit(LedgerRefund, 60, "miner-a", "create-failed", now)
	if r.Balance != 100 || r.Kind != LedgerRefund || r.Seq != 2 {
		t.Errorf("refund entry = %+v", r)
	}
	if c := l.Credit(LedgerAccrual, -5, "", "", now); c.Amount != 0 || l.Balance() != 100 {
		t.Errorf("negative credit entry = %+v, balance %d", c, l.Balance())
	}
}

func TestLedgerSpendExactBalance(t *testing.T) {
	l := NewLedger(50, 0)
	if !l.CanSpend(50) {
		t.Fatal("CanSpend(balance) = false")
	}
	if _, err := l.Spend(50, "processor-a", "", time.Now()); err != nil {
		t.Fatalf("Spend() error = %v", err)
	}
	if l.Balance() != 0 {
		t.Errorf("balance = %d, want 0", l.Balance())
	}
}

func TestLedgerDrainSaturates(t *testing.T) {
	l := NewLedger(25, 0)
	e := l.Drain(40, "upkeep", time.Now())
	if e.Amount != -25 || l.Balance() != 0 {
		t.Errorf("drain entry = %+v balance=%d", e, l.Balance())
	}
	if e.Kind != LedgerUpkeep {
		t.Errorf("kind = %s, want upkeep", e.Kind)
	}
}

func TestLedgerHistoryBound(t *testing.T) {
	l := NewLedger(0, 3)
	for i := 0; i < 5; i++ {
		l.Credit(LedgerAccrual, 1, "", "", time.Now())
	}
	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Seq != 3 || entries[2].Seq != 5 {
		t.Errorf("kept seqs %d..%d, want 3..5", entries[0].Seq, entries[2].Seq)
	}
	if l.Balance() != 5 {
		t.Errorf("balance = %d, want 5", l.Balance())
	}

	entries[0].Amount = 999
	if l.Entries()[0].Amount == 999 {
		t.Error("Entries() returned shared storage")
	}
}

func TestNewLedgerClampsNegativeStart(t *testing.T) {
	if got := NewLedger(-10, 0).Balance(); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}
