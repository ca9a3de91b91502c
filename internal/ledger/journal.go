package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeStake JournalType = iota
	JournalTypePayout
	JournalTypeRefund
	JournalTypeFeeSweep
	JournalTypeOpeningBalance
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeStake:
		return "stake"
	case JournalTypePayout:
		return "payout"
	case JournalTypeRefund:
		return "refund"
	case JournalTypeFeeSweep:
		return "fee_sweep"
	case JournalTypeOpeningBalance:
		return "opening_balance"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Reference of the operation that moved value
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        int64       // Always positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Epoch microseconds
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Timestamp int64
	Journals  []Journal
}

// NewBatch builds a single-entry batch moving amount from credit to debit.
func NewBatch(ref string, ts int64, jt JournalType, debit, credit AccountKey, amount int64) *Batch {
	batchID := uuid.New()
	return &Batch{
		BatchID:   batchID,
		EventRef:  ref,
		Timestamp: ts,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      ref,
			DebitAccount:  debit,
			CreditAccount: credit,
			Amount:        amount,
			JournalType:   jt,
			Timestamp:     ts,
		}},
	}
}

// Validate ensures the batch is well-formed.
// Each journal entry moves one positive amount from its credit account to its
// debit account, so Σ debits == Σ credits holds per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
