package custody

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeEscrowDeposit JournalType = iota
	JournalTypeEscrowWithdraw
	JournalTypeLiquidationSeizure
	JournalTypeMint
	JournalTypeBurn
	JournalTypeTransfer
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeEscrowDeposit:
		return "escrow_deposit"
	case JournalTypeEscrowWithdraw:
		return "escrow_withdraw"
	case JournalTypeLiquidationSeizure:
		return "liquidation_seizure"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// journalNamespace seeds deterministic journal/batch IDs so that replaying
// the event log regenerates identical rows.
var journalNamespace = uuid.MustParse("6f1c3c1e-8a4b-4d8e-9a51-3f0b2f6d1c77")

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // ALWAYS positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Ref identifies the event a batch is generated for.
type Ref struct {
	EventRef  string
	Sequence  int64
	Timestamp int64
}

func newBatch(ref Ref) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("batch:%d:%s", ref.Sequence, ref.EventRef))),
		EventRef:  ref.EventRef,
		Sequence:  ref.Sequence,
		Timestamp: ref.Timestamp,
	}
}

func (b *Batch) add(debit, credit AccountKey, amount int64, jt JournalType) {
	idx := len(b.Journals)
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, []byte(fmt.Sprintf("journal:%d", idx))),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Validate ensures the batch is well-formed. Each entry moves one
// positive amount between two distinct accounts of the same asset, so
// debits equal credits per entry.
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
		if j.DebitAccount.AssetID != j.CreditAccount.AssetID {
			return fmt.Errorf("journal %s moves between assets", j.JournalID)
		}
	}

	return nil
}
