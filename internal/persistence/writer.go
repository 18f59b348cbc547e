package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"DarkLedger/internal/core"
	"DarkLedger/internal/event"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Payload        []byte // JSON-encoded event, replayable through event.New
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// FactRow represents a row in event_log.facts. Index orders the facts
// of one event.
type FactRow struct {
	Sequence int64
	Index    int
	FactType string
	Payload  []byte
}

// DepositRow is the durable replay-guard record in event_log.processed_deposits.
type DepositRow struct {
	TxID      []byte
	Recipient []byte
	Amount    int64
	Timestamp int64
	Sequence  int64
}

// Record is everything one applied event writes to the log.
type Record struct {
	Event    EventRow
	Journals []JournalRow
	Facts    []FactRow
	Deposits []DepositRow
}

// NewRecord converts a core output into log rows.
func NewRecord(out core.CoreOutput) (Record, error) {
	env := out.Envelope
	if env == nil {
		return Record{}, fmt.Errorf("core output has no envelope")
	}
	rec := Record{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Payload:        env.Payload,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
		},
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rec.Journals = append(rec.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}

	for i, f := range out.Facts {
		factType, payload, err := event.EncodeFact(f)
		if err != nil {
			return Record{}, fmt.Errorf("encode fact %d of sequence %d: %w", i, env.Sequence, err)
		}
		rec.Facts = append(rec.Facts, FactRow{Sequence: env.Sequence, Index: i, FactType: factType, Payload: payload})
	}

	for _, d := range out.Deposits {
		rec.Deposits = append(rec.Deposits, DepositRow{
			TxID:      d.TxID.Bytes(),
			Recipient: d.Recipient.Bytes(),
			Amount:    int64(d.Amount),
			Timestamp: d.Timestamp,
			Sequence:  env.Sequence,
		})
	}
	return rec, nil
}

// EventLogWriter writes events, journals, facts and deposit records to
// Postgres using multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteRecords writes a batch of records in a single transaction.
func (w *EventLogWriter) WriteRecords(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	var (
		events   = make([]EventRow, 0, len(records))
		journals []JournalRow
		facts    []FactRow
		deposits []DepositRow
	)
	for _, r := range records {
		events = append(events, r.Event)
		journals = append(journals, r.Journals...)
		facts = append(facts, r.Facts...)
		deposits = append(deposits, r.Deposits...)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &writeError{stage: "tx_begin", err: err}
	}
	defer tx.Rollback()

	if err := WriteEventBatch(ctx, tx, events); err != nil {
		return &writeError{stage: "write_events", err: err}
	}
	if err := WriteJournalBatch(ctx, tx, journals); err != nil {
		return &writeError{stage: "write_journals", err: err}
	}
	if err := WriteFactBatch(ctx, tx, facts); err != nil {
		return &writeError{stage: "write_facts", err: err}
	}
	if err := WriteDepositBatch(ctx, tx, deposits); err != nil {
		return &writeError{stage: "write_deposits", err: err}
	}
	if err := tx.Commit(); err != nil {
		return &writeError{stage: "tx_commit", err: err}
	}
	return nil
}

// writeError tags a failure with the stage it happened in, for metrics.
type writeError struct {
	stage string
	err   error
}

func (e *writeError) Error() string { return e.stage + ": " + e.err.Error() }

func (e *writeError) Unwrap() error { return e.err }

// multiRowInsert builds "INSERT INTO table (cols) VALUES ($1,..),(..) suffix".
func multiRowInsert(table string, columns []string, rows int, suffix string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
	n := len(columns)
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < n; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", r*n+c+1)
		}
		b.WriteByte(')')
	}
	if suffix != "" {
		b.WriteByte(' ')
		b.WriteString(suffix)
	}
	return b.String()
}

var (
	eventColumns   = []string{"sequence", "event_type", "idempotency_key", "payload", "state_hash", "prev_hash", "timestamp"}
	journalColumns = []string{"journal_id", "batch_id", "event_ref", "sequence", "debit_account", "credit_account", "asset_id", "amount", "journal_type", "timestamp"}
	factColumns    = []string{"sequence", "idx", "fact_type", "payload"}
	depositColumns = []string{"txid", "recipient", "amount", "timestamp", "sequence"}
)

// WriteEventBatch writes events to event_log.events. Rewrites of an
// existing sequence are ignored.
func WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(events)*len(eventColumns))
	for _, e := range events {
		args = append(args, e.Sequence, e.EventType, e.IdempotencyKey, e.Payload, e.StateHash, e.PrevHash, e.Timestamp)
	}
	query := multiRowInsert("event_log.events", eventColumns, len(events), "ON CONFLICT (sequence) DO NOTHING")
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes journal entries to event_log.journal.
func WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(journals)*len(journalColumns))
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, int32(j.AssetID), j.Amount,
			j.JournalType, j.Timestamp,
		)
	}
	query := multiRowInsert("event_log.journal", journalColumns, len(journals), "ON CONFLICT (journal_id) DO NOTHING")
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func WriteFactBatch(ctx context.Context, ex execer, facts []FactRow) error {
	if len(facts) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(facts)*len(factColumns))
	for _, f := range facts {
		args = append(args, f.Sequence, f.Index, f.FactType, f.Payload)
	}
	query := multiRowInsert("event_log.facts", factColumns, len(facts), "ON CONFLICT (sequence, idx) DO NOTHING")
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteDepositBatch records processed bridge deposits. The core already
// refused duplicates, so a conflict here is a rewrite of the same row.
func WriteDepositBatch(ctx context.Context, ex execer, deposits []DepositRow) error {
	if len(deposits) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(deposits)*len(depositColumns))
	for _, d := range deposits {
		args = append(args, d.TxID, d.Recipient, d.Amount, d.Timestamp, d.Sequence)
	}
	query := multiRowInsert("event_log.processed_deposits", depositColumns, len(deposits), "ON CONFLICT (txid) DO NOTHING")
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
