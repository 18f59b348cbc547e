package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"DarkLedger/internal/bridge"
	"DarkLedger/internal/computation"
	"DarkLedger/internal/core"
	"DarkLedger/internal/custody"
	"DarkLedger/internal/margin"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// snapshotFormatVersion is stored with every row. v1: JSON SnapshotData.
const snapshotFormatVersion = 1

// SnapshotData is the serializable form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64                     `json:"sequence"`
	StateHash       hexutil.Bytes             `json:"state_hash"`
	Accounts        []margin.Account          `json:"accounts"`
	Balances        map[string]int64          `json:"balances"` // AccountPath -> balance
	Computations    []computation.Request     `json:"computations"`
	Bridge          bridge.Config             `json:"bridge"`
	Deposits        []bridge.ProcessedDeposit `json:"deposits"`
	IdempotencyKeys []string                  `json:"idempotency_keys"` // oldest first
	CreatedAt       time.Time                 `json:"created_at"`
}

// NewSnapshotData converts core state for storage.
func NewSnapshotData(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make(map[string]int64, len(s.Balances))
	for k, v := range s.Balances {
		balances[k.AccountPath()] = v
	}
	return &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append(hexutil.Bytes(nil), s.StateHash[:]...),
		Accounts:        s.Accounts,
		Balances:        balances,
		Computations:    s.Computations,
		Bridge:          s.Bridge,
		Deposits:        s.Deposits,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
}

// State converts back to the core representation.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash is %d bytes", d.Sequence, len(d.StateHash))
	}
	balances := make(map[custody.AccountKey]int64, len(d.Balances))
	for path, v := range d.Balances {
		key, err := custody.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		balances[key] = v
	}
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Accounts:        d.Accounts,
		Balances:        balances,
		Computations:    d.Computations,
		Bridge:          d.Bridge,
		Deposits:        d.Deposits,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)
	return s, nil
}

// SnapshotManager handles creating and loading state snapshots for recovery.
type SnapshotManager struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewSnapshotManager(db *sql.DB, logger zerolog.Logger) *SnapshotManager {
	return &SnapshotManager{db: db, logger: logger}
}

// SaveSnapshot persists a snapshot unverified and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, data, []byte(snap.StateHash), snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot returns the newest snapshot whose state hash matches
// the event log at its sequence, marking it verified. Snapshots taken
// ahead of the persisted log, or that disagree with it, are skipped.
// Returns nil when there is nothing usable (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT s.sequence, s.data, s.state_hash, e.state_hash
		FROM event_log.snapshots s
		LEFT JOIN event_log.events e ON e.sequence = s.sequence
		WHERE s.format_version = $1
		ORDER BY s.sequence DESC
		LIMIT 10
	`, snapshotFormatVersion)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		sequence      int64
		data          []byte
		hash, logHash []byte
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.sequence, &c.data, &c.hash, &c.logHash); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if c.logHash == nil || string(c.hash) != string(c.logHash) {
			sm.logger.Warn().Int64("sequence", c.sequence).Msg("skipping snapshot that does not match the event log")
			continue
		}
		var snap SnapshotData
		if err := json.Unmarshal(c.data, &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot %d: %w", c.sequence, err)
		}
		if err := sm.MarkVerified(ctx, c.sequence); err != nil {
			return nil, err
		}
		return &snap, nil
	}
	return nil, nil
}

// MarkVerified marks a snapshot as checked against the log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	if err != nil {
		return fmt.Errorf("mark snapshot %d verified: %w", sequence, err)
	}
	return nil
}

// LoadEventsFrom loads up to limit events starting at fromSequence, for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or 0.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
