package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"DarkLedger/internal/event"

	"github.com/rs/zerolog"
)

// ReplayTarget re-applies logged events. Implemented by core.DeterministicCore.
type ReplayTarget interface {
	ReplayEvent(evt event.Event, sequence int64, stateHash [32]byte) error
}

// DecodeEventRow turns a logged row back into its event and state hash.
func DecodeEventRow(row EventRow) (event.Event, [32]byte, error) {
	var hash [32]byte
	et, err := event.ParseEventType(row.EventType)
	if err != nil {
		return nil, hash, fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}
	evt, _ := event.New(et)
	if err := json.Unmarshal(row.Payload, evt); err != nil {
		return nil, hash, fmt.Errorf("sequence %d: decode %s: %w", row.Sequence, row.EventType, err)
	}
	if len(row.StateHash) != len(hash) {
		return nil, hash, fmt.Errorf("sequence %d: state hash is %d bytes", row.Sequence, len(row.StateHash))
	}
	copy(hash[:], row.StateHash)
	return evt, hash, nil
}

type eventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error)
}

// Replay feeds every event from fromSequence onward to target in pages,
// returning how many were replayed.
func (sm *SnapshotManager) Replay(ctx context.Context, target ReplayTarget, fromSequence int64, pageSize int) (int, error) {
	return replayEvents(ctx, sm, target, fromSequence, pageSize, sm.logger)
}

func replayEvents(ctx context.Context, src eventSource, target ReplayTarget, fromSequence int64, pageSize int, logger zerolog.Logger) (int, error) {
	if pageSize <= 0 {
		pageSize = 10_000
	}
	total := 0
	next := fromSequence
	for {
		rows, err := src.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return total, fmt.Errorf("load events from %d: %w", next, err)
		}
		for _, row := range rows {
			evt, hash, err := DecodeEventRow(row)
			if err != nil {
				return total, err
			}
			if err := target.ReplayEvent(evt, row.Sequence, hash); err != nil {
				return total, err
			}
			total++
			next = row.Sequence + 1
		}
		if len(rows) < pageSize {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
		logger.Info().Int("replayed", total).Int64("next_sequence", next).Msg("replay progress")
	}
}
