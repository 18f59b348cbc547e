package persistence

import (
	"context"
	"fmt"
	"time"

	"DarkLedger/internal/core"

	"github.com/rs/zerolog"
)

// Recoverable is the core as recovery drives it.
type Recoverable interface {
	ReplayTarget
	RestoreFromSnapshot(snap *core.SnapshotState)
	WarmLRU(keys []string)
	BeginReplay()
	EndReplay()
	RegisterDefinitions(ctx context.Context, baseURL string) error
	GetSequence() int64
}

type recoverySource interface {
	eventSource
	LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error)
}

// RecoveryStats describes what Recover did.
type RecoveryStats struct {
	SnapshotSequence int64 // 0 on a cold start
	Replayed         int
	Took             time.Duration
}

// Recover rebuilds c from the newest snapshot plus the log tail. Every
// replayed event must land on its logged state hash.
//
// Definitions are recorded inside replay mode, so they reach only the
// discarding cluster: logged queues and callbacks need them, the live
// cluster does not. The caller still owes the live handshake through
// RegisterDefinitions once Recover returns.
func Recover(ctx context.Context, c Recoverable, src recoverySource, circuitBaseURL string, pageSize int, logger zerolog.Logger) (RecoveryStats, error) {
	start := time.Now()
	var stats RecoveryStats

	c.BeginReplay()
	defer c.EndReplay()

	if err := c.RegisterDefinitions(ctx, circuitBaseURL); err != nil {
		return stats, fmt.Errorf("record definitions for replay: %w", err)
	}

	snap, err := src.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("load snapshot failed, replaying from genesis")
		snap = nil
	}
	if snap != nil {
		state, err := snap.State()
		if err != nil {
			return stats, fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		c.RestoreFromSnapshot(state)
		c.WarmLRU(state.IdempotencyKeys)
		stats.SnapshotSequence = snap.Sequence
		logger.Info().Int64("sequence", snap.Sequence).Int("lru_keys", len(state.IdempotencyKeys)).Msg("snapshot restored")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	stats.Replayed, err = replayEvents(ctx, src, c, c.GetSequence(), pageSize, logger)
	stats.Took = time.Since(start)
	if err != nil {
		return stats, fmt.Errorf("event replay: %w", err)
	}
	logger.Info().
		Int("replayed", stats.Replayed).
		Int64("next_sequence", c.GetSequence()).
		Dur("took", stats.Took).
		Msg("recovery complete")
	return stats, nil
}
