package persistence

import (
	"context"
	"time"

	"DarkLedger/internal/core"
	"DarkLedger/internal/observability"

	"github.com/rs/zerolog"
)

// SnapshotSource is the core as seen by the snapshotter. Both methods are
// only called on the goroutine that owns the core.
type SnapshotSource interface {
	CreateSnapshotState() *core.SnapshotState
	GetSequence() int64
}

type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error)
}

// Snapshotter takes a snapshot every interval applied events. Capturing
// happens on the core goroutine through AfterApply; encoding and writing
// happen on Run's goroutine so the core never waits on Postgres.
type Snapshotter struct {
	store    snapshotStore
	src      SnapshotSource
	interval int64
	last     int64
	pending  chan *core.SnapshotState
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewSnapshotter(store snapshotStore, src SnapshotSource, interval int64, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		store:    store,
		src:      src,
		interval: interval,
		last:     src.GetSequence() - 1,
		pending:  make(chan *core.SnapshotState, 1),
		metrics:  metrics,
		logger:   logger,
	}
}

// AfterApply is the runner hook. When a save is still in flight the
// capture is skipped and retried after the next event.
func (s *Snapshotter) AfterApply() {
	if s.interval <= 0 {
		return
	}
	applied := s.src.GetSequence() - 1
	if applied-s.last < s.interval {
		return
	}
	state := s.src.CreateSnapshotState()
	select {
	case s.pending <- state:
		s.last = applied
	default:
	}
}

// Run saves captured states until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case state := <-s.pending:
			if err := s.Save(ctx, state); err != nil {
				s.logger.Warn().Err(err).Int64("sequence", state.Sequence).Msg("periodic snapshot failed")
			}
		}
	}
}

// Save writes state synchronously. Used directly for the final snapshot
// at shutdown, once the core has stopped.
func (s *Snapshotter) Save(ctx context.Context, state *core.SnapshotState) error {
	start := time.Now()
	size, err := s.store.SaveSnapshot(ctx, NewSnapshotData(state, start.UTC()))
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	}
	s.logger.Info().Int64("sequence", state.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}
