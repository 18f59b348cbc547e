package liquidation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"DarkLedger/internal/event"
	"DarkLedger/internal/ledgererr"
	"DarkLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Submitter hands an event to the core runner and waits for its result.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) error
}

// CandidateLister returns accounts worth a health check: funded, not yet
// flagged, with nothing pending.
type CandidateLister interface {
	ListHealthCheckCandidates(ctx context.Context) ([]common.Address, error)
}

type KeeperConfig struct {
	Interval   time.Duration
	Liquidator common.Address
	// FactBuffer bounds queued health results; extra results are dropped
	// and picked up again on the next sweep.
	FactBuffer int
	Metrics    *observability.Metrics
}

// Keeper runs outside the core. It periodically queues health checks and
// liquidates accounts as soon as a health check reveals them.
type Keeper struct {
	cfg       KeeperConfig
	lister    CandidateLister
	submitter Submitter
	results   chan *event.HealthCheckResult
	now       func() time.Time
	seq       atomic.Uint64
	logger    zerolog.Logger
}

func NewKeeper(cfg KeeperConfig, lister CandidateLister, submitter Submitter, logger zerolog.Logger) *Keeper {
	if cfg.FactBuffer <= 0 {
		cfg.FactBuffer = 1024
	}
	k := &Keeper{
		cfg:       cfg,
		lister:    lister,
		submitter: submitter,
		results:   make(chan *event.HealthCheckResult, cfg.FactBuffer),
		now:       time.Now,
		logger:    logger,
	}
	return k
}

// Observe feeds an emitted fact to the keeper. Never blocks.
func (k *Keeper) Observe(f event.Fact) {
	hc, ok := f.(*event.HealthCheckResult)
	if !ok || !hc.Liquidatable {
		return
	}
	select {
	case k.results <- hc:
	default:
		k.logger.Warn().Uint64("computation_id", hc.ID).Msg("keeper result buffer full, dropping")
	}
}

// Run blocks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if k.cfg.Interval > 0 {
		ticker := time.NewTicker(k.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			k.sweep(ctx)
		case hc := <-k.results:
			k.liquidate(ctx, hc)
		}
	}
}

func (k *Keeper) sweep(ctx context.Context) {
	owners, err := k.lister.ListHealthCheckCandidates(ctx)
	if err != nil {
		k.logger.Error().Err(err).Msg("list health check candidates")
		return
	}
	if k.cfg.Metrics != nil {
		k.cfg.Metrics.KeeperSweeps.Inc()
	}
	queued := 0
	for _, owner := range owners {
		if ctx.Err() != nil {
			return
		}
		evt := &event.QueueHealthCheck{
			Meta:          event.Meta{Key: uuid.NewString(), At: k.now().UnixMicro()},
			ComputationID: k.nextID(),
			Owner:         owner,
		}
		err := k.submitter.Submit(ctx, evt)
		k.observe(evt, err)
		if err != nil {
			// busy accounts are expected: a computation raced the sweep
			if errors.Is(err, ledgererr.ErrDuplicateRequest) {
				k.logger.Debug().Str("owner", owner.Hex()).Err(err).Msg("health check skipped")
				continue
			}
			k.logger.Warn().Str("owner", owner.Hex()).Err(err).Msg("queue health check failed")
			continue
		}
		queued++
	}
	if queued > 0 {
		k.logger.Info().Int("queued", queued).Msg("health checks queued")
	}
}

func (k *Keeper) liquidate(ctx context.Context, hc *event.HealthCheckResult) {
	evt := &event.Liquidate{
		Meta:       event.Meta{Key: fmt.Sprintf("keeper-liquidate-%d", hc.ID), At: k.now().UnixMicro()},
		Owner:      hc.Owner,
		Liquidator: k.cfg.Liquidator,
	}
	err := k.submitter.Submit(ctx, evt)
	k.observe(evt, err)
	switch {
	case err == nil:
		k.logger.Info().Str("owner", hc.Owner.Hex()).Msg("account liquidated")
	case errors.Is(err, ledgererr.ErrHealthyPosition), errors.Is(err, ledgererr.ErrInvalidAmount):
		// someone else got there first, or nothing was escrowed
		k.logger.Debug().Str("owner", hc.Owner.Hex()).Err(err).Msg("liquidation skipped")
	default:
		k.logger.Warn().Str("owner", hc.Owner.Hex()).Err(err).Msg("liquidation failed")
	}
}

func (k *Keeper) observe(evt event.Event, err error) {
	if k.cfg.Metrics == nil {
		return
	}
	k.cfg.Metrics.KeeperSubmissions.WithLabelValues(evt.EventType().String(), ledgererr.Code(err)).Inc()
}

// nextID allocates computation ids in a range clients are not expected
// to use: top bit set, then wall-clock nanoseconds.
func (k *Keeper) nextID() uint64 {
	base := uint64(1)<<63 | uint64(k.now().UnixNano())>>1
	for {
		prev := k.seq.Load()
		next := base
		if next <= prev {
			next = prev + 1
		}
		if k.seq.CompareAndSwap(prev, next) {
			return next
		}
	}
}
