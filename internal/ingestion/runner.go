package ingestion

import (
	"context"
	"time"

	"DarkLedger/internal/event"
	"DarkLedger/internal/ledgererr"
	"DarkLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Processor is the core as the runner sees it.
type Processor interface {
	ProcessEvent(evt event.Event) error
}

type inbound struct {
	evt      event.Event
	received time.Time
	// ack is set when the message's ack waits for persistence
	ack func()
}

// Runner is the single goroutine that owns the core. It multiplexes NATS
// traffic and synchronous submissions, so the core never sees two events
// at once.
type Runner struct {
	proc        Processor
	rawChan     <-chan RawEvent
	submitChan  <-chan Submission
	typedBuffer int

	// afterApply runs on the runner goroutine after every event, applied
	// or not. Work that reads core state (snapshots) belongs here.
	afterApply func()

	acks *AckTracker
	seq  Sequencer

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewRunner(proc Processor, rawChan <-chan RawEvent, submitChan <-chan Submission, metrics *observability.Metrics, logger zerolog.Logger) *Runner {
	return &Runner{
		proc:        proc,
		rawChan:     rawChan,
		submitChan:  submitChan,
		typedBuffer: 4096,
		metrics:     metrics,
		logger:      logger,
	}
}

// AfterApply sets a hook run on the runner goroutine after every event.
func (r *Runner) AfterApply(fn func()) {
	r.afterApply = fn
}

// DeferAcks makes messages flagged DeferAck wait for persistence before
// they are acked. The held sequence is the last one the core had assigned
// after applying the message: it covers the message's own event, or for
// a rejected redelivery the original it duplicates.
func (r *Runner) DeferAcks(tracker *AckTracker, seq Sequencer) {
	r.acks = tracker
	r.seq = seq
}

// Run blocks until ctx is cancelled. Messages are acked after they are
// parsed and queued, not after the core applies them: a slow core must
// not trip AckWait, and a full queue pushes back on NATS. Deferred
// messages are the exception, see DeferAcks.
func (r *Runner) Run(ctx context.Context) error {
	typed := make(chan inbound, r.typedBuffer)
	go r.parseLoop(ctx, typed)

	for {
		select {
		case <-ctx.Done():
			return nil

		case in := <-typed:
			if err := r.apply(in.evt, in.received); err != nil {
				// rejections are final, the producer sees them only
				// through the absence of facts
				r.logRejection(in.evt, err)
			}
			if in.ack != nil {
				r.acks.Hold(r.seq.GetSequence()-1, in.ack)
			}

		case sub := <-r.submitChan:
			sub.Result <- r.apply(sub.Event, sub.Received)
		}
	}
}

func (r *Runner) parseLoop(ctx context.Context, typed chan<- inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-r.rawChan:
			if !ok {
				return
			}

			evt, err := ParseRawEvent(raw)
			if err != nil {
				// poison messages are acked so they are not redelivered forever
				r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse inbound message failed")
				raw.AckFunc()
				continue
			}

			in := inbound{evt: evt, received: raw.Timestamp}
			deferred := raw.DeferAck && r.acks != nil
			if deferred {
				in.ack = raw.AckFunc
			}

			select {
			case typed <- in:
				if !deferred {
					raw.AckFunc()
				}
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

func (r *Runner) apply(evt event.Event, received time.Time) error {
	err := r.proc.ProcessEvent(evt)
	if r.metrics != nil && !received.IsZero() {
		r.metrics.IngestToApply.WithLabelValues(evt.EventType().String()).Observe(time.Since(received).Seconds())
	}
	if r.afterApply != nil {
		r.afterApply()
	}
	return err
}

func (r *Runner) logRejection(evt event.Event, err error) {
	l := r.logger.Info()
	if !ledgererr.IsRejection(err) {
		l = r.logger.Error()
	}
	l.Err(err).
		Str("event_type", evt.EventType().String()).
		Str("key", evt.IdempotencyKey()).
		Str("code", ledgererr.Code(err)).
		Msg("event not applied")
}
