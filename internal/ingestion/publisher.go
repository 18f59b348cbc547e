package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"DarkLedger/internal/cluster"
	"DarkLedger/internal/observability"
	"DarkLedger/internal/persistence"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	FactSubjectPrefix = "ledger.facts."
	FactStream        = "LEDGER_FACTS"
)

// OutboundPublisher publishes emitted facts once their event is durably
// logged. Publishing is best effort: consumers that miss a fact can read
// event_log.facts directly.
type OutboundPublisher struct {
	js        cluster.Publisher
	inputChan chan PublishedFact
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishedFact is the outbound wire form of one fact.
type PublishedFact struct {
	Sequence  int64           `json:"sequence"`
	Index     int             `json:"index"`
	EventType string          `json:"event_type"`
	FactType  string          `json:"fact_type"`
	StateHash hexutil.Bytes   `json:"state_hash"`
	Timestamp time.Time       `json:"timestamp"`
	Fact      json.RawMessage `json:"fact"`
}

func NewOutboundPublisher(js cluster.Publisher, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	if buffer <= 0 {
		buffer = 4096
	}
	return &OutboundPublisher{
		js:        js,
		inputChan: make(chan PublishedFact, buffer),
		metrics:   metrics,
		logger:    logger,
	}
}

// Enqueue queues the facts of committed records. Never blocks; facts that
// do not fit are dropped and counted.
func (op *OutboundPublisher) Enqueue(records []persistence.Record) {
	for _, rec := range records {
		for _, f := range rec.Facts {
			pf := PublishedFact{
				Sequence:  f.Sequence,
				Index:     f.Index,
				EventType: rec.Event.EventType,
				FactType:  f.FactType,
				StateHash: rec.Event.StateHash,
				Timestamp: rec.Event.Timestamp,
				Fact:      f.Payload,
			}
			select {
			case op.inputChan <- pf:
			default:
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// Run drains the queue until ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f := <-op.inputChan:
			if err := op.publish(ctx, f); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", f.Sequence).Str("fact", f.FactType).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, f PublishedFact) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fact: %w", err)
	}
	msg := nats.NewMsg(FactSubjectPrefix + f.FactType)
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("fact-%d-%d", f.Sequence, f.Index))
	msg.Data = data

	_, err = op.js.PublishMsg(ctx, msg)
	return err
}

// EnsureOutboundStream creates the facts stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       FactStream,
		Subjects:   []string{FactSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", FactStream, err)
	}
	logger.Info().Str("stream", FactStream).Msg("ensured outbound stream")
	return nil
}
