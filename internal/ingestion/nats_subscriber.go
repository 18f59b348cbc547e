package ingestion

import (
	"context"
	"fmt"
	"time"

	"DarkLedger/internal/cluster"
	"DarkLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber feeds JetStream messages into the runner. Commands,
// matched trades and cluster callbacks all arrive this way.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// RawEvent is an undecoded inbound message. The runner parses it and
// acks once the typed event is queued for the core, or with DeferAck
// once the event is persisted.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	DeferAck  bool
	AckFunc   func()
	NakFunc   func()
}

type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
	// DeferAck holds the ack until the resulting event is committed.
	// Set for producers that never resend on their own.
	DeferAck bool
}

const (
	CommandSubjectPrefix    = "ledger.commands."
	SettlementSubjectPrefix = "matching.settlements."

	CommandStream  = "LEDGER_COMMANDS"
	MatchingStream = "MATCHING"
	CallbackStream = "MPC_CALLBACKS"
)

func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: CommandSubjectPrefix + ">", ConsumerName: "ledger-commands", StreamName: CommandStream},
		{Subject: SettlementSubjectPrefix + ">", ConsumerName: "ledger-settlements", StreamName: MatchingStream},
		{Subject: cluster.CallbackSubjectPrefix + ">", ConsumerName: "ledger-callbacks", StreamName: CallbackStream, DeferAck: true},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Subscribe creates a durable consumer per subject. Consumers use explicit
// ack, max_deliver=5 (unlimited for deferred acks) and ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		maxDeliver := 5
		if cfg.DeferAck {
			// a held ack can outlive several AckWaits while Postgres is
			// down; redeliveries are deduplicated by the core
			maxDeliver = -1
		}
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    maxDeliver,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		filter := cfg.Subject
		deferAck := cfg.DeferAck
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.observeLatency(filter, msg)
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				DeferAck:  deferAck,
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

func (ns *NATSSubscriber) observeLatency(subject string, msg jetstream.Msg) {
	if ns.metrics == nil {
		return
	}
	md, err := msg.Metadata()
	if err != nil {
		return
	}
	ns.metrics.NATSPullLatency.WithLabelValues(subject).Observe(time.Since(md.Timestamp).Seconds())
}

// StreamConfigs lists the inbound streams. All use file storage with
// limits retention and a 72h max age.
func StreamConfigs() []jetstream.StreamConfig {
	mk := func(name, subject string) jetstream.StreamConfig {
		return jetstream.StreamConfig{
			Name:       name,
			Subjects:   []string{subject},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		}
	}
	return []jetstream.StreamConfig{
		mk(CommandStream, CommandSubjectPrefix+">"),
		mk(MatchingStream, SettlementSubjectPrefix+">"),
		mk(CallbackStream, cluster.CallbackSubjectPrefix+">"),
	}
}

// EnsureStreams creates the inbound streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	for _, cfg := range StreamConfigs() {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop stops every consumer. Unacked messages are redelivered.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("darkledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
