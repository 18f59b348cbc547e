package ingestion_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"DarkLedger/internal/ingestion"
	"DarkLedger/internal/observability"
	"DarkLedger/internal/persistence"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type capturingJS struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (c *capturingJS) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return &jetstream.PubAck{Stream: ingestion.FactStream}, nil
}

func (c *capturingJS) published() []*nats.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*nats.Msg(nil), c.msgs...)
}

func committed() []persistence.Record {
	return []persistence.Record{{
		Event: persistence.EventRow{
			Sequence:  9,
			EventType: "MintDeposit",
			StateHash: make([]byte, 32),
			Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		},
		Facts: []persistence.FactRow{
			{Sequence: 9, Index: 0, FactType: "DepositProcessed", Payload: []byte(`{"amount":5}`)},
		},
	}}
}

func TestOutboundPublisher_PublishesCommittedFacts(t *testing.T) {
	defer goleak.VerifyNone(t)

	js := &capturingJS{}
	pub := ingestion.NewOutboundPublisher(js, 8, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pub.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	pub.Enqueue(committed())

	require.Eventually(t, func() bool { return len(js.published()) == 1 }, time.Second, 5*time.Millisecond)
	msg := js.published()[0]
	assert.Equal(t, "ledger.facts.DepositProcessed", msg.Subject)
	assert.Equal(t, "fact-9-0", msg.Header.Get(nats.MsgIdHdr))

	var pf ingestion.PublishedFact
	require.NoError(t, json.Unmarshal(msg.Data, &pf))
	assert.Equal(t, int64(9), pf.Sequence)
	assert.Equal(t, "MintDeposit", pf.EventType)
	assert.JSONEq(t, `{"amount":5}`, string(pf.Fact))
}

func TestOutboundPublisher_DropsWhenFull(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pub := ingestion.NewOutboundPublisher(&capturingJS{}, 1, metrics, zerolog.Nop())

	// not running: the second fact has nowhere to go
	pub.Enqueue(committed())
	pub.Enqueue(committed())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PublishDrops))
}
