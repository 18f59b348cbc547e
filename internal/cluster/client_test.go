package cluster_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"DarkLedger/internal/cluster"
	"DarkLedger/internal/computation"
	"DarkLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJS struct {
	msgs []*nats.Msg
	err  error
	dup  bool
}

func (f *fakeJS) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	return &jetstream.PubAck{Stream: cluster.RequestStream, Sequence: uint64(len(f.msgs)), Duplicate: f.dup}, nil
}

type fakeConn struct {
	subject string
	data    []byte
	reply   string
	err     error
}

func (f *fakeConn) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subject, f.data = subj, data
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: "_INBOX.x", Data: []byte(f.reply)}, nil
}

func TestQueueComputation_PublishesWithDedupID(t *testing.T) {
	js := &fakeJS{}
	c := cluster.NewClient(js, &fakeConn{}, nil, zerolog.Nop())

	owner := common.HexToAddress("0xb0b")
	req := computation.Request{
		ID:        42,
		Kind:      computation.KindDeposit,
		Accounts:  []common.Address{owner},
		Epochs:    []uint64{3},
		Arguments: []computation.Argument{computation.U64Arg(100)},
		IssuedAt:  1_700_000_000,
	}
	require.NoError(t, c.QueueComputation(context.Background(), req))

	require.Len(t, js.msgs, 1)
	msg := js.msgs[0]
	assert.Equal(t, "mpc.requests.deposit", msg.Subject)
	assert.Equal(t, "computation-42", msg.Header.Get(nats.MsgIdHdr))

	var wire cluster.RequestMessage
	require.NoError(t, json.Unmarshal(msg.Data, &wire))
	assert.Equal(t, uint64(42), wire.ID)
	assert.Equal(t, computation.KindDeposit, wire.Kind)
	assert.Equal(t, computation.NewDefinition(computation.KindDeposit, "").Offset, wire.Offset)
	assert.Equal(t, []common.Address{owner}, wire.Accounts)
	require.Len(t, wire.Arguments, 1)
	assert.Equal(t, uint64(100), wire.Arguments[0].U64)
}

func TestQueueComputation_DuplicateAckIsNotAnError(t *testing.T) {
	js := &fakeJS{dup: true}
	c := cluster.NewClient(js, &fakeConn{}, nil, zerolog.Nop())
	require.NoError(t, c.QueueComputation(context.Background(), computation.Request{ID: 1, Kind: computation.KindHealthCheck}))
}

func TestQueueComputation_PublishFailureCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	js := &fakeJS{err: errors.New("no responders")}
	c := cluster.NewClient(js, &fakeConn{}, metrics, zerolog.Nop())

	err := c.QueueComputation(context.Background(), computation.Request{ID: 7, Kind: computation.KindSettleTrade})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish request 7")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ClusterErrors.WithLabelValues("queue")))
}

func TestRegisterDefinition(t *testing.T) {
	def := computation.NewDefinition(computation.KindOrderSubmit, "https://circuits.example")

	t.Run("acknowledged", func(t *testing.T) {
		nc := &fakeConn{reply: `{"ok":true}`}
		c := cluster.NewClient(&fakeJS{}, nc, nil, zerolog.Nop())
		require.NoError(t, c.RegisterDefinition(context.Background(), def))
		assert.Equal(t, cluster.RegisterSubject, nc.subject)

		var sent computation.Definition
		require.NoError(t, json.Unmarshal(nc.data, &sent))
		assert.Equal(t, def, sent)
	})

	t.Run("refused", func(t *testing.T) {
		nc := &fakeConn{reply: `{"ok":false,"error":"unknown circuit"}`}
		c := cluster.NewClient(&fakeJS{}, nc, nil, zerolog.Nop())
		err := c.RegisterDefinition(context.Background(), def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown circuit")
	})

	t.Run("garbage reply", func(t *testing.T) {
		nc := &fakeConn{reply: `not json`}
		c := cluster.NewClient(&fakeJS{}, nc, nil, zerolog.Nop())
		require.Error(t, c.RegisterDefinition(context.Background(), def))
	})

	t.Run("timeout", func(t *testing.T) {
		nc := &fakeConn{err: context.DeadlineExceeded}
		c := cluster.NewClient(&fakeJS{}, nc, nil, zerolog.Nop())
		err := c.RegisterDefinition(context.Background(), def)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "mpc.callbacks.health_check", cluster.CallbackSubject(computation.KindHealthCheck))
	assert.Equal(t, "mpc.requests.settle_trade", cluster.RequestSubject(computation.KindSettleTrade))
}
