package settlement_test

import (
	"context"
	stdmath "math"
	"testing"

	"DarkLedger/internal/computation"
	"DarkLedger/internal/ledgererr"
	"DarkLedger/internal/margin"
	"DarkLedger/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	buyer  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	seller = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type countingCluster struct {
	computation.DiscardCluster
	queued int
}

func (c *countingCluster) QueueComputation(context.Context, computation.Request) error {
	c.queued++
	return nil
}

func newCoordinator(t *testing.T) (*settlement.Coordinator, *computation.Manager, *countingCluster) {
	t.Helper()
	l := margin.NewLedger()
	_, err := l.Create(buyer)
	require.NoError(t, err)
	_, err = l.Create(seller)
	require.NoError(t, err)

	cluster := &countingCluster{}
	m := computation.NewManager(l, cluster, common.Address{})
	require.NoError(t, m.RegisterDefinition(context.Background(), computation.NewDefinition(computation.KindSettleTrade, "")))
	return settlement.NewCoordinator(l, m), m, cluster
}

func TestValue_Example(t *testing.T) {
	v, err := settlement.Value(50_000_000, 1_500_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(75_000_000), v)
}

func TestValue_ZeroRejected(t *testing.T) {
	_, err := settlement.Value(0, 1_500_000)
	require.ErrorIs(t, err, ledgererr.ErrInvalidAmount)
	_, err = settlement.Value(50_000_000, 0)
	require.ErrorIs(t, err, ledgererr.ErrInvalidAmount)
}

func TestValue_Overflow(t *testing.T) {
	_, err := settlement.Value(stdmath.MaxUint64, stdmath.MaxUint64)
	require.ErrorIs(t, err, ledgererr.ErrMathOverflow)
}

func TestSettleTrade_QueuesAndEmits(t *testing.T) {
	c, m, cluster := newCoordinator(t)

	req, fact, err := c.SettleTrade(context.Background(), settlement.Trade{
		ComputationID: 10, Buyer: buyer, Seller: seller, Price: 50_000_000, Size: 1_500_000, Timestamp: 5,
	})
	require.NoError(t, err)
	require.NotNil(t, fact)
	assert.Equal(t, uint64(75_000_000), fact.Value)
	assert.Equal(t, computation.KindSettleTrade, req.Kind)
	assert.Equal(t, []common.Address{buyer, seller}, req.Accounts)
	assert.Equal(t, uint64(75_000_000), req.Arguments[4].U64)
	assert.Equal(t, 1, cluster.queued)
	assert.True(t, m.HasPending(buyer))
	assert.True(t, m.HasPending(seller))
}

func TestSettleTrade_FailedQueueEmitsNothing(t *testing.T) {
	c, _, _ := newCoordinator(t)
	_, _, err := c.SettleTrade(context.Background(), settlement.Trade{
		ComputationID: 1, Buyer: buyer, Seller: seller, Price: 1_000_000, Size: 1_000_000,
	})
	require.NoError(t, err)

	// buyer is now locked
	_, fact, err := c.SettleTrade(context.Background(), settlement.Trade{
		ComputationID: 2, Buyer: buyer, Seller: seller, Price: 1_000_000, Size: 1_000_000,
	})
	require.ErrorIs(t, err, ledgererr.ErrAccountBusy)
	assert.Nil(t, fact)
}

func TestSettleTrade_SelfTrade(t *testing.T) {
	c, _, cluster := newCoordinator(t)
	_, _, err := c.SettleTrade(context.Background(), settlement.Trade{
		ComputationID: 1, Buyer: buyer, Seller: buyer, Price: 1, Size: 1,
	})
	require.ErrorIs(t, err, ledgererr.ErrInvalidArguments)
	assert.Zero(t, cluster.queued)
}

func TestSettleTrade_UnknownCounterparty(t *testing.T) {
	c, _, _ := newCoordinator(t)
	_, _, err := c.SettleTrade(context.Background(), settlement.Trade{
		ComputationID: 1, Buyer: buyer, Seller: common.HexToAddress("0xdead"), Price: 1_000_000, Size: 1_000_000,
	})
	require.ErrorIs(t, err, ledgererr.ErrAccountNotFound)
}
