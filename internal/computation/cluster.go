package computation

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Cluster is the trust boundary to the confidential-computation cluster.
// Results never come back through this interface: they arrive later as
// signed callbacks handed to Manager.OnCallback.
type Cluster interface {
	RegisterDefinition(ctx context.Context, def Definition) error
	QueueComputation(ctx context.Context, req Request) error
}

// DiscardCluster accepts and drops every request. The core swaps it in
// while replaying the event log, where requests were already sent once.
type DiscardCluster struct{}

func (DiscardCluster) RegisterDefinition(context.Context, Definition) error { return nil }

func (DiscardCluster) QueueComputation(context.Context, Request) error { return nil }

// HealthSink receives revealed health-check bits.
type HealthSink interface {
	ApplyHealthCheck(owner common.Address, liquidatable bool) error
}
