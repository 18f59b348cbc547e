package core

import (
	"errors"
	"fmt"

	"DarkLedger/internal/bridge"
	"DarkLedger/internal/computation"
	"DarkLedger/internal/custody"
	"DarkLedger/internal/event"
	"DarkLedger/internal/ledgererr"
	"DarkLedger/internal/margin"

	"github.com/ethereum/go-ethereum/common"
)

// SnapshotState is the in-memory state needed to resume at Sequence+1.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Accounts        []margin.Account
	Balances        map[custody.AccountKey]int64
	Computations    []computation.Request
	Bridge          bridge.Config
	Deposits        []bridge.ProcessedDeposit
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current state.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // last applied
		StateHash:       c.hasher.GetPrevHash(),
		Accounts:        c.ledger.All(),
		Balances:        c.vault.Tracker().Snapshot(),
		Computations:    c.manager.Snapshot(),
		Bridge:          c.gate.Config(),
		Deposits:        c.replayGuard.All(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot replaces the core's state. Definitions are not part
// of a snapshot; register them separately.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	c.ledger.Restore(snap.Accounts)
	c.vault.Restore(snap.Balances)
	c.manager.Restore(snap.Computations)
	c.gate.RestoreConfig(snap.Bridge)
	c.replayGuard.Restore(snap.Deposits)
}

// WarmLRU loads recent idempotency keys, oldest first.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// BeginReplay switches the core to re-applying logged events: nothing is
// emitted, cluster requests are discarded (they were sent when the event
// was first applied) and tier-2 dedup is skipped.
func (c *DeterministicCore) BeginReplay() {
	if c.replaying {
		return
	}
	c.replaying = true
	c.liveCluster = c.manager.SetCluster(computation.DiscardCluster{})
	c.idempotency.tier2Disabled = true
}

func (c *DeterministicCore) EndReplay() {
	if !c.replaying {
		return
	}
	c.manager.SetCluster(c.liveCluster)
	c.liveCluster = nil
	c.idempotency.tier2Disabled = false
	c.replaying = false
}

// ReplayEvent re-applies a logged event and verifies it lands on the
// logged sequence and state hash.
func (c *DeterministicCore) ReplayEvent(evt event.Event, sequence int64, stateHash [32]byte) error {
	if sequence != c.sequence {
		return fmt.Errorf("replay gap: log has sequence %d, core expects %d", sequence, c.sequence)
	}
	if err := c.ProcessEvent(evt); err != nil && !errors.Is(err, ledgererr.ErrAbortedComputation) {
		return fmt.Errorf("replay sequence %d: %w", sequence, err)
	}
	if c.sequence != sequence+1 {
		return fmt.Errorf("replay sequence %d: event %s was not applied", sequence, evt.IdempotencyKey())
	}
	if got := c.hasher.GetPrevHash(); got != stateHash {
		return fmt.Errorf("replay sequence %d: state hash mismatch: log %x, core %x", sequence, stateHash, got)
	}
	return nil
}

// GetSequence returns the sequence the next applied event will receive.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current chain tip.
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// --- Read accessors, for the owning goroutine only ---

func (c *DeterministicCore) Account(owner common.Address) (margin.Account, error) {
	return c.ledger.Read(owner)
}

func (c *DeterministicCore) Balance(key custody.AccountKey) uint64 {
	return c.vault.Balance(key)
}

func (c *DeterministicCore) Computation(id uint64) (computation.Request, bool) {
	return c.manager.Get(id)
}

func (c *DeterministicCore) BridgeConfig() bridge.Config {
	return c.gate.Config()
}

func (c *DeterministicCore) ProcessedDeposit(txid common.Hash) (bridge.ProcessedDeposit, bool) {
	return c.replayGuard.Get(txid)
}
