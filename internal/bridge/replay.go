package bridge

import (
	"bytes"
	"fmt"
	"sort"

	"DarkLedger/internal/ledgererr"

	"github.com/ethereum/go-ethereum/common"
)

// ProcessedDeposit is the create-once record keyed by the external
// transaction id. Its existence is the replay guard.
type ProcessedDeposit struct {
	TxID      common.Hash    `json:"txid"`
	Recipient common.Address `json:"recipient"`
	Amount    uint64         `json:"amount"`
	Timestamp int64          `json:"timestamp"`
}

// ReplayGuard stores processed deposits. Create must fail with
// ErrDepositAlreadyProcessed when the record exists: first writer wins.
type ReplayGuard interface {
	Exists(txid common.Hash) bool
	Create(rec ProcessedDeposit) error
	Get(txid common.Hash) (ProcessedDeposit, bool)
}

// MemoryReplayGuard is the in-core guard. It is rebuilt from snapshots and
// event replay; the durable copy in Postgres is written from facts.
type MemoryReplayGuard struct {
	records map[common.Hash]ProcessedDeposit
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{records: make(map[common.Hash]ProcessedDeposit)}
}

func (g *MemoryReplayGuard) Exists(txid common.Hash) bool {
	_, ok := g.records[txid]
	return ok
}

func (g *MemoryReplayGuard) Create(rec ProcessedDeposit) error {
	if _, ok := g.records[rec.TxID]; ok {
		return fmt.Errorf("%w: deposit %s already exists", ledgererr.ErrDepositAlreadyProcessed, rec.TxID.Hex())
	}
	g.records[rec.TxID] = rec
	return nil
}

func (g *MemoryReplayGuard) Get(txid common.Hash) (ProcessedDeposit, bool) {
	rec, ok := g.records[txid]
	return rec, ok
}

// All returns every record sorted by txid.
func (g *MemoryReplayGuard) All() []ProcessedDeposit {
	out := make([]ProcessedDeposit, 0, len(g.records))
	for _, r := range g.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].TxID[:], out[j].TxID[:]) < 0
	})
	return out
}

func (g *MemoryReplayGuard) Restore(recs []ProcessedDeposit) {
	g.records = make(map[common.Hash]ProcessedDeposit, len(recs))
	for _, r := range recs {
		g.records[r.TxID] = r
	}
}
