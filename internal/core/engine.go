// Package core applies inbound events to ledger state one at a time. Every
// applied event gets a global sequence number and a link in the state hash
// chain, and is emitted for persistence and projection.
package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"DarkLedger/internal/bridge"
	"DarkLedger/internal/computation"
	"DarkLedger/internal/custody"
	"DarkLedger/internal/event"
	"DarkLedger/internal/ledgererr"
	"DarkLedger/internal/liquidation"
	"DarkLedger/internal/margin"
	"DarkLedger/internal/observability"
	"DarkLedger/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Options configures a DeterministicCore.
type Options struct {
	// StartSequence is the sequence the next applied event receives.
	StartSequence   int64
	LRUCapacity     int
	ClusterSigner   common.Address
	ClusterTimeout  time.Duration
	CollateralAsset custody.AssetID
	Bridge          bridge.Config
}

// DeterministicCore is the single-threaded event processor. None of its
// methods are safe for concurrent use; one goroutine owns it.
type DeterministicCore struct {
	sequence int64
	hasher   *StateHasher

	ledger      *margin.Ledger
	vault       *custody.Vault
	manager     *computation.Manager
	liquidation *liquidation.Engine
	settlement  *settlement.Coordinator
	replayGuard *bridge.MemoryReplayGuard
	gate        *bridge.Gate

	collateralAsset custody.AssetID
	clusterTimeout  time.Duration

	idempotency *IdempotencyChecker
	metrics     *observability.Metrics

	replaying      bool
	liveCluster    computation.Cluster
	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one applied event.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
	Facts    []event.Fact
	Batch    *custody.Batch

	// Post-state of the records the event touched.
	Accounts     []margin.Account
	Computations []computation.Request
	Deposits     []bridge.ProcessedDeposit
	Bridge       *bridge.Config

	StateDelta []byte
}

func NewDeterministicCore(
	opts Options,
	cluster computation.Cluster,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *DeterministicCore {
	if opts.StartSequence <= 0 {
		opts.StartSequence = 1
	}
	if opts.LRUCapacity <= 0 {
		opts.LRUCapacity = 1_000_000
	}
	if opts.ClusterTimeout <= 0 {
		opts.ClusterTimeout = 5 * time.Second
	}
	if opts.CollateralAsset == 0 {
		opts.CollateralAsset = opts.Bridge.WrappedAsset
	}

	ledger := margin.NewLedger()
	vault := custody.NewVault()
	manager := computation.NewManager(ledger, cluster, opts.ClusterSigner)
	liq := liquidation.NewEngine(ledger, vault, opts.CollateralAsset)
	manager.SetHealthSink(liq)
	guard := bridge.NewMemoryReplayGuard()

	idem := NewIdempotencyChecker(opts.LRUCapacity, dbChecker, metrics, logger)
	if metrics != nil {
		idem.lru.onEvict = metrics.DedupLRUEvictions.Inc
	}

	return &DeterministicCore{
		sequence:        opts.StartSequence,
		hasher:          NewStateHasher(),
		ledger:          ledger,
		vault:           vault,
		manager:         manager,
		liquidation:     liq,
		settlement:      settlement.NewCoordinator(ledger, manager),
		replayGuard:     guard,
		gate:            bridge.NewGate(opts.Bridge, guard, vault),
		collateralAsset: opts.CollateralAsset,
		clusterTimeout:  opts.ClusterTimeout,
		idempotency:     idem,
		metrics:         metrics,
		persistChan:     persistChan,
		projectionChan:  projectionChan,
	}
}

// RegisterDefinitions performs the definition handshake for every kind.
// Computations of a kind cannot be queued before it succeeds.
func (c *DeterministicCore) RegisterDefinitions(ctx context.Context, baseURL string) error {
	for _, kind := range computation.Kinds {
		if err := c.manager.RegisterDefinition(ctx, computation.NewDefinition(kind, baseURL)); err != nil {
			return fmt.Errorf("register %s definition: %w", kind, err)
		}
	}
	return nil
}

// ProcessEvent is the main processing pipeline. A rejected event returns
// its error and leaves no trace. An aborted computation callback is the
// one error that is still applied and emitted: the request becomes
// terminal, and the caller gets ErrAbortedComputation back.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	if idempotencyKey == "" {
		c.reject(eventType, ledgererr.ErrInvalidArguments)
		return fmt.Errorf("%w: %s has no idempotency key", ledgererr.ErrInvalidArguments, eventType)
	}

	// Step 1: two-tier idempotency
	if c.idempotency.IsDuplicate(eventType, idempotencyKey) {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Encoded before dispatch: once state changes, nothing may fail.
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	// Step 2: dispatch
	ref := custody.Ref{
		EventRef:  compositeKey(eventType, idempotencyKey),
		Sequence:  c.sequence,
		Timestamp: evt.Timestamp(),
	}
	res, dispatchErr := c.dispatchEvent(evt, ref)
	if dispatchErr != nil && !(res != nil && errors.Is(dispatchErr, ledgererr.ErrAbortedComputation)) {
		c.reject(eventType, dispatchErr)
		return dispatchErr
	}

	// Step 3: post-checks
	if err := c.postCheckInvariants(res); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s %s: %v", eventType, idempotencyKey, err))
	}

	// Step 4-5: digest and hash chain
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(res)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	// Step 6: envelope
	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: idempotencyKey,
			EventType:      evt.EventType(),
			Timestamp:      event.MicrosToTime(evt.Timestamp()),
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Event:      evt,
		Facts:      res.facts,
		Batch:      res.batch,
		StateDelta: stateDigest,
	}
	c.collectPostState(res, &output)
	c.sequence++

	// Step 7: emit
	if !c.replaying {
		c.emit(output)
	}

	// Step 8: mark processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	// Step 9: metrics
	c.observe(eventType, res, start)

	return dispatchErr
}

// emit sends to persistence (blocking, never lost) and projections
// (non-blocking, dropped when full: they rebuild from the event log).
func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

func (c *DeterministicCore) reject(eventType string, err error) {
	if c.metrics == nil {
		return
	}
	code := ledgererr.Code(err)
	c.metrics.CoreEventsRejected.WithLabelValues(eventType, code).Inc()
	switch eventType {
	case event.EventTypeComputationCallback.String():
		c.metrics.CallbacksRejected.WithLabelValues(code).Inc()
	case event.EventTypeMintDeposit.String(), event.EventTypeRequestWithdrawal.String(), event.EventTypeRotateValidators.String():
		c.metrics.BridgeRejections.WithLabelValues(code).Inc()
	}
}

func (c *DeterministicCore) observe(eventType string, res *result, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	c.metrics.ComputationsPending.Set(float64(c.manager.PendingCount()))

	if res.batch != nil {
		for _, j := range res.batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	for _, id := range res.computations {
		req, ok := c.manager.Get(id)
		if !ok {
			continue
		}
		if req.Status == computation.StatusPending {
			c.metrics.ComputationsQueued.WithLabelValues(req.Kind.String()).Inc()
		} else {
			c.metrics.ComputationsTerminal.WithLabelValues(req.Kind.String(), req.Status.String()).Inc()
		}
	}
	for _, f := range res.facts {
		c.metrics.CoreFacts.WithLabelValues(f.FactType()).Inc()
		switch f := f.(type) {
		case *event.HealthCheckResult:
			if f.Liquidatable {
				c.metrics.HealthChecksFlagged.Inc()
			}
		case *event.Liquidated:
			c.metrics.LiquidationsCompleted.Inc()
			c.metrics.LiquidationSeized.Add(float64(f.CollateralSeized))
		case *event.DepositProcessed:
			c.metrics.BridgeMints.Inc()
			c.metrics.BridgeMinted.Add(float64(f.Amount))
		case *event.WithdrawalRequested:
			c.metrics.BridgeWithdrawals.Inc()
		case *event.TradeExecuted:
			c.metrics.TradesSettled.Inc()
		}
	}
}

// postCheckInvariants validates custody after a batch was applied.
func (c *DeterministicCore) postCheckInvariants(res *result) error {
	if res.batch == nil {
		return nil
	}
	tracker := c.vault.Tracker()
	for _, j := range res.batch.Journals {
		for _, key := range []custody.AccountKey{j.DebitAccount, j.CreditAccount} {
			if key.Scope == custody.ScopeSystem {
				continue
			}
			if err := tracker.ValidateNonNegative(key); err != nil {
				return err
			}
		}
	}
	return tracker.ValidateGlobalBalance()
}

// computeStateDigest creates canonical bytes over everything the event
// touched: margin accounts, custody balances, computation status and the
// bridge record.
func (c *DeterministicCore) computeStateDigest(res *result) []byte {
	digest := make([]byte, 0, 256)

	for _, owner := range sortedAddresses(res.accounts) {
		digest = append(digest, 'M')
		digest = append(digest, owner[:]...)
		acct, err := c.ledger.Read(owner)
		if err != nil {
			digest = append(digest, 0)
			continue
		}
		digest = append(digest, 1)
		digest = append(digest, acct.EncryptedCollateral[:]...)
		digest = append(digest, acct.EncryptedDebt[:]...)
		digest = append(digest, acct.Nonce[:]...)
		digest = append(digest, boolByte(acct.IsLiquidatable))
		digest = appendInt64LE(digest, int64(acct.ResetEpoch))
		digest = appendInt64LE(digest, int64(acct.Version))
	}

	if res.batch != nil {
		seen := make(map[custody.AccountKey]bool)
		keys := make([]custody.AccountKey, 0, len(res.batch.Journals)*2)
		for _, j := range res.batch.Journals {
			for _, key := range []custody.AccountKey{j.DebitAccount, j.CreditAccount} {
				if !seen[key] {
					seen[key] = true
					keys = append(keys, key)
				}
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i].AccountPath() < keys[j].AccountPath()
		})
		for _, key := range keys {
			path := key.AccountPath()
			digest = append(digest, 'B', byte(len(path)))
			digest = append(digest, path...)
			digest = appendInt64LE(digest, c.vault.Tracker().GetBalance(key))
		}
	}

	ids := append([]uint64(nil), res.computations...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		digest = append(digest, 'C')
		digest = appendInt64LE(digest, int64(id))
		if req, ok := c.manager.Get(id); ok {
			digest = append(digest, byte(req.Status))
		} else {
			digest = append(digest, 0)
		}
	}

	if res.bridge {
		cfg := c.gate.Config()
		digest = append(digest, 'G')
		for _, v := range cfg.Validators {
			digest = append(digest, v[:]...)
		}
		digest = appendInt64LE(digest, int64(cfg.DepositCount))
		for _, txid := range res.deposits {
			digest = append(digest, txid[:]...)
		}
	}

	return digest
}

func (c *DeterministicCore) collectPostState(res *result, out *CoreOutput) {
	for _, owner := range sortedAddresses(res.accounts) {
		if acct, err := c.ledger.Read(owner); err == nil {
			out.Accounts = append(out.Accounts, acct)
		}
	}
	for _, id := range res.computations {
		if req, ok := c.manager.Get(id); ok {
			out.Computations = append(out.Computations, req)
		}
	}
	for _, txid := range res.deposits {
		if rec, ok := c.replayGuard.Get(txid); ok {
			out.Deposits = append(out.Deposits, rec)
		}
	}
	if res.bridge {
		cfg := c.gate.Config()
		out.Bridge = &cfg
	}
}

func sortedAddresses(in []common.Address) []common.Address {
	seen := make(map[common.Address]bool, len(in))
	out := make([]common.Address, 0, len(in))
	for _, a := range in {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
