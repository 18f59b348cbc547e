package core_test

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"testing"

	"DarkLedger/internal/bridge"
	"DarkLedger/internal/computation"
	"DarkLedger/internal/core"
	"DarkLedger/internal/custody"
	"DarkLedger/internal/envelope"
	"DarkLedger/internal/event"
	"DarkLedger/internal/ledgererr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const circuitBase = "https://circuits.example/v1"

var (
	alice      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	liquidator = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

// --- Test helpers ---

type harness struct {
	t          *testing.T
	core       *core.DeterministicCore
	persist    chan core.CoreOutput
	projection chan core.CoreOutput

	cluster    *ecdsa.PrivateKey
	validators [3]*ecdsa.PrivateKey
	authority  *ecdsa.PrivateKey
	opts       core.Options

	clock int64
	keys  int
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return k
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, cluster: mustKey(t), authority: mustKey(t), clock: 1_700_000_000_000_000}
	var addrs [3]common.Address
	for i := range h.validators {
		h.validators[i] = mustKey(t)
		addrs[i] = ethcrypto.PubkeyToAddress(h.validators[i].PublicKey)
	}
	h.opts = core.Options{
		LRUCapacity:   1024,
		ClusterSigner: ethcrypto.PubkeyToAddress(h.cluster.PublicKey),
		Bridge: bridge.Config{
			Authority:    ethcrypto.PubkeyToAddress(h.authority.PublicKey),
			Validators:   addrs,
			WrappedAsset: custody.AssetWZEC,
		},
	}
	h.core, h.persist, h.projection = h.newCore()
	return h
}

// newCore builds a fresh core with the harness's configuration.
func (h *harness) newCore() (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	persist := make(chan core.CoreOutput, 1024)
	projection := make(chan core.CoreOutput, 1024)
	c := core.NewDeterministicCore(h.opts, nil, persist, projection, nil, nil, zerolog.Nop())
	require.NoError(h.t, c.RegisterDefinitions(context.Background(), circuitBase))
	return c, persist, projection
}

func (h *harness) meta() event.Meta {
	h.clock += 1_000
	h.keys++
	return event.Meta{Key: fmt.Sprintf("k-%d", h.keys), At: h.clock}
}

func (h *harness) apply(evt event.Event) error {
	return h.core.ProcessEvent(evt)
}

func (h *harness) mustApply(evt event.Event) {
	h.t.Helper()
	require.NoError(h.t, h.apply(evt))
}

func (h *harness) drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

func (h *harness) mint(to common.Address, amount uint64, txByte byte) *event.MintDeposit {
	txid := common.BytesToHash([]byte{txByte})
	evt := &event.MintDeposit{Meta: h.meta(), TxID: txid, Amount: amount, Recipient: to}
	for _, k := range h.validators[:2] {
		sig, err := bridge.SignMint(k, txid, amount, to)
		require.NoError(h.t, err)
		evt.Signatures = append(evt.Signatures, hexutil.Bytes(sig))
	}
	return evt
}

func (h *harness) callback(id uint64, kind computation.Kind, cts []envelope.Ciphertext, nonces []envelope.Nonce) *event.ComputationCallback {
	cb := computation.Callback{
		ID:          id,
		Kind:        kind,
		Offset:      computation.NewDefinition(kind, circuitBase).Offset,
		Ciphertexts: cts,
		Nonces:      nonces,
	}
	require.NoError(h.t, cb.Sign(h.cluster))
	return &event.ComputationCallback{Meta: h.meta(), Callback: cb}
}

func (h *harness) aborted(id uint64, kind computation.Kind) *event.ComputationCallback {
	cb := computation.Callback{
		ID:      id,
		Kind:    kind,
		Offset:  computation.NewDefinition(kind, circuitBase).Offset,
		Aborted: true,
	}
	require.NoError(h.t, cb.Sign(h.cluster))
	return &event.ComputationCallback{Meta: h.meta(), Callback: cb}
}

// fund creates owner's account and puts amount into its escrow.
func (h *harness) fund(owner common.Address, amount uint64, txByte byte) {
	h.t.Helper()
	h.mustApply(&event.CreateAccount{Meta: h.meta(), Owner: owner})
	h.mustApply(h.mint(owner, amount, txByte))
	h.mustApply(&event.DepositCollateral{Meta: h.meta(), Owner: owner, Amount: amount})
}

// encrypt runs a deposit computation so owner holds a non-empty ciphertext.
func (h *harness) encrypt(owner common.Address, id uint64, seed byte) {
	h.t.Helper()
	h.mustApply(&event.QueueDeposit{Meta: h.meta(), ComputationID: id, Owner: owner, Amount: 1})
	h.mustApply(h.callback(id, computation.KindDeposit,
		[]envelope.Ciphertext{{seed}, {1}}, []envelope.Nonce{envelope.NonceFromUint64(uint64(seed))}))
}

func factTypes(outputs []core.CoreOutput) []string {
	var out []string
	for _, o := range outputs {
		for _, f := range o.Facts {
			out = append(out, f.FactType())
		}
	}
	return out
}

// ============================================================================
// Test: sequencing and hash chain
// ============================================================================

func TestProcessEvent_SequenceAndHashChain(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, int64(1), h.core.GetSequence())
	require.Equal(t, core.GenesisHash(), h.core.GetStateHash())

	h.mustApply(&event.CreateAccount{Meta: h.meta(), Owner: alice})
	h.mustApply(&event.CreateAccount{Meta: h.meta(), Owner: bob})

	outputs := h.drain()
	require.Len(t, outputs, 2)
	assert.Equal(t, int64(1), outputs[0].Envelope.Sequence)
	assert.Equal(t, int64(2), outputs[1].Envelope.Sequence)
	assert.Equal(t, core.GenesisHash(), outputs[0].Envelope.PrevHash)
	assert.Equal(t, outputs[0].Envelope.StateHash, outputs[1].Envelope.PrevHash)
	assert.Equal(t, outputs[1].Envelope.StateHash, h.core.GetStateHash())
	assert.Equal(t, []string{"AccountCreated", "AccountCreated"}, factTypes(outputs))
	assert.Len(t, h.projection, 2)
}

func TestProcessEvent_DuplicateKeyIgnored(t *testing.T) {
	h := newHarness(t)
	evt := &event.CreateAccount{Meta: h.meta(), Owner: alice}
	h.mustApply(evt)
	hash := h.core.GetStateHash()

	// same key, different content: still a duplicate
	h.mustApply(&event.CreateAccount{Meta: evt.Meta, Owner: bob})

	assert.Equal(t, int64(2), h.core.GetSequence())
	assert.Equal(t, hash, h.core.GetStateHash())
	_, err := h.core.Account(bob)
	require.ErrorIs(t, err, ledgererr.ErrAccountNotFound)
}

func TestProcessEvent_RejectionLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.mustApply(&event.CreateAccount{Meta: h.meta(), Owner: alice})
	h.drain()
	hash := h.core.GetStateHash()

	err := h.apply(&event.CreateAccount{Meta: h.meta(), Owner: alice})
	require.ErrorIs(t, err, ledgererr.ErrAlreadyExists)
	err = h.apply(&event.DepositCollateral{Meta: h.meta(), Owner: alice, Amount: 10})
	require.ErrorIs(t, err, ledgererr.ErrInsufficientCollateral)

	assert.Equal(t, int64(2), h.core.GetSequence())
	assert.Equal(t, hash, h.core.GetStateHash())
	assert.Empty(t, h.drain())
}

func TestProcessEvent_MissingIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	err := h.apply(&event.CreateAccount{Owner: alice})
	require.ErrorIs(t, err, ledgererr.ErrInvalidArguments)
}

// ============================================================================
// Test: computation lifecycle through the core
// ============================================================================

func TestDepositComputation_EndToEnd(t *testing.T) {
	h := newHarness(t)
	h.fund(alice, 1_000, 1)
	assert.Equal(t, uint64(1_000), h.core.Balance(custody.EscrowKey(alice, custody.AssetWZEC)))

	h.mustApply(&event.QueueDeposit{Meta: h.meta(), ComputationID: 7, Owner: alice, Amount: 1_000})
	req, ok := h.core.Computation(7)
	require.True(t, ok)
	assert.Equal(t, computation.StatusPending, req.Status)

	// a second balance-locking request is refused while 7 is pending
	err := h.apply(&event.QueueHealthCheck{Meta: h.meta(), ComputationID: 8, Owner: alice})
	require.ErrorIs(t, err, ledgererr.ErrAccountBusy)
	require.ErrorIs(t, err, ledgererr.ErrDuplicateRequest)

	newCollateral := envelope.Ciphertext{0xaa}
	nonce := envelope.NonceFromUint64(42)
	h.mustApply(h.callback(7, computation.KindDeposit, []envelope.Ciphertext{newCollateral, {1}}, []envelope.Nonce{nonce}))

	acct, err := h.core.Account(alice)
	require.NoError(t, err)
	assert.Equal(t, newCollateral, acct.EncryptedCollateral)
	assert.Equal(t, nonce, acct.Nonce)

	outputs := h.drain()
	last := outputs[len(outputs)-1]
	require.Len(t, last.Facts, 1)
	done, ok := last.Facts[0].(*event.DepositCompleted)
	require.True(t, ok)
	assert.Equal(t, envelope.Ciphertext{1}, done.SuccessFlag)
	require.Len(t, last.Accounts, 1)
	assert.Equal(t, newCollateral, last.Accounts[0].EncryptedCollateral)
	require.Len(t, last.Computations, 1)
	assert.Equal(t, computation.StatusApplied, last.Computations[0].Status)

	// redelivery under a new idempotency key is refused by the manager
	err = h.apply(h.callback(7, computation.KindDeposit, []envelope.Ciphertext{{0xbb}, {1}}, []envelope.Nonce{nonce}))
	require.ErrorIs(t, err, ledgererr.ErrUnknownOrAlreadyTerminal)
	acct, _ = h.core.Account(alice)
	assert.Equal(t, newCollateral, acct.EncryptedCollateral)
}

func TestDepositComputation_ZeroSuccessFlagAccepted(t *testing.T) {
	h := newHarness(t)
	h.mustApply(&event.CreateAccount{Meta: h.meta(), Owner: alice})
	h.mustApply(&event.QueueDeposit{Meta: h.meta(), ComputationID: 1, Owner: alice, Amount: 5})

	// overflow inside the cluster: unchanged balance re-encrypted, flag zero
	reenc := envelope.Ciphertext{0x5e}
	h.mustApply(h.callback(1, computation.KindDeposit, []envelope.Ciphertext{reenc, {}}, []envelope.Nonce{envelope.NonceFromUint64(9)}))

	acct, _ := h.core.Account(alice)
	assert.Equal(t, reenc, acct.EncryptedCollateral)
}

func TestAbortedCallback_RecordedAndReported(t *testing.T) {
	h := newHarness(t)
	h.mustApply(&event.CreateAccount{Meta: h.meta(), Owner: alice})
	h.mustApply(&event.QueueWithdraw{Meta: h.meta(), ComputationID: 3, Owner: alice, Amount: 5})
	h.drain()
	seq := h.core.GetSequence()

	err := h.apply(h.aborted(3, computation.KindWithdraw))
	require.ErrorIs(t, err, ledgererr.ErrAbortedComputation)

	// the abort is still a logged transition
	assert.Equal(t, seq+1, h.core.GetSequence())
	outputs := h.drain()
	require.Len(t, outputs, 1)
	assert.Equal(t, []string{"ComputationAborted"}, factTypes(outputs))

	req, _ := h.core.Computation(3)
	assert.Equal(t, computation.StatusAborted, req.Status)

	// lock released
	h.mustApply(&event.QueueHealthCheck{Meta: h.meta(), ComputationID: 4, Owner: alice})
}

func TestSettleAbort_LeavesBothAccounts(t *testing.T) {
	h := newHarness(t)
	h.mustApply(&event.CreateAccount{Meta: h.meta(), Owner: alice})
	h.mustApply(&event.CreateAccount{Meta: h.meta(), Owner: bob})
	h.encrypt(alice, 1, 0x11)
	h.encrypt(bob, 2, 0x22)
	a, _ := h.core.Account(alice)
	b, _ := h.core.Account(bob)
	buyerBefore, sellerBefore := a.EncryptedCollateral, b.EncryptedCollateral
	h.drain()

	h.mustApply(&event.SettleTrade{Meta: h.meta(), ComputationID: 10, Buyer: alice, Seller: bob, Price: 50_000_000, Size: 1_500_000})
	outputs := h.drain()
	assert.Equal(t, []string{"ComputationQueued", "TradeExecuted"}, factTypes(outputs))
	trade := outputs[0].Facts[1].(*event.TradeExecuted)
	assert.Equal(t, uint64(75_000_000), trade.Value)

	err := h.apply(h.aborted(10, computation.KindSettleTrade))
	require.ErrorIs(t, err, ledgererr.ErrAbortedComputation)

	a, _ = h.core.Account(alice)
	b, _ = h.core.Account(bob)
	assert.Equal(t, buyerBefore, a.EncryptedCollateral)
	assert.Equal(t, sellerBefore, b.EncryptedCollateral)
}

func TestSettleTrade_ZeroPriceRejected(t *testing.T) {
	h := newHarness(t)
	h.mustApply(&event.CreateAccount{Meta: h.meta(), Owner: alice})
	h.mustApply(&event.CreateAccount{Meta: h.meta(), Owner: bob})

	err := h.apply(&event.SettleTrade{Meta: h.meta(), ComputationID: 1, Buyer: alice, Seller: bob, Price: 0, Size: 1})
	require.ErrorIs(t, err, ledgererr.ErrInvalidAmount)
	_, ok := h.core.Computation(1)
	assert.False(t, ok)
}

func TestSubmitOrder_DoesNotLock(t *testing.T) {
	h := newHarness(t)
	h.mustApply(&event.CreateAccount{Meta: h.meta(), Owner: alice})

	h.mustApply(&event.SubmitOrder{
		Meta: h.meta(), ComputationID: 1, Owner: alice,
		ClientPubKey: make(hexutil.Bytes, 32), Nonce: envelope.NonceFromUint64(1),
		Size: envelope.Ciphertext{1}, Price: envelope.Ciphertext{2}, Side: envelope.Ciphertext{3},
	})
	h.mustApply(&event.QueueHealthCheck{Meta: h.meta(), ComputationID: 2, Owner: alice})

	err := h.apply(&event.SubmitOrder{Meta: h.meta(), ComputationID: 3, Owner: alice, ClientPubKey: hexutil.Bytes{1}})
	require.ErrorIs(t, err, ledgererr.ErrInvalidArguments)
}

// ============================================================================
// Test: escrow withdrawal gating
// ============================================================================

func TestWithdrawCollateral_Gating(t *testing.T) {
	h := newHarness(t)
	h.fund(alice, 100, 1)
	h.encrypt(alice, 1, 0x11)

	h.mustApply(&event.QueueHealthCheck{Meta: h.meta(), ComputationID: 2, Owner: alice})
	err := h.apply(&event.WithdrawCollateral{Meta: h.meta(), Owner: alice, Amount: 10})
	require.ErrorIs(t, err, ledgererr.ErrAccountBusy)

	h.mustApply(h.callback(2, computation.KindHealthCheck, []envelope.Ciphertext{{1}}, nil))
	err = h.apply(&event.WithdrawCollateral{Meta: h.meta(), Owner: alice, Amount: 10})
	require.ErrorIs(t, err, ledgererr.ErrAccountLiquidatable)

	h.mustApply(&event.QueueHealthCheck{Meta: h.meta(), ComputationID: 3, Owner: alice})
	h.mustApply(h.callback(3, computation.KindHealthCheck, []envelope.Ciphertext{{0}}, nil))
	h.mustApply(&event.WithdrawCollateral{Meta: h.meta(), Owner: alice, Amount: 10})
	assert.Equal(t, uint64(90), h.core.Balance(custody.EscrowKey(alice, custody.AssetWZEC)))
	assert.Equal(t, uint64(10), h.core.Balance(custody.WalletKey(alice, custody.AssetWZEC)))

	err = h.apply(&event.WithdrawCollateral{Meta: h.meta(), Owner: alice, Amount: 1_000})
	require.ErrorIs(t, err, ledgererr.ErrInsufficientEscrow)
}

// ============================================================================
// Test: liquidation
// ============================================================================

func TestLiquidation_GatedOnHealthCheck(t *testing.T) {
	h := newHarness(t)
	h.fund(alice, 500, 1)
	h.encrypt(alice, 1, 0x11)

	err := h.apply(&event.Liquidate{Meta: h.meta(), Owner: alice, Liquidator: liquidator})
	require.ErrorIs(t, err, ledgererr.ErrHealthyPosition)

	h.mustApply(&event.QueueHealthCheck{Meta: h.meta(), ComputationID: 2, Owner: alice})
	h.mustApply(h.callback(2, computation.KindHealthCheck, []envelope.Ciphertext{{1}}, nil))
	acct, _ := h.core.Account(alice)
	require.True(t, acct.IsLiquidatable)

	// a request queued against the pre-reset state
	h.mustApply(&event.SubmitOrder{
		Meta: h.meta(), ComputationID: 3, Owner: alice,
		ClientPubKey: make(hexutil.Bytes, 32),
	})

	h.drain()
	h.mustApply(&event.Liquidate{Meta: h.meta(), Owner: alice, Liquidator: liquidator})
	outputs := h.drain()
	require.Len(t, outputs, 1)
	liq := outputs[0].Facts[0].(*event.Liquidated)
	assert.Equal(t, uint64(500), liq.CollateralSeized)
	assert.Equal(t, uint64(500), h.core.Balance(custody.WalletKey(liquidator, custody.AssetWZEC)))
	assert.Zero(t, h.core.Balance(custody.EscrowKey(alice, custody.AssetWZEC)))

	acct, _ = h.core.Account(alice)
	assert.True(t, acct.IsEmpty())
	assert.False(t, acct.IsLiquidatable)

	err = h.apply(&event.Liquidate{Meta: h.meta(), Owner: alice, Liquidator: liquidator})
	require.ErrorIs(t, err, ledgererr.ErrHealthyPosition)

	// the stale order confirmation is finalized without effect
	h.mustApply(h.callback(3, computation.KindOrderSubmit,
		[]envelope.Ciphertext{{1}, {2}, {3}}, []envelope.Nonce{envelope.NonceFromUint64(1)}))
	req, _ := h.core.Computation(3)
	assert.Equal(t, computation.StatusSuperseded, req.Status)
	assert.Equal(t, []string{"ComputationSuperseded"}, factTypes(h.drain()))
}

// ============================================================================
// Test: bridge
// ============================================================================

func TestMintDeposit_ReplayGuard(t *testing.T) {
	h := newHarness(t)
	h.mustApply(h.mint(alice, 100, 9))

	again := h.mint(alice, 100, 9)
	err := h.apply(again)
	require.ErrorIs(t, err, ledgererr.ErrDepositAlreadyProcessed)

	assert.Equal(t, uint64(100), h.core.Balance(custody.WalletKey(alice, custody.AssetWZEC)))
	assert.Equal(t, uint64(1), h.core.BridgeConfig().DepositCount)
	rec, ok := h.core.ProcessedDeposit(common.BytesToHash([]byte{9}))
	require.True(t, ok)
	assert.Equal(t, alice, rec.Recipient)
}

func TestMintDeposit_SingleSignatureRefused(t *testing.T) {
	h := newHarness(t)
	evt := h.mint(alice, 100, 1)
	evt.Signatures = evt.Signatures[:1]

	err := h.apply(evt)
	require.ErrorIs(t, err, ledgererr.ErrInsufficientSignatures)
	_, ok := h.core.ProcessedDeposit(evt.TxID)
	assert.False(t, ok)
}

func TestRequestWithdrawal_Burns(t *testing.T) {
	h := newHarness(t)
	h.mustApply(h.mint(alice, 100, 1))
	h.drain()

	h.mustApply(&event.RequestWithdrawal{Meta: h.meta(), Owner: alice, Amount: 60, Address: "t1ZcashAddress"})
	outputs := h.drain()
	assert.Equal(t, []string{"WithdrawalRequested"}, factTypes(outputs))
	assert.Equal(t, uint64(40), h.core.Balance(custody.WalletKey(alice, custody.AssetWZEC)))
}

func TestRotateValidators(t *testing.T) {
	h := newHarness(t)
	next := [3]common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02"), common.HexToAddress("0x03")}
	sig, err := bridge.SignRotation(h.authority, next)
	require.NoError(t, err)

	h.mustApply(&event.RotateValidators{Meta: h.meta(), Validators: next, Signature: sig})
	assert.Equal(t, next, h.core.BridgeConfig().Validators)

	outputs := h.drain()
	require.Len(t, outputs, 1)
	require.NotNil(t, outputs[0].Bridge)
	assert.Equal(t, next, outputs[0].Bridge.Validators)
}

// ============================================================================
// Test: recovery
// ============================================================================

// scenario drives a mix of every event family and returns the persisted outputs.
func scenario(h *harness) []core.CoreOutput {
	h.fund(alice, 1_000, 1)
	h.fund(bob, 2_000, 2)
	h.encrypt(alice, 1, 0x11)
	h.encrypt(bob, 2, 0x22)
	h.mustApply(&event.SettleTrade{Meta: h.meta(), ComputationID: 3, Buyer: alice, Seller: bob, Price: 2_000_000, Size: 3_000_000})
	h.mustApply(h.callback(3, computation.KindSettleTrade,
		[]envelope.Ciphertext{{0x33}, {0x44}, {1}}, []envelope.Nonce{envelope.NonceFromUint64(5), envelope.NonceFromUint64(6)}))
	h.mustApply(&event.QueueWithdraw{Meta: h.meta(), ComputationID: 4, Owner: bob, Amount: 1})
	_ = h.apply(h.aborted(4, computation.KindWithdraw))
	h.mustApply(&event.QueueHealthCheck{Meta: h.meta(), ComputationID: 5, Owner: alice})
	h.mustApply(h.callback(5, computation.KindHealthCheck, []envelope.Ciphertext{{1}}, nil))
	h.mustApply(&event.Liquidate{Meta: h.meta(), Owner: alice, Liquidator: liquidator})
	h.mustApply(&event.RequestWithdrawal{Meta: h.meta(), Owner: liquidator, Amount: 10, Address: "t1addr"})
	return h.drain()
}

func decode(t *testing.T, env *event.EventEnvelope) event.Event {
	t.Helper()
	evt, ok := event.New(env.EventType)
	require.True(t, ok, "event type %s", env.EventType)
	require.NoError(t, json.Unmarshal(env.Payload, evt))
	return evt
}

func TestReplay_ReproducesHashChain(t *testing.T) {
	h := newHarness(t)
	outputs := scenario(h)
	require.NotEmpty(t, outputs)

	replica, persist, _ := h.newCore()
	replica.BeginReplay()
	for _, o := range outputs {
		require.NoError(t, replica.ReplayEvent(decode(t, o.Envelope), o.Envelope.Sequence, o.Envelope.StateHash))
	}
	replica.EndReplay()

	assert.Equal(t, h.core.GetStateHash(), replica.GetStateHash())
	assert.Equal(t, h.core.GetSequence(), replica.GetSequence())
	assert.Empty(t, persist, "replay must not re-emit")
}

func TestReplay_DetectsTamperedLog(t *testing.T) {
	h := newHarness(t)
	outputs := scenario(h)

	replica, _, _ := h.newCore()
	replica.BeginReplay()
	first := outputs[0].Envelope
	err := replica.ReplayEvent(decode(t, first), first.Sequence, [32]byte{0xde, 0xad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash mismatch")
}

func TestSnapshot_RestoreThenReplayTail(t *testing.T) {
	h := newHarness(t)
	outputs := scenario(h)
	cut := len(outputs) / 2

	// rebuild the state at the cut by replay, then snapshot it
	mid, _, _ := h.newCore()
	mid.BeginReplay()
	for _, o := range outputs[:cut] {
		require.NoError(t, mid.ReplayEvent(decode(t, o.Envelope), o.Envelope.Sequence, o.Envelope.StateHash))
	}
	mid.EndReplay()
	snap := mid.CreateSnapshotState()
	assert.Equal(t, outputs[cut-1].Envelope.Sequence, snap.Sequence)

	restored, _, _ := h.newCore()
	restored.RestoreFromSnapshot(snap)
	restored.WarmLRU(snap.IdempotencyKeys)
	restored.BeginReplay()
	for _, o := range outputs[cut:] {
		require.NoError(t, restored.ReplayEvent(decode(t, o.Envelope), o.Envelope.Sequence, o.Envelope.StateHash))
	}
	restored.EndReplay()

	assert.Equal(t, h.core.GetStateHash(), restored.GetStateHash())

	// warmed keys still dedup after restore
	replayed := decode(t, outputs[0].Envelope)
	seq := restored.GetSequence()
	require.NoError(t, restored.ProcessEvent(replayed))
	assert.Equal(t, seq, restored.GetSequence())
}
