// Package computation tracks confidential computations from queue to
// callback. A request is recorded as pending under a caller-chosen id,
// forwarded to the cluster, and finalized by exactly one authenticated
// callback that either applies its result to the margin ledger or aborts.
package computation

import (
	"context"
	"fmt"
	"sort"

	"DarkLedger/internal/envelope"
	"DarkLedger/internal/ledgererr"
	"DarkLedger/internal/margin"

	"github.com/ethereum/go-ethereum/common"
)

// binding ties an account in a request to the arguments that must carry
// its current stored state.
type binding struct {
	account    int
	nonce      int
	collateral int
	debt       int // -1 when the kind does not read debt
}

type applier func(m *Manager, req *Request, cb *Callback, out *Outcome) error

type kindSpec struct {
	args     []ArgType
	accounts int
	results  int
	nonces   int
	// locks marks kinds that read balances; at most one such request may
	// be pending per account.
	locks    bool
	bindings []binding
	apply    applier
}

var specs = map[Kind]kindSpec{
	KindDeposit: {
		args:     []ArgType{ArgU128, ArgEncU64, ArgU64},
		accounts: 1, results: 2, nonces: 1, locks: true,
		bindings: []binding{{account: 0, nonce: 0, collateral: 1, debt: -1}},
		apply:    applyCollateral,
	},
	KindWithdraw: {
		args:     []ArgType{ArgU128, ArgEncU64, ArgU64},
		accounts: 1, results: 2, nonces: 1, locks: true,
		bindings: []binding{{account: 0, nonce: 0, collateral: 1, debt: -1}},
		apply:    applyCollateral,
	},
	KindSettleTrade: {
		args:     []ArgType{ArgU128, ArgEncU64, ArgU128, ArgEncU64, ArgU64},
		accounts: 2, results: 3, nonces: 2, locks: true,
		bindings: []binding{
			{account: 0, nonce: 0, collateral: 1, debt: -1},
			{account: 1, nonce: 2, collateral: 3, debt: -1},
		},
		apply: applySettle,
	},
	KindHealthCheck: {
		args:     []ArgType{ArgU128, ArgEncU64, ArgEncU64},
		accounts: 1, results: 1, nonces: 0, locks: true,
		bindings: []binding{{account: 0, nonce: 0, collateral: 1, debt: 2}},
		apply:    applyHealth,
	},
	KindOrderSubmit: {
		args:     []ArgType{ArgPubKey, ArgU128, ArgEncU64, ArgEncU64, ArgEncU8},
		accounts: 1, results: 3, nonces: 1,
		apply:    applyOrder,
	},
}

// ArgumentShape returns the argument types kind expects, in order.
func ArgumentShape(kind Kind) []ArgType {
	return append([]ArgType(nil), specs[kind].args...)
}

// Manager is the computation lifecycle manager.
// Not thread-safe: owned by the deterministic core.
type Manager struct {
	ledger        *margin.Ledger
	health        HealthSink
	cluster       Cluster
	clusterSigner common.Address

	definitions map[Kind]Definition
	requests    map[uint64]*Request
	locks       map[common.Address]uint64
}

// NewManager wires a manager over ledger. clusterSigner is the only
// address whose callbacks are accepted.
func NewManager(ledger *margin.Ledger, cluster Cluster, clusterSigner common.Address) *Manager {
	if cluster == nil {
		cluster = DiscardCluster{}
	}
	return &Manager{
		ledger:        ledger,
		cluster:       cluster,
		clusterSigner: clusterSigner,
		definitions:   make(map[Kind]Definition),
		requests:      make(map[uint64]*Request),
		locks:         make(map[common.Address]uint64),
	}
}

// SetHealthSink routes revealed health bits. Without a sink they are
// written straight to the ledger.
func (m *Manager) SetHealthSink(sink HealthSink) {
	m.health = sink
}

// SetCluster swaps the cluster client and returns the previous one.
func (m *Manager) SetCluster(c Cluster) Cluster {
	prev := m.cluster
	m.cluster = c
	return prev
}

func (m *Manager) ClusterSigner() common.Address {
	return m.clusterSigner
}

// RegisterDefinition performs the definition handshake for a kind.
// Registering again always repeats the handshake: a definition recorded
// while replaying went to the discarding cluster and must still reach
// the live one.
func (m *Manager) RegisterDefinition(ctx context.Context, def Definition) error {
	if _, ok := specs[def.Kind]; !ok {
		return fmt.Errorf("%w: kind %d", ledgererr.ErrInvalidArguments, def.Kind)
	}
	if def.Offset != DefinitionOffset(def.Circuit) {
		return fmt.Errorf("%w: offset %d does not match circuit %q", ledgererr.ErrInvalidArguments, def.Offset, def.Circuit)
	}
	if err := m.cluster.RegisterDefinition(ctx, def); err != nil {
		return fmt.Errorf("register %s definition: %w", def.Kind, err)
	}
	m.definitions[def.Kind] = def
	return nil
}

func (m *Manager) Definition(kind Kind) (Definition, bool) {
	def, ok := m.definitions[kind]
	return def, ok
}

// Queue records a new pending request and forwards it to the cluster.
// On any failure nothing is recorded.
func (m *Manager) Queue(ctx context.Context, qr QueueRequest) (Request, error) {
	spec, ok := specs[qr.Kind]
	if !ok {
		return Request{}, fmt.Errorf("%w: unknown kind %d", ledgererr.ErrInvalidArguments, qr.Kind)
	}
	if _, ok := m.definitions[qr.Kind]; !ok {
		return Request{}, fmt.Errorf("%w: %s definition not registered", ledgererr.ErrInvalidArguments, qr.Kind)
	}
	if existing, ok := m.requests[qr.ID]; ok {
		return Request{}, fmt.Errorf("%w: id %d is %s", ledgererr.ErrDuplicateRequest, qr.ID, existing.Status)
	}
	if err := checkShape(qr.Kind, spec.args, qr.Arguments); err != nil {
		return Request{}, err
	}
	if len(qr.Accounts) != spec.accounts {
		return Request{}, fmt.Errorf("%w: %s names %d accounts, want %d", ledgererr.ErrInvalidArguments, qr.Kind, len(qr.Accounts), spec.accounts)
	}

	epochs := make([]uint64, len(qr.Accounts))
	seen := make(map[common.Address]struct{}, len(qr.Accounts))
	for i, owner := range qr.Accounts {
		if _, dup := seen[owner]; dup {
			return Request{}, fmt.Errorf("%w: account %s named twice", ledgererr.ErrInvalidArguments, owner.Hex())
		}
		seen[owner] = struct{}{}
		acct, err := m.ledger.Read(owner)
		if err != nil {
			return Request{}, err
		}
		epochs[i] = acct.ResetEpoch
		if spec.locks {
			if pending, busy := m.locks[owner]; busy {
				return Request{}, fmt.Errorf("%w: %s locked by computation %d", ledgererr.ErrAccountBusy, owner.Hex(), pending)
			}
		}
	}

	for _, b := range spec.bindings {
		acct, _ := m.ledger.Read(qr.Accounts[b.account])
		if err := checkFresh(acct, qr.Arguments, b); err != nil {
			return Request{}, err
		}
	}

	req := &Request{
		ID:        qr.ID,
		Kind:      qr.Kind,
		Accounts:  append([]common.Address(nil), qr.Accounts...),
		Epochs:    epochs,
		Arguments: append([]Argument(nil), qr.Arguments...),
		IssuedAt:  qr.IssuedAt,
		Status:    StatusPending,
	}

	if err := m.cluster.QueueComputation(ctx, req.clone()); err != nil {
		return Request{}, fmt.Errorf("queue %s computation %d: %w", qr.Kind, qr.ID, err)
	}

	m.requests[req.ID] = req
	if spec.locks {
		for _, owner := range req.Accounts {
			m.locks[owner] = req.ID
		}
	}
	return req.clone(), nil
}

func checkFresh(acct margin.Account, args []Argument, b binding) error {
	if args[b.nonce].Nonce != acct.Nonce {
		return fmt.Errorf("%w: stale nonce for %s", ledgererr.ErrInvalidArguments, acct.Owner.Hex())
	}
	if args[b.collateral].Ciphertext != acct.EncryptedCollateral {
		return fmt.Errorf("%w: stale collateral for %s", ledgererr.ErrInvalidArguments, acct.Owner.Hex())
	}
	if b.debt >= 0 && args[b.debt].Ciphertext != acct.EncryptedDebt {
		return fmt.Errorf("%w: stale debt for %s", ledgererr.ErrInvalidArguments, acct.Owner.Hex())
	}
	return nil
}

// OnCallback finalizes a pending request. Exactly one callback per id is
// accepted; every later delivery fails with UnknownOrAlreadyTerminal.
//
// An aborted outcome is terminal and returns the Outcome together with
// ErrAbortedComputation: the request is closed and its locks released,
// but no ledger state changes.
func (m *Manager) OnCallback(cb *Callback) (Outcome, error) {
	signer, err := cb.Signer()
	if err != nil {
		return Outcome{}, err
	}
	if signer != m.clusterSigner {
		return Outcome{}, fmt.Errorf("%w: signed by %s", ledgererr.ErrUnauthenticatedCallback, signer.Hex())
	}
	def, ok := m.definitions[cb.Kind]
	if !ok || def.Offset != cb.Offset {
		return Outcome{}, fmt.Errorf("%w: offset %d is not the %s definition", ledgererr.ErrUnauthenticatedCallback, cb.Offset, cb.Kind)
	}

	req, ok := m.requests[cb.ID]
	if !ok || req.Kind != cb.Kind || req.Status.Terminal() {
		return Outcome{}, fmt.Errorf("%w: %s computation %d", ledgererr.ErrUnknownOrAlreadyTerminal, cb.Kind, cb.ID)
	}

	if cb.Aborted {
		m.finish(req, StatusAborted)
		return Outcome{Request: req.clone()}, fmt.Errorf("%w: %s computation %d", ledgererr.ErrAbortedComputation, cb.Kind, cb.ID)
	}

	spec := specs[req.Kind]
	if len(cb.Ciphertexts) != spec.results || len(cb.Nonces) != spec.nonces {
		return Outcome{}, fmt.Errorf("%w: %s result has %d ciphertexts and %d nonces, want %d and %d",
			ledgererr.ErrInvalidArguments, req.Kind, len(cb.Ciphertexts), len(cb.Nonces), spec.results, spec.nonces)
	}

	out := Outcome{
		Results: append([]envelope.Ciphertext(nil), cb.Ciphertexts...),
		Nonces:  append([]envelope.Nonce(nil), cb.Nonces...),
	}

	if m.superseded(req) {
		m.finish(req, StatusSuperseded)
		out.Request = req.clone()
		return out, nil
	}

	if err := spec.apply(m, req, cb, &out); err != nil {
		return Outcome{}, err
	}
	m.finish(req, StatusApplied)
	out.Request = req.clone()
	return out, nil
}

// superseded reports whether the accounts req was built against no longer
// exist in that form: a liquidation reset happened since queueing, or a
// health check targets an account with nothing encrypted in it.
func (m *Manager) superseded(req *Request) bool {
	for i, owner := range req.Accounts {
		acct, err := m.ledger.Read(owner)
		if err != nil {
			return true
		}
		if acct.ResetEpoch != req.Epochs[i] {
			return true
		}
		if req.Kind == KindHealthCheck && acct.IsEmpty() {
			return true
		}
	}
	return false
}

func (m *Manager) finish(req *Request, status Status) {
	req.Status = status
	// terminal requests keep only what ids and queries need
	req.Arguments = nil
	for _, owner := range req.Accounts {
		if m.locks[owner] == req.ID {
			delete(m.locks, owner)
		}
	}
}

func applyCollateral(m *Manager, req *Request, cb *Callback, out *Outcome) error {
	owner := req.Accounts[0]
	upd := margin.BalanceUpdate{Collateral: &cb.Ciphertexts[0], Nonce: cb.Nonces[0]}
	if _, err := m.ledger.ApplyBalanceUpdate(owner, upd); err != nil {
		return err
	}
	flag := cb.Ciphertexts[1]
	out.SuccessFlag = &flag
	out.Touched = []common.Address{owner}
	return nil
}

// applySettle updates buyer and seller together or not at all.
func applySettle(m *Manager, req *Request, cb *Callback, out *Outcome) error {
	buyer, seller := req.Accounts[0], req.Accounts[1]
	buyerUpd := margin.BalanceUpdate{Collateral: &cb.Ciphertexts[0], Nonce: cb.Nonces[0]}
	sellerUpd := margin.BalanceUpdate{Collateral: &cb.Ciphertexts[1], Nonce: cb.Nonces[1]}

	if err := m.ledger.CheckBalanceUpdate(buyer, buyerUpd); err != nil {
		return fmt.Errorf("buyer: %w", err)
	}
	if err := m.ledger.CheckBalanceUpdate(seller, sellerUpd); err != nil {
		return fmt.Errorf("seller: %w", err)
	}
	if _, err := m.ledger.ApplyBalanceUpdate(buyer, buyerUpd); err != nil {
		panic(fmt.Sprintf("FATAL: buyer update failed after check: %v", err))
	}
	if _, err := m.ledger.ApplyBalanceUpdate(seller, sellerUpd); err != nil {
		panic(fmt.Sprintf("FATAL: seller update failed after check: %v", err))
	}

	flag := cb.Ciphertexts[2]
	out.SuccessFlag = &flag
	out.Touched = []common.Address{buyer, seller}
	return nil
}

// applyHealth publishes the single revealed bit.
func applyHealth(m *Manager, req *Request, cb *Callback, out *Outcome) error {
	owner := req.Accounts[0]
	liquidatable := cb.Ciphertexts[0][0] != 0

	var err error
	if m.health != nil {
		err = m.health.ApplyHealthCheck(owner, liquidatable)
	} else {
		_, err = m.ledger.SetLiquidatable(owner, liquidatable)
	}
	if err != nil {
		return err
	}
	out.Liquidatable = &liquidatable
	out.Touched = []common.Address{owner}
	return nil
}

func applyOrder(*Manager, *Request, *Callback, *Outcome) error {
	return nil
}

// Get returns a copy of the request with id.
func (m *Manager) Get(id uint64) (Request, bool) {
	req, ok := m.requests[id]
	if !ok {
		return Request{}, false
	}
	return req.clone(), true
}

// HasPending reports whether owner is locked by a pending request.
func (m *Manager) HasPending(owner common.Address) bool {
	_, ok := m.locks[owner]
	return ok
}

func (m *Manager) PendingCount() int {
	n := 0
	for _, r := range m.requests {
		if r.Status == StatusPending {
			n++
		}
	}
	return n
}

// Snapshot returns every request sorted by id.
func (m *Manager) Snapshot() []Request {
	out := make([]Request, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces all requests and rebuilds the account locks.
func (m *Manager) Restore(reqs []Request) {
	m.requests = make(map[uint64]*Request, len(reqs))
	m.locks = make(map[common.Address]uint64)
	for i := range reqs {
		r := reqs[i].clone()
		m.requests[r.ID] = &r
		if r.Status == StatusPending && specs[r.Kind].locks {
			for _, owner := range r.Accounts {
				m.locks[owner] = r.ID
			}
		}
	}
}
