package custody

import (
	"fmt"
	stdmath "math"

	"DarkLedger/internal/ledgererr"

	"github.com/ethereum/go-ethereum/common"
)

// Vault is the token custody primitive: plaintext debit/credit between
// wallets and escrows, plus authority-gated mint and burn. Every operation
// validates completely before touching a balance, so a failure leaves the
// tracker unchanged. The returned batch has already been applied.
//
// Not thread-safe: owned by the deterministic core.
type Vault struct {
	tracker       *BalanceTracker
	mintAuthority map[AssetID]common.Address
}

func NewVault() *Vault {
	return &Vault{
		tracker:       NewBalanceTracker(),
		mintAuthority: make(map[AssetID]common.Address),
	}
}

// SetMintAuthority configures who may mint asset.
func (v *Vault) SetMintAuthority(asset AssetID, authority common.Address) {
	v.mintAuthority[asset] = authority
}

// MintAuthority returns the configured mint authority for asset.
func (v *Vault) MintAuthority(asset AssetID) (common.Address, bool) {
	a, ok := v.mintAuthority[asset]
	return a, ok
}

// Tracker exposes the underlying balances for hashing and snapshots.
func (v *Vault) Tracker() *BalanceTracker {
	return v.tracker
}

// Balance returns the plaintext balance of a holder account. System
// accounts report 0 here; use Supply for issuance.
func (v *Vault) Balance(key AccountKey) uint64 {
	b := v.tracker.GetBalance(key)
	if b < 0 || key.Scope == ScopeSystem {
		return 0
	}
	return uint64(b)
}

// Supply returns the circulating supply of asset.
func (v *Vault) Supply(asset AssetID) uint64 {
	return uint64(-v.tracker.GetBalance(IssuanceKey(asset)))
}

// Transfer moves amount from one holder account to another.
func (v *Vault) Transfer(from, to AccountKey, amount uint64, jt JournalType, ref Ref) (*Batch, error) {
	if from.AssetID != to.AssetID {
		return nil, fmt.Errorf("%w: transfer between assets", ledgererr.ErrInvalidArguments)
	}
	if from == to {
		return nil, fmt.Errorf("%w: transfer to self", ledgererr.ErrInvalidArguments)
	}
	amt, err := v.checkAmount(amount)
	if err != nil {
		return nil, err
	}
	if err := v.checkDebit(from, amt); err != nil {
		return nil, err
	}
	if err := v.checkCredit(to, amt); err != nil {
		return nil, err
	}

	batch := newBatch(ref)
	batch.add(to, from, amt, jt)
	return batch, v.apply(batch)
}

// CheckMint reports whether Mint would succeed, without applying it.
func (v *Vault) CheckMint(authority, recipient common.Address, asset AssetID, amount uint64) error {
	configured, ok := v.mintAuthority[asset]
	if !ok || configured != authority {
		return fmt.Errorf("%w: %s is not the mint authority", ledgererr.ErrUnauthorized, authority.Hex())
	}
	amt, err := v.checkAmount(amount)
	if err != nil {
		return err
	}
	if err := v.checkCredit(WalletKey(recipient, asset), amt); err != nil {
		return err
	}
	// issuance goes negative by the minted amount
	if v.tracker.GetBalance(IssuanceKey(asset)) < stdmath.MinInt64+amt {
		return fmt.Errorf("%w: supply of asset %d", ledgererr.ErrMathOverflow, asset)
	}
	return nil
}

// Mint credits newly issued tokens to recipient's wallet.
func (v *Vault) Mint(authority, recipient common.Address, asset AssetID, amount uint64, ref Ref) (*Batch, error) {
	if err := v.CheckMint(authority, recipient, asset, amount); err != nil {
		return nil, err
	}
	batch := newBatch(ref)
	batch.add(WalletKey(recipient, asset), IssuanceKey(asset), int64(amount), JournalTypeMint)
	return batch, v.apply(batch)
}

// Burn destroys amount from owner's wallet.
func (v *Vault) Burn(owner common.Address, asset AssetID, amount uint64, ref Ref) (*Batch, error) {
	amt, err := v.checkAmount(amount)
	if err != nil {
		return nil, err
	}
	wallet := WalletKey(owner, asset)
	if err := v.checkDebit(wallet, amt); err != nil {
		return nil, err
	}
	batch := newBatch(ref)
	batch.add(IssuanceKey(asset), wallet, amt, JournalTypeBurn)
	return batch, v.apply(batch)
}

// Restore replaces all balances (snapshot recovery).
func (v *Vault) Restore(balances map[AccountKey]int64) {
	v.tracker = NewBalanceTracker()
	for k, b := range balances {
		v.tracker.SetBalance(k, b)
	}
}

func (v *Vault) checkAmount(amount uint64) (int64, error) {
	if amount == 0 {
		return 0, ledgererr.ErrInvalidAmount
	}
	if amount > stdmath.MaxInt64 {
		return 0, fmt.Errorf("%w: amount %d", ledgererr.ErrMathOverflow, amount)
	}
	return int64(amount), nil
}

func (v *Vault) checkDebit(key AccountKey, amt int64) error {
	if key.Scope == ScopeSystem {
		return fmt.Errorf("%w: system account", ledgererr.ErrInvalidArguments)
	}
	if v.tracker.GetBalance(key) < amt {
		if key.Scope == ScopeEscrow {
			return fmt.Errorf("%w: %s", ledgererr.ErrInsufficientEscrow, key.AccountPath())
		}
		return fmt.Errorf("%w: %s", ledgererr.ErrInsufficientCollateral, key.AccountPath())
	}
	return nil
}

func (v *Vault) checkCredit(key AccountKey, amt int64) error {
	if v.tracker.GetBalance(key) > stdmath.MaxInt64-amt {
		return fmt.Errorf("%w: %s", ledgererr.ErrMathOverflow, key.AccountPath())
	}
	return nil
}

// apply should never fail after the checks above; a failure means the
// vault itself is corrupt.
func (v *Vault) apply(batch *Batch) error {
	if err := v.tracker.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: custody batch rejected after validation: %v", err))
	}
	return nil
}
