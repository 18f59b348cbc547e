// Package margin holds the per-owner encrypted margin accounts. Balances
// are opaque ciphertexts: this package never sees a plaintext value. The
// only public balance-derived fact is the liquidatable flag.
package margin

import (
	"bytes"
	"fmt"
	"sort"

	"DarkLedger/internal/envelope"
	"DarkLedger/internal/ledgererr"

	"github.com/ethereum/go-ethereum/common"
)

// Account is one owner's margin record.
type Account struct {
	Owner               common.Address      `json:"owner"`
	EncryptedCollateral envelope.Ciphertext `json:"encrypted_collateral"`
	EncryptedDebt       envelope.Ciphertext `json:"encrypted_debt"`
	Nonce               envelope.Nonce      `json:"nonce"`
	IsLiquidatable      bool                `json:"is_liquidatable"`
	// ResetEpoch counts liquidation resets. Requests queued under an older
	// epoch are stale.
	ResetEpoch uint64 `json:"reset_epoch"`
	Version    uint64 `json:"version"`
}

// IsEmpty reports whether both ciphertexts are the reset sentinel.
func (a Account) IsEmpty() bool {
	return a.EncryptedCollateral.IsZero() && a.EncryptedDebt.IsZero()
}

// BalanceUpdate carries callback results. A nil field leaves that
// ciphertext unchanged.
type BalanceUpdate struct {
	Collateral *envelope.Ciphertext
	Debt       *envelope.Ciphertext
	Nonce      envelope.Nonce
}

// Ledger is the margin account store.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type Ledger struct {
	accounts map[common.Address]*Account
}

func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[common.Address]*Account)}
}

// Create opens a zeroed account for owner.
func (l *Ledger) Create(owner common.Address) (Account, error) {
	if owner == (common.Address{}) {
		return Account{}, fmt.Errorf("%w: zero owner", ledgererr.ErrInvalidArguments)
	}
	if _, ok := l.accounts[owner]; ok {
		return Account{}, fmt.Errorf("%w: margin account %s", ledgererr.ErrAlreadyExists, owner.Hex())
	}
	acct := &Account{Owner: owner, Version: 1}
	l.accounts[owner] = acct
	return *acct, nil
}

// Read returns a copy of owner's account.
func (l *Ledger) Read(owner common.Address) (Account, error) {
	acct, ok := l.accounts[owner]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ledgererr.ErrAccountNotFound, owner.Hex())
	}
	return *acct, nil
}

func (l *Ledger) Exists(owner common.Address) bool {
	_, ok := l.accounts[owner]
	return ok
}

// CheckBalanceUpdate validates upd against owner's current state without
// applying it.
func (l *Ledger) CheckBalanceUpdate(owner common.Address, upd BalanceUpdate) error {
	acct, ok := l.accounts[owner]
	if !ok {
		return fmt.Errorf("%w: %s", ledgererr.ErrAccountNotFound, owner.Hex())
	}
	if upd.Collateral == nil && upd.Debt == nil {
		return fmt.Errorf("%w: balance update carries no ciphertext", ledgererr.ErrInvalidArguments)
	}
	if upd.Nonce == acct.Nonce {
		return nil
	}
	// A new nonce must re-encrypt every non-empty field.
	if upd.Collateral == nil && !acct.EncryptedCollateral.IsZero() {
		return fmt.Errorf("%w: nonce change would leave collateral under stale nonce", ledgererr.ErrInvalidArguments)
	}
	if upd.Debt == nil && !acct.EncryptedDebt.IsZero() {
		return fmt.Errorf("%w: nonce change would leave debt under stale nonce", ledgererr.ErrInvalidArguments)
	}
	return nil
}

// ApplyBalanceUpdate writes ciphertexts and nonce together. This is the
// only path that changes ciphertext fields outside Reset.
func (l *Ledger) ApplyBalanceUpdate(owner common.Address, upd BalanceUpdate) (Account, error) {
	if err := l.CheckBalanceUpdate(owner, upd); err != nil {
		return Account{}, err
	}
	acct := l.accounts[owner]
	if upd.Collateral != nil {
		acct.EncryptedCollateral = *upd.Collateral
	}
	if upd.Debt != nil {
		acct.EncryptedDebt = *upd.Debt
	}
	acct.Nonce = upd.Nonce
	acct.Version++
	return *acct, nil
}

func (l *Ledger) SetLiquidatable(owner common.Address, liquidatable bool) (Account, error) {
	acct, ok := l.accounts[owner]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ledgererr.ErrAccountNotFound, owner.Hex())
	}
	if acct.IsLiquidatable != liquidatable {
		acct.IsLiquidatable = liquidatable
		acct.Version++
	}
	return *acct, nil
}

// Reset zeroes the account in place after liquidation.
func (l *Ledger) Reset(owner common.Address) (Account, error) {
	acct, ok := l.accounts[owner]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ledgererr.ErrAccountNotFound, owner.Hex())
	}
	acct.EncryptedCollateral = envelope.Ciphertext{}
	acct.EncryptedDebt = envelope.Ciphertext{}
	acct.Nonce = envelope.Nonce{}
	acct.IsLiquidatable = false
	acct.ResetEpoch++
	acct.Version++
	return *acct, nil
}

// All returns every account sorted by owner.
func (l *Ledger) All() []Account {
	out := make([]Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Owner[:], out[j].Owner[:]) < 0
	})
	return out
}

func (l *Ledger) Count() int {
	return len(l.accounts)
}

// Restore replaces the ledger contents (snapshot recovery).
func (l *Ledger) Restore(accounts []Account) {
	l.accounts = make(map[common.Address]*Account, len(accounts))
	for i := range accounts {
		a := accounts[i]
		l.accounts[a.Owner] = &a
	}
}
