// Package bridge mints a wrapped asset for deposits observed on an
// external chain, under a 2-of-3 validator multisignature, and burns it
// for withdrawals back out.
package bridge

import (
	"fmt"
	stdmath "math"

	"DarkLedger/internal/custody"
	"DarkLedger/internal/event"
	"DarkLedger/internal/ledgererr"

	"github.com/ethereum/go-ethereum/common"
)

// MaxAddressLength bounds external withdrawal addresses.
const MaxAddressLength = 256

// Gate is not thread-safe: owned by the deterministic core.
type Gate struct {
	cfg   Config
	guard ReplayGuard
	vault *custody.Vault
}

// NewGate installs the gate as mint authority of the wrapped asset.
func NewGate(cfg Config, guard ReplayGuard, vault *custody.Vault) *Gate {
	vault.SetMintAuthority(cfg.WrappedAsset, MintAuthority)
	return &Gate{cfg: cfg, guard: guard, vault: vault}
}

func (g *Gate) Config() Config {
	return g.cfg
}

// RestoreConfig replaces the mutable config (snapshot recovery).
func (g *Gate) RestoreConfig(cfg Config) {
	g.cfg = cfg
	g.vault.SetMintAuthority(cfg.WrappedAsset, MintAuthority)
}

// CountValidSigners returns how many distinct configured validators
// signed the deposit.
func (g *Gate) CountValidSigners(txid common.Hash, amount uint64, recipient common.Address, sigs [][]byte) int {
	digest := MintDigest(txid, amount, recipient)
	signed := make(map[common.Address]struct{}, len(sigs))
	for _, sig := range sigs {
		signer, ok := recoverSigner(digest, sig)
		if !ok || !g.cfg.IsValidator(signer) {
			continue
		}
		signed[signer] = struct{}{}
	}
	return len(signed)
}

// MintOnDeposit mints amount of the wrapped asset to recipient for the
// external deposit txid. The replay record is created before the mint so
// a deposit can never be minted twice.
func (g *Gate) MintOnDeposit(txid common.Hash, amount uint64, recipient common.Address, sigs [][]byte, ref custody.Ref) (*event.DepositProcessed, *custody.Batch, error) {
	if amount == 0 {
		return nil, nil, ledgererr.ErrInvalidAmount
	}
	// replay is reported regardless of how well the retry is signed
	if g.guard.Exists(txid) {
		return nil, nil, fmt.Errorf("%w: %s", ledgererr.ErrDepositAlreadyProcessed, txid.Hex())
	}
	if n := g.CountValidSigners(txid, amount, recipient, sigs); n < Threshold {
		return nil, nil, fmt.Errorf("%w: %d of %d", ledgererr.ErrInsufficientSignatures, n, Threshold)
	}
	if recipient == (common.Address{}) {
		return nil, nil, fmt.Errorf("%w: zero recipient", ledgererr.ErrInvalidAddress)
	}
	if err := g.vault.CheckMint(MintAuthority, recipient, g.cfg.WrappedAsset, amount); err != nil {
		return nil, nil, err
	}
	if g.cfg.DepositCount == stdmath.MaxUint64 {
		return nil, nil, fmt.Errorf("%w: deposit count", ledgererr.ErrMathOverflow)
	}

	if err := g.guard.Create(ProcessedDeposit{TxID: txid, Recipient: recipient, Amount: amount, Timestamp: ref.Timestamp}); err != nil {
		return nil, nil, err
	}
	batch, err := g.vault.Mint(MintAuthority, recipient, g.cfg.WrappedAsset, amount, ref)
	if err != nil {
		panic(fmt.Sprintf("FATAL: mint failed after check for %s: %v", txid.Hex(), err))
	}
	g.cfg.DepositCount++

	return &event.DepositProcessed{
		TxID:         txid,
		Recipient:    recipient,
		Amount:       amount,
		DepositCount: g.cfg.DepositCount,
		Timestamp:    ref.Timestamp,
	}, batch, nil
}

// RequestWithdrawal burns the caller's wrapped tokens and announces the
// external payout address. Completion is not tracked here.
func (g *Gate) RequestWithdrawal(owner common.Address, amount uint64, address string, ref custody.Ref) (*event.WithdrawalRequested, *custody.Batch, error) {
	if amount == 0 {
		return nil, nil, ledgererr.ErrInvalidAmount
	}
	if len(address) == 0 || len(address) > MaxAddressLength {
		return nil, nil, fmt.Errorf("%w: length %d", ledgererr.ErrInvalidAddress, len(address))
	}
	batch, err := g.vault.Burn(owner, g.cfg.WrappedAsset, amount, ref)
	if err != nil {
		return nil, nil, err
	}
	return &event.WithdrawalRequested{
		User:      owner,
		Amount:    amount,
		Address:   address,
		Timestamp: ref.Timestamp,
	}, batch, nil
}

// RotateValidators replaces the validator set. sig must be the
// authority's signature over the new set.
func (g *Gate) RotateValidators(validators [3]common.Address, sig []byte, ts int64) (*event.ValidatorsRotated, error) {
	signer, ok := recoverSigner(RotationDigest(validators), sig)
	if !ok || signer != g.cfg.Authority {
		return nil, fmt.Errorf("%w: rotation not signed by bridge authority", ledgererr.ErrUnauthorized)
	}
	if err := ValidateValidatorSet(validators); err != nil {
		return nil, err
	}
	g.cfg.Validators = validators
	return &event.ValidatorsRotated{Validators: validators, Timestamp: ts}, nil
}
