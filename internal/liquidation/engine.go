// Package liquidation owns the liquidatable flag state machine:
//
//	Healthy -> (health check reveals true) -> Liquidatable -> (Liquidate) -> Healthy (reset)
//
// Liquidation is all-or-nothing. The encrypted logical balance cannot be
// read, so the engine seizes whatever is physically held in escrow.
package liquidation

import (
	"fmt"

	"DarkLedger/internal/custody"
	"DarkLedger/internal/event"
	"DarkLedger/internal/ledgererr"
	"DarkLedger/internal/margin"

	"github.com/ethereum/go-ethereum/common"
)

// Engine is not thread-safe: owned by the deterministic core.
type Engine struct {
	ledger *margin.Ledger
	vault  *custody.Vault
	asset  custody.AssetID
}

// NewEngine seizes collateral of asset from escrow.
func NewEngine(ledger *margin.Ledger, vault *custody.Vault, asset custody.AssetID) *Engine {
	return &Engine{ledger: ledger, vault: vault, asset: asset}
}

// ApplyHealthCheck records the revealed bit. A later healthy result clears
// a previously set flag.
func (e *Engine) ApplyHealthCheck(owner common.Address, liquidatable bool) error {
	_, err := e.ledger.SetLiquidatable(owner, liquidatable)
	return err
}

// Liquidate transfers the owner's entire escrow to the liquidator's
// wallet and resets the margin account. Anyone may liquidate a flagged
// account.
func (e *Engine) Liquidate(owner, liquidator common.Address, ref custody.Ref) (*event.Liquidated, *custody.Batch, error) {
	acct, err := e.ledger.Read(owner)
	if err != nil {
		return nil, nil, err
	}
	if !acct.IsLiquidatable {
		return nil, nil, fmt.Errorf("%w: %s", ledgererr.ErrHealthyPosition, owner.Hex())
	}
	if liquidator == (common.Address{}) {
		return nil, nil, fmt.Errorf("%w: zero liquidator", ledgererr.ErrInvalidArguments)
	}

	escrow := custody.EscrowKey(owner, e.asset)
	seized := e.vault.Balance(escrow)
	if seized == 0 {
		return nil, nil, fmt.Errorf("%w: escrow of %s is empty", ledgererr.ErrInvalidAmount, owner.Hex())
	}

	batch, err := e.vault.Transfer(escrow, custody.WalletKey(liquidator, e.asset), seized, custody.JournalTypeLiquidationSeizure, ref)
	if err != nil {
		return nil, nil, err
	}
	if _, err := e.ledger.Reset(owner); err != nil {
		panic(fmt.Sprintf("FATAL: reset after seizure failed: %v", err))
	}

	return &event.Liquidated{
		Liquidator:       liquidator,
		Owner:            owner,
		CollateralSeized: seized,
		Timestamp:        ref.Timestamp,
	}, batch, nil
}
