package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"DarkLedger/internal/custody"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceResponse is a holder's plaintext token position. Wallet is the
// freely transferable balance; Escrow backs the encrypted margin account.
type BalanceResponse struct {
	Holder       string `json:"holder"`
	Asset        string `json:"asset"`
	Wallet       int64  `json:"wallet"`
	Escrow       int64  `json:"escrow"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// GetBalance returns holder's wallet and escrow balances of asset.
func (qs *QueryService) GetBalance(ctx context.Context, holder common.Address, asset string) (resp *BalanceResponse, err error) {
	defer qs.observe("get_balance", now(), &err)

	id, ok := custody.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %q", ErrInvalidQuery, asset)
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	wallet, err := qs.getProjectedBalance(ctx, custody.WalletKey(holder, id))
	if err != nil {
		return nil, err
	}
	escrow, err := qs.getProjectedBalance(ctx, custody.EscrowKey(holder, id))
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Holder:       holder.Hex(),
		Asset:        asset,
		Wallet:       wallet,
		Escrow:       escrow,
		AsOfSequence: asOfSeq,
	}, nil
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, key custody.AccountKey) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, key.AccountPath(), int32(key.AssetID)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
