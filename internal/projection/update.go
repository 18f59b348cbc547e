package projection

import (
	"sort"

	"DarkLedger/internal/computation"
	"DarkLedger/internal/core"
	"DarkLedger/internal/event"
)

// Trade statuses as stored in projections.trades.
const (
	TradePending    = "pending"
	TradeSettled    = "settled"
	TradeAborted    = "aborted"
	TradeSuperseded = "superseded"
)

// BalanceDelta is the net change to one custody account.
type BalanceDelta struct {
	AccountPath string
	AssetID     uint16
	Delta       int64
}

type AccountRow struct {
	Owner        string
	Collateral   string
	Debt         string
	Nonce        string
	Liquidatable bool
	ResetEpoch   uint64
	Version      uint64
}

type ComputationRow struct {
	ID       uint64
	Kind     string
	Status   string
	Accounts []string
	Epochs   []int64
	IssuedAt int64
}

type TradeRow struct {
	ComputationID uint64
	Buyer         string
	Seller        string
	Price         uint64
	Size          uint64
	Value         uint64
	Timestamp     int64
}

type TradeStatus struct {
	ComputationID uint64
	Status        string
}

type LiquidationRow struct {
	Owner      string
	Liquidator string
	Seized     uint64
	Timestamp  int64
}

type BridgeRow struct {
	Authority    string
	Validators   []string
	WrappedAsset uint16
	DepositCount uint64
}

// Update is every projection change one core output causes.
type Update struct {
	Sequence      int64
	Balances      []BalanceDelta
	Accounts      []AccountRow
	Computations  []ComputationRow
	Trades        []TradeRow
	TradeStatuses []TradeStatus
	Liquidations  []LiquidationRow
	Bridge        *BridgeRow
}

// BuildUpdate derives projection rows from a core output.
func BuildUpdate(out core.CoreOutput) Update {
	u := Update{Sequence: out.Envelope.Sequence}

	if out.Batch != nil {
		type key struct {
			path  string
			asset uint16
		}
		net := make(map[key]int64)
		for _, j := range out.Batch.Journals {
			// the debit side of an entry is the one whose balance grows
			net[key{j.DebitAccount.AccountPath(), uint16(j.AssetID)}] += j.Amount
			net[key{j.CreditAccount.AccountPath(), uint16(j.AssetID)}] -= j.Amount
		}
		for k, d := range net {
			if d != 0 {
				u.Balances = append(u.Balances, BalanceDelta{AccountPath: k.path, AssetID: k.asset, Delta: d})
			}
		}
		// fixed row order keeps concurrent rebuilds from deadlocking
		sort.Slice(u.Balances, func(i, j int) bool { return u.Balances[i].AccountPath < u.Balances[j].AccountPath })
	}

	for _, a := range out.Accounts {
		u.Accounts = append(u.Accounts, AccountRow{
			Owner:        a.Owner.Hex(),
			Collateral:   a.EncryptedCollateral.String(),
			Debt:         a.EncryptedDebt.String(),
			Nonce:        a.Nonce.String(),
			Liquidatable: a.IsLiquidatable,
			ResetEpoch:   a.ResetEpoch,
			Version:      a.Version,
		})
	}

	for _, r := range out.Computations {
		row := ComputationRow{
			ID:       r.ID,
			Kind:     r.Kind.String(),
			Status:   r.Status.String(),
			IssuedAt: r.IssuedAt,
		}
		for _, a := range r.Accounts {
			row.Accounts = append(row.Accounts, a.Hex())
		}
		for _, e := range r.Epochs {
			row.Epochs = append(row.Epochs, int64(e))
		}
		u.Computations = append(u.Computations, row)
	}

	for _, f := range out.Facts {
		switch f := f.(type) {
		case *event.TradeExecuted:
			u.Trades = append(u.Trades, TradeRow{
				ComputationID: f.ComputationID,
				Buyer:         f.Buyer.Hex(),
				Seller:        f.Seller.Hex(),
				Price:         f.Price,
				Size:          f.Size,
				Value:         f.Value,
				Timestamp:     f.Timestamp,
			})
		case *event.SettleCompleted:
			u.TradeStatuses = append(u.TradeStatuses, TradeStatus{f.ID, TradeSettled})
		case *event.ComputationAborted:
			if f.Kind == computation.KindSettleTrade {
				u.TradeStatuses = append(u.TradeStatuses, TradeStatus{f.ID, TradeAborted})
			}
		case *event.ComputationSuperseded:
			if f.Kind == computation.KindSettleTrade {
				u.TradeStatuses = append(u.TradeStatuses, TradeStatus{f.ID, TradeSuperseded})
			}
		case *event.Liquidated:
			u.Liquidations = append(u.Liquidations, LiquidationRow{
				Owner:      f.Owner.Hex(),
				Liquidator: f.Liquidator.Hex(),
				Seized:     f.CollateralSeized,
				Timestamp:  f.Timestamp,
			})
		}
	}

	if out.Bridge != nil {
		row := &BridgeRow{
			Authority:    out.Bridge.Authority.Hex(),
			WrappedAsset: uint16(out.Bridge.WrappedAsset),
			DepositCount: out.Bridge.DepositCount,
		}
		for _, v := range out.Bridge.Validators {
			row.Validators = append(row.Validators, v.Hex())
		}
		u.Bridge = row
	}
	return u
}
