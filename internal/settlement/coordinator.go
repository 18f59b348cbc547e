// Package settlement turns matched trades into a single settle-trade
// computation touching both counterparties.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"DarkLedger/internal/computation"
	"DarkLedger/internal/event"
	"DarkLedger/internal/ledgererr"
	"DarkLedger/internal/margin"
	fpmath "DarkLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Trade is a matched trade. Price and Size are scaled by 1e6.
type Trade struct {
	ComputationID uint64
	Buyer         common.Address
	Seller        common.Address
	Price         uint64
	Size          uint64
	Timestamp     int64
}

type Coordinator struct {
	ledger  *margin.Ledger
	manager *computation.Manager
}

func NewCoordinator(ledger *margin.Ledger, manager *computation.Manager) *Coordinator {
	return &Coordinator{ledger: ledger, manager: manager}
}

// Value computes price * size / 1e6. Trade price and size are public, so
// the value is too.
func Value(price, size uint64) (uint64, error) {
	if price == 0 || size == 0 {
		return 0, fmt.Errorf("%w: price=%d size=%d", ledgererr.ErrInvalidAmount, price, size)
	}
	value, err := fpmath.TradeValue(price, size)
	if err != nil {
		if errors.Is(err, fpmath.ErrOverflow) {
			return 0, fmt.Errorf("%w: %v", ledgererr.ErrMathOverflow, err)
		}
		return 0, err
	}
	return value, nil
}

// SettleTrade validates the trade and queues one settle-trade request
// carrying both accounts' current encrypted collateral and nonce. The
// trade fact is returned only when the request was queued.
func (c *Coordinator) SettleTrade(ctx context.Context, t Trade) (computation.Request, *event.TradeExecuted, error) {
	value, err := Value(t.Price, t.Size)
	if err != nil {
		return computation.Request{}, nil, err
	}
	if t.Buyer == t.Seller {
		return computation.Request{}, nil, fmt.Errorf("%w: buyer and seller are both %s", ledgererr.ErrInvalidArguments, t.Buyer.Hex())
	}

	buyer, err := c.ledger.Read(t.Buyer)
	if err != nil {
		return computation.Request{}, nil, fmt.Errorf("buyer: %w", err)
	}
	seller, err := c.ledger.Read(t.Seller)
	if err != nil {
		return computation.Request{}, nil, fmt.Errorf("seller: %w", err)
	}

	req, err := c.manager.Queue(ctx, computation.QueueRequest{
		ID:       t.ComputationID,
		Kind:     computation.KindSettleTrade,
		Accounts: []common.Address{t.Buyer, t.Seller},
		Arguments: []computation.Argument{
			computation.U128Arg(buyer.Nonce),
			computation.EncU64Arg(buyer.EncryptedCollateral),
			computation.U128Arg(seller.Nonce),
			computation.EncU64Arg(seller.EncryptedCollateral),
			computation.U64Arg(value),
		},
		IssuedAt: t.Timestamp,
	})
	if err != nil {
		return computation.Request{}, nil, err
	}

	return req, &event.TradeExecuted{
		ComputationID: t.ComputationID,
		Buyer:         t.Buyer,
		Seller:        t.Seller,
		Price:         t.Price,
		Size:          t.Size,
		Value:         value,
		Timestamp:     t.Timestamp,
	}, nil
}
