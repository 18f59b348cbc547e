package event

import (
	"encoding/json"
	"fmt"

	"DarkLedger/internal/computation"
	"DarkLedger/internal/envelope"

	"github.com/ethereum/go-ethereum/common"
)

// Fact is an append-only observation emitted by the core for off-chain
// observers: the matching engine, liquidation keepers, bridge processors.
type Fact interface {
	FactType() string
}

type AccountCreated struct {
	Owner     common.Address `json:"owner"`
	Timestamp int64          `json:"timestamp"`
}

type CollateralDeposited struct {
	Owner     common.Address `json:"owner"`
	Amount    uint64         `json:"amount"`
	Escrow    uint64         `json:"escrow"`
	Timestamp int64          `json:"timestamp"`
}

type CollateralWithdrawn struct {
	Owner     common.Address `json:"owner"`
	Amount    uint64         `json:"amount"`
	Escrow    uint64         `json:"escrow"`
	Timestamp int64          `json:"timestamp"`
}

type ComputationQueued struct {
	ID        uint64           `json:"id"`
	Kind      computation.Kind `json:"kind"`
	Accounts  []common.Address `json:"accounts"`
	Timestamp int64            `json:"timestamp"`
}

// DepositCompleted carries the cluster's result. A zero-valued success
// flag means the deposit was refused inside the cluster.
type DepositCompleted struct {
	ID          uint64              `json:"id"`
	Owner       common.Address      `json:"owner"`
	Collateral  envelope.Ciphertext `json:"collateral"`
	SuccessFlag envelope.Ciphertext `json:"success_flag"`
	Nonce       envelope.Nonce      `json:"nonce"`
	Timestamp   int64               `json:"timestamp"`
}

type WithdrawCompleted struct {
	ID          uint64              `json:"id"`
	Owner       common.Address      `json:"owner"`
	Collateral  envelope.Ciphertext `json:"collateral"`
	SuccessFlag envelope.Ciphertext `json:"success_flag"`
	Nonce       envelope.Nonce      `json:"nonce"`
	Timestamp   int64               `json:"timestamp"`
}

type SettleCompleted struct {
	ID               uint64              `json:"id"`
	Buyer            common.Address      `json:"buyer"`
	Seller           common.Address      `json:"seller"`
	BuyerCollateral  envelope.Ciphertext `json:"buyer_collateral"`
	SellerCollateral envelope.Ciphertext `json:"seller_collateral"`
	BuyerNonce       envelope.Nonce      `json:"buyer_nonce"`
	SellerNonce      envelope.Nonce      `json:"seller_nonce"`
	SuccessFlag      envelope.Ciphertext `json:"success_flag"`
	Timestamp        int64               `json:"timestamp"`
}

type HealthCheckResult struct {
	ID           uint64         `json:"id"`
	Owner        common.Address `json:"owner"`
	Liquidatable bool           `json:"liquidatable"`
	Timestamp    int64          `json:"timestamp"`
}

// OrderSubmitted re-emits the cluster's confirmation to the order owner.
type OrderSubmitted struct {
	ID        uint64              `json:"id"`
	Owner     common.Address      `json:"owner"`
	Size      envelope.Ciphertext `json:"size"`
	Price     envelope.Ciphertext `json:"price"`
	Side      envelope.Ciphertext `json:"side"`
	Nonce     envelope.Nonce      `json:"nonce"`
	Timestamp int64               `json:"timestamp"`
}

type ComputationAborted struct {
	ID        uint64           `json:"id"`
	Kind      computation.Kind `json:"kind"`
	Accounts  []common.Address `json:"accounts"`
	Timestamp int64            `json:"timestamp"`
}

type ComputationSuperseded struct {
	ID        uint64           `json:"id"`
	Kind      computation.Kind `json:"kind"`
	Accounts  []common.Address `json:"accounts"`
	Timestamp int64            `json:"timestamp"`
}

type TradeExecuted struct {
	ComputationID uint64         `json:"computation_id"`
	Buyer         common.Address `json:"buyer"`
	Seller        common.Address `json:"seller"`
	Price         uint64         `json:"price"`
	Size          uint64         `json:"size"`
	Value         uint64         `json:"value"`
	Timestamp     int64          `json:"timestamp"`
}

type Liquidated struct {
	Liquidator       common.Address `json:"liquidator"`
	Owner            common.Address `json:"owner"`
	CollateralSeized uint64         `json:"collateral_seized"`
	Timestamp        int64          `json:"timestamp"`
}

type DepositProcessed struct {
	TxID         common.Hash    `json:"txid"`
	Recipient    common.Address `json:"recipient"`
	Amount       uint64         `json:"amount"`
	DepositCount uint64         `json:"deposit_count"`
	Timestamp    int64          `json:"timestamp"`
}

// WithdrawalRequested hands a burn off to the external bridge processor.
// Nothing on the ledger tracks its completion.
type WithdrawalRequested struct {
	User      common.Address `json:"user"`
	Amount    uint64         `json:"amount"`
	Address   string         `json:"address"`
	Timestamp int64          `json:"timestamp"`
}

type ValidatorsRotated struct {
	Validators [3]common.Address `json:"validators"`
	Timestamp  int64             `json:"timestamp"`
}

func (*AccountCreated) FactType() string        { return "AccountCreated" }
func (*CollateralDeposited) FactType() string   { return "CollateralDeposited" }
func (*CollateralWithdrawn) FactType() string   { return "CollateralWithdrawn" }
func (*ComputationQueued) FactType() string     { return "ComputationQueued" }
func (*DepositCompleted) FactType() string      { return "DepositCompleted" }
func (*WithdrawCompleted) FactType() string     { return "WithdrawCompleted" }
func (*SettleCompleted) FactType() string       { return "SettleCompleted" }
func (*HealthCheckResult) FactType() string     { return "HealthCheckResult" }
func (*OrderSubmitted) FactType() string        { return "OrderSubmitted" }
func (*ComputationAborted) FactType() string    { return "ComputationAborted" }
func (*ComputationSuperseded) FactType() string { return "ComputationSuperseded" }
func (*TradeExecuted) FactType() string         { return "TradeExecuted" }
func (*Liquidated) FactType() string            { return "Liquidated" }
func (*DepositProcessed) FactType() string      { return "DepositProcessed" }
func (*WithdrawalRequested) FactType() string   { return "WithdrawalRequested" }
func (*ValidatorsRotated) FactType() string     { return "ValidatorsRotated" }

func newFact(factType string) (Fact, bool) {
	switch factType {
	case "AccountCreated":
		return &AccountCreated{}, true
	case "CollateralDeposited":
		return &CollateralDeposited{}, true
	case "CollateralWithdrawn":
		return &CollateralWithdrawn{}, true
	case "ComputationQueued":
		return &ComputationQueued{}, true
	case "DepositCompleted":
		return &DepositCompleted{}, true
	case "WithdrawCompleted":
		return &WithdrawCompleted{}, true
	case "SettleCompleted":
		return &SettleCompleted{}, true
	case "HealthCheckResult":
		return &HealthCheckResult{}, true
	case "OrderSubmitted":
		return &OrderSubmitted{}, true
	case "ComputationAborted":
		return &ComputationAborted{}, true
	case "ComputationSuperseded":
		return &ComputationSuperseded{}, true
	case "TradeExecuted":
		return &TradeExecuted{}, true
	case "Liquidated":
		return &Liquidated{}, true
	case "DepositProcessed":
		return &DepositProcessed{}, true
	case "WithdrawalRequested":
		return &WithdrawalRequested{}, true
	case "ValidatorsRotated":
		return &ValidatorsRotated{}, true
	}
	return nil, false
}

// EncodeFact returns the fact's type and JSON payload.
func EncodeFact(f Fact) (string, []byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return "", nil, fmt.Errorf("encode fact %s: %w", f.FactType(), err)
	}
	return f.FactType(), payload, nil
}

// DecodeFact is the inverse of EncodeFact.
func DecodeFact(factType string, payload []byte) (Fact, error) {
	f, ok := newFact(factType)
	if !ok {
		return nil, fmt.Errorf("unknown fact type %q", factType)
	}
	if err := json.Unmarshal(payload, f); err != nil {
		return nil, fmt.Errorf("decode fact %s: %w", factType, err)
	}
	return f, nil
}
