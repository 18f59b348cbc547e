package event

import (
	"DarkLedger/internal/computation"
	"DarkLedger/internal/envelope"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type CreateAccount struct {
	Meta
	Owner common.Address `json:"owner"`
}

func (*CreateAccount) EventType() EventType { return EventTypeCreateAccount }

// DepositCollateral moves plaintext tokens from the owner's wallet into
// the escrow backing their margin account.
type DepositCollateral struct {
	Meta
	Owner  common.Address `json:"owner"`
	Amount uint64         `json:"amount"`
}

func (*DepositCollateral) EventType() EventType { return EventTypeDepositCollateral }

type WithdrawCollateral struct {
	Meta
	Owner  common.Address `json:"owner"`
	Amount uint64         `json:"amount"`
}

func (*WithdrawCollateral) EventType() EventType { return EventTypeWithdrawCollateral }

// QueueDeposit asks the cluster to add Amount to the owner's encrypted
// collateral. Balance arguments are taken from the account at queue time.
type QueueDeposit struct {
	Meta
	ComputationID uint64         `json:"computation_id"`
	Owner         common.Address `json:"owner"`
	Amount        uint64         `json:"amount"`
}

func (*QueueDeposit) EventType() EventType { return EventTypeQueueDeposit }

type QueueWithdraw struct {
	Meta
	ComputationID uint64         `json:"computation_id"`
	Owner         common.Address `json:"owner"`
	Amount        uint64         `json:"amount"`
}

func (*QueueWithdraw) EventType() EventType { return EventTypeQueueWithdraw }

type QueueHealthCheck struct {
	Meta
	ComputationID uint64         `json:"computation_id"`
	Owner         common.Address `json:"owner"`
}

func (*QueueHealthCheck) EventType() EventType { return EventTypeQueueHealthCheck }

// SubmitOrder forwards a client-encrypted order. The ledger never reads
// the order fields.
type SubmitOrder struct {
	Meta
	ComputationID uint64              `json:"computation_id"`
	Owner         common.Address      `json:"owner"`
	ClientPubKey  hexutil.Bytes       `json:"client_pubkey"`
	Nonce         envelope.Nonce      `json:"nonce"`
	Size          envelope.Ciphertext `json:"size"`
	Price         envelope.Ciphertext `json:"price"`
	Side          envelope.Ciphertext `json:"side"`
}

func (*SubmitOrder) EventType() EventType { return EventTypeSubmitOrder }

// SettleTrade is a matched trade from the matching engine. Price and Size
// are scaled by 1e6.
type SettleTrade struct {
	Meta
	ComputationID uint64         `json:"computation_id"`
	Buyer         common.Address `json:"buyer"`
	Seller        common.Address `json:"seller"`
	Price         uint64         `json:"price"`
	Size          uint64         `json:"size"`
}

func (*SettleTrade) EventType() EventType { return EventTypeSettleTrade }

type ComputationCallback struct {
	Meta
	Callback computation.Callback `json:"callback"`
}

func (*ComputationCallback) EventType() EventType { return EventTypeComputationCallback }

type Liquidate struct {
	Meta
	Owner      common.Address `json:"owner"`
	Liquidator common.Address `json:"liquidator"`
}

func (*Liquidate) EventType() EventType { return EventTypeLiquidate }

// MintDeposit is a bridge deposit observed on the external chain, with
// the validator signatures collected for it.
type MintDeposit struct {
	Meta
	TxID       common.Hash     `json:"txid"`
	Amount     uint64          `json:"amount"`
	Recipient  common.Address  `json:"recipient"`
	Signatures []hexutil.Bytes `json:"signatures"`
}

func (*MintDeposit) EventType() EventType { return EventTypeMintDeposit }

type RequestWithdrawal struct {
	Meta
	Owner   common.Address `json:"owner"`
	Amount  uint64         `json:"amount"`
	Address string         `json:"address"`
}

func (*RequestWithdrawal) EventType() EventType { return EventTypeRequestWithdrawal }

// RotateValidators replaces the bridge validator set. Signature must be
// the bridge authority's.
type RotateValidators struct {
	Meta
	Validators [3]common.Address `json:"validators"`
	Signature  hexutil.Bytes     `json:"signature"`
}

func (*RotateValidators) EventType() EventType { return EventTypeRotateValidators }

// New returns a zero value of the concrete type for et.
func New(et EventType) (Event, bool) {
	switch et {
	case EventTypeCreateAccount:
		return &CreateAccount{}, true
	case EventTypeDepositCollateral:
		return &DepositCollateral{}, true
	case EventTypeWithdrawCollateral:
		return &WithdrawCollateral{}, true
	case EventTypeQueueDeposit:
		return &QueueDeposit{}, true
	case EventTypeQueueWithdraw:
		return &QueueWithdraw{}, true
	case EventTypeQueueHealthCheck:
		return &QueueHealthCheck{}, true
	case EventTypeSubmitOrder:
		return &SubmitOrder{}, true
	case EventTypeSettleTrade:
		return &SettleTrade{}, true
	case EventTypeComputationCallback:
		return &ComputationCallback{}, true
	case EventTypeLiquidate:
		return &Liquidate{}, true
	case EventTypeMintDeposit:
		return &MintDeposit{}, true
	case EventTypeRequestWithdrawal:
		return &RequestWithdrawal{}, true
	case EventTypeRotateValidators:
		return &RotateValidators{}, true
	}
	return nil, false
}

// SetMeta fills the shared fields of evt.
func SetMeta(evt Event, m Meta) {
	type metaSetter interface{ setMeta(Meta) }
	if s, ok := evt.(metaSetter); ok {
		s.setMeta(m)
	}
}

func (m *Meta) setMeta(v Meta) { *m = v }
