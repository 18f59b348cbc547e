package event

import (
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCreateAccount
	EventTypeDepositCollateral
	EventTypeWithdrawCollateral
	EventTypeQueueDeposit
	EventTypeQueueWithdraw
	EventTypeQueueHealthCheck
	EventTypeSubmitOrder
	EventTypeSettleTrade
	EventTypeComputationCallback
	EventTypeLiquidate
	EventTypeMintDeposit
	EventTypeRequestWithdrawal
	EventTypeRotateValidators
)

// AllEventTypes lists every concrete type, in wire order.
var AllEventTypes = []EventType{
	EventTypeCreateAccount,
	EventTypeDepositCollateral,
	EventTypeWithdrawCollateral,
	EventTypeQueueDeposit,
	EventTypeQueueWithdraw,
	EventTypeQueueHealthCheck,
	EventTypeSubmitOrder,
	EventTypeSettleTrade,
	EventTypeComputationCallback,
	EventTypeLiquidate,
	EventTypeMintDeposit,
	EventTypeRequestWithdrawal,
	EventTypeRotateValidators,
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded event payload, replayable through the ingestion decoder
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Timestamp returns the versioned input time in epoch microseconds
	Timestamp() int64
}

// Meta carries the fields every command shares.
type Meta struct {
	Key string `json:"idempotency_key"`
	At  int64  `json:"timestamp"`
}

func (m Meta) IdempotencyKey() string { return m.Key }

func (m Meta) Timestamp() int64 { return m.At }

func (et EventType) String() string {
	switch et {
	case EventTypeCreateAccount:
		return "CreateAccount"
	case EventTypeDepositCollateral:
		return "DepositCollateral"
	case EventTypeWithdrawCollateral:
		return "WithdrawCollateral"
	case EventTypeQueueDeposit:
		return "QueueDeposit"
	case EventTypeQueueWithdraw:
		return "QueueWithdraw"
	case EventTypeQueueHealthCheck:
		return "QueueHealthCheck"
	case EventTypeSubmitOrder:
		return "SubmitOrder"
	case EventTypeSettleTrade:
		return "SettleTrade"
	case EventTypeComputationCallback:
		return "ComputationCallback"
	case EventTypeLiquidate:
		return "Liquidate"
	case EventTypeMintDeposit:
		return "MintDeposit"
	case EventTypeRequestWithdrawal:
		return "RequestWithdrawal"
	case EventTypeRotateValidators:
		return "RotateValidators"
	default:
		return "Unknown"
	}
}

// ParseEventType accepts the String form.
func ParseEventType(s string) (EventType, error) {
	for _, et := range AllEventTypes {
		if et.String() == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

// MicrosToTime converts an event timestamp to time.Time.
func MicrosToTime(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
