package computation

import (
	"fmt"

	"DarkLedger/internal/envelope"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a request.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusApplied
	StatusAborted
	// StatusSuperseded: a named account was reset by liquidation while the
	// request was in flight, so the result no longer applies to anything.
	StatusSuperseded
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApplied:
		return "applied"
	case StatusAborted:
		return "aborted"
	case StatusSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for _, c := range []Status{StatusPending, StatusApplied, StatusAborted, StatusSuperseded} {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown computation status %q", text)
}

func (s Status) Terminal() bool {
	return s != StatusPending
}

// Request is one computation tracked by the manager.
type Request struct {
	ID        uint64           `json:"id"`
	Kind      Kind             `json:"kind"`
	Accounts  []common.Address `json:"accounts"`
	Epochs    []uint64         `json:"epochs"`
	Arguments []Argument       `json:"arguments"`
	IssuedAt  int64            `json:"issued_at"`
	Status    Status           `json:"status"`
}

func (r *Request) clone() Request {
	out := *r
	out.Accounts = append([]common.Address(nil), r.Accounts...)
	out.Epochs = append([]uint64(nil), r.Epochs...)
	out.Arguments = append([]Argument(nil), r.Arguments...)
	return out
}

// QueueRequest is the input to Manager.Queue.
type QueueRequest struct {
	ID        uint64
	Kind      Kind
	Accounts  []common.Address
	Arguments []Argument
	IssuedAt  int64
}

// Outcome describes what an accepted callback did.
type Outcome struct {
	Request Request
	// Results and Nonces echo the callback payload.
	Results []envelope.Ciphertext
	Nonces  []envelope.Nonce
	// SuccessFlag is set for deposit, withdraw and settle-trade.
	SuccessFlag *envelope.Ciphertext
	// Liquidatable is set for health checks that were applied.
	Liquidatable *bool
	// Touched lists the accounts whose margin state changed.
	Touched []common.Address
}
