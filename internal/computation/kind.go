package computation

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Kind is the closed set of confidential computations the ledger issues.
type Kind uint8

const (
	KindDeposit Kind = iota + 1
	KindWithdraw
	KindSettleTrade
	KindHealthCheck
	KindOrderSubmit
)

// Kinds lists every kind in registration order.
var Kinds = []Kind{KindDeposit, KindWithdraw, KindSettleTrade, KindHealthCheck, KindOrderSubmit}

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	case KindSettleTrade:
		return "settle_trade"
	case KindHealthCheck:
		return "health_check"
	case KindOrderSubmit:
		return "order_submit"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown computation kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Circuit returns the name of the circuit the cluster runs for k.
func (k Kind) Circuit() string {
	switch k {
	case KindDeposit:
		return "deposit_collateral"
	case KindWithdraw:
		return "withdraw_collateral"
	case KindSettleTrade:
		return "settle_trade"
	case KindHealthCheck:
		return "calculate_health_ratio"
	case KindOrderSubmit:
		return "submit_order"
	default:
		return ""
	}
}

// DefinitionOffset derives the definition offset for a circuit: the
// first four bytes of SHA-256(name), little-endian.
func DefinitionOffset(circuit string) uint32 {
	sum := sha256.Sum256([]byte(circuit))
	return binary.LittleEndian.Uint32(sum[:4])
}

// Definition is what the cluster registers once per kind before any
// request of that kind is accepted.
type Definition struct {
	Kind    Kind   `json:"kind"`
	Circuit string `json:"circuit"`
	Offset  uint32 `json:"offset"`
	Source  string `json:"source"`
}

// NewDefinition builds the definition for k with its circuit served from
// baseURL.
func NewDefinition(k Kind, baseURL string) Definition {
	circuit := k.Circuit()
	src := ""
	if baseURL != "" {
		src = baseURL + "/" + circuit + ".circuit"
	}
	return Definition{Kind: k, Circuit: circuit, Offset: DefinitionOffset(circuit), Source: src}
}
