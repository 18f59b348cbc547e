package computation

import (
	"fmt"

	"DarkLedger/internal/envelope"
	"DarkLedger/internal/ledgererr"
)

// ArgType is the wire type of one circuit argument.
type ArgType uint8

const (
	ArgU64 ArgType = iota + 1
	ArgU128
	ArgEncU64
	ArgEncU8
	ArgPubKey
)

func (t ArgType) String() string {
	switch t {
	case ArgU64:
		return "u64"
	case ArgU128:
		return "u128"
	case ArgEncU64:
		return "enc_u64"
	case ArgEncU8:
		return "enc_u8"
	case ArgPubKey:
		return "pubkey"
	default:
		return "unknown"
	}
}

func (t ArgType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ArgType) UnmarshalText(text []byte) error {
	for _, c := range []ArgType{ArgU64, ArgU128, ArgEncU64, ArgEncU8, ArgPubKey} {
		if c.String() == string(text) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown argument type %q", text)
}

// Argument is a single typed circuit argument. Exactly one value field is
// meaningful, selected by Type: U64 for ArgU64, Nonce for ArgU128, and
// Ciphertext for ArgEncU64, ArgEncU8 and ArgPubKey (a 32-byte key).
type Argument struct {
	Type       ArgType             `json:"type"`
	U64        uint64              `json:"u64,omitempty"`
	Nonce      envelope.Nonce      `json:"nonce,omitempty"`
	Ciphertext envelope.Ciphertext `json:"ciphertext,omitempty"`
}

func U64Arg(v uint64) Argument { return Argument{Type: ArgU64, U64: v} }

func U128Arg(n envelope.Nonce) Argument { return Argument{Type: ArgU128, Nonce: n} }

func EncU64Arg(c envelope.Ciphertext) Argument { return Argument{Type: ArgEncU64, Ciphertext: c} }

func EncU8Arg(c envelope.Ciphertext) Argument { return Argument{Type: ArgEncU8, Ciphertext: c} }

// PubKeyArg carries the client's x25519 key for shared-secret circuits.
func PubKeyArg(k [32]byte) Argument {
	return Argument{Type: ArgPubKey, Ciphertext: envelope.Ciphertext(k)}
}

// checkShape verifies count, type and order of args against want.
func checkShape(kind Kind, want []ArgType, args []Argument) error {
	if len(args) != len(want) {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ledgererr.ErrInvalidArguments, kind, len(want), len(args))
	}
	for i, t := range want {
		if args[i].Type != t {
			return fmt.Errorf("%w: %s argument %d is %s, want %s", ledgererr.ErrInvalidArguments, kind, i, args[i].Type, t)
		}
	}
	return nil
}
