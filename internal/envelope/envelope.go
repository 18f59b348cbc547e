// Package envelope defines the encrypted value representation exchanged
// with the computation cluster: a fixed-size ciphertext plus the shared
// nonce it was encrypted under.
package envelope

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	CiphertextSize = 32
	NonceSize      = 16
)

// Ciphertext is an opaque encrypted scalar. The all-zero value is the
// empty sentinel used for fresh and reset accounts.
type Ciphertext [CiphertextSize]byte

// Nonce is a u128 stored little-endian.
type Nonce [NonceSize]byte

// Envelope pairs a ciphertext with the nonce it is valid under.
type Envelope struct {
	Ciphertext Ciphertext `json:"ciphertext"`
	Nonce      Nonce      `json:"nonce"`
}

func (c Ciphertext) IsZero() bool {
	return c == Ciphertext{}
}

func (c Ciphertext) String() string {
	return hex.EncodeToString(c[:])
}

func (c Ciphertext) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Ciphertext) UnmarshalText(text []byte) error {
	parsed, err := ParseCiphertext(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCiphertext decodes a 32-byte hex string, with or without 0x prefix.
func ParseCiphertext(s string) (Ciphertext, error) {
	var c Ciphertext
	if err := decodeFixed(s, c[:]); err != nil {
		return c, fmt.Errorf("ciphertext: %w", err)
	}
	return c, nil
}

// NonceFromUint64 builds a nonce whose high 64 bits are zero.
func NonceFromUint64(v uint64) Nonce {
	var n Nonce
	binary.LittleEndian.PutUint64(n[:8], v)
	return n
}

// Uint64 returns the low 64 bits.
func (n Nonce) Uint64() uint64 {
	return binary.LittleEndian.Uint64(n[:8])
}

func (n Nonce) IsZero() bool {
	return n == Nonce{}
}

func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

func (n Nonce) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *Nonce) UnmarshalText(text []byte) error {
	parsed, err := ParseNonce(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// ParseNonce decodes a 16-byte hex string, with or without 0x prefix.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	if err := decodeFixed(s, n[:]); err != nil {
		return n, fmt.Errorf("nonce: %w", err)
	}
	return n, nil
}

func decodeFixed(s string, dst []byte) error {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("want %d hex chars, got %d", hex.EncodedLen(len(dst)), len(s))
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}
