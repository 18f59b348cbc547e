package computation

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"DarkLedger/internal/envelope"
	"DarkLedger/internal/ledgererr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// CallbackDomainV1 separates callback signatures from every other message
// the cluster key might sign.
const CallbackDomainV1 = "darkledger:callback:v1"

// Callback is a result delivered by the cluster for one request.
type Callback struct {
	ID          uint64                `json:"id"`
	Kind        Kind                  `json:"kind"`
	Offset      uint32                `json:"offset"`
	Aborted     bool                  `json:"aborted"`
	Ciphertexts []envelope.Ciphertext `json:"ciphertexts,omitempty"`
	Nonces      []envelope.Nonce      `json:"nonces,omitempty"`
	Signature   hexutil.Bytes         `json:"signature"`
}

// Digest is keccak256 over the canonical encoding of every field except
// the signature.
func (cb *Callback) Digest() []byte {
	buf := make([]byte, 0, len(CallbackDomainV1)+8+1+4+1+8+len(cb.Ciphertexts)*32+len(cb.Nonces)*16)
	buf = append(buf, CallbackDomainV1...)
	buf = binary.BigEndian.AppendUint64(buf, cb.ID)
	buf = append(buf, byte(cb.Kind))
	buf = binary.BigEndian.AppendUint32(buf, cb.Offset)
	if cb.Aborted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(cb.Ciphertexts)))
	for _, c := range cb.Ciphertexts {
		buf = append(buf, c[:]...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(cb.Nonces)))
	for _, n := range cb.Nonces {
		buf = append(buf, n[:]...)
	}
	return ethcrypto.Keccak256(buf)
}

// Sign attaches a signature by key. Used by the cluster side and tests.
func (cb *Callback) Sign(key *ecdsa.PrivateKey) error {
	sig, err := ethcrypto.Sign(cb.Digest(), key)
	if err != nil {
		return fmt.Errorf("sign callback %d: %w", cb.ID, err)
	}
	cb.Signature = sig
	return nil
}

// Signer recovers the address that signed cb.
func (cb *Callback) Signer() (common.Address, error) {
	if len(cb.Signature) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature length %d", ledgererr.ErrUnauthenticatedCallback, len(cb.Signature))
	}
	pub, err := ethcrypto.SigToPub(cb.Digest(), cb.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ledgererr.ErrUnauthenticatedCallback, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
