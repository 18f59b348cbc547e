package bridge

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// MintDomainV1 defines the domain separator validators sign mints under.
	MintDomainV1 = "darkledger:mint:v1"
	// RotateDomainV1 defines the domain separator for validator rotation.
	RotateDomainV1 = "darkledger:rotate:v1"
)

// MintDigest is keccak256 of the canonical mint message.
func MintDigest(txid common.Hash, amount uint64, recipient common.Address) []byte {
	buf := make([]byte, 0, len(MintDomainV1)+32+8+20)
	buf = append(buf, MintDomainV1...)
	buf = append(buf, txid[:]...)
	buf = binary.BigEndian.AppendUint64(buf, amount)
	buf = append(buf, recipient[:]...)
	return ethcrypto.Keccak256(buf)
}

// SignMint produces one validator's signature over a deposit.
func SignMint(key *ecdsa.PrivateKey, txid common.Hash, amount uint64, recipient common.Address) ([]byte, error) {
	sig, err := ethcrypto.Sign(MintDigest(txid, amount, recipient), key)
	if err != nil {
		return nil, fmt.Errorf("sign mint %s: %w", txid.Hex(), err)
	}
	return sig, nil
}

// RotationDigest is keccak256 of the canonical rotation message.
func RotationDigest(validators [3]common.Address) []byte {
	buf := make([]byte, 0, len(RotateDomainV1)+60)
	buf = append(buf, RotateDomainV1...)
	for _, v := range validators {
		buf = append(buf, v[:]...)
	}
	return ethcrypto.Keccak256(buf)
}

func SignRotation(key *ecdsa.PrivateKey, validators [3]common.Address) ([]byte, error) {
	sig, err := ethcrypto.Sign(RotationDigest(validators), key)
	if err != nil {
		return nil, fmt.Errorf("sign rotation: %w", err)
	}
	return sig, nil
}

// recoverSigner returns the address that produced sig over digest.
func recoverSigner(digest, sig []byte) (common.Address, bool) {
	if len(sig) != 65 {
		return common.Address{}, false
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, false
	}
	return ethcrypto.PubkeyToAddress(*pub), true
}
