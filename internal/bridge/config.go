package bridge

import (
	"fmt"

	"DarkLedger/internal/custody"
	"DarkLedger/internal/ledgererr"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Threshold is the number of distinct validator signatures a mint needs.
const Threshold = 2

// MintAuthority is the custody identity the gate mints as. No key exists
// for it; only the gate can act with it.
var MintAuthority = common.BytesToAddress(ethcrypto.Keccak256([]byte("darkledger:bridge:mint-authority"))[12:])

// Config is the bridge's configuration record.
type Config struct {
	Authority    common.Address    `json:"authority"`
	Validators   [3]common.Address `json:"validators"`
	WrappedAsset custody.AssetID   `json:"wrapped_asset"`
	// DepositCount is observational only.
	DepositCount uint64 `json:"deposit_count"`
}

// IsValidator reports whether addr is one of the configured validators.
func (c *Config) IsValidator(addr common.Address) bool {
	if addr == (common.Address{}) {
		return false
	}
	for _, v := range c.Validators {
		if v == addr {
			return true
		}
	}
	return false
}

// ValidateValidatorSet requires three distinct non-zero validators.
func ValidateValidatorSet(validators [3]common.Address) error {
	seen := make(map[common.Address]struct{}, len(validators))
	for i, v := range validators {
		if v == (common.Address{}) {
			return fmt.Errorf("%w: validator %d is zero", ledgererr.ErrInvalidArguments, i+1)
		}
		if _, dup := seen[v]; dup {
			return fmt.Errorf("%w: validator %s listed twice", ledgererr.ErrInvalidArguments, v.Hex())
		}
		seen[v] = struct{}{}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Authority == (common.Address{}) {
		return fmt.Errorf("bridge: authority required")
	}
	if _, ok := custody.GetAssetName(c.WrappedAsset); !ok {
		return fmt.Errorf("bridge: unknown wrapped asset %d", c.WrappedAsset)
	}
	if err := ValidateValidatorSet(c.Validators); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	return nil
}
