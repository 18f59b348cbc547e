package custody

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// ScopeWallet holds freely transferable tokens owned by a principal.
	ScopeWallet AccountScope = iota
	// ScopeEscrow is the plaintext custody vault backing a margin account.
	ScopeEscrow
	// ScopeSystem holds issuance counter-balances (mint/burn).
	ScopeSystem
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetWZEC AssetID = 1
	AssetUSDC AssetID = 2
)

var (
	assetToID = map[string]AssetID{
		"WZEC": AssetWZEC,
		"USDC": AssetUSDC,
	}
	idToAsset = map[AssetID]string{
		AssetWZEC: "WZEC",
		AssetUSDC: "USDC",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[strings.ToUpper(asset)]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	Holder  common.Address
	AssetID AssetID
}

func WalletKey(holder common.Address, asset AssetID) AccountKey {
	return AccountKey{Scope: ScopeWallet, Holder: holder, AssetID: asset}
}

func EscrowKey(owner common.Address, asset AssetID) AccountKey {
	return AccountKey{Scope: ScopeEscrow, Holder: owner, AssetID: asset}
}

// IssuanceKey is the system account minted tokens are drawn from. Its
// balance is the negated circulating supply.
func IssuanceKey(asset AssetID) AccountKey {
	return AccountKey{Scope: ScopeSystem, AssetID: asset}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case ScopeWallet:
		return fmt.Sprintf("wallet:%s:%s", k.Holder.Hex(), assetName)
	case ScopeEscrow:
		return fmt.Sprintf("escrow:%s:%s", k.Holder.Hex(), assetName)
	case ScopeSystem:
		return fmt.Sprintf("system:issuance:%s", assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) != 3 {
		return AccountKey{}, fmt.Errorf("account path %q: want 3 segments", path)
	}
	asset, ok := GetAssetID(parts[2])
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown asset", path)
	}

	switch parts[0] {
	case "wallet", "escrow":
		if !common.IsHexAddress(parts[1]) {
			return AccountKey{}, fmt.Errorf("account path %q: bad holder", path)
		}
		scope := ScopeWallet
		if parts[0] == "escrow" {
			scope = ScopeEscrow
		}
		return AccountKey{Scope: scope, Holder: common.HexToAddress(parts[1]), AssetID: asset}, nil
	case "system":
		if parts[1] != "issuance" {
			return AccountKey{}, fmt.Errorf("account path %q: unknown system account", path)
		}
		return IssuanceKey(asset), nil
	}
	return AccountKey{}, fmt.Errorf("account path %q: unknown scope", path)
}
