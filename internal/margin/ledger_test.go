package margin_test

import (
	"testing"

	"DarkLedger/internal/envelope"
	"DarkLedger/internal/ledgererr"
	"DarkLedger/internal/margin"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var owner = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func ct(b byte) *envelope.Ciphertext {
	var c envelope.Ciphertext
	for i := range c {
		c[i] = b
	}
	return &c
}

func TestCreate(t *testing.T) {
	l := margin.NewLedger()

	acct, err := l.Create(owner)
	require.NoError(t, err)
	assert.Equal(t, owner, acct.Owner)
	assert.True(t, acct.IsEmpty())
	assert.True(t, acct.Nonce.IsZero())
	assert.False(t, acct.IsLiquidatable)

	_, err = l.Create(owner)
	require.ErrorIs(t, err, ledgererr.ErrAlreadyExists)

	_, err = l.Create(common.Address{})
	require.ErrorIs(t, err, ledgererr.ErrInvalidArguments)
}

func TestRead_NotFound(t *testing.T) {
	_, err := margin.NewLedger().Read(owner)
	require.ErrorIs(t, err, ledgererr.ErrAccountNotFound)
}

func TestApplyBalanceUpdate_CollateralOnly(t *testing.T) {
	l := margin.NewLedger()
	_, err := l.Create(owner)
	require.NoError(t, err)

	acct, err := l.ApplyBalanceUpdate(owner, margin.BalanceUpdate{
		Collateral: ct(1),
		Nonce:      envelope.NonceFromUint64(7),
	})
	require.NoError(t, err)
	assert.Equal(t, *ct(1), acct.EncryptedCollateral)
	assert.True(t, acct.EncryptedDebt.IsZero())
	assert.Equal(t, uint64(7), acct.Nonce.Uint64())
}

func TestApplyBalanceUpdate_NonceCoupling(t *testing.T) {
	l := margin.NewLedger()
	_, err := l.Create(owner)
	require.NoError(t, err)
	_, err = l.ApplyBalanceUpdate(owner, margin.BalanceUpdate{
		Collateral: ct(1),
		Debt:       ct(2),
		Nonce:      envelope.NonceFromUint64(1),
	})
	require.NoError(t, err)
	before, _ := l.Read(owner)

	// debt is non-empty, so a fresh nonce without new debt is rejected
	_, err = l.ApplyBalanceUpdate(owner, margin.BalanceUpdate{
		Collateral: ct(3),
		Nonce:      envelope.NonceFromUint64(2),
	})
	require.ErrorIs(t, err, ledgererr.ErrInvalidArguments)

	after, _ := l.Read(owner)
	assert.Equal(t, before, after, "rejected update must not change the account")

	// same nonce, single field is fine
	_, err = l.ApplyBalanceUpdate(owner, margin.BalanceUpdate{
		Collateral: ct(4),
		Nonce:      envelope.NonceFromUint64(1),
	})
	require.NoError(t, err)
}

func TestApplyBalanceUpdate_Empty(t *testing.T) {
	l := margin.NewLedger()
	_, err := l.Create(owner)
	require.NoError(t, err)

	_, err = l.ApplyBalanceUpdate(owner, margin.BalanceUpdate{Nonce: envelope.NonceFromUint64(1)})
	require.ErrorIs(t, err, ledgererr.ErrInvalidArguments)
}

func TestReset(t *testing.T) {
	l := margin.NewLedger()
	_, err := l.Create(owner)
	require.NoError(t, err)
	_, err = l.ApplyBalanceUpdate(owner, margin.BalanceUpdate{Collateral: ct(9), Debt: ct(8), Nonce: envelope.NonceFromUint64(5)})
	require.NoError(t, err)
	_, err = l.SetLiquidatable(owner, true)
	require.NoError(t, err)

	acct, err := l.Reset(owner)
	require.NoError(t, err)
	assert.True(t, acct.IsEmpty())
	assert.True(t, acct.Nonce.IsZero())
	assert.False(t, acct.IsLiquidatable)
	assert.Equal(t, uint64(1), acct.ResetEpoch)
}

func TestAllSortedAndRestore(t *testing.T) {
	l := margin.NewLedger()
	b := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	_, _ = l.Create(b)
	_, _ = l.Create(owner)

	all := l.All()
	require.Len(t, all, 2)
	assert.Equal(t, owner, all[0].Owner)

	restored := margin.NewLedger()
	restored.Restore(all)
	assert.Equal(t, 2, restored.Count())
	got, err := restored.Read(b)
	require.NoError(t, err)
	assert.Equal(t, all[1], got)
}
