package contracts

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorsParse(t *testing.T) {
	vault, err := NewVault(DefaultVaultAddress)
	require.NoError(t, err)
	require.True(t, vault.HasMethod(MethodDeposit))
	require.True(t, vault.HasMethod(MethodGetVaultStats))
	require.True(t, vault.HasMethod(MethodGetUserStats))

	token, err := NewToken(DefaultTokenAddress)
	require.NoError(t, err)
	require.True(t, token.HasMethod(MethodApprove))
	require.True(t, token.HasMethod(MethodAllowance))
	require.True(t, token.HasMethod(MethodBalanceOf))
	require.False(t, token.HasMethod(MethodDeposit))
}

func TestNewVaultRejectsBadAddress(t *testing.T) {
	_, err := NewVault("not-an-address")
	require.Error(t, err)
}

func TestFormatUnits(t *testing.T) {
	require.Equal(t, "10.00", FormatUnits(big.NewInt(10_000_000), 6))
	require.Equal(t, "0.50", FormatUnits(big.NewInt(500_000), 6))
	require.Equal(t, "0.00", FormatUnits(nil, 6))
}

func TestParseUnits(t *testing.T) {
	amount, err := ParseUnits("10", 6)
	require.NoError(t, err)
	require.Equal(t, "10000000", amount.String())

	amount, err = ParseUnits("2.5", 6)
	require.NoError(t, err)
	require.Equal(t, "2500000", amount.String())

	_, err = ParseUnits("0.0000001", 6)
	require.Error(t, err)

	_, err = ParseUnits("abc", 6)
	require.Error(t, err)
}

func TestParseRejectsAmountsBeyondUint256(t *testing.T) {
	largest, err := ParseBaseUnits(MaxUint256.String())
	require.NoError(t, err)
	require.Equal(t, 256, largest.BitLen())

	overflow := new(big.Int).Add(MaxUint256, big.NewInt(11)).String()
	_, err = ParseBaseUnits(overflow)
	require.ErrorIs(t, err, ErrAmountOutOfRange)

	_, err = ParseBaseUnits("-1")
	require.ErrorIs(t, err, ErrAmountOutOfRange)

	// 2^256 base units expressed in whole tokens.
	_, err = ParseUnits(new(big.Int).Lsh(big.NewInt(1), 250).String(), 6)
	require.ErrorIs(t, err, ErrAmountOutOfRange)
}

func TestExplorerURL(t *testing.T) {
	vault, err := NewVault(DefaultVaultAddress)
	require.NoError(t, err)
	require.True(t, strings.EqualFold(
		"https://base-sepolia.blockscout.com/address/0xB85b0BA54C50738AB362A7947C94DFf20660dD7d",
		ExplorerURL(vault.Address)))
}
