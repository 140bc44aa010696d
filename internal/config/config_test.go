package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"darkpool/internal/contracts"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	require.Equal(t, 3000, cfg.Service.HTTPPort)
	require.Equal(t, contracts.BaseSepoliaChainID, cfg.Chain.ExpectedChainID)
	require.Equal(t, contracts.DefaultVaultAddress, cfg.Contracts.Vault)
	require.Equal(t, contracts.DefaultTokenAddress, cfg.Contracts.Token)
	require.Equal(t, int32(6), cfg.Token.Decimals)
	require.Equal(t, "10000000", cfg.Deposit.Amount.String())
	require.Equal(t, 60*time.Second, cfg.Chain.ConfirmTimeout)
	require.Equal(t, 4*time.Second, cfg.Stats.RefreshDelay)
	require.Equal(t, map[uint64]string{contracts.BaseSepoliaChainID: defaultRPCURL}, cfg.Chain.Networks)
	require.Empty(t, cfg.Chain.PrivateKeys)
	require.False(t, cfg.Production())
}

func TestEnvironmentOverridesDefaultsAndFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("DARKPOOL_HTTP_PORT", "8080")
	t.Setenv("DARKPOOL_CHAIN_CONFIRM_TIMEOUT", "90s")
	t.Setenv("DARKPOOL_CHAIN_PRIVATE_KEYS", "0xaa, 0xbb")
	t.Setenv("DARKPOOL_CHAIN_NETWORKS", "1=https://eth.example, 8453=https://base.example")
	t.Setenv("ENV", "production")

	cfg, err := Load([]string{"--http.port=9090", "--deposit.amount=5000000"})
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Service.HTTPPort)
	require.Equal(t, 90*time.Second, cfg.Chain.ConfirmTimeout)
	require.Equal(t, []string{"0xaa", "0xbb"}, cfg.Chain.PrivateKeys)
	require.Equal(t, "5000000", cfg.Deposit.Amount.String())
	require.Equal(t, []uint64{1, 8453, contracts.BaseSepoliaChainID}, cfg.Chain.NetworkIDs())
	require.True(t, cfg.Production())
}

func TestDeploymentsFillUnsetKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployments.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"chainId": 8453,
		"contracts": {
			"DarkPoolVault": "0x1111111111111111111111111111111111111111",
			"USDC": "0x2222222222222222222222222222222222222222"
		}
	}`), 0o600))

	t.Setenv("DARKPOOL_CONTRACTS_TOKEN", "0x3333333333333333333333333333333333333333")

	cfg, err := Load([]string{"--deployments", path})
	require.NoError(t, err)
	require.NotNil(t, cfg.Deployment)
	require.Equal(t, uint64(8453), cfg.Chain.ExpectedChainID)
	require.Equal(t, "0x1111111111111111111111111111111111111111", cfg.Contracts.Vault)
	require.Equal(t, "0x3333333333333333333333333333333333333333", cfg.Contracts.Token)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"zero amount", []string{"--deposit.amount=0"}},
		{"fractional amount", []string{"--deposit.amount=1.5"}},
		{"bad vault", []string{"--contracts.vault=nope"}},
		{"bad network", []string{"--chain.networks=mainnet"}},
		{"bad network id", []string{"--chain.networks=x=https://a"}},
		{"no timeout", []string{"--chain.confirm_timeout=0s"}},
		{"missing deployments", []string{"--deployments=/does/not/exist.json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args)
			require.Error(t, err)
		})
	}
}
