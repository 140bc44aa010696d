package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devAccount = "0x00000000000000000000000000000000000a11ce"

func baseArgs(t *testing.T) []string {
	return []string{
		"--journal.path=" + filepath.Join(t.TempDir(), "journal.json"),
		"--chain.dev_accounts=" + devAccount,
	}
}

func TestDepositPrintsTransitions(t *testing.T) {
	var out bytes.Buffer
	args := append([]string{"deposit", "--account", devAccount, "--amount", "2.5"}, baseArgs(t)...)
	require.NoError(t, run(args, &out))

	text := out.String()
	assert.Contains(t, text, "depositing 2.50 USDC")
	assert.Contains(t, text, "awaiting_approval")
	assert.Contains(t, text, "awaiting_deposit")
	assert.Contains(t, text, "completed")
	assert.Contains(t, text, "blockscout.com/address/")
}

func TestDepositWithoutFundsFails(t *testing.T) {
	var out bytes.Buffer
	args := append([]string{"deposit", "--account", "0x0000000000000000000000000000000000000b0b"}, baseArgs(t)...)
	err := run(args, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "failed")
}

func TestStatsWithAccount(t *testing.T) {
	var out bytes.Buffer
	args := append([]string{"stats", "--account", devAccount}, baseArgs(t)...)
	require.NoError(t, run(args, &out))

	text := out.String()
	assert.Contains(t, text, "total users")
	assert.Contains(t, text, "10000.00 USDC")
}

func TestHistoryRequiresAccount(t *testing.T) {
	var out bytes.Buffer
	err := run(append([]string{"history"}, baseArgs(t)...), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--account")
}

func TestNetworkSwitchToUnknownChain(t *testing.T) {
	var out bytes.Buffer
	err := run(append([]string{"network", "--chain-id", "999"}, baseArgs(t)...), &out)
	require.Error(t, err)
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"withdraw"}, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "usage: vaultctl")
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(nil, &out))
	assert.Contains(t, out.String(), "deposit")
}
