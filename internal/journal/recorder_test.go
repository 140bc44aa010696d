package journal

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"darkpool/internal/chain"
	"darkpool/internal/contracts"
	"darkpool/internal/deposit"
	"darkpool/internal/vault"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

func newOrchestrator(t *testing.T, timeout time.Duration) (*deposit.Orchestrator, *chain.Simulated) {
	t.Helper()
	token, err := contracts.NewToken(contracts.DefaultTokenAddress)
	require.NoError(t, err)
	v, err := contracts.NewVault(contracts.DefaultVaultAddress)
	require.NoError(t, err)
	sim := chain.NewSimulated(contracts.BaseSepoliaChainID, token, v)
	orch := deposit.New(deposit.Options{
		Chain:           sim,
		Reader:          vault.NewReader(sim, v, token),
		ExpectedChainID: contracts.BaseSepoliaChainID,
		ConfirmTimeout:  timeout,
	})
	return orch, sim
}

func TestRecorderJournalsCompletedDeposit(t *testing.T) {
	orch, sim := newOrchestrator(t, time.Second)
	sim.Mint(alice, big.NewInt(100))

	store := NewMemoryStore()
	orch.Subscribe(NewRecorder(store, time.Hour, nil).HandleEvent)

	out, err := orch.RequestDeposit(context.Background(), big.NewInt(10), alice)
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), out.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, string(deposit.StateCompleted), rec.State)
	require.Equal(t, alice.Hex(), rec.Account)
	require.Equal(t, "10", rec.Amount)
	require.Equal(t, []string{"approve", "deposit"}, rec.Steps)
	require.Equal(t, []string{out.TxHashes[0].Hex(), out.TxHashes[1].Hex()}, rec.TxHashes)
	require.Empty(t, rec.Error)
	require.WithinDuration(t, rec.UpdatedAt.Add(time.Hour), rec.ExpiresAt, time.Millisecond)
}

func TestRecorderJournalsFailureReason(t *testing.T) {
	orch, sim := newOrchestrator(t, time.Second)
	sim.Mint(alice, big.NewInt(100))
	sim.RejectSigner(alice)

	store := NewMemoryStore()
	orch.Subscribe(NewRecorder(store, 0, nil).HandleEvent)

	out, err := orch.RequestDeposit(context.Background(), big.NewInt(10), alice)
	require.ErrorIs(t, err, deposit.ErrUserRejectedSignature)

	rec, err := store.Get(context.Background(), out.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, string(deposit.StateFailed), rec.State)
	require.Equal(t, deposit.ErrUserRejectedSignature.Error(), rec.Reason)
	require.Empty(t, rec.TxHashes)
	require.True(t, rec.ExpiresAt.IsZero())
}

func TestRecorderJournalsTimeout(t *testing.T) {
	orch, sim := newOrchestrator(t, 10*time.Millisecond)
	sim.Mint(alice, big.NewInt(100))
	sim.HoldReceiptNext(contracts.MethodApprove, 1)

	store := NewMemoryStore()
	orch.Subscribe(NewRecorder(store, 0, nil).HandleEvent)

	out, err := orch.RequestDeposit(context.Background(), big.NewInt(10), alice)
	require.ErrorIs(t, err, deposit.ErrConfirmationTimedOut)

	rec, err := store.Get(context.Background(), out.AttemptID)
	require.NoError(t, err)
	require.Equal(t, string(deposit.StateIdle), rec.State)
	require.Equal(t, deposit.ErrConfirmationTimedOut.Error(), rec.Reason)
	require.Len(t, rec.TxHashes, 1)

	list, err := store.ListByAccount(context.Background(), alice.Hex(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
}
