package stats

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
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

func setup(t *testing.T, opts Options) (*ViewModel, *vault.Reader, *chain.Simulated) {
	t.Helper()
	token, err := contracts.NewToken(contracts.DefaultTokenAddress)
	require.NoError(t, err)
	v, err := contracts.NewVault(contracts.DefaultVaultAddress)
	require.NoError(t, err)

	sim := chain.NewSimulated(contracts.BaseSepoliaChainID, token, v)
	reader := vault.NewReader(sim, v, token)
	opts.Reader = reader
	vm := New(opts)
	t.Cleanup(vm.Close)
	return vm, reader, sim
}

func depositDirect(t *testing.T, reader *vault.Reader, sim *chain.Simulated, account common.Address, amount int64) {
	t.Helper()
	ctx := context.Background()
	sim.Mint(account, big.NewInt(amount))
	_, err := reader.Submit(ctx, account, vault.Approve(reader.Vault().Address, big.NewInt(amount)))
	require.NoError(t, err)
	_, err = reader.Submit(ctx, account, vault.Deposit(big.NewInt(amount)))
	require.NoError(t, err)
}

func TestMountLoadsVaultStats(t *testing.T) {
	vm, reader, sim := setup(t, Options{})
	depositDirect(t, reader, sim, alice, 10)

	require.False(t, vm.Vault().Loaded)
	require.NoError(t, vm.Mount(context.Background()))

	snap := vm.Vault()
	require.True(t, snap.Loaded)
	require.False(t, snap.Stale)
	require.Equal(t, int64(10), snap.Value.TotalDeposited.Int64())
	require.Equal(t, uint64(1), snap.Value.TotalUsers)
	require.False(t, snap.UpdatedAt.IsZero())
}

func TestFailedRefreshKeepsLastGoodValue(t *testing.T) {
	vm, reader, sim := setup(t, Options{})
	depositDirect(t, reader, sim, alice, 10)
	ctx := context.Background()

	_, err := vm.RefreshVaultStats(ctx)
	require.NoError(t, err)
	_, err = vm.RefreshUserStats(ctx, alice)
	require.NoError(t, err)

	sim.FailReads(errors.New("rpc down"))
	_, err = vm.RefreshVaultStats(ctx)
	require.ErrorIs(t, err, chain.ErrReadUnavailable)
	_, err = vm.RefreshUserStats(ctx, alice)
	require.ErrorIs(t, err, chain.ErrReadUnavailable)

	snap := vm.Vault()
	require.True(t, snap.Stale)
	require.Error(t, snap.LastError)
	require.Equal(t, int64(10), snap.Value.TotalDeposited.Int64())
	require.True(t, vm.User(alice).Stale)
	require.Equal(t, uint64(1), vm.User(alice).Value.DepositCount)
	require.True(t, vm.Stale())

	sim.FailReads(nil)
	_, err = vm.RefreshVaultStats(ctx)
	require.NoError(t, err)
	_, err = vm.RefreshUserStats(ctx, alice)
	require.NoError(t, err)
	require.False(t, vm.Stale())
}

func TestCompletedEventRefreshesAfterDelay(t *testing.T) {
	vm, reader, sim := setup(t, Options{RefreshDelay: 100 * time.Millisecond})
	require.NoError(t, vm.Mount(context.Background()))
	require.Equal(t, uint64(0), vm.Vault().Value.TotalUsers)

	depositDirect(t, reader, sim, alice, 10)

	// Non-terminal events are ignored.
	vm.HandleEvent(deposit.Event{Account: alice, State: deposit.StateAwaitingDeposit})
	start := time.Now()
	vm.HandleEvent(deposit.Event{Account: alice, State: deposit.StateCompleted})

	// Nothing is re-read until the delay has passed.
	require.False(t, vm.User(alice).Loaded)
	require.Equal(t, uint64(0), vm.Vault().Value.TotalUsers)

	require.Eventually(t, func() bool {
		return vm.Vault().Value.TotalUsers == 1 && vm.User(alice).Loaded
	}, 2*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.Equal(t, int64(10), vm.User(alice).Value.Deposited.Int64())
}

func TestCloseCancelsPendingRefresh(t *testing.T) {
	vm, reader, sim := setup(t, Options{RefreshDelay: 50 * time.Millisecond})
	require.NoError(t, vm.Mount(context.Background()))
	before := vm.Vault().UpdatedAt

	depositDirect(t, reader, sim, alice, 10)
	vm.HandleEvent(deposit.Event{Account: alice, State: deposit.StateCompleted})
	vm.Close()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, before, vm.Vault().UpdatedAt)
	require.False(t, vm.User(alice).Loaded)

	// Events after Close are dropped.
	vm.HandleEvent(deposit.Event{Account: alice, State: deposit.StateCompleted})
}

func TestRunPollsTrackedAccounts(t *testing.T) {
	vm, reader, sim := setup(t, Options{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := vm.RefreshUserStats(ctx, alice)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		vm.Run(ctx)
		close(done)
	}()

	depositDirect(t, reader, sim, alice, 10)
	require.Eventually(t, func() bool {
		return vm.User(alice).Value.DepositCount == 1 && vm.Vault().Value.TotalUsers == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRunWithoutIntervalReturns(t *testing.T) {
	vm, _, _ := setup(t, Options{})
	vm.Run(context.Background())
}

// slowChain returns vault stats reads as usual but, when armed, holds the result of the next
// one until released.
type slowChain struct {
	*chain.Simulated
	armed   atomic.Bool
	held    chan struct{}
	release chan struct{}
}

func (c *slowChain) ReadContract(ctx context.Context, d contracts.Descriptor, method string, args ...interface{}) ([]interface{}, error) {
	out, err := c.Simulated.ReadContract(ctx, d, method, args...)
	if method == contracts.MethodGetVaultStats && c.armed.CompareAndSwap(true, false) {
		close(c.held)
		<-c.release
	}
	return out, err
}

func TestSlowRefreshDoesNotOverwriteNewerRead(t *testing.T) {
	token, err := contracts.NewToken(contracts.DefaultTokenAddress)
	require.NoError(t, err)
	v, err := contracts.NewVault(contracts.DefaultVaultAddress)
	require.NoError(t, err)

	sim := chain.NewSimulated(contracts.BaseSepoliaChainID, token, v)
	slow := &slowChain{Simulated: sim, held: make(chan struct{}), release: make(chan struct{})}
	reader := vault.NewReader(slow, v, token)
	vm := New(Options{Reader: reader})
	t.Cleanup(vm.Close)
	ctx := context.Background()

	slow.armed.Store(true)
	done := make(chan vault.VaultStats)
	go func() {
		stats, _ := vm.RefreshVaultStats(ctx)
		done <- stats
	}()
	<-slow.held

	depositDirect(t, reader, sim, alice, 10)
	fresh, err := vm.RefreshVaultStats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), fresh.TotalUsers)

	close(slow.release)
	stale := <-done
	require.Equal(t, uint64(0), stale.TotalUsers)

	require.Equal(t, uint64(1), vm.Vault().Value.TotalUsers)
	require.False(t, vm.Vault().Stale)
}
