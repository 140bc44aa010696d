// Package stats keeps the last good vault and per-account statistics for display, refreshing
// them on mount, after completed deposits, and on an optional poll interval.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"darkpool/internal/chain"
	"darkpool/internal/deposit"
	"darkpool/internal/vault"
)

const (
	// DefaultRefreshDelay gives lagging RPC replicas time to see a just-mined deposit.
	DefaultRefreshDelay = 4 * time.Second
	DefaultReadTimeout  = 10 * time.Second
)

// Snapshot is the last good value of a read plus its freshness. Stale is set when the most
// recent refresh failed; Value then still holds the previous good read.
type Snapshot[T any] struct {
	Value     T
	UpdatedAt time.Time
	Loaded    bool
	Stale     bool
	LastError error
}

type Options struct {
	Reader       *vault.Reader
	RefreshDelay time.Duration
	// PollInterval enables periodic refresh in Run. Zero disables polling.
	PollInterval time.Duration
	ReadTimeout  time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

type ViewModel struct {
	reader       *vault.Reader
	refreshDelay time.Duration
	pollInterval time.Duration
	readTimeout  time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu    sync.RWMutex
	vault Snapshot[vault.VaultStats]
	users map[common.Address]Snapshot[vault.UserStats]
	// Reads are numbered when they start. A result older than the one already applied is
	// dropped, so a slow poll cannot overwrite a newer post-deposit read.
	seq      uint64
	vaultSeq uint64
	userSeq  map[common.Address]uint64

	// pending delayed refreshes, stopped by Close
	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	closed   bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(opts Options) *ViewModel {
	ctx, cancel := context.WithCancel(context.Background())
	vm := &ViewModel{
		reader:       opts.Reader,
		refreshDelay: opts.RefreshDelay,
		pollInterval: opts.PollInterval,
		readTimeout:  opts.ReadTimeout,
		logger:       opts.Logger,
		now:          opts.Now,
		users:        make(map[common.Address]Snapshot[vault.UserStats]),
		userSeq:      make(map[common.Address]uint64),
		timers:       make(map[*time.Timer]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	if vm.refreshDelay <= 0 {
		vm.refreshDelay = DefaultRefreshDelay
	}
	if vm.readTimeout <= 0 {
		vm.readTimeout = DefaultReadTimeout
	}
	if vm.logger == nil {
		vm.logger = zap.NewNop()
	}
	if vm.now == nil {
		vm.now = time.Now
	}
	return vm
}

// Mount performs the initial vault read.
func (vm *ViewModel) Mount(ctx context.Context) error {
	_, err := vm.RefreshVaultStats(ctx)
	return err
}

// RefreshVaultStats reads the vault aggregate. On failure the previous value is kept and
// marked stale.
func (vm *ViewModel) RefreshVaultStats(ctx context.Context) (vault.VaultStats, error) {
	seq := vm.nextSeq()
	stats, err := vm.reader.VaultStats(ctx)
	if err != nil {
		err = readError("vault stats", err)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if seq < vm.vaultSeq {
		vm.logger.Debug("dropping out of order vault stats read")
		return stats, err
	}
	vm.vaultSeq = seq
	if err != nil {
		vm.vault.Stale = true
		vm.vault.LastError = err
		vm.logger.Warn("vault stats refresh failed", zap.Error(err))
		return vm.vault.Value, err
	}
	vm.vault = Snapshot[vault.VaultStats]{
		Value:     stats,
		UpdatedAt: vm.now(),
		Loaded:    true,
	}
	return stats, nil
}

// RefreshUserStats reads account's vault record and token position. The account is polled by
// Run from then on.
func (vm *ViewModel) RefreshUserStats(ctx context.Context, account common.Address) (vault.UserStats, error) {
	seq := vm.nextSeq()
	stats, err := vm.reader.UserStats(ctx, account)
	if err != nil {
		err = readError("user stats", err)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if seq < vm.userSeq[account] {
		vm.logger.Debug("dropping out of order user stats read", zap.String("account", account.Hex()))
		return stats, err
	}
	vm.userSeq[account] = seq
	snap := vm.users[account]
	if err != nil {
		snap.Stale = true
		snap.LastError = err
		vm.users[account] = snap
		vm.logger.Warn("user stats refresh failed",
			zap.String("account", account.Hex()),
			zap.Error(err))
		return snap.Value, err
	}
	vm.users[account] = Snapshot[vault.UserStats]{
		Value:     stats,
		UpdatedAt: vm.now(),
		Loaded:    true,
	}
	return stats, nil
}

func (vm *ViewModel) nextSeq() uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.seq++
	return vm.seq
}

func readError(what string, err error) error {
	if errors.Is(err, chain.ErrReadUnavailable) {
		return fmt.Errorf("refresh %s: %w", what, err)
	}
	return fmt.Errorf("refresh %s: %w: %w", what, chain.ErrReadUnavailable, err)
}

func (vm *ViewModel) Vault() Snapshot[vault.VaultStats] {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.vault
}

// User returns the account's snapshot; Loaded is false until the first successful read.
func (vm *ViewModel) User(account common.Address) Snapshot[vault.UserStats] {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.users[account]
}

// Stale reports whether any tracked snapshot failed its last refresh.
func (vm *ViewModel) Stale() bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.vault.Stale {
		return true
	}
	for _, snap := range vm.users {
		if snap.Stale {
			return true
		}
	}
	return false
}

// HandleEvent schedules a delayed re-read of the vault and the depositing account after every
// completed deposit. It is a deposit.Listener.
func (vm *ViewModel) HandleEvent(ev deposit.Event) {
	if ev.State != deposit.StateCompleted {
		return
	}

	vm.timersMu.Lock()
	defer vm.timersMu.Unlock()
	if vm.closed {
		return
	}

	account := ev.Account
	var timer *time.Timer
	vm.wg.Add(1)
	timer = time.AfterFunc(vm.refreshDelay, func() {
		defer vm.wg.Done()
		vm.timersMu.Lock()
		delete(vm.timers, timer)
		vm.timersMu.Unlock()

		vm.refresh(vm.ctx, []common.Address{account})
	})
	vm.timers[timer] = struct{}{}
	vm.logger.Debug("refresh scheduled",
		zap.String("account", account.Hex()),
		zap.Duration("delay", vm.refreshDelay))
}

// Run polls every PollInterval until ctx is done. It returns immediately when polling is
// disabled.
func (vm *ViewModel) Run(ctx context.Context) {
	if vm.pollInterval <= 0 {
		return
	}
	vm.logger.Info("stats poller started", zap.Duration("poll_interval", vm.pollInterval))

	ticker := time.NewTicker(vm.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			vm.logger.Info("stats poller stopping")
			return
		case <-ticker.C:
			vm.refresh(ctx, vm.accounts())
		}
	}
}

func (vm *ViewModel) accounts() []common.Address {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make([]common.Address, 0, len(vm.users))
	for account := range vm.users {
		out = append(out, account)
	}
	return out
}

// refresh runs one bounded cycle. Errors are already recorded on the snapshots.
func (vm *ViewModel) refresh(ctx context.Context, accounts []common.Address) {
	cycleCtx, cancel := context.WithTimeout(ctx, vm.readTimeout)
	defer cancel()

	_, _ = vm.RefreshVaultStats(cycleCtx)
	for _, account := range accounts {
		if cycleCtx.Err() != nil {
			return
		}
		_, _ = vm.RefreshUserStats(cycleCtx, account)
	}
}

// Close cancels pending delayed refreshes and waits for any that already started.
func (vm *ViewModel) Close() {
	vm.timersMu.Lock()
	vm.closed = true
	for timer := range vm.timers {
		if timer.Stop() {
			vm.wg.Done()
		}
		delete(vm.timers, timer)
	}
	vm.timersMu.Unlock()

	vm.cancel()
	vm.wg.Wait()
}
