// Package deposit turns a deposit request into the minimal approve/deposit transaction
// sequence and tracks it through an explicit per-account state machine:
//
//	idle -> awaiting_approval -> awaiting_deposit -> completed -> idle
//
// Either awaiting state may move to failed (rejection or revert) or straight back to idle
// (confirmation timeout, or the network changed between steps). Every transition is published
// to subscribed listeners.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"darkpool/internal/chain"
	"darkpool/internal/contracts"
	"darkpool/internal/vault"
)

const DefaultConfirmTimeout = 60 * time.Second

// Options for creating an Orchestrator.
type Options struct {
	Chain           chain.Client
	Reader          *vault.Reader
	ExpectedChainID uint64
	ConfirmTimeout  time.Duration
	Logger          *zap.Logger

	// Optional, for tests.
	Now   func() time.Time
	NewID func() string
}

// Orchestrator runs at most one deposit per account at a time.
type Orchestrator struct {
	chain           chain.Client
	reader          *vault.Reader
	expectedChainID uint64
	confirmTimeout  time.Duration
	logger          *zap.Logger
	now             func() time.Time
	newID           func() string

	mu     sync.Mutex
	active map[common.Address]State

	listenersMu  sync.RWMutex
	listeners    map[int]Listener
	nextListener int
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		chain:           opts.Chain,
		reader:          opts.Reader,
		expectedChainID: opts.ExpectedChainID,
		confirmTimeout:  opts.ConfirmTimeout,
		logger:          opts.Logger,
		now:             opts.Now,
		newID:           opts.NewID,
		active:          make(map[common.Address]State),
		listeners:       make(map[int]Listener),
	}
	if o.confirmTimeout <= 0 {
		o.confirmTimeout = DefaultConfirmTimeout
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = func() string { return uuid.NewString() }
	}
	return o
}

// Subscribe registers l for every future event. The returned func unsubscribes.
func (o *Orchestrator) Subscribe(l Listener) func() {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	id := o.nextListener
	o.nextListener++
	o.listeners[id] = l
	return func() {
		o.listenersMu.Lock()
		defer o.listenersMu.Unlock()
		delete(o.listeners, id)
	}
}

// State reports the account's current orchestration state.
func (o *Orchestrator) State(account common.Address) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.active[account]; ok {
		return s
	}
	return StateIdle
}

type attempt struct {
	id      string
	account common.Address
	amount  *big.Int
	state   State
}

// RequestDeposit deposits amount from account into the vault, approving first when the
// current allowance is short. It blocks until the attempt reaches a terminal outcome; the
// returned error is also recorded on the Outcome.
func (o *Orchestrator) RequestDeposit(ctx context.Context, amount *big.Int, account common.Address) (Outcome, error) {
	startedAt := o.now()
	if amount == nil || amount.Sign() <= 0 {
		return Outcome{State: StateIdle, Err: ErrInvalidAmount, StartedAt: startedAt, FinishedAt: startedAt}, ErrInvalidAmount
	}
	if err := contracts.CheckUint256(amount); err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidAmount, err)
		return Outcome{State: StateIdle, Err: err, StartedAt: startedAt, FinishedAt: startedAt}, err
	}
	if !o.acquire(account) {
		return Outcome{State: o.State(account), Err: ErrAlreadyInProgress, StartedAt: startedAt, FinishedAt: startedAt}, ErrAlreadyInProgress
	}
	defer o.release(account)

	run := &attempt{
		id:      o.newID(),
		account: account,
		amount:  new(big.Int).Set(amount),
		state:   StateIdle,
	}
	out := Outcome{AttemptID: run.id, State: StateIdle, StartedAt: startedAt}
	log := o.logger.With(
		zap.String("attempt_id", run.id),
		zap.String("account", account.Hex()),
		zap.String("amount", amount.String()))

	if err := o.checkNetwork(ctx, log); err != nil {
		return o.stop(run, out, err)
	}

	allowance, err := o.reader.Allowance(ctx, account)
	if err != nil {
		log.Warn("allowance read failed", zap.Error(err))
		return o.stop(run, out, fmt.Errorf("read allowance: %w", err))
	}
	out.Plan = Plan(allowance, amount, o.reader.Vault().Address)
	log.Info("deposit planned",
		zap.String("allowance", allowance.String()),
		zap.Int("steps", len(out.Plan)))

	var last common.Hash
	for _, intent := range out.Plan {
		step := intent.Kind()
		if err := ctx.Err(); err != nil {
			log.Info("deposit cancelled before submission", zap.String("step", string(step)))
			return o.stop(run, out, err)
		}
		// The network may have been switched while an earlier step was confirming.
		if err := o.checkNetwork(ctx, log.With(zap.String("step", string(step)))); err != nil {
			return o.stop(run, out, err)
		}

		o.transition(run, awaitingState(step), step, common.Hash{}, nil)
		h, err := o.reader.Submit(ctx, account, intent)
		if err != nil {
			reason := ErrChainSubmissionFailed
			if errors.Is(err, chain.ErrSignatureRejected) {
				reason = ErrUserRejectedSignature
			}
			log.Warn("submission failed", zap.String("step", string(step)), zap.Error(err))
			return o.fail(run, out, step, common.Hash{}, fmt.Errorf("%w: %s: %w", reason, step, err))
		}
		out.TxHashes = append(out.TxHashes, h.Hash)
		last = h.Hash
		o.emit(run, step, h.Hash, nil)

		receipt, err := o.chain.WaitForReceipt(ctx, h, o.confirmTimeout)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("receipt wait failed", zap.String("tx_hash", h.Hash.Hex()), zap.Error(err))
			return o.fail(run, out, step, h.Hash, fmt.Errorf("%w: %s receipt: %w", ErrChainSubmissionFailed, step, err))
		case err != nil || receipt.Status == chain.ReceiptTimedOut:
			terr := fmt.Errorf("%w: %s %s after %s", ErrConfirmationTimedOut, step, h.Hash.Hex(), o.confirmTimeout)
			if err != nil {
				terr = fmt.Errorf("%w: %w", terr, err)
			}
			log.Warn("confirmation timed out", zap.String("tx_hash", h.Hash.Hex()))
			return o.stop(run, out, terr)
		case receipt.Status == chain.ReceiptFailed:
			log.Warn("transaction reverted", zap.String("tx_hash", h.Hash.Hex()))
			return o.fail(run, out, step, h.Hash, fmt.Errorf("%w: %s %s reverted", ErrChainSubmissionFailed, step, h.Hash.Hex()))
		}
		log.Info("transaction confirmed",
			zap.String("step", string(step)),
			zap.String("tx_hash", h.Hash.Hex()),
			zap.Uint64("block", receipt.BlockNumber))
	}

	o.transition(run, StateCompleted, vault.IntentDeposit, last, nil)
	o.transition(run, StateIdle, "", common.Hash{}, nil)
	out.State = StateCompleted
	out.FinishedAt = o.now()
	log.Info("deposit completed", zap.Duration("elapsed", out.FinishedAt.Sub(startedAt)))
	return out, nil
}

func (o *Orchestrator) checkNetwork(ctx context.Context, log *zap.Logger) error {
	network, err := o.chain.CurrentNetwork(ctx)
	if err != nil {
		log.Warn("network check failed", zap.Error(err))
		return fmt.Errorf("current network: %w", err)
	}
	if network != o.expectedChainID {
		log.Warn("wrong network", zap.Uint64("current", network), zap.Uint64("expected", o.expectedChainID))
		return fmt.Errorf("%w: connected to %d, expected %d", ErrWrongNetwork, network, o.expectedChainID)
	}
	return nil
}

// fail publishes Failed(err) followed by the reset to idle.
func (o *Orchestrator) fail(run *attempt, out Outcome, step vault.IntentKind, hash common.Hash, err error) (Outcome, error) {
	o.transition(run, StateFailed, step, hash, err)
	o.transition(run, StateIdle, "", common.Hash{}, nil)
	out.State = StateFailed
	out.Err = err
	out.FinishedAt = o.now()
	return out, err
}

// stop ends the attempt without a terminal state. If it had left idle, the return to idle is
// published with the error attached.
func (o *Orchestrator) stop(run *attempt, out Outcome, err error) (Outcome, error) {
	if run.state != StateIdle {
		o.transition(run, StateIdle, "", common.Hash{}, err)
	}
	out.State = StateIdle
	out.Err = err
	out.FinishedAt = o.now()
	return out, err
}

func (o *Orchestrator) transition(run *attempt, state State, step vault.IntentKind, hash common.Hash, err error) {
	run.state = state
	o.mu.Lock()
	o.active[run.account] = state
	o.mu.Unlock()
	o.emit(run, step, hash, err)
}

func (o *Orchestrator) emit(run *attempt, step vault.IntentKind, hash common.Hash, err error) {
	ev := Event{
		AttemptID: run.id,
		Account:   run.account,
		Amount:    new(big.Int).Set(run.amount),
		State:     run.state,
		Step:      step,
		TxHash:    hash,
		Err:       err,
		At:        o.now(),
	}

	o.listenersMu.RLock()
	listeners := make([]Listener, 0, len(o.listeners))
	for id := 0; id < o.nextListener; id++ {
		if l, ok := o.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	o.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (o *Orchestrator) acquire(account common.Address) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[account]; busy {
		return false
	}
	o.active[account] = StateIdle
	return true
}

func (o *Orchestrator) release(account common.Address) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, account)
}
