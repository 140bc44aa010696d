package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"darkpool/internal/contracts"
)

// Simulated is an in-memory chain that understands the vault and token interfaces. Calls are
// packed and results unpacked through the real ABIs, so argument shapes are checked exactly as
// they would be against a node. Used by tests and by the server when no signer is configured.
type Simulated struct {
	mu sync.Mutex

	chainID  uint64
	networks map[uint64]bool
	token    common.Address
	vault    common.Address

	balances     map[common.Address]*big.Int
	allowances   map[common.Address]map[common.Address]*big.Int
	deposited    map[common.Address]*big.Int
	depositCount map[common.Address]uint64
	total        *big.Int
	users        uint64

	block    uint64
	nonce    uint64
	receipts map[common.Hash]Receipt
	held     map[common.Hash]bool
	writes   []Handle

	rejected   map[common.Address]bool
	revertNext map[string]int
	holdNext   map[string]int
	readErr    error
	submitErr  error
	onWrite    func(Handle)
}

// NewSimulated starts an empty chain with chainID as the only known network.
func NewSimulated(chainID uint64, token, vault contracts.Descriptor) *Simulated {
	return &Simulated{
		chainID:      chainID,
		networks:     map[uint64]bool{chainID: true},
		token:        token.Address,
		vault:        vault.Address,
		balances:     make(map[common.Address]*big.Int),
		allowances:   make(map[common.Address]map[common.Address]*big.Int),
		deposited:    make(map[common.Address]*big.Int),
		depositCount: make(map[common.Address]uint64),
		total:        new(big.Int),
		receipts:     make(map[common.Hash]Receipt),
		held:         make(map[common.Hash]bool),
		rejected:     make(map[common.Address]bool),
		revertNext:   make(map[string]int),
		holdNext:     make(map[string]int),
	}
}

// Mint credits account with amount tokens.
func (s *Simulated) Mint(account common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = new(big.Int).Add(s.balanceOf(account), amount)
}

// SetAllowance changes an allowance out-of-band, as another application would.
func (s *Simulated) SetAllowance(owner, spender common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setAllowance(owner, spender, amount)
}

// Allowance returns the current allowance without going through ReadContract.
func (s *Simulated) Allowance(owner, spender common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.allowance(owner, spender))
}

// RejectSigner makes every write from account fail as a refused signature.
func (s *Simulated) RejectSigner(account common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[account] = true
}

// RevertNext makes the next n writes of method mine with a failed status and no effect.
func (s *Simulated) RevertNext(method string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revertNext[method] += n
}

// HoldReceiptNext applies the next n writes of method but never reports their receipt.
func (s *Simulated) HoldReceiptNext(method string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdNext[method] += n
}

// FailReads makes reads and pings fail with err until called again with nil.
func (s *Simulated) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// FailSubmissions makes broadcasts fail with err until called again with nil.
func (s *Simulated) FailSubmissions(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

// AddNetwork registers a chain id SwitchNetwork may move to.
func (s *Simulated) AddNetwork(chainID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks[chainID] = true
}

// OnWrite installs a hook that runs after every accepted write, outside the lock.
func (s *Simulated) OnWrite(fn func(Handle)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = fn
}

// Writes returns every accepted write in submission order.
func (s *Simulated) Writes() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *Simulated) ReadContract(_ context.Context, d contracts.Descriptor, method string, args ...interface{}) ([]interface{}, error) {
	if !d.HasMethod(method) {
		return nil, fmt.Errorf("%w: %s has no method %s", ErrReadUnavailable, d.Name, method)
	}
	if _, err := d.ABI.Pack(method, args...); err != nil {
		return nil, fmt.Errorf("pack %s.%s: %w", d.Name, method, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readErr != nil {
		return nil, fmt.Errorf("%w: call %s.%s: %w", ErrReadUnavailable, d.Name, method, s.readErr)
	}

	var outputs []interface{}
	switch {
	case d.Address == s.token && method == contracts.MethodAllowance:
		outputs = []interface{}{s.allowance(args[0].(common.Address), args[1].(common.Address))}
	case d.Address == s.token && method == contracts.MethodBalanceOf:
		outputs = []interface{}{s.balanceOf(args[0].(common.Address))}
	case d.Address == s.vault && method == contracts.MethodGetVaultStats:
		outputs = []interface{}{s.total, new(big.Int).SetUint64(s.users), s.balanceOf(s.vault)}
	case d.Address == s.vault && method == contracts.MethodGetUserStats:
		account := args[0].(common.Address)
		deposited := s.deposited[account]
		if deposited == nil {
			deposited = new(big.Int)
		}
		outputs = []interface{}{deposited, new(big.Int).SetUint64(s.depositCount[account])}
	default:
		return nil, fmt.Errorf("%w: %s.%s is not a view", ErrReadUnavailable, d.Name, method)
	}

	packed, err := d.ABI.Methods[method].Outputs.Pack(outputs...)
	if err != nil {
		return nil, fmt.Errorf("pack %s.%s result: %w", d.Name, method, err)
	}
	return d.ABI.Unpack(method, packed)
}

func (s *Simulated) WriteContract(_ context.Context, d contracts.Descriptor, account common.Address, method string, args ...interface{}) (Handle, error) {
	if !d.HasMethod(method) {
		return Handle{}, fmt.Errorf("%w: %s has no method %s", ErrSubmissionFailed, d.Name, method)
	}
	if _, err := d.ABI.Pack(method, args...); err != nil {
		return Handle{}, fmt.Errorf("%w: pack %s.%s: %w", ErrSubmissionFailed, d.Name, method, err)
	}

	s.mu.Lock()
	if s.rejected[account] {
		s.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: %s declined %s.%s", ErrSignatureRejected, account.Hex(), d.Name, method)
	}
	if s.submitErr != nil {
		err := s.submitErr
		s.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: %s.%s: %w", ErrSubmissionFailed, d.Name, method, err)
	}

	s.nonce++
	hash := crypto.Keccak256Hash(
		account.Bytes(),
		d.Address.Bytes(),
		[]byte(method),
		new(big.Int).SetUint64(s.nonce).Bytes(),
	)
	h := Handle{
		Hash:        hash,
		Account:     account,
		Contract:    d.Address,
		Method:      method,
		SubmittedAt: time.Now(),
	}
	s.writes = append(s.writes, h)

	status := ReceiptConfirmed
	if s.revertNext[method] > 0 {
		s.revertNext[method]--
		status = ReceiptFailed
	} else if err := s.apply(d, account, method, args); err != nil {
		status = ReceiptFailed
	}

	s.block++
	s.receipts[hash] = Receipt{Status: status, BlockNumber: s.block, GasUsed: 50_000}
	if s.holdNext[method] > 0 {
		s.holdNext[method]--
		s.held[hash] = true
	}
	hook := s.onWrite
	s.mu.Unlock()

	if hook != nil {
		hook(h)
	}
	return h, nil
}

var (
	errInsufficientAllowance = errors.New("insufficient allowance")
	errInsufficientBalance   = errors.New("insufficient balance")
)

// apply mutates state for a mined write. Caller holds s.mu.
func (s *Simulated) apply(d contracts.Descriptor, account common.Address, method string, args []interface{}) error {
	switch {
	case d.Address == s.token && method == contracts.MethodApprove:
		s.setAllowance(account, args[0].(common.Address), args[1].(*big.Int))
		return nil
	case d.Address == s.vault && method == contracts.MethodDeposit:
		amount := args[0].(*big.Int)
		allowance := s.allowance(account, s.vault)
		if allowance.Cmp(amount) < 0 {
			return errInsufficientAllowance
		}
		balance := s.balanceOf(account)
		if balance.Cmp(amount) < 0 {
			return errInsufficientBalance
		}
		s.setAllowance(account, s.vault, new(big.Int).Sub(allowance, amount))
		s.balances[account] = new(big.Int).Sub(balance, amount)
		s.balances[s.vault] = new(big.Int).Add(s.balanceOf(s.vault), amount)

		prev := s.deposited[account]
		if prev == nil {
			prev = new(big.Int)
			s.users++
		}
		s.deposited[account] = new(big.Int).Add(prev, amount)
		s.depositCount[account]++
		s.total = new(big.Int).Add(s.total, amount)
		return nil
	default:
		return fmt.Errorf("%s.%s is not writable", d.Name, method)
	}
}

func (s *Simulated) WaitForReceipt(ctx context.Context, h Handle, timeout time.Duration) (Receipt, error) {
	s.mu.Lock()
	receipt, ok := s.receipts[h.Hash]
	held := s.held[h.Hash]
	s.mu.Unlock()

	if !ok {
		return Receipt{}, fmt.Errorf("unknown transaction %s", h.Hash.Hex())
	}
	if !held {
		return receipt, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Receipt{Status: ReceiptTimedOut}, ctx.Err()
	case <-timer.C:
		return Receipt{Status: ReceiptTimedOut}, nil
	}
}

func (s *Simulated) CurrentNetwork(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chainID, nil
}

func (s *Simulated) SwitchNetwork(_ context.Context, chainID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.networks[chainID] {
		return fmt.Errorf("%w: %d", ErrUnknownNetwork, chainID)
	}
	s.chainID = chainID
	return nil
}

func (s *Simulated) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

func (s *Simulated) balanceOf(account common.Address) *big.Int {
	if b := s.balances[account]; b != nil {
		return b
	}
	return new(big.Int)
}

func (s *Simulated) allowance(owner, spender common.Address) *big.Int {
	if a := s.allowances[owner][spender]; a != nil {
		return a
	}
	return new(big.Int)
}

func (s *Simulated) setAllowance(owner, spender common.Address, amount *big.Int) {
	if s.allowances[owner] == nil {
		s.allowances[owner] = make(map[common.Address]*big.Int)
	}
	s.allowances[owner][spender] = new(big.Int).Set(amount)
}
