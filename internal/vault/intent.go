package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"darkpool/internal/chain"
	"darkpool/internal/contracts"
)

type IntentKind string

const (
	IntentApprove IntentKind = "approve"
	IntentDeposit IntentKind = "deposit"
)

// Intent is one state-changing call in a deposit plan. It is immutable once built.
type Intent struct {
	kind    IntentKind
	spender common.Address
	amount  *big.Int
}

// Approve lets spender pull amount tokens.
func Approve(spender common.Address, amount *big.Int) Intent {
	return Intent{kind: IntentApprove, spender: spender, amount: new(big.Int).Set(amount)}
}

// Deposit moves amount tokens into the vault.
func Deposit(amount *big.Int) Intent {
	return Intent{kind: IntentDeposit, amount: new(big.Int).Set(amount)}
}

func (i Intent) Kind() IntentKind { return i.kind }

func (i Intent) Spender() common.Address { return i.spender }

func (i Intent) Amount() *big.Int { return new(big.Int).Set(i.amount) }

func (i Intent) String() string {
	if i.kind == IntentApprove {
		return fmt.Sprintf("approve(%s, %s)", i.spender.Hex(), i.amount)
	}
	return fmt.Sprintf("deposit(%s)", i.amount)
}

// Submit sends the intent from account through the chain client.
func (r *Reader) Submit(ctx context.Context, account common.Address, i Intent) (chain.Handle, error) {
	switch i.kind {
	case IntentApprove:
		return r.chain.WriteContract(ctx, r.token, account, contracts.MethodApprove, i.Spender(), i.Amount())
	case IntentDeposit:
		return r.chain.WriteContract(ctx, r.vault, account, contracts.MethodDeposit, i.Amount())
	default:
		return chain.Handle{}, fmt.Errorf("unknown intent %q", i.kind)
	}
}
