// Package vault provides typed access to the DarkPool vault and its deposit token.
package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"darkpool/internal/chain"
	"darkpool/internal/contracts"
)

// VaultStats is the vault-wide aggregate returned by getVaultStats.
type VaultStats struct {
	TotalDeposited    *big.Int
	TotalUsers        uint64
	VaultTokenBalance *big.Int
}

// UserStats is the per-account view: getUserStats plus the account's token position.
type UserStats struct {
	Deposited    *big.Int
	DepositCount uint64
	Balance      *big.Int
	Allowance    *big.Int
}

// Reader performs view calls against the vault and token.
type Reader struct {
	chain chain.Client
	vault contracts.Descriptor
	token contracts.Descriptor
}

func NewReader(client chain.Client, vault, token contracts.Descriptor) *Reader {
	return &Reader{chain: client, vault: vault, token: token}
}

func (r *Reader) Vault() contracts.Descriptor { return r.vault }

func (r *Reader) Token() contracts.Descriptor { return r.token }

// Allowance is the amount owner has authorized the vault to pull.
func (r *Reader) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := r.chain.ReadContract(ctx, r.token, contracts.MethodAllowance, owner, r.vault.Address)
	if err != nil {
		return nil, err
	}
	return bigAt(out, 0, contracts.MethodAllowance)
}

func (r *Reader) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	out, err := r.chain.ReadContract(ctx, r.token, contracts.MethodBalanceOf, account)
	if err != nil {
		return nil, err
	}
	return bigAt(out, 0, contracts.MethodBalanceOf)
}

func (r *Reader) VaultStats(ctx context.Context) (VaultStats, error) {
	out, err := r.chain.ReadContract(ctx, r.vault, contracts.MethodGetVaultStats)
	if err != nil {
		return VaultStats{}, err
	}
	total, err := bigAt(out, 0, contracts.MethodGetVaultStats)
	if err != nil {
		return VaultStats{}, err
	}
	users, err := bigAt(out, 1, contracts.MethodGetVaultStats)
	if err != nil {
		return VaultStats{}, err
	}
	balance, err := bigAt(out, 2, contracts.MethodGetVaultStats)
	if err != nil {
		return VaultStats{}, err
	}
	return VaultStats{
		TotalDeposited:    total,
		TotalUsers:        users.Uint64(),
		VaultTokenBalance: balance,
	}, nil
}

// UserStats reads the vault's record for account along with its balance and allowance.
func (r *Reader) UserStats(ctx context.Context, account common.Address) (UserStats, error) {
	out, err := r.chain.ReadContract(ctx, r.vault, contracts.MethodGetUserStats, account)
	if err != nil {
		return UserStats{}, err
	}
	deposited, err := bigAt(out, 0, contracts.MethodGetUserStats)
	if err != nil {
		return UserStats{}, err
	}
	count, err := bigAt(out, 1, contracts.MethodGetUserStats)
	if err != nil {
		return UserStats{}, err
	}
	balance, err := r.BalanceOf(ctx, account)
	if err != nil {
		return UserStats{}, err
	}
	allowance, err := r.Allowance(ctx, account)
	if err != nil {
		return UserStats{}, err
	}
	return UserStats{
		Deposited:    deposited,
		DepositCount: count.Uint64(),
		Balance:      balance,
		Allowance:    allowance,
	}, nil
}

func bigAt(values []interface{}, i int, method string) (*big.Int, error) {
	if len(values) <= i {
		return nil, fmt.Errorf("%w: %s returned %d values", chain.ErrReadUnavailable, method, len(values))
	}
	v, ok := values[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s value %d has type %T", chain.ErrReadUnavailable, method, i, values[i])
	}
	return v, nil
}
