package deposit

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"darkpool/internal/vault"
)

// Plan returns the minimal intent sequence to deposit amount: approve first only when the
// freshly read allowance does not cover it.
func Plan(allowance, amount *big.Int, spender common.Address) []vault.Intent {
	if allowance.Cmp(amount) < 0 {
		return []vault.Intent{vault.Approve(spender, amount), vault.Deposit(amount)}
	}
	return []vault.Intent{vault.Deposit(amount)}
}
