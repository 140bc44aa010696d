package deposit

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"darkpool/internal/vault"
)

// State is where an account's deposit orchestration currently stands.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingApproval State = "awaiting_approval"
	StateAwaitingDeposit  State = "awaiting_deposit"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

func awaitingState(kind vault.IntentKind) State {
	if kind == vault.IntentApprove {
		return StateAwaitingApproval
	}
	return StateAwaitingDeposit
}

// Event is published on every transition, and again once an awaited transaction has a hash.
type Event struct {
	AttemptID string
	Account   common.Address
	Amount    *big.Int
	State     State
	Step      vault.IntentKind
	TxHash    common.Hash
	Err       error
	At        time.Time
}

// Submitted reports whether the event announces a broadcast transaction.
func (e Event) Submitted() bool {
	return e.TxHash != (common.Hash{})
}

// Listener receives events synchronously, in order. It must not call RequestDeposit.
type Listener func(Event)

// Outcome summarizes one RequestDeposit call. State is Completed, Failed, or Idle when the
// attempt stopped without a terminal result (timeout, wrong network, cancellation).
type Outcome struct {
	AttemptID  string
	Plan       []vault.Intent
	State      State
	TxHashes   []common.Hash
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}
