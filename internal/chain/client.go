package chain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"darkpool/internal/contracts"
)

var (
	// ErrReadUnavailable is returned when contract state cannot be read from the node.
	ErrReadUnavailable = errors.New("chain read unavailable")
	// ErrSignatureRejected is returned when no signer will sign for the requested account.
	ErrSignatureRejected = errors.New("signature rejected")
	// ErrSubmissionFailed is returned when a signed transaction could not be broadcast.
	ErrSubmissionFailed = errors.New("transaction submission failed")
	// ErrUnknownNetwork is returned by SwitchNetwork for chain ids without an endpoint.
	ErrUnknownNetwork = errors.New("unknown network")
)

// Client abstracts read/write access to an EVM chain.
type Client interface {
	ReadContract(ctx context.Context, d contracts.Descriptor, method string, args ...interface{}) ([]interface{}, error)
	WriteContract(ctx context.Context, d contracts.Descriptor, account common.Address, method string, args ...interface{}) (Handle, error)
	// WaitForReceipt blocks until the transaction is mined, reverted, or timeout elapses.
	// A timeout is reported through Receipt.Status, not as an error.
	WaitForReceipt(ctx context.Context, h Handle, timeout time.Duration) (Receipt, error)
	CurrentNetwork(ctx context.Context) (uint64, error)
	SwitchNetwork(ctx context.Context, chainID uint64) error
}

// HealthChecker is implemented by clients that can ping their RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handle identifies a submitted transaction.
type Handle struct {
	Hash        common.Hash
	Account     common.Address
	Contract    common.Address
	Method      string
	SubmittedAt time.Time
}

type ReceiptStatus string

const (
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptFailed    ReceiptStatus = "failed"
	ReceiptTimedOut  ReceiptStatus = "timed_out"
)

// Receipt is the outcome of waiting on a Handle.
type Receipt struct {
	Status      ReceiptStatus
	BlockNumber uint64
	GasUsed     uint64
}
