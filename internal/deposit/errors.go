package deposit

import (
	"errors"

	"darkpool/internal/chain"
)

var (
	ErrInvalidAmount         = errors.New("deposit amount must be positive")
	ErrWrongNetwork          = errors.New("wrong network")
	ErrAlreadyInProgress     = errors.New("deposit already in progress")
	ErrUserRejectedSignature = errors.New("user rejected signature")
	ErrChainSubmissionFailed = errors.New("chain submission failed")
	ErrConfirmationTimedOut  = errors.New("confirmation timed out")

	// ErrReadUnavailable is the chain client's sentinel so errors.Is matches either name.
	ErrReadUnavailable = chain.ErrReadUnavailable
)

// Reason returns the taxonomy sentinel err belongs to, or nil when it matches none.
func Reason(err error) error {
	for _, sentinel := range []error{
		ErrInvalidAmount,
		ErrWrongNetwork,
		ErrAlreadyInProgress,
		ErrUserRejectedSignature,
		ErrChainSubmissionFailed,
		ErrConfirmationTimedOut,
		ErrReadUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}
