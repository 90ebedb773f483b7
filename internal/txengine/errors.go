package txengine

import (
	"errors"
	"fmt"

	"github.com/openvault/wallet-engine/pkg/amount"
)

var (
	// ErrNotSigned means Broadcast was called before the signing quorum.
	ErrNotSigned = errors.New("transaction not fully signed")

	// ErrNotReplaceable means the original did not signal RBF.
	ErrNotReplaceable = errors.New("transaction did not opt in to replacement")

	// ErrFeeRateTooLow means a bump did not strictly raise the fee rate.
	ErrFeeRateTooLow = errors.New("replacement fee rate must exceed the original")

	// ErrUnknownTransaction means this engine instance does not hold the
	// inputs of the transaction (e.g. created before a restart).
	ErrUnknownTransaction = errors.New("transaction not tracked by this engine")
)

// InsufficientFundsError reports that the wallet's spendable outputs cannot
// cover amount plus fee.
type InsufficientFundsError struct {
	Need      amount.Sat
	Available amount.Sat
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %s, available %s",
		e.Need.Format(), e.Available.Format())
}

// InvalidSignatureError reports a partial signature that failed verification.
// Previously accumulated signatures are untouched.
type InvalidSignatureError struct {
	ParticipantID string
	InputIndex    int
}

func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("invalid signature from %s on input %d",
		e.ParticipantID, e.InputIndex)
}

// BroadcastRejectedError carries the node's reject reason verbatim.
type BroadcastRejectedError struct {
	Reason string
}

func (e *BroadcastRejectedError) Error() string {
	return fmt.Sprintf("broadcast rejected: %s", e.Reason)
}
