package lightning

import (
	"errors"
	"fmt"

	"github.com/openvault/wallet-engine/pkg/amount"
)

// ErrAmountRequired means the invoice carries no amount and the caller
// supplied none.
var ErrAmountRequired = errors.New("invoice has no amount; caller must supply one")

// AmountMismatchError means the caller's amount disagrees with an
// amount-carrying invoice. Raised before anything is submitted to the node.
type AmountMismatchError struct {
	InvoiceMsat   amount.Msat
	RequestedMsat amount.Msat
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch: invoice wants %d msat, caller supplied %d msat",
		e.InvoiceMsat, e.RequestedMsat)
}
