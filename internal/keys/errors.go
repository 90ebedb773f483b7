package keys

import "errors"

var (
	// ErrInvalidKey indicates no usable signing key is stored for the
	// requested participant.
	ErrInvalidKey = errors.New("no signing key stored for participant")

	// ErrUnsupportedWalletType indicates the operation does not apply to
	// the wallet's custody model (e.g. deriving on a watch-only wallet).
	ErrUnsupportedWalletType = errors.New("operation not supported for wallet type")

	// ErrWrongPassphrase indicates the stored seed could not be decrypted.
	ErrWrongPassphrase = errors.New("wrong passphrase")

	// ErrGapLimitExceeded indicates too many consecutive unused addresses.
	ErrGapLimitExceeded = errors.New("address gap limit exceeded")

	// ErrPendingTransactions blocks wallet deactivation while funds move.
	ErrPendingTransactions = errors.New("wallet has unresolved transactions")
)
