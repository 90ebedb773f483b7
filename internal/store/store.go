// Package store defines the persistence collaborator boundary. The engine
// only assumes these CRUD-shaped operations plus the indexed lookups named
// here; the SQLite implementation is one backend, the in-memory store
// another (used by tests).
package store

import (
	"errors"
	"time"

	"github.com/openvault/wallet-engine/internal/chains"
	"github.com/openvault/wallet-engine/pkg/amount"
)

// ErrNotFound indicates that a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// WalletType is the custody model of a wallet.
type WalletType string

const (
	WalletSingleSig WalletType = "single_sig"
	WalletMultiSig  WalletType = "multi_sig"
	WalletWatchOnly WalletType = "watch_only"
)

// TxStatus is the forward-only transaction state machine:
// pending → broadcast → confirmed, or → failed / cancelled.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxBroadcast TxStatus = "broadcast"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxCancelled TxStatus = "cancelled"
)

// txStatusRank orders statuses so transitions can be validated as
// strictly forward.
var txStatusRank = map[TxStatus]int{
	TxPending:   0,
	TxBroadcast: 1,
	TxConfirmed: 2,
	TxFailed:    2,
	TxCancelled: 2,
}

// CanTransition reports whether moving from to next is a forward step.
func (s TxStatus) CanTransition(next TxStatus) bool {
	if s == next {
		return false
	}
	from, ok := txStatusRank[s]
	if !ok {
		return false
	}
	to, ok := txStatusRank[next]
	if !ok {
		return false
	}
	// Terminal states never move again.
	if s == TxConfirmed || s == TxFailed || s == TxCancelled {
		return false
	}
	return to > from
}

// TxType distinguishes outgoing from incoming transactions.
type TxType string

const (
	TxSend    TxType = "send"
	TxReceive TxType = "receive"
)

// PaymentStatus is the terminal single-transition Lightning payment state.
type PaymentStatus string

const (
	PaymentInFlight  PaymentStatus = "in_flight"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// Wallet is a custody wallet record. Balance is the cached sum of address
// balances, maintained by reconciliation.
type Wallet struct {
	ID               string
	UserID           string
	Currency         string
	Type             WalletType
	Network          chains.Network
	Balance          amount.Sat
	EncryptedSeed    []byte // nil for watch-only and multi-sig wallets
	DerivationPath   string
	NextAddressIndex uint32
	NextChangeIndex  uint32
	Threshold        int // M of a multi-sig wallet, 0 otherwise
	TotalSigners     int // N of a multi-sig wallet, 0 otherwise
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Participant is one co-signer of a multi-sig wallet. Each participant's
// seed is encrypted independently; no caller ever holds more than one
// decrypted participant key at a time.
type Participant struct {
	WalletID      string
	UserID        string
	XPub          string
	EncryptedSeed []byte
	KeyIndex      int
}

// Address is one derived address. Immutable once created except for
// IsUsed and Balance.
type Address struct {
	ID             int64
	WalletID       string
	Address        string
	Type           string
	DerivationPath string
	Index          uint32
	IsChange       bool
	IsUsed         bool
	Balance        amount.Sat
	CreatedAt      time.Time
}

// Transaction is an on-chain transaction record.
type Transaction struct {
	ID            string
	WalletID      string
	Currency      string
	Type          TxType
	Amount        amount.Sat
	Fee           amount.Sat
	FromAddress   string
	ToAddress     string
	TxHash        string
	Status        TxStatus
	Confirmations int32
	BlockHeight   int64
	Replaceable   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Invoice is a Lightning invoice record, immutable once settled.
type Invoice struct {
	PaymentHash    string
	PaymentRequest string
	AmountMsat     amount.Msat
	Memo           string
	ExpirySeconds  int64
	Settled        bool
	SettledAt      *time.Time
	CreatedAt      time.Time
}

// Payment is an outgoing Lightning payment record.
type Payment struct {
	PaymentHash string
	AmountMsat  amount.Msat
	FeeMsat     amount.Msat
	Preimage    string
	Status      PaymentStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Channel mirrors the node's view of one channel.
type Channel struct {
	ChannelID     string
	RemotePubkey  string
	Capacity      amount.Sat
	LocalBalance  amount.Sat
	RemoteBalance amount.Sat
	Active        bool
	UpdatedAt     time.Time
}

// WalletStore persists wallets, their addresses and multi-sig participants.
type WalletStore interface {
	SaveWallet(w *Wallet) error
	FindWallet(id string) (*Wallet, error)
	FindWalletByUser(userID, currency string) (*Wallet, error)
	UpdateWallet(w *Wallet) error
	ListActiveWallets() ([]Wallet, error)

	SaveAddress(a *Address) error
	FindAddress(address string) (*Address, error)
	ListAddresses(walletID string) ([]Address, error)
	UpdateAddress(a *Address) error

	SaveParticipant(p *Participant) error
	FindParticipant(walletID, userID string) (*Participant, error)
	ListParticipants(walletID string) ([]Participant, error)
}

// TransactionStore persists on-chain transaction records.
type TransactionStore interface {
	SaveTransaction(tx *Transaction) error
	FindTransaction(id string) (*Transaction, error)
	FindTransactionByHash(txHash string) (*Transaction, error)
	UpdateTransaction(tx *Transaction) error
	ListTransactionsByStatus(statuses ...TxStatus) ([]Transaction, error)
	HasUnresolvedTransactions(walletID string) (bool, error)
	PurgeTerminalBefore(cutoff time.Time) (int64, error)
}

// InvoiceStore persists Lightning invoices.
type InvoiceStore interface {
	SaveInvoice(inv *Invoice) error
	FindInvoice(paymentHash string) (*Invoice, error)
	UpdateInvoice(inv *Invoice) error
	ListUnsettledInvoices() ([]Invoice, error)
}

// PaymentStore persists Lightning payments.
type PaymentStore interface {
	SavePayment(p *Payment) error
	FindPayment(paymentHash string) (*Payment, error)
	UpdatePayment(p *Payment) error
	ListInFlightPayments() ([]Payment, error)
}

// ChannelStore persists the channel mirror.
type ChannelStore interface {
	UpsertChannel(c *Channel) error
	FindChannel(channelID string) (*Channel, error)
	ListChannels() ([]Channel, error)
}

// Store is the full persistence collaborator surface.
type Store interface {
	WalletStore
	TransactionStore
	InvoiceStore
	PaymentStore
	ChannelStore
	Close() error
}
