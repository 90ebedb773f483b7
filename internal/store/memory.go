package store

import (
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and by the engines'
// unit tests. It applies the same update guards as the SQLite backend.
type MemoryStore struct {
	mu sync.RWMutex

	wallets      map[string]*Wallet
	addresses    map[string]*Address // keyed by address
	participants map[string][]*Participant
	transactions map[string]*Transaction
	invoices     map[string]*Invoice
	payments     map[string]*Payment
	channels     map[string]*Channel

	nextAddressID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[string]*Wallet),
		addresses:    make(map[string]*Address),
		participants: make(map[string][]*Participant),
		transactions: make(map[string]*Transaction),
		invoices:     make(map[string]*Invoice),
		payments:     make(map[string]*Payment),
		channels:     make(map[string]*Channel),
	}
}

func (m *MemoryStore) Close() error { return nil }

// --- wallets ---

func (m *MemoryStore) SaveWallet(w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.wallets[w.ID] = &cp
	return nil
}

func (m *MemoryStore) FindWallet(id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) FindWalletByUser(userID, currency string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.wallets {
		if w.UserID == userID && w.Currency == currency && w.Active {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateWallet(w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.wallets[w.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Balance = w.Balance
	existing.NextAddressIndex = w.NextAddressIndex
	existing.NextChangeIndex = w.NextChangeIndex
	existing.Active = w.Active
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListActiveWallets() ([]Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Wallet
	for _, w := range m.wallets {
		if w.Active {
			out = append(out, *w)
		}
	}
	return out, nil
}

// --- addresses ---

func (m *MemoryStore) SaveAddress(a *Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.nextAddressID++
	a.ID = m.nextAddressID
	cp := *a
	m.addresses[a.Address] = &cp
	return nil
}

func (m *MemoryStore) FindAddress(address string) (*Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.addresses[address]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAddresses(walletID string) ([]Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Address
	for _, a := range m.addresses {
		if a.WalletID == walletID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAddress(a *Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.addresses {
		if existing.ID == a.ID {
			existing.IsUsed = a.IsUsed
			existing.Balance = a.Balance
			return nil
		}
	}
	return ErrNotFound
}

// --- participants ---

func (m *MemoryStore) SaveParticipant(p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.participants[p.WalletID] = append(m.participants[p.WalletID], &cp)
	return nil
}

func (m *MemoryStore) FindParticipant(walletID, userID string) (*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.participants[walletID] {
		if p.UserID == userID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListParticipants(walletID string) ([]Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Participant
	for _, p := range m.participants[walletID] {
		out = append(out, *p)
	}
	return out, nil
}

// --- transactions ---

func (m *MemoryStore) SaveTransaction(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.transactions[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) FindTransaction(id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) FindTransactionByHash(txHash string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tx := range m.transactions {
		if tx.TxHash == txHash {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateTransaction(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.transactions[tx.ID]
	if !ok {
		return ErrNotFound
	}
	existing.TxHash = tx.TxHash
	existing.Status = tx.Status
	existing.Confirmations = tx.Confirmations
	existing.BlockHeight = tx.BlockHeight
	existing.Fee = tx.Fee
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListTransactionsByStatus(statuses ...TxStatus) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[TxStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []Transaction
	for _, tx := range m.transactions {
		if want[tx.Status] {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (m *MemoryStore) HasUnresolvedTransactions(walletID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tx := range m.transactions {
		if tx.WalletID == walletID && (tx.Status == TxPending || tx.Status == TxBroadcast) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) PurgeTerminalBefore(cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, tx := range m.transactions {
		if (tx.Status == TxFailed || tx.Status == TxCancelled) && tx.UpdatedAt.Before(cutoff) {
			delete(m.transactions, id)
			n++
		}
	}
	return n, nil
}

// --- invoices ---

func (m *MemoryStore) SaveInvoice(inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inv
	m.invoices[inv.PaymentHash] = &cp
	return nil
}

func (m *MemoryStore) FindInvoice(paymentHash string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[paymentHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) UpdateInvoice(inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.invoices[inv.PaymentHash]
	if !ok || existing.Settled {
		return ErrNotFound
	}
	existing.Settled = inv.Settled
	existing.SettledAt = inv.SettledAt
	return nil
}

func (m *MemoryStore) ListUnsettledInvoices() ([]Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Invoice
	for _, inv := range m.invoices {
		if !inv.Settled {
			out = append(out, *inv)
		}
	}
	return out, nil
}

// --- payments ---

func (m *MemoryStore) SavePayment(p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.PaymentHash] = &cp
	return nil
}

func (m *MemoryStore) FindPayment(paymentHash string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[paymentHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdatePayment(p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.payments[p.PaymentHash]
	if !ok || existing.Status != PaymentInFlight {
		return ErrNotFound
	}
	existing.FeeMsat = p.FeeMsat
	existing.Preimage = p.Preimage
	existing.Status = p.Status
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListInFlightPayments() ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Payment
	for _, p := range m.payments {
		if p.Status == PaymentInFlight {
			out = append(out, *p)
		}
	}
	return out, nil
}

// --- channels ---

func (m *MemoryStore) UpsertChannel(c *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	m.channels[c.ChannelID] = &cp
	return nil
}

func (m *MemoryStore) FindChannel(channelID string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListChannels() ([]Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Channel
	for _, c := range m.channels {
		out = append(out, *c)
	}
	return out, nil
}
