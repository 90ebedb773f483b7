package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openvault/wallet-engine/internal/chains"
	"github.com/openvault/wallet-engine/pkg/amount"
)

// SQLiteStore is the SQLite-backed persistence collaborator. Monetary
// transaction amounts are stored as decimal BTC strings; cached balances
// are stored as integer satoshis.
type SQLiteStore struct {
	conn *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and initializes
// the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{conn: conn}
	if err := s.initTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			type TEXT NOT NULL,
			network TEXT NOT NULL,
			balance INTEGER NOT NULL DEFAULT 0,
			encrypted_seed BLOB,
			derivation_path TEXT NOT NULL,
			next_address_index INTEGER NOT NULL DEFAULT 0,
			next_change_index INTEGER NOT NULL DEFAULT 0,
			threshold INTEGER NOT NULL DEFAULT 0,
			total_signers INTEGER NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_wallets_user_currency ON wallets(user_id, currency);`,

		`CREATE TABLE IF NOT EXISTS addresses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			wallet_id TEXT NOT NULL,
			address TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			derivation_path TEXT NOT NULL,
			address_index INTEGER NOT NULL,
			is_change BOOLEAN NOT NULL DEFAULT 0,
			is_used BOOLEAN NOT NULL DEFAULT 0,
			balance INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_addresses_wallet_id ON addresses(wallet_id);`,
		`CREATE INDEX IF NOT EXISTS idx_addresses_address ON addresses(address);`,

		`CREATE TABLE IF NOT EXISTS participants (
			wallet_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			xpub TEXT NOT NULL,
			encrypted_seed BLOB,
			key_index INTEGER NOT NULL,
			PRIMARY KEY (wallet_id, user_id)
		);`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			type TEXT NOT NULL,
			amount_btc TEXT NOT NULL,
			fee_btc TEXT NOT NULL,
			from_address TEXT,
			to_address TEXT,
			tx_hash TEXT,
			status TEXT NOT NULL,
			confirmations INTEGER NOT NULL DEFAULT 0,
			block_height INTEGER NOT NULL DEFAULT 0,
			replaceable BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_tx_hash ON transactions(tx_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_wallet_id ON transactions(wallet_id);`,

		`CREATE TABLE IF NOT EXISTS invoices (
			payment_hash TEXT PRIMARY KEY,
			payment_request TEXT NOT NULL,
			amount_msat INTEGER NOT NULL,
			memo TEXT,
			expiry_seconds INTEGER NOT NULL,
			settled BOOLEAN NOT NULL DEFAULT 0,
			settled_at DATETIME,
			created_at DATETIME NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS payments (
			payment_hash TEXT PRIMARY KEY,
			amount_msat INTEGER NOT NULL,
			fee_msat INTEGER NOT NULL DEFAULT 0,
			preimage TEXT,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS channels (
			channel_id TEXT PRIMARY KEY,
			remote_pubkey TEXT NOT NULL,
			capacity INTEGER NOT NULL,
			local_balance INTEGER NOT NULL,
			remote_balance INTEGER NOT NULL,
			active BOOLEAN NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// --- wallets ---

func (s *SQLiteStore) SaveWallet(w *Wallet) error {
	_, err := s.conn.Exec(`INSERT INTO wallets
		(id, user_id, currency, type, network, balance, encrypted_seed,
		 derivation_path, next_address_index, next_change_index, threshold,
		 total_signers, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.Currency, string(w.Type), string(w.Network),
		int64(w.Balance), w.EncryptedSeed, w.DerivationPath,
		w.NextAddressIndex, w.NextChangeIndex, w.Threshold, w.TotalSigners,
		w.Active, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert wallet: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanWallet(row *sql.Row) (*Wallet, error) {
	var w Wallet
	var balance int64
	var typ, network string
	err := row.Scan(&w.ID, &w.UserID, &w.Currency, &typ, &network, &balance,
		&w.EncryptedSeed, &w.DerivationPath, &w.NextAddressIndex,
		&w.NextChangeIndex, &w.Threshold, &w.TotalSigners, &w.Active,
		&w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}
	w.Type = WalletType(typ)
	w.Network = chains.Network(network)
	w.Balance = amount.Sat(balance)
	return &w, nil
}

const walletColumns = `id, user_id, currency, type, network, balance,
	encrypted_seed, derivation_path, next_address_index, next_change_index,
	threshold, total_signers, active, created_at, updated_at`

func (s *SQLiteStore) FindWallet(id string) (*Wallet, error) {
	row := s.conn.QueryRow(`SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	return s.scanWallet(row)
}

func (s *SQLiteStore) FindWalletByUser(userID, currency string) (*Wallet, error) {
	row := s.conn.QueryRow(`SELECT `+walletColumns+` FROM wallets
		WHERE user_id = ? AND currency = ? AND active = 1`, userID, currency)
	return s.scanWallet(row)
}

func (s *SQLiteStore) UpdateWallet(w *Wallet) error {
	w.UpdatedAt = time.Now().UTC()
	res, err := s.conn.Exec(`UPDATE wallets SET balance = ?,
		next_address_index = ?, next_change_index = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		int64(w.Balance), w.NextAddressIndex, w.NextChangeIndex, w.Active,
		w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	return requireRowAffected(res)
}

func (s *SQLiteStore) ListActiveWallets() ([]Wallet, error) {
	rows, err := s.conn.Query(`SELECT ` + walletColumns + ` FROM wallets WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	var wallets []Wallet
	for rows.Next() {
		var w Wallet
		var balance int64
		var typ, network string
		if err := rows.Scan(&w.ID, &w.UserID, &w.Currency, &typ, &network,
			&balance, &w.EncryptedSeed, &w.DerivationPath,
			&w.NextAddressIndex, &w.NextChangeIndex, &w.Threshold,
			&w.TotalSigners, &w.Active, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		w.Type = WalletType(typ)
		w.Network = chains.Network(network)
		w.Balance = amount.Sat(balance)
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// --- addresses ---

func (s *SQLiteStore) SaveAddress(a *Address) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.conn.Exec(`INSERT INTO addresses
		(wallet_id, address, type, derivation_path, address_index, is_change,
		 is_used, balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.WalletID, a.Address, a.Type, a.DerivationPath, a.Index, a.IsChange,
		a.IsUsed, int64(a.Balance), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert address: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) FindAddress(address string) (*Address, error) {
	row := s.conn.QueryRow(`SELECT id, wallet_id, address, type,
		derivation_path, address_index, is_change, is_used, balance, created_at
		FROM addresses WHERE address = ?`, address)

	var a Address
	var balance int64
	err := row.Scan(&a.ID, &a.WalletID, &a.Address, &a.Type, &a.DerivationPath,
		&a.Index, &a.IsChange, &a.IsUsed, &balance, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan address: %w", err)
	}
	a.Balance = amount.Sat(balance)
	return &a, nil
}

func (s *SQLiteStore) ListAddresses(walletID string) ([]Address, error) {
	rows, err := s.conn.Query(`SELECT id, wallet_id, address, type,
		derivation_path, address_index, is_change, is_used, balance, created_at
		FROM addresses WHERE wallet_id = ? ORDER BY is_change, address_index`, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to query addresses: %w", err)
	}
	defer rows.Close()

	var addresses []Address
	for rows.Next() {
		var a Address
		var balance int64
		if err := rows.Scan(&a.ID, &a.WalletID, &a.Address, &a.Type,
			&a.DerivationPath, &a.Index, &a.IsChange, &a.IsUsed, &balance,
			&a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		a.Balance = amount.Sat(balance)
		addresses = append(addresses, a)
	}
	return addresses, rows.Err()
}

func (s *SQLiteStore) UpdateAddress(a *Address) error {
	res, err := s.conn.Exec(`UPDATE addresses SET is_used = ?, balance = ? WHERE id = ?`,
		a.IsUsed, int64(a.Balance), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update address: %w", err)
	}
	return requireRowAffected(res)
}

// --- participants ---

func (s *SQLiteStore) SaveParticipant(p *Participant) error {
	_, err := s.conn.Exec(`INSERT INTO participants
		(wallet_id, user_id, xpub, encrypted_seed, key_index)
		VALUES (?, ?, ?, ?, ?)`,
		p.WalletID, p.UserID, p.XPub, p.EncryptedSeed, p.KeyIndex)
	if err != nil {
		return fmt.Errorf("failed to insert participant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindParticipant(walletID, userID string) (*Participant, error) {
	row := s.conn.QueryRow(`SELECT wallet_id, user_id, xpub, encrypted_seed, key_index
		FROM participants WHERE wallet_id = ? AND user_id = ?`, walletID, userID)

	var p Participant
	err := row.Scan(&p.WalletID, &p.UserID, &p.XPub, &p.EncryptedSeed, &p.KeyIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan participant: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) ListParticipants(walletID string) ([]Participant, error) {
	rows, err := s.conn.Query(`SELECT wallet_id, user_id, xpub, encrypted_seed, key_index
		FROM participants WHERE wallet_id = ? ORDER BY key_index`, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.WalletID, &p.UserID, &p.XPub, &p.EncryptedSeed,
			&p.KeyIndex); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// --- transactions ---

func (s *SQLiteStore) SaveTransaction(tx *Transaction) error {
	_, err := s.conn.Exec(`INSERT INTO transactions
		(id, wallet_id, currency, type, amount_btc, fee_btc, from_address,
		 to_address, tx_hash, status, confirmations, block_height,
		 replaceable, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.WalletID, tx.Currency, string(tx.Type),
		tx.Amount.BTCString(), tx.Fee.BTCString(), tx.FromAddress,
		tx.ToAddress, tx.TxHash, string(tx.Status), tx.Confirmations,
		tx.BlockHeight, tx.Replaceable, tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

const txColumns = `id, wallet_id, currency, type, amount_btc, fee_btc,
	from_address, to_address, tx_hash, status, confirmations, block_height,
	replaceable, created_at, updated_at`

func scanTransaction(scan func(dest ...any) error) (*Transaction, error) {
	var tx Transaction
	var typ, status, amountBTC, feeBTC string
	err := scan(&tx.ID, &tx.WalletID, &tx.Currency, &typ, &amountBTC, &feeBTC,
		&tx.FromAddress, &tx.ToAddress, &tx.TxHash, &status,
		&tx.Confirmations, &tx.BlockHeight, &tx.Replaceable, &tx.CreatedAt,
		&tx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.Type = TxType(typ)
	tx.Status = TxStatus(status)
	if tx.Amount, err = amount.FromBTCString(amountBTC); err != nil {
		return nil, fmt.Errorf("corrupt amount in transaction %s: %w", tx.ID, err)
	}
	if tx.Fee, err = amount.FromBTCString(feeBTC); err != nil {
		return nil, fmt.Errorf("corrupt fee in transaction %s: %w", tx.ID, err)
	}
	return &tx, nil
}

func (s *SQLiteStore) FindTransaction(id string) (*Transaction, error) {
	row := s.conn.QueryRow(`SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row.Scan)
}

func (s *SQLiteStore) FindTransactionByHash(txHash string) (*Transaction, error) {
	row := s.conn.QueryRow(`SELECT `+txColumns+` FROM transactions WHERE tx_hash = ?`, txHash)
	return scanTransaction(row.Scan)
}

func (s *SQLiteStore) UpdateTransaction(tx *Transaction) error {
	tx.UpdatedAt = time.Now().UTC()
	res, err := s.conn.Exec(`UPDATE transactions SET tx_hash = ?, status = ?,
		confirmations = ?, block_height = ?, fee_btc = ?, updated_at = ?
		WHERE id = ?`,
		tx.TxHash, string(tx.Status), tx.Confirmations, tx.BlockHeight,
		tx.Fee.BTCString(), tx.UpdatedAt, tx.ID)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return requireRowAffected(res)
}

func (s *SQLiteStore) ListTransactionsByStatus(statuses ...TxStatus) ([]Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = string(st)
	}

	rows, err := s.conn.Query(`SELECT `+txColumns+` FROM transactions
		WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

func (s *SQLiteStore) HasUnresolvedTransactions(walletID string) (bool, error) {
	var count int64
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM transactions
		WHERE wallet_id = ? AND status IN (?, ?)`,
		walletID, string(TxPending), string(TxBroadcast)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count unresolved transactions: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) PurgeTerminalBefore(cutoff time.Time) (int64, error) {
	res, err := s.conn.Exec(`DELETE FROM transactions
		WHERE status IN (?, ?) AND updated_at < ?`,
		string(TxFailed), string(TxCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge transactions: %w", err)
	}
	return res.RowsAffected()
}

// --- invoices ---

func (s *SQLiteStore) SaveInvoice(inv *Invoice) error {
	_, err := s.conn.Exec(`INSERT INTO invoices
		(payment_hash, payment_request, amount_msat, memo, expiry_seconds,
		 settled, settled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.PaymentHash, inv.PaymentRequest, int64(inv.AmountMsat), inv.Memo,
		inv.ExpirySeconds, inv.Settled, inv.SettledAt, inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindInvoice(paymentHash string) (*Invoice, error) {
	row := s.conn.QueryRow(`SELECT payment_hash, payment_request, amount_msat,
		memo, expiry_seconds, settled, settled_at, created_at
		FROM invoices WHERE payment_hash = ?`, paymentHash)

	var inv Invoice
	var amountMsat int64
	err := row.Scan(&inv.PaymentHash, &inv.PaymentRequest, &amountMsat,
		&inv.Memo, &inv.ExpirySeconds, &inv.Settled, &inv.SettledAt,
		&inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}
	inv.AmountMsat = amount.Msat(amountMsat)
	return &inv, nil
}

func (s *SQLiteStore) UpdateInvoice(inv *Invoice) error {
	res, err := s.conn.Exec(`UPDATE invoices SET settled = ?, settled_at = ?
		WHERE payment_hash = ? AND settled = 0`,
		inv.Settled, inv.SettledAt, inv.PaymentHash)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	return requireRowAffected(res)
}

func (s *SQLiteStore) ListUnsettledInvoices() ([]Invoice, error) {
	rows, err := s.conn.Query(`SELECT payment_hash, payment_request,
		amount_msat, memo, expiry_seconds, settled, settled_at, created_at
		FROM invoices WHERE settled = 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		var amountMsat int64
		if err := rows.Scan(&inv.PaymentHash, &inv.PaymentRequest, &amountMsat,
			&inv.Memo, &inv.ExpirySeconds, &inv.Settled, &inv.SettledAt,
			&inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		inv.AmountMsat = amount.Msat(amountMsat)
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// --- payments ---

func (s *SQLiteStore) SavePayment(p *Payment) error {
	_, err := s.conn.Exec(`INSERT INTO payments
		(payment_hash, amount_msat, fee_msat, preimage, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.PaymentHash, int64(p.AmountMsat), int64(p.FeeMsat), p.Preimage,
		string(p.Status), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindPayment(paymentHash string) (*Payment, error) {
	row := s.conn.QueryRow(`SELECT payment_hash, amount_msat, fee_msat,
		preimage, status, created_at, updated_at
		FROM payments WHERE payment_hash = ?`, paymentHash)

	var p Payment
	var amountMsat, feeMsat int64
	var status string
	err := row.Scan(&p.PaymentHash, &amountMsat, &feeMsat, &p.Preimage,
		&status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	p.AmountMsat = amount.Msat(amountMsat)
	p.FeeMsat = amount.Msat(feeMsat)
	p.Status = PaymentStatus(status)
	return &p, nil
}

func (s *SQLiteStore) UpdatePayment(p *Payment) error {
	p.UpdatedAt = time.Now().UTC()
	// Payment status transitions exactly once, from in_flight.
	res, err := s.conn.Exec(`UPDATE payments SET fee_msat = ?, preimage = ?,
		status = ?, updated_at = ? WHERE payment_hash = ? AND status = ?`,
		int64(p.FeeMsat), p.Preimage, string(p.Status), p.UpdatedAt,
		p.PaymentHash, string(PaymentInFlight))
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return requireRowAffected(res)
}

func (s *SQLiteStore) ListInFlightPayments() ([]Payment, error) {
	rows, err := s.conn.Query(`SELECT payment_hash, amount_msat, fee_msat,
		preimage, status, created_at, updated_at
		FROM payments WHERE status = ?`, string(PaymentInFlight))
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		var amountMsat, feeMsat int64
		var status string
		if err := rows.Scan(&p.PaymentHash, &amountMsat, &feeMsat, &p.Preimage,
			&status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.AmountMsat = amount.Msat(amountMsat)
		p.FeeMsat = amount.Msat(feeMsat)
		p.Status = PaymentStatus(status)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// --- channels ---

func (s *SQLiteStore) UpsertChannel(c *Channel) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := s.conn.Exec(`INSERT INTO channels
		(channel_id, remote_pubkey, capacity, local_balance, remote_balance, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			local_balance = excluded.local_balance,
			remote_balance = excluded.remote_balance,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		c.ChannelID, c.RemotePubkey, int64(c.Capacity), int64(c.LocalBalance),
		int64(c.RemoteBalance), c.Active, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert channel: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindChannel(channelID string) (*Channel, error) {
	row := s.conn.QueryRow(`SELECT channel_id, remote_pubkey, capacity,
		local_balance, remote_balance, active, updated_at
		FROM channels WHERE channel_id = ?`, channelID)

	var c Channel
	var capacity, local, remote int64
	err := row.Scan(&c.ChannelID, &c.RemotePubkey, &capacity, &local, &remote,
		&c.Active, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan channel: %w", err)
	}
	c.Capacity = amount.Sat(capacity)
	c.LocalBalance = amount.Sat(local)
	c.RemoteBalance = amount.Sat(remote)
	return &c, nil
}

func (s *SQLiteStore) ListChannels() ([]Channel, error) {
	rows, err := s.conn.Query(`SELECT channel_id, remote_pubkey, capacity,
		local_balance, remote_balance, active, updated_at FROM channels`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var c Channel
		var capacity, local, remote int64
		if err := rows.Scan(&c.ChannelID, &c.RemotePubkey, &capacity, &local,
			&remote, &c.Active, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		c.Capacity = amount.Sat(capacity)
		c.LocalBalance = amount.Sat(local)
		c.RemoteBalance = amount.Sat(remote)
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
