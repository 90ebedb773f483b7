// Package keys manages HD key material and address derivation. Seeds are
// encrypted at rest and decrypted only transiently inside a derivation or
// signing call; decrypted material is zeroed before the call returns and is
// never logged.
package keys

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"

	"github.com/openvault/wallet-engine/internal/chains"
	"github.com/openvault/wallet-engine/internal/events"
	"github.com/openvault/wallet-engine/internal/store"
)

// defaultDerivationPath is the BIP84 account path for native segwit.
const defaultDerivationPath = "m/84'/0'/0'"

// Store is the persistence surface the manager needs.
type Store interface {
	store.WalletStore
	store.TransactionStore
}

// Manager derives addresses and signs inputs for custody wallets.
type Manager struct {
	store      Store
	chain      chains.Chain
	bus        *events.Bus
	passphrase string
	gapLimit   int
	logger     *slog.Logger
}

// NewManager creates a key manager. passphrase encrypts seeds at rest;
// gapLimit bounds consecutive unused receive addresses.
func NewManager(st Store, chain chains.Chain, bus *events.Bus, passphrase string, gapLimit int) *Manager {
	if gapLimit <= 0 {
		gapLimit = 20
	}
	return &Manager{
		store:      st,
		chain:      chain,
		bus:        bus,
		passphrase: passphrase,
		gapLimit:   gapLimit,
		logger:     slog.Default().With("component", "keys"),
	}
}

// CreateWallet creates a single-sig wallet for the user: a fresh BIP39 seed,
// encrypted at rest, with the first receive address derived immediately.
// One active wallet per (user, currency).
func (m *Manager) CreateWallet(userID string, network chains.Network) (*store.Wallet, error) {
	if _, err := m.store.FindWalletByUser(userID, m.chain.Code()); err == nil {
		return nil, fmt.Errorf("user %s already has an active %s wallet", userID, m.chain.Code())
	}

	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer zero(seed)

	encrypted, err := sealSeed(seed, m.passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt seed: %w", err)
	}

	now := time.Now().UTC()
	w := &store.Wallet{
		ID:             uuid.NewString(),
		UserID:         userID,
		Currency:       m.chain.Code(),
		Type:           store.WalletSingleSig,
		Network:        network,
		EncryptedSeed:  encrypted,
		DerivationPath: defaultDerivationPath,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.SaveWallet(w); err != nil {
		return nil, fmt.Errorf("failed to save wallet: %w", err)
	}

	if _, err := m.NextReceiveAddress(w); err != nil {
		return nil, fmt.Errorf("failed to derive first address: %w", err)
	}

	m.logger.Info("wallet created", "wallet_id", w.ID, "type", w.Type, "network", network)
	m.bus.Publish(events.WalletCreated, map[string]string{
		"wallet_id": w.ID, "user_id": userID, "currency": w.Currency,
	})
	return w, nil
}

// CreateMultiSigWallet creates an M-of-N wallet. Each participant gets an
// independently generated and independently encrypted seed; only the
// account-level xpub of each participant is kept in the clear.
func (m *Manager) CreateMultiSigWallet(userID string, network chains.Network, threshold int, participantIDs []string) (*store.Wallet, error) {
	if threshold <= 0 || threshold > len(participantIDs) {
		return nil, fmt.Errorf("invalid quorum: %d of %d", threshold, len(participantIDs))
	}
	if len(participantIDs) < 2 {
		return nil, fmt.Errorf("multi-sig wallet requires at least 2 participants")
	}
	if _, err := m.store.FindWalletByUser(userID, m.chain.Code()); err == nil {
		return nil, fmt.Errorf("user %s already has an active %s wallet", userID, m.chain.Code())
	}

	params, err := m.chain.Params(network)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	w := &store.Wallet{
		ID:             uuid.NewString(),
		UserID:         userID,
		Currency:       m.chain.Code(),
		Type:           store.WalletMultiSig,
		Network:        network,
		DerivationPath: defaultDerivationPath,
		Threshold:      threshold,
		TotalSigners:   len(participantIDs),
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.SaveWallet(w); err != nil {
		return nil, fmt.Errorf("failed to save wallet: %w", err)
	}

	for i, pid := range participantIDs {
		if err := m.createParticipant(w, pid, i, params); err != nil {
			return nil, fmt.Errorf("failed to create participant %s: %w", pid, err)
		}
	}

	if _, err := m.NextReceiveAddress(w); err != nil {
		return nil, fmt.Errorf("failed to derive first address: %w", err)
	}

	m.logger.Info("wallet created", "wallet_id", w.ID, "type", w.Type,
		"quorum", fmt.Sprintf("%d/%d", threshold, len(participantIDs)))
	m.bus.Publish(events.WalletCreated, map[string]string{
		"wallet_id": w.ID, "user_id": userID, "currency": w.Currency,
	})
	return w, nil
}

func (m *Manager) createParticipant(w *store.Wallet, userID string, keyIndex int, params *chaincfg.Params) error {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer zero(seed)

	account, err := deriveAccountKey(seed, w.DerivationPath, params)
	if err != nil {
		return err
	}
	defer account.Zero()

	xpub, err := account.Neuter()
	if err != nil {
		return fmt.Errorf("failed to neuter account key: %w", err)
	}

	encrypted, err := sealSeed(seed, m.passphrase)
	if err != nil {
		return fmt.Errorf("failed to encrypt seed: %w", err)
	}

	return m.store.SaveParticipant(&store.Participant{
		WalletID:      w.ID,
		UserID:        userID,
		XPub:          xpub.String(),
		EncryptedSeed: encrypted,
		KeyIndex:      keyIndex,
	})
}

// CreateWatchOnlyWallet creates a wallet that tracks externally owned
// addresses. It holds no key material; addresses are imported explicitly.
func (m *Manager) CreateWatchOnlyWallet(userID string, network chains.Network) (*store.Wallet, error) {
	if _, err := m.store.FindWalletByUser(userID, m.chain.Code()); err == nil {
		return nil, fmt.Errorf("user %s already has an active %s wallet", userID, m.chain.Code())
	}

	now := time.Now().UTC()
	w := &store.Wallet{
		ID:        uuid.NewString(),
		UserID:    userID,
		Currency:  m.chain.Code(),
		Type:      store.WalletWatchOnly,
		Network:   network,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveWallet(w); err != nil {
		return nil, fmt.Errorf("failed to save wallet: %w", err)
	}
	m.bus.Publish(events.WalletCreated, map[string]string{
		"wallet_id": w.ID, "user_id": userID, "currency": w.Currency,
	})
	return w, nil
}

// ImportWatchAddress registers an external address on a watch-only wallet.
func (m *Manager) ImportWatchAddress(w *store.Wallet, address string) (*store.Address, error) {
	if w.Type != store.WalletWatchOnly {
		return nil, ErrUnsupportedWalletType
	}
	a := &store.Address{
		WalletID: w.ID,
		Address:  address,
		Type:     "imported",
		Index:    w.NextAddressIndex,
	}
	if err := m.store.SaveAddress(a); err != nil {
		return nil, fmt.Errorf("failed to save address: %w", err)
	}
	w.NextAddressIndex++
	if err := m.store.UpdateWallet(w); err != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", err)
	}
	return a, nil
}

// DeriveAddress derives the wallet's address at (change, index). Derivation
// is pure: the same wallet, branch and index always produce the same address.
func (m *Manager) DeriveAddress(w *store.Wallet, change bool, index uint32) (string, error) {
	switch w.Type {
	case store.WalletSingleSig:
		return m.deriveSingleSig(w, change, index)
	case store.WalletMultiSig:
		addr, _, err := m.deriveMultiSig(w, change, index)
		return addr, err
	default:
		return "", ErrUnsupportedWalletType
	}
}

func (m *Manager) deriveSingleSig(w *store.Wallet, change bool, index uint32) (string, error) {
	params, err := m.chain.Params(w.Network)
	if err != nil {
		return "", err
	}

	key, err := m.derivePrivKey(w.EncryptedSeed, w.DerivationPath, change, index, params)
	if err != nil {
		return "", err
	}
	pub := key.PubKey()
	key.Zero()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	if err != nil {
		return "", fmt.Errorf("failed to build address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// NextReceiveAddress derives and persists the wallet's next receive address,
// enforcing the unused-address gap limit.
func (m *Manager) NextReceiveAddress(w *store.Wallet) (*store.Address, error) {
	if w.Type == store.WalletWatchOnly {
		return nil, ErrUnsupportedWalletType
	}

	existing, err := m.store.ListAddresses(w.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	unused := 0
	for _, a := range existing {
		if !a.IsChange && !a.IsUsed {
			unused++
		}
	}
	if unused >= m.gapLimit {
		return nil, fmt.Errorf("%w: %d unused receive addresses", ErrGapLimitExceeded, unused)
	}

	return m.nextAddress(w, false)
}

// NextChangeAddress derives and persists the wallet's next change address.
// Change addresses are exempt from the gap limit: every one is about to
// receive an output.
func (m *Manager) NextChangeAddress(w *store.Wallet) (*store.Address, error) {
	if w.Type == store.WalletWatchOnly {
		return nil, ErrUnsupportedWalletType
	}
	return m.nextAddress(w, true)
}

func (m *Manager) nextAddress(w *store.Wallet, change bool) (*store.Address, error) {
	index := w.NextAddressIndex
	if change {
		index = w.NextChangeIndex
	}

	addr, err := m.DeriveAddress(w, change, index)
	if err != nil {
		return nil, err
	}

	branch := uint32(0)
	addrType := "p2wpkh"
	if w.Type == store.WalletMultiSig {
		addrType = "p2wsh"
	}
	if change {
		branch = 1
	}

	a := &store.Address{
		WalletID:       w.ID,
		Address:        addr,
		Type:           addrType,
		DerivationPath: fmt.Sprintf("%s/%d/%d", w.DerivationPath, branch, index),
		Index:          index,
		IsChange:       change,
	}
	if err := m.store.SaveAddress(a); err != nil {
		return nil, fmt.Errorf("failed to save address: %w", err)
	}

	if change {
		w.NextChangeIndex++
	} else {
		w.NextAddressIndex++
	}
	if err := m.store.UpdateWallet(w); err != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", err)
	}
	return a, nil
}

// GenerateAddresses derives count receive addresses in sequence.
func (m *Manager) GenerateAddresses(w *store.Wallet, count int) ([]store.Address, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive")
	}
	addresses := make([]store.Address, 0, count)
	for i := 0; i < count; i++ {
		a, err := m.NextReceiveAddress(w)
		if err != nil {
			return nil, fmt.Errorf("failed to derive address %d: %w", i, err)
		}
		addresses = append(addresses, *a)
	}
	return addresses, nil
}

// DeactivateWallet soft-deletes a wallet. Refused while any transaction is
// still pending or broadcast.
func (m *Manager) DeactivateWallet(w *store.Wallet) error {
	unresolved, err := m.store.HasUnresolvedTransactions(w.ID)
	if err != nil {
		return fmt.Errorf("failed to check transactions: %w", err)
	}
	if unresolved {
		return ErrPendingTransactions
	}
	w.Active = false
	if err := m.store.UpdateWallet(w); err != nil {
		return fmt.Errorf("failed to deactivate wallet: %w", err)
	}
	m.logger.Info("wallet deactivated", "wallet_id", w.ID)
	return nil
}

// derivePrivKey decrypts the seed and walks accountPath/branch/index.
// The decrypted seed and all intermediate extended keys are zeroed; the
// caller must zero the returned key.
func (m *Manager) derivePrivKey(encryptedSeed []byte, accountPath string, change bool, index uint32, params *chaincfg.Params) (*btcec.PrivateKey, error) {
	if len(encryptedSeed) == 0 {
		return nil, ErrInvalidKey
	}
	seed, err := openSeed(encryptedSeed, m.passphrase)
	if err != nil {
		return nil, err
	}
	defer zero(seed)

	account, err := deriveAccountKey(seed, accountPath, params)
	if err != nil {
		return nil, err
	}
	defer account.Zero()

	branch := uint32(0)
	if change {
		branch = 1
	}
	branchKey, err := account.Derive(branch)
	if err != nil {
		return nil, fmt.Errorf("failed to derive branch %d: %w", branch, err)
	}
	defer branchKey.Zero()

	childKey, err := branchKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive index %d: %w", index, err)
	}
	defer childKey.Zero()

	priv, err := childKey.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %w", err)
	}
	return priv, nil
}

func deriveAccountKey(seed []byte, path string, params *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	steps, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	key, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}

	for _, step := range steps {
		next, err := key.Derive(step)
		key.Zero()
		if err != nil {
			return nil, fmt.Errorf("failed to derive path step %d: %w", step, err)
		}
		key = next
	}
	return key, nil
}

// parsePath parses a BIP32 path like m/84'/0'/0' into derivation steps.
func parsePath(path string) ([]uint32, error) {
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("invalid derivation path: %s", path)
	}

	steps := make([]uint32, 0, len(parts)-1)
	for _, part := range parts[1:] {
		hardened := false
		if strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") {
			hardened = true
			part = part[:len(part)-1]
		}
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil || n >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("invalid derivation path component: %s", part)
		}
		step := uint32(n)
		if hardened {
			step += hdkeychain.HardenedKeyStart
		}
		steps = append(steps, step)
	}
	return steps, nil
}
