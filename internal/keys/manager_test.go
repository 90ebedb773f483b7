package keys

import (
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/openvault/wallet-engine/internal/chains"
	"github.com/openvault/wallet-engine/internal/events"
	"github.com/openvault/wallet-engine/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus(8)
	t.Cleanup(bus.Close)
	return NewManager(st, chains.Bitcoin{}, bus, "test-passphrase", 20), st
}

func TestSealRoundTrip(t *testing.T) {
	seed := []byte("some seed material some seed material")

	blob, err := sealSeed(seed, "hunter2")
	require.NoError(t, err)
	require.NotContains(t, string(blob), "seed material")

	got, err := openSeed(blob, "hunter2")
	require.NoError(t, err)
	require.Equal(t, seed, got)

	_, err = openSeed(blob, "wrong")
	require.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestParsePath(t *testing.T) {
	steps, err := parsePath("m/84'/0'/0'")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, uint32(0x80000000+84), steps[0])

	_, err = parsePath("84'/0'")
	require.Error(t, err)
	_, err = parsePath("m/abc")
	require.Error(t, err)
}

func TestCreateWalletDerivesFirstAddress(t *testing.T) {
	m, st := newTestManager(t)

	w, err := m.CreateWallet("user1", chains.Regtest)
	require.NoError(t, err)
	require.Equal(t, store.WalletSingleSig, w.Type)
	require.NotEmpty(t, w.EncryptedSeed)
	require.Equal(t, uint32(1), w.NextAddressIndex)

	addrs, err := st.ListAddresses(w.ID)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.True(t, strings.HasPrefix(addrs[0].Address, "bcrt1q"))
	require.False(t, addrs[0].IsChange)
	require.Equal(t, "m/84'/0'/0'/0/0", addrs[0].DerivationPath)

	// One active wallet per (user, currency).
	_, err = m.CreateWallet("user1", chains.Regtest)
	require.Error(t, err)
}

func TestDerivationIsDeterministic(t *testing.T) {
	m, _ := newTestManager(t)

	w, err := m.CreateWallet("user1", chains.Regtest)
	require.NoError(t, err)

	a1, err := m.DeriveAddress(w, false, 7)
	require.NoError(t, err)
	a2, err := m.DeriveAddress(w, false, 7)
	require.NoError(t, err)
	require.Equal(t, a1, a2)

	change, err := m.DeriveAddress(w, true, 7)
	require.NoError(t, err)
	require.NotEqual(t, a1, change)

	next, err := m.DeriveAddress(w, false, 8)
	require.NoError(t, err)
	require.NotEqual(t, a1, next)
}

func TestGapLimit(t *testing.T) {
	st := store.NewMemoryStore()
	bus := events.NewBus(8)
	defer bus.Close()
	m := NewManager(st, chains.Bitcoin{}, bus, "test-passphrase", 3)

	w, err := m.CreateWallet("user1", chains.Regtest)
	require.NoError(t, err)

	// First address already derived at creation; two more reach the limit.
	_, err = m.NextReceiveAddress(w)
	require.NoError(t, err)
	_, err = m.NextReceiveAddress(w)
	require.NoError(t, err)
	_, err = m.NextReceiveAddress(w)
	require.ErrorIs(t, err, ErrGapLimitExceeded)

	// Change addresses are exempt.
	_, err = m.NextChangeAddress(w)
	require.NoError(t, err)

	// Marking an address used frees a slot.
	addrs, err := st.ListAddresses(w.ID)
	require.NoError(t, err)
	addrs[0].IsUsed = true
	require.NoError(t, st.UpdateAddress(&addrs[0]))

	_, err = m.NextReceiveAddress(w)
	require.NoError(t, err)
}

func TestWatchOnlyWallet(t *testing.T) {
	m, _ := newTestManager(t)

	w, err := m.CreateWatchOnlyWallet("user1", chains.Regtest)
	require.NoError(t, err)
	require.Nil(t, w.EncryptedSeed)

	_, err = m.DeriveAddress(w, false, 0)
	require.ErrorIs(t, err, ErrUnsupportedWalletType)
	_, err = m.NextReceiveAddress(w)
	require.ErrorIs(t, err, ErrUnsupportedWalletType)

	a, err := m.ImportWatchAddress(w, "bcrt1qexternal")
	require.NoError(t, err)
	require.Equal(t, "imported", a.Type)
}

func TestMultiSigAddressIsDeterministicP2WSH(t *testing.T) {
	m, st := newTestManager(t)

	w, err := m.CreateMultiSigWallet("org1", chains.Regtest, 2, []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	require.Equal(t, 2, w.Threshold)
	require.Equal(t, 3, w.TotalSigners)

	participants, err := st.ListParticipants(w.ID)
	require.NoError(t, err)
	require.Len(t, participants, 3)
	for _, p := range participants {
		require.NotEmpty(t, p.XPub)
		require.NotEmpty(t, p.EncryptedSeed)
	}

	a1, err := m.DeriveAddress(w, false, 0)
	require.NoError(t, err)
	a2, err := m.DeriveAddress(w, false, 0)
	require.NoError(t, err)
	require.Equal(t, a1, a2)
	// P2WSH addresses carry a 32-byte program; visibly longer than P2WPKH.
	require.True(t, strings.HasPrefix(a1, "bcrt1q"))
	require.Greater(t, len(a1), 50)

	script, err := m.WitnessScript(w, false, 0)
	require.NoError(t, err)
	require.NotEmpty(t, script)

	pubKeys, err := m.SortedPubKeys(w, false, 0)
	require.NoError(t, err)
	require.Len(t, pubKeys, 3)
}

func TestMultiSigQuorumValidation(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CreateMultiSigWallet("org1", chains.Regtest, 4, []string{"a", "b", "c"})
	require.Error(t, err)
	_, err = m.CreateMultiSigWallet("org1", chains.Regtest, 0, []string{"a", "b"})
	require.Error(t, err)
	_, err = m.CreateMultiSigWallet("org1", chains.Regtest, 1, []string{"a"})
	require.Error(t, err)
}

func signingTestTx(t *testing.T, m *Manager, w *store.Wallet) (*wire.MsgTx, []PrevOut) {
	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	var prevHash chainhash.Hash
	copy(prevHash[:], []byte("previous transaction hash 32by!!"))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))

	dest, err := m.DeriveAddress(w, false, 1)
	require.NoError(t, err)
	params, err := m.chain.Params(w.Network)
	require.NoError(t, err)
	pkScript := payToAddr(t, dest, params)
	tx.AddTxOut(wire.NewTxOut(90_000, pkScript))

	return tx, []PrevOut{{Value: 100_000, Change: false, Index: 0}}
}

func TestSingleSigSignatureVerifies(t *testing.T) {
	m, _ := newTestManager(t)
	w, err := m.CreateWallet("user1", chains.Regtest)
	require.NoError(t, err)

	tx, prevOuts := signingTestTx(t, m, w)

	sigs, err := m.Sign(tx, prevOuts, w, "")
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	require.Equal(t, byte(txscript.SigHashAll), sigs[0].Signature[len(sigs[0].Signature)-1])

	hash, err := m.InputSigHash(tx, prevOuts, w, 0)
	require.NoError(t, err)
	requireSigValid(t, sigs[0], hash)
}

func TestMultiSigPartialSignaturesVerify(t *testing.T) {
	m, _ := newTestManager(t)
	w, err := m.CreateMultiSigWallet("org1", chains.Regtest, 2, []string{"alice", "bob"})
	require.NoError(t, err)

	tx, prevOuts := signingTestTx(t, m, w)

	hash, err := m.InputSigHash(tx, prevOuts, w, 0)
	require.NoError(t, err)

	aliceSigs, err := m.Sign(tx, prevOuts, w, "alice")
	require.NoError(t, err)
	bobSigs, err := m.Sign(tx, prevOuts, w, "bob")
	require.NoError(t, err)

	requireSigValid(t, aliceSigs[0], hash)
	requireSigValid(t, bobSigs[0], hash)
	require.NotEqual(t, aliceSigs[0].PubKey, bobSigs[0].PubKey)

	_, err = m.Sign(tx, prevOuts, w, "mallory")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestSignWithWrongPassphrase(t *testing.T) {
	st := store.NewMemoryStore()
	bus := events.NewBus(8)
	defer bus.Close()

	m := NewManager(st, chains.Bitcoin{}, bus, "correct", 20)
	w, err := m.CreateWallet("user1", chains.Regtest)
	require.NoError(t, err)

	tx, prevOuts := signingTestTx(t, m, w)

	rotated := NewManager(st, chains.Bitcoin{}, bus, "wrong", 20)
	_, err = rotated.Sign(tx, prevOuts, w, "")
	require.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestDeactivateBlockedByUnresolvedTransactions(t *testing.T) {
	m, st := newTestManager(t)
	w, err := m.CreateWallet("user1", chains.Regtest)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, st.SaveTransaction(&store.Transaction{
		ID: "tx1", WalletID: w.ID, Currency: "BTC", Type: store.TxSend,
		Status: store.TxBroadcast, CreatedAt: now, UpdatedAt: now,
	}))

	require.ErrorIs(t, m.DeactivateWallet(w), ErrPendingTransactions)

	got, _ := st.FindTransaction("tx1")
	got.Status = store.TxConfirmed
	require.NoError(t, st.UpdateTransaction(got))

	require.NoError(t, m.DeactivateWallet(w))
	require.False(t, w.Active)
}

func payToAddr(t *testing.T, addr string, params *chaincfg.Params) []byte {
	t.Helper()
	a, err := btcutil.DecodeAddress(addr, params)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(a)
	require.NoError(t, err)
	return script
}

func requireSigValid(t *testing.T, ps PartialSig, hash []byte) {
	t.Helper()
	sig, err := ecdsa.ParseDERSignature(ps.Signature[:len(ps.Signature)-1])
	require.NoError(t, err)
	pubKey, err := btcec.ParsePubKey(ps.PubKey)
	require.NoError(t, err)
	require.True(t, sig.Verify(hash, pubKey))
}
