package keys

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"

	"github.com/openvault/wallet-engine/internal/store"
)

// deriveMultiSig derives the M-of-N P2WSH address at (change, index) and
// returns it with the witness script. Public key ordering is critical:
// keys are sorted lexicographically by their serialized compressed form so
// every participant derives the same address.
func (m *Manager) deriveMultiSig(w *store.Wallet, change bool, index uint32) (string, []byte, error) {
	params, err := m.chain.Params(w.Network)
	if err != nil {
		return "", nil, err
	}

	pubKeys, err := m.participantPubKeys(w, change, index)
	if err != nil {
		return "", nil, err
	}

	pubKeyAddrs := make([]*btcutil.AddressPubKey, len(pubKeys))
	for i, pubKey := range pubKeys {
		addr, err := btcutil.NewAddressPubKey(pubKey.SerializeCompressed(), params)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode public key %d: %w", i, err)
		}
		pubKeyAddrs[i] = addr
	}

	witnessScript, err := txscript.MultiSigScript(pubKeyAddrs, w.Threshold)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build multisig script: %w", err)
	}

	scriptHash := sha256.Sum256(witnessScript)
	witnessAddr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build P2WSH address: %w", err)
	}
	return witnessAddr.EncodeAddress(), witnessScript, nil
}

// WitnessScript returns the multisig witness script at (change, index).
// The transaction engine needs it to assemble the final witness stack.
func (m *Manager) WitnessScript(w *store.Wallet, change bool, index uint32) ([]byte, error) {
	if w.Type != store.WalletMultiSig {
		return nil, ErrUnsupportedWalletType
	}
	_, script, err := m.deriveMultiSig(w, change, index)
	return script, err
}

// SortedPubKeys returns the serialized compressed pubkeys at (change, index)
// in witness-script order. The transaction engine uses it to place partial
// signatures in the order the script expects.
func (m *Manager) SortedPubKeys(w *store.Wallet, change bool, index uint32) ([][]byte, error) {
	if w.Type != store.WalletMultiSig {
		return nil, ErrUnsupportedWalletType
	}
	pubKeys, err := m.participantPubKeys(w, change, index)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(pubKeys))
	for i, pk := range pubKeys {
		out[i] = pk.SerializeCompressed()
	}
	return out, nil
}

// participantPubKeys derives each participant's child pubkey at
// (change, index) from their stored account xpub, sorted lexicographically.
func (m *Manager) participantPubKeys(w *store.Wallet, change bool, index uint32) ([]*btcec.PublicKey, error) {
	participants, err := m.store.ListParticipants(w.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	if len(participants) != w.TotalSigners {
		return nil, fmt.Errorf("wallet %s has %d participants, expected %d",
			w.ID, len(participants), w.TotalSigners)
	}

	branch := uint32(0)
	if change {
		branch = 1
	}

	pubKeys := make([]*btcec.PublicKey, len(participants))
	for i, p := range participants {
		account, err := hdkeychain.NewKeyFromString(p.XPub)
		if err != nil {
			return nil, fmt.Errorf("failed to parse xpub for %s: %w", p.UserID, err)
		}
		branchKey, err := account.Derive(branch)
		if err != nil {
			return nil, fmt.Errorf("failed to derive branch for %s: %w", p.UserID, err)
		}
		childKey, err := branchKey.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("failed to derive index for %s: %w", p.UserID, err)
		}
		pubKey, err := childKey.ECPubKey()
		if err != nil {
			return nil, fmt.Errorf("failed to extract pubkey for %s: %w", p.UserID, err)
		}
		pubKeys[i] = pubKey
	}

	sort.Slice(pubKeys, func(i, j int) bool {
		return bytes.Compare(pubKeys[i].SerializeCompressed(), pubKeys[j].SerializeCompressed()) < 0
	})
	return pubKeys, nil
}
