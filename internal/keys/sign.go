package keys

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/openvault/wallet-engine/internal/store"
	"github.com/openvault/wallet-engine/pkg/amount"
)

// PrevOut describes the output an input spends: its value and where in the
// wallet's derivation tree its address lives. Order matches tx.TxIn.
type PrevOut struct {
	Value  amount.Sat
	Change bool
	Index  uint32
}

// PartialSig is one signer's signature over one input.
type PartialSig struct {
	InputIndex int
	PubKey     []byte // serialized compressed
	Signature  []byte // DER with sighash flag appended
}

// Sign produces one signature per input. For single-sig wallets the wallet
// seed signs and participantID is ignored; for multi-sig wallets the named
// participant's seed signs, yielding partial signatures the transaction
// engine accumulates toward the quorum.
func (m *Manager) Sign(tx *wire.MsgTx, prevOuts []PrevOut, w *store.Wallet, participantID string) ([]PartialSig, error) {
	if len(prevOuts) != len(tx.TxIn) {
		return nil, fmt.Errorf("have %d prev outs for %d inputs", len(prevOuts), len(tx.TxIn))
	}

	var encryptedSeed []byte
	switch w.Type {
	case store.WalletSingleSig:
		encryptedSeed = w.EncryptedSeed
	case store.WalletMultiSig:
		p, err := m.store.FindParticipant(w.ID, participantID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidKey, participantID)
		}
		encryptedSeed = p.EncryptedSeed
	default:
		return nil, ErrUnsupportedWalletType
	}
	if len(encryptedSeed) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, participantID)
	}

	params, err := m.chain.Params(w.Network)
	if err != nil {
		return nil, err
	}

	sigHashes, subScripts, err := m.sigHashCtx(tx, prevOuts, w)
	if err != nil {
		return nil, err
	}

	sigs := make([]PartialSig, 0, len(prevOuts))
	for i, po := range prevOuts {
		priv, err := m.derivePrivKey(encryptedSeed, w.DerivationPath, po.Change, po.Index, params)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key for input %d: %w", i, err)
		}

		sig, err := txscript.RawTxInWitnessSignature(tx, sigHashes, i,
			int64(po.Value), subScripts[i], txscript.SigHashAll, priv)
		pubKey := priv.PubKey().SerializeCompressed()
		priv.Zero()
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}

		sigs = append(sigs, PartialSig{InputIndex: i, PubKey: pubKey, Signature: sig})
	}
	return sigs, nil
}

// InputSigHash returns the witness v0 signature hash of one input, used to
// verify partial signatures before they are accumulated.
func (m *Manager) InputSigHash(tx *wire.MsgTx, prevOuts []PrevOut, w *store.Wallet, inputIndex int) ([]byte, error) {
	if inputIndex < 0 || inputIndex >= len(prevOuts) || len(prevOuts) != len(tx.TxIn) {
		return nil, fmt.Errorf("input index %d out of range", inputIndex)
	}

	sigHashes, subScripts, err := m.sigHashCtx(tx, prevOuts, w)
	if err != nil {
		return nil, err
	}
	return txscript.CalcWitnessSigHash(subScripts[inputIndex], sigHashes,
		txscript.SigHashAll, tx, inputIndex, int64(prevOuts[inputIndex].Value))
}

// sigHashCtx reconstructs each spent output's pkScript and the script that
// actually gets signed (the pkScript itself for P2WPKH, the witness script
// for P2WSH) and builds the shared sighash midstate.
func (m *Manager) sigHashCtx(tx *wire.MsgTx, prevOuts []PrevOut, w *store.Wallet) (*txscript.TxSigHashes, [][]byte, error) {
	params, err := m.chain.Params(w.Network)
	if err != nil {
		return nil, nil, err
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	subScripts := make([][]byte, len(prevOuts))

	for i, po := range prevOuts {
		var addrStr string
		var subScript []byte

		switch w.Type {
		case store.WalletSingleSig:
			addrStr, err = m.deriveSingleSig(w, po.Change, po.Index)
			if err != nil {
				return nil, nil, fmt.Errorf("input %d: %w", i, err)
			}
		case store.WalletMultiSig:
			addrStr, subScript, err = m.deriveMultiSig(w, po.Change, po.Index)
			if err != nil {
				return nil, nil, fmt.Errorf("input %d: %w", i, err)
			}
		default:
			return nil, nil, ErrUnsupportedWalletType
		}

		addr, err := btcutil.DecodeAddress(addrStr, params)
		if err != nil {
			return nil, nil, fmt.Errorf("input %d: %w", i, err)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, nil, fmt.Errorf("input %d: %w", i, err)
		}
		if subScript == nil {
			subScript = pkScript
		}

		fetcher.AddPrevOut(tx.TxIn[i].PreviousOutPoint, wire.NewTxOut(int64(po.Value), pkScript))
		subScripts[i] = subScript
	}

	return txscript.NewTxSigHashes(tx, fetcher), subScripts, nil
}
