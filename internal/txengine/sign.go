package txengine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/wire"

	"github.com/openvault/wallet-engine/internal/keys"
	"github.com/openvault/wallet-engine/internal/store"
)

// Sign adds the participant's signatures to the pending transaction. For
// single-sig wallets one call finalizes the witness. For multi-sig wallets
// each distinct participant contributes one set of partial signatures; the
// witness is assembled once the quorum is reached, and further calls are
// ignored. Every signature is verified against the input sighash before it
// is accumulated; a failed verification leaves prior signatures untouched.
func (e *Engine) Sign(ctx context.Context, p *PendingTx, participantID string) error {
	w, err := e.store.FindWallet(p.WalletID)
	if err != nil {
		return fmt.Errorf("failed to load wallet: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finalized {
		return nil
	}
	if w.Type == store.WalletMultiSig && p.signers[participantID] {
		return nil
	}

	sigs, err := e.keys.Sign(p.MsgTx, p.PrevOuts, w, participantID)
	if err != nil {
		return err
	}

	for _, ps := range sigs {
		hash, err := e.keys.InputSigHash(p.MsgTx, p.PrevOuts, w, ps.InputIndex)
		if err != nil {
			return fmt.Errorf("failed to compute sighash for input %d: %w", ps.InputIndex, err)
		}
		if !verifySig(ps, hash) {
			return &InvalidSignatureError{ParticipantID: participantID, InputIndex: ps.InputIndex}
		}
	}

	switch w.Type {
	case store.WalletSingleSig:
		for _, ps := range sigs {
			p.MsgTx.TxIn[ps.InputIndex].Witness = wire.TxWitness{ps.Signature, ps.PubKey}
		}
		p.finalized = true

	case store.WalletMultiSig:
		for _, ps := range sigs {
			p.sigs[ps.InputIndex] = append(p.sigs[ps.InputIndex], sigSlot{
				pubKey: ps.PubKey, sig: ps.Signature,
			})
		}
		p.signers[participantID] = true
		if len(p.signers) >= w.Threshold {
			if err := e.assembleMultiSigWitness(p, w); err != nil {
				return err
			}
			p.finalized = true
		}

	default:
		return keys.ErrUnsupportedWalletType
	}

	e.logger.Info("transaction signed", "tx_id", p.ID,
		"participant", participantID, "finalized", p.finalized)
	return nil
}

// assembleMultiSigWitness builds each input's witness stack: the
// CHECKMULTISIG dummy, exactly Threshold signatures in script key order,
// then the witness script. Signatures beyond the quorum are dropped.
func (e *Engine) assembleMultiSigWitness(p *PendingTx, w *store.Wallet) error {
	for i := range p.MsgTx.TxIn {
		po := p.PrevOuts[i]

		order, err := e.keys.SortedPubKeys(w, po.Change, po.Index)
		if err != nil {
			return fmt.Errorf("failed to order pubkeys for input %d: %w", i, err)
		}
		script, err := e.keys.WitnessScript(w, po.Change, po.Index)
		if err != nil {
			return fmt.Errorf("failed to derive witness script for input %d: %w", i, err)
		}

		witness := wire.TxWitness{nil} // CHECKMULTISIG consumes an extra element
		count := 0
		for _, pubKey := range order {
			if count == w.Threshold {
				break
			}
			for _, slot := range p.sigs[i] {
				if bytes.Equal(slot.pubKey, pubKey) {
					witness = append(witness, slot.sig)
					count++
					break
				}
			}
		}
		if count < w.Threshold {
			return fmt.Errorf("input %d has %d of %d required signatures", i, count, w.Threshold)
		}

		witness = append(witness, script)
		p.MsgTx.TxIn[i].Witness = witness
	}
	return nil
}

func verifySig(ps keys.PartialSig, hash []byte) bool {
	if len(ps.Signature) < 2 {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(ps.Signature[:len(ps.Signature)-1])
	if err != nil {
		return false
	}
	pubKey, err := btcec.ParsePubKey(ps.PubKey)
	if err != nil {
		return false
	}
	return sig.Verify(hash, pubKey)
}
