package txengine

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/openvault/wallet-engine/internal/keys"
	"github.com/openvault/wallet-engine/internal/store"
	"github.com/openvault/wallet-engine/pkg/amount"
)

// Broadcast submits a fully signed transaction. The node's mempool check
// gates submission; a rejection preserves the node's reason verbatim and
// leaves the record pending so the caller can re-fee or cancel.
func (e *Engine) Broadcast(ctx context.Context, p *PendingTx) (string, error) {
	if !p.Finalized() {
		return "", ErrNotSigned
	}
	txHex, err := p.TxHex()
	if err != nil {
		return "", err
	}

	accept, err := e.node.TestMempoolAccept(ctx, txHex)
	if err != nil {
		return "", fmt.Errorf("mempool acceptance check failed: %w", err)
	}
	if !accept.Allowed {
		e.logger.Warn("broadcast rejected", "tx_id", p.ID, "reason", accept.RejectReason)
		return "", &BroadcastRejectedError{Reason: accept.RejectReason}
	}

	txHash, err := e.node.SendRawTransaction(ctx, txHex)
	if err != nil {
		return "", fmt.Errorf("failed to broadcast transaction: %w", err)
	}

	rec, err := e.store.FindTransaction(p.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load transaction record: %w", err)
	}
	if !rec.Status.CanTransition(store.TxBroadcast) {
		return "", fmt.Errorf("cannot broadcast %s transaction", rec.Status)
	}
	rec.TxHash = txHash
	rec.Status = store.TxBroadcast
	if err := e.store.UpdateTransaction(rec); err != nil {
		return "", fmt.Errorf("failed to update transaction record: %w", err)
	}

	e.mu.Lock()
	delete(e.pending, p.ID)
	e.byHash[txHash] = p
	e.mu.Unlock()

	e.logger.Info("transaction broadcast", "tx_id", p.ID, "tx_hash", txHash)
	return txHash, nil
}

// BumpFee builds an RBF replacement for a broadcast transaction at a
// strictly higher fee rate. The extra fee comes out of the change output;
// the replacement must be signed and broadcast like any other send.
func (e *Engine) BumpFee(ctx context.Context, txHash string, newRate int64) (*PendingTx, error) {
	rec, err := e.store.FindTransactionByHash(txHash)
	if err != nil {
		return nil, err
	}
	if !rec.Replaceable {
		return nil, ErrNotReplaceable
	}
	if rec.Status != store.TxBroadcast {
		return nil, fmt.Errorf("cannot bump %s transaction", rec.Status)
	}

	e.mu.Lock()
	orig := e.byHash[txHash]
	e.mu.Unlock()
	if orig == nil {
		return nil, ErrUnknownTransaction
	}
	if newRate <= orig.FeeRate {
		return nil, fmt.Errorf("%w: %d <= %d sat/vB", ErrFeeRateTooLow, newRate, orig.FeeRate)
	}

	newFee := amount.Sat(estimateVSize(len(orig.MsgTx.TxIn), len(orig.MsgTx.TxOut)) * newRate)
	delta := newFee - orig.Fee
	if delta <= 0 {
		return nil, ErrFeeRateTooLow
	}

	replacement := wire.NewMsgTx(wire.TxVersion)
	for _, in := range orig.MsgTx.TxIn {
		txIn := wire.NewTxIn(&in.PreviousOutPoint, nil, nil)
		txIn.Sequence = rbfSequence
		replacement.AddTxIn(txIn)
	}

	// Output 0 is the destination; the change output, when present, is last.
	hasChange := orig.ChangeAddress != "" && len(orig.MsgTx.TxOut) > 1
	if !hasChange {
		return nil, fmt.Errorf("no change output to draw the extra fee from")
	}
	changeOut := orig.MsgTx.TxOut[len(orig.MsgTx.TxOut)-1]
	newChange := amount.Sat(changeOut.Value) - delta
	if newChange < 0 {
		return nil, &InsufficientFundsError{
			Need:      delta,
			Available: amount.Sat(changeOut.Value),
		}
	}

	for _, out := range orig.MsgTx.TxOut[:len(orig.MsgTx.TxOut)-1] {
		replacement.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
	}
	changeAddress := orig.ChangeAddress
	if newChange > e.chain.DustLimit() {
		replacement.AddTxOut(wire.NewTxOut(int64(newChange), changeOut.PkScript))
	} else {
		newFee += newChange
		changeAddress = ""
	}

	prevOuts := make([]keys.PrevOut, len(orig.PrevOuts))
	copy(prevOuts, orig.PrevOuts)

	p := newPendingTx(uuid.NewString(), orig.WalletID, replacement, prevOuts)
	p.Amount = orig.Amount
	p.Fee = newFee
	p.FeeRate = newRate
	p.ToAddress = orig.ToAddress
	p.ChangeAddress = changeAddress
	p.Replaceable = true

	now := time.Now().UTC()
	newRec := &store.Transaction{
		ID:          p.ID,
		WalletID:    rec.WalletID,
		Currency:    rec.Currency,
		Type:        store.TxSend,
		Amount:      orig.Amount,
		Fee:         newFee,
		FromAddress: rec.FromAddress,
		ToAddress:   rec.ToAddress,
		Status:      store.TxPending,
		Replaceable: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.SaveTransaction(newRec); err != nil {
		return nil, fmt.Errorf("failed to save replacement record: %w", err)
	}

	e.mu.Lock()
	e.pending[p.ID] = p
	e.mu.Unlock()

	e.logger.Info("fee bump created", "original", txHash, "replacement", p.ID,
		"old_rate", orig.FeeRate, "new_rate", newRate, "fee", newFee.Format())
	return p, nil
}
