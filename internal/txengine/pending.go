package txengine

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/openvault/wallet-engine/internal/keys"
	"github.com/openvault/wallet-engine/pkg/amount"
)

// PendingTx is an assembled transaction collecting signatures before
// broadcast. Input order matches PrevOuts.
type PendingTx struct {
	ID       string
	WalletID string
	MsgTx    *wire.MsgTx
	PrevOuts []keys.PrevOut

	Amount        amount.Sat
	Fee           amount.Sat
	FeeRate       int64 // sat/vB
	ToAddress     string
	ChangeAddress string
	Replaceable   bool

	mu        sync.Mutex
	signers   map[string]bool
	sigs      [][]sigSlot // per input
	finalized bool
}

type sigSlot struct {
	pubKey []byte
	sig    []byte
}

func newPendingTx(id, walletID string, tx *wire.MsgTx, prevOuts []keys.PrevOut) *PendingTx {
	return &PendingTx{
		ID:       id,
		WalletID: walletID,
		MsgTx:    tx,
		PrevOuts: prevOuts,
		signers:  make(map[string]bool),
		sigs:     make([][]sigSlot, len(prevOuts)),
	}
}

// Finalized reports whether the transaction carries a broadcastable witness.
func (p *PendingTx) Finalized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalized
}

// Signers returns how many distinct participants have signed.
func (p *PendingTx) Signers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signers)
}

// TxHex serializes the transaction, witness included.
func (p *PendingTx) TxHex() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var buf bytes.Buffer
	if err := p.MsgTx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
