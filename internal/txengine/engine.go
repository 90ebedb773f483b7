// Package txengine assembles, signs and broadcasts on-chain sends. It builds
// transactions locally so private keys never cross the RPC boundary: the full
// node is consulted only for spendable outputs, fee estimates and broadcast.
package txengine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/openvault/wallet-engine/internal/chains"
	"github.com/openvault/wallet-engine/internal/events"
	"github.com/openvault/wallet-engine/internal/keys"
	"github.com/openvault/wallet-engine/internal/rpc"
	"github.com/openvault/wallet-engine/internal/store"
	"github.com/openvault/wallet-engine/pkg/amount"
)

// rbfSequence signals opt-in replace-by-fee (BIP125).
const rbfSequence = wire.MaxTxInSequenceNum - 2

// Node is the full-node surface the engine needs. *rpc.Client satisfies it.
type Node interface {
	ListUnspent(ctx context.Context, minConf int32, addresses []string) ([]rpc.Unspent, error)
	EstimateSmartFee(ctx context.Context, target int32) (*rpc.SmartFeeEstimate, error)
	TestMempoolAccept(ctx context.Context, hexTx string) (*rpc.MempoolAcceptResult, error)
	SendRawTransaction(ctx context.Context, hexTx string) (string, error)
}

// Store is the persistence surface the engine needs.
type Store interface {
	store.WalletStore
	store.TransactionStore
}

// Config tunes transaction assembly.
type Config struct {
	MinConfirmations int32
	FeeTargetBlocks  int32
	CongestionCap    float64
	MinFeeRate       int64 // sat/vB floor
}

// Engine builds and tracks on-chain sends.
type Engine struct {
	node  Node
	keys  *keys.Manager
	store Store
	chain chains.Chain
	bus   *events.Bus
	cfg   Config

	// congestion returns the current fee multiplier; wired to the monitor.
	congestion func() float64

	mu          sync.Mutex
	walletLocks map[string]*sync.Mutex
	pending     map[string]*PendingTx // by pending ID
	byHash      map[string]*PendingTx // after broadcast

	logger *slog.Logger
}

// New creates a transaction engine. congestion may be nil (multiplier 1.0).
func New(node Node, km *keys.Manager, st Store, chain chains.Chain, bus *events.Bus, cfg Config, congestion func() float64) *Engine {
	if cfg.FeeTargetBlocks <= 0 {
		cfg.FeeTargetBlocks = 6
	}
	if cfg.CongestionCap <= 1 {
		cfg.CongestionCap = 3.0
	}
	if cfg.MinFeeRate <= 0 {
		cfg.MinFeeRate = 1
	}
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = 1
	}
	if congestion == nil {
		congestion = func() float64 { return 1.0 }
	}
	return &Engine{
		node:        node,
		keys:        km,
		store:       st,
		chain:       chain,
		bus:         bus,
		cfg:         cfg,
		congestion:  congestion,
		walletLocks: make(map[string]*sync.Mutex),
		pending:     make(map[string]*PendingTx),
		byHash:      make(map[string]*PendingTx),
		logger:      slog.Default().With("component", "txengine"),
	}
}

// CreateSend assembles a send of amt to toAddress. feeRate in sat/vB; pass 0
// to use the node's estimate scaled by current congestion. UTXOs are fetched
// live and selected largest-first; per-wallet serialization guarantees two
// concurrent sends never share an input.
func (e *Engine) CreateSend(ctx context.Context, w *store.Wallet, toAddress string, amt amount.Sat, feeRate int64) (*PendingTx, error) {
	if !w.Active {
		return nil, fmt.Errorf("wallet %s is not active", w.ID)
	}
	if w.Type == store.WalletWatchOnly {
		return nil, keys.ErrUnsupportedWalletType
	}
	if amt <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	params, err := e.chain.Params(w.Network)
	if err != nil {
		return nil, err
	}
	destAddr, err := btcutil.DecodeAddress(toAddress, params)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address %q: %w", toAddress, err)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address %q: %w", toAddress, err)
	}

	unlock := e.lockWallet(w.ID)
	defer unlock()

	addrs, err := e.store.ListAddresses(w.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet addresses: %w", err)
	}
	byAddress := make(map[string]store.Address, len(addrs))
	addrStrings := make([]string, 0, len(addrs))
	for _, a := range addrs {
		byAddress[a.Address] = a
		addrStrings = append(addrStrings, a.Address)
	}

	utxos, err := e.node.ListUnspent(ctx, e.cfg.MinConfirmations, addrStrings)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spendable outputs: %w", err)
	}
	reserved := e.reservedOutpoints(w.ID)
	spendable := utxos[:0]
	for _, u := range utxos {
		if !u.Spendable {
			continue
		}
		if _, taken := reserved[fmt.Sprintf("%s:%d", u.TxID, u.Vout)]; taken {
			continue
		}
		spendable = append(spendable, u)
	}
	sort.Slice(spendable, func(i, j int) bool {
		return spendable[i].Amount > spendable[j].Amount
	})

	if feeRate <= 0 {
		feeRate = e.estimateFeeRate(ctx)
	}
	if feeRate < e.cfg.MinFeeRate {
		feeRate = e.cfg.MinFeeRate
	}

	selected, total, fee, err := selectLargestFirst(spendable, amt, feeRate)
	if err != nil {
		return nil, err
	}

	msgTx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make([]keys.PrevOut, len(selected))
	for i, u := range selected {
		rec, ok := byAddress[u.Address]
		if !ok {
			return nil, fmt.Errorf("node returned output for unknown address %s", u.Address)
		}
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("malformed txid %s: %w", u.TxID, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil)
		txIn.Sequence = rbfSequence
		msgTx.AddTxIn(txIn)
		prevOuts[i] = keys.PrevOut{
			Value:  amount.FromBTC(u.Amount),
			Change: rec.IsChange,
			Index:  rec.Index,
		}
	}

	msgTx.AddTxOut(wire.NewTxOut(int64(amt), destScript))

	change := total - amt - fee
	changeAddress := ""
	if change > e.chain.DustLimit() {
		ca, err := e.keys.NextChangeAddress(w)
		if err != nil {
			return nil, fmt.Errorf("failed to derive change address: %w", err)
		}
		caDecoded, err := btcutil.DecodeAddress(ca.Address, params)
		if err != nil {
			return nil, fmt.Errorf("failed to decode change address: %w", err)
		}
		changeScript, err := txscript.PayToAddrScript(caDecoded)
		if err != nil {
			return nil, fmt.Errorf("failed to build change script: %w", err)
		}
		msgTx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
		changeAddress = ca.Address
	} else if change > 0 {
		// Sub-dust change is absorbed into the fee.
		fee += change
	}

	p := newPendingTx(uuid.NewString(), w.ID, msgTx, prevOuts)
	p.Amount = amt
	p.Fee = fee
	p.FeeRate = feeRate
	p.ToAddress = toAddress
	p.ChangeAddress = changeAddress
	p.Replaceable = true

	now := time.Now().UTC()
	rec := &store.Transaction{
		ID:          p.ID,
		WalletID:    w.ID,
		Currency:    w.Currency,
		Type:        store.TxSend,
		Amount:      amt,
		Fee:         fee,
		FromAddress: selected[0].Address,
		ToAddress:   toAddress,
		Status:      store.TxPending,
		Replaceable: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.SaveTransaction(rec); err != nil {
		return nil, fmt.Errorf("failed to save transaction: %w", err)
	}

	e.mu.Lock()
	e.pending[p.ID] = p
	e.mu.Unlock()

	e.logger.Info("send created", "tx_id", p.ID, "wallet_id", w.ID,
		"amount", amt.Format(), "fee", fee.Format(), "fee_rate", feeRate,
		"inputs", len(selected))
	e.bus.Publish(events.TransactionCreated, map[string]string{
		"tx_id": p.ID, "wallet_id": w.ID, "amount": amt.BTCString(),
	})
	return p, nil
}

// Cancel abandons a transaction that was never broadcast.
func (e *Engine) Cancel(p *PendingTx) error {
	rec, err := e.store.FindTransaction(p.ID)
	if err != nil {
		return err
	}
	if !rec.Status.CanTransition(store.TxCancelled) || rec.Status != store.TxPending {
		return fmt.Errorf("cannot cancel %s transaction", rec.Status)
	}
	rec.Status = store.TxCancelled
	if err := e.store.UpdateTransaction(rec); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.pending, p.ID)
	e.mu.Unlock()
	e.logger.Info("send cancelled", "tx_id", p.ID)
	return nil
}

// reservedOutpoints returns the inputs consumed by the wallet's in-flight
// sends, both unbroadcast and broadcast-but-unresolved. Selection excludes
// them so two concurrent sends never spend the same output. Keys are the
// node's "txid:vout" form.
func (e *Engine) reservedOutpoints(walletID string) map[string]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]struct{})
	collect := func(p *PendingTx) {
		if p.WalletID != walletID {
			return
		}
		for _, in := range p.MsgTx.TxIn {
			out[in.PreviousOutPoint.String()] = struct{}{}
		}
	}
	for _, p := range e.pending {
		collect(p)
	}
	for _, p := range e.byHash {
		collect(p)
	}
	return out
}

// selectLargestFirst accumulates outputs until they cover amount plus the
// fee for the inputs selected so far (two outputs assumed: destination and
// change).
func selectLargestFirst(utxos []rpc.Unspent, amt amount.Sat, feeRate int64) ([]rpc.Unspent, amount.Sat, amount.Sat, error) {
	var selected []rpc.Unspent
	var total amount.Sat
	for _, u := range utxos {
		selected = append(selected, u)
		total += amount.FromBTC(u.Amount)
		fee := amount.Sat(estimateVSize(len(selected), 2) * feeRate)
		if total >= amt+fee {
			return selected, total, fee, nil
		}
	}

	need := amt
	if len(utxos) > 0 {
		need += amount.Sat(estimateVSize(len(utxos), 2) * feeRate)
	}
	return nil, 0, 0, &InsufficientFundsError{Need: need, Available: total}
}

func (e *Engine) lockWallet(id string) func() {
	e.mu.Lock()
	l, ok := e.walletLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.walletLocks[id] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}
