package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/openvault/wallet-engine/internal/events"
	"github.com/openvault/wallet-engine/internal/rpc"
	"github.com/openvault/wallet-engine/internal/store"
	"github.com/openvault/wallet-engine/pkg/amount"
)

// bitcoind reports code -5 when a transaction is unknown to it: evicted
// from the mempool, or replaced and never mined.
const rpcErrNoSuchTx = -5

// reconcileConfirmations advances broadcast transactions through the
// forward-only state machine: confirmed at the chain's required depth,
// failed when the node no longer knows the transaction.
func (m *Monitor) reconcileConfirmations(ctx context.Context) error {
	txs, err := m.store.ListTransactionsByStatus(store.TxBroadcast)
	if err != nil {
		return fmt.Errorf("failed to list broadcast transactions: %w", err)
	}

	for i := range txs {
		tx := &txs[i]
		if tx.TxHash == "" {
			continue
		}

		raw, err := m.node.GetRawTransaction(ctx, tx.TxHash)
		if err != nil {
			var rpcErr *rpc.RPCError
			if errors.As(err, &rpcErr) && rpcErr.Code == rpcErrNoSuchTx {
				if tx.Status.CanTransition(store.TxFailed) {
					tx.Status = store.TxFailed
					if err := m.store.UpdateTransaction(tx); err != nil {
						m.logger.Error("failed to mark transaction failed", "tx_hash", tx.TxHash, "error", err)
					} else {
						m.logger.Warn("transaction evicted", "tx_hash", tx.TxHash)
					}
				}
				continue
			}
			m.logger.Warn("confirmation lookup failed", "tx_hash", tx.TxHash, "error", err)
			continue
		}

		if raw.Confirmations == tx.Confirmations {
			continue
		}
		tx.Confirmations = raw.Confirmations

		if raw.Confirmations >= m.chain.RequiredConfirmations() && tx.Status.CanTransition(store.TxConfirmed) {
			tx.Status = store.TxConfirmed
			if err := m.store.UpdateTransaction(tx); err != nil {
				m.logger.Error("failed to mark transaction confirmed", "tx_hash", tx.TxHash, "error", err)
				continue
			}
			m.logger.Info("transaction confirmed", "tx_hash", tx.TxHash,
				"confirmations", raw.Confirmations)
			m.bus.Publish(events.TransactionConfirmed, map[string]any{
				"tx_id": tx.ID, "tx_hash": tx.TxHash, "confirmations": raw.Confirmations,
			})
			continue
		}

		if err := m.store.UpdateTransaction(tx); err != nil {
			m.logger.Error("failed to update confirmations", "tx_hash", tx.TxHash, "error", err)
		}
	}
	return nil
}

// reconcileBalances recomputes address balances from the node's UTXO view
// (unconfirmed included) and keeps the wallet's cached balance equal to the
// sum of its address balances. balance_updated is emitted only on change.
func (m *Monitor) reconcileBalances(ctx context.Context) error {
	wallets, err := m.store.ListActiveWallets()
	if err != nil {
		return fmt.Errorf("failed to list wallets: %w", err)
	}

	for i := range wallets {
		w := &wallets[i]
		if err := m.reconcileWalletBalance(ctx, w); err != nil {
			m.logger.Warn("balance reconciliation failed", "wallet_id", w.ID, "error", err)
		}
	}
	return nil
}

func (m *Monitor) reconcileWalletBalance(ctx context.Context, w *store.Wallet) error {
	addrs, err := m.store.ListAddresses(w.ID)
	if err != nil {
		return fmt.Errorf("failed to list addresses: %w", err)
	}
	if len(addrs) == 0 {
		return nil
	}

	addrStrings := make([]string, len(addrs))
	for i, a := range addrs {
		addrStrings[i] = a.Address
	}
	utxos, err := m.node.ListUnspent(ctx, 0, addrStrings)
	if err != nil {
		return fmt.Errorf("failed to list unspent outputs: %w", err)
	}

	perAddress := make(map[string]amount.Sat)
	for _, u := range utxos {
		perAddress[u.Address] += amount.FromBTC(u.Amount)
	}

	var total amount.Sat
	for i := range addrs {
		a := &addrs[i]
		balance := perAddress[a.Address]
		total += balance
		if balance != a.Balance || (balance > 0 && !a.IsUsed) {
			a.Balance = balance
			if balance > 0 {
				a.IsUsed = true
			}
			if err := m.store.UpdateAddress(a); err != nil {
				return fmt.Errorf("failed to update address %s: %w", a.Address, err)
			}
		}
	}

	if total != w.Balance {
		old := w.Balance
		w.Balance = total
		if err := m.store.UpdateWallet(w); err != nil {
			return fmt.Errorf("failed to update wallet balance: %w", err)
		}
		m.logger.Info("wallet balance updated", "wallet_id", w.ID,
			"old", old.Format(), "new", total.Format())
		m.bus.Publish(events.BalanceUpdated, map[string]any{
			"wallet_id": w.ID, "balance_sat": int64(total),
		})
	}
	return nil
}
