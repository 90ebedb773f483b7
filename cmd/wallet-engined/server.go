package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/openvault/wallet-engine/internal/chains"
	"github.com/openvault/wallet-engine/internal/health"
	"github.com/openvault/wallet-engine/internal/keys"
	"github.com/openvault/wallet-engine/internal/lightning"
	"github.com/openvault/wallet-engine/internal/rpc"
	"github.com/openvault/wallet-engine/internal/store"
	"github.com/openvault/wallet-engine/internal/txengine"
	"github.com/openvault/wallet-engine/pkg/amount"
)

type server struct {
	store     store.Store
	keys      *keys.Manager
	engine    *txengine.Engine
	lightning *lightning.Engine
	checker   *health.Checker
	router    *mux.Router
	logger    *slog.Logger
}

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newServer(st store.Store, km *keys.Manager, eng *txengine.Engine, ln *lightning.Engine, checker *health.Checker) *server {
	s := &server{
		store:     st,
		keys:      km,
		engine:    eng,
		lightning: ln,
		checker:   checker,
		router:    mux.NewRouter(),
		logger:    slog.Default().With("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/wallets", s.handleCreateWallet).Methods("POST")
	api.HandleFunc("/wallets/{id}", s.handleGetWallet).Methods("GET")
	api.HandleFunc("/wallets/{id}", s.handleDeactivateWallet).Methods("DELETE")
	api.HandleFunc("/wallets/{id}/addresses", s.handleNewAddress).Methods("POST")
	api.HandleFunc("/wallets/{id}/send", s.handleSend).Methods("POST")
	api.HandleFunc("/transactions/{hash}/bump", s.handleBumpFee).Methods("POST")
	api.HandleFunc("/invoices", s.handleCreateInvoice).Methods("POST")
	api.HandleFunc("/payments", s.handlePay).Methods("POST")
	api.HandleFunc("/channels", s.handleOpenChannel).Methods("POST")
	api.HandleFunc("/rebalance", s.handleRebalance).Methods("POST")
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status != health.StatusOK {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, apiResponse{Success: report.Status == health.StatusOK, Data: report})
}

func (s *server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string   `json:"user_id"`
		Type         string   `json:"type"`
		Network      string   `json:"network"`
		Threshold    int      `json:"threshold"`
		Participants []string `json:"participants"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	network := chains.Network(req.Network)
	if network == "" {
		network = chains.Mainnet
	}

	var (
		wallet *store.Wallet
		err    error
	)
	switch store.WalletType(req.Type) {
	case store.WalletMultiSig:
		wallet, err = s.keys.CreateMultiSigWallet(req.UserID, network, req.Threshold, req.Participants)
	case store.WalletWatchOnly:
		wallet, err = s.keys.CreateWatchOnlyWallet(req.UserID, network)
	case store.WalletSingleSig, "":
		wallet, err = s.keys.CreateWallet(req.UserID, network)
	default:
		s.writeError(w, http.StatusBadRequest, "unknown wallet type")
		return
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, apiResponse{Success: true, Data: walletView(wallet)})
}

func (s *server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.FindWallet(mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: walletView(wallet)})
}

func (s *server) handleDeactivateWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.FindWallet(mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if err := s.keys.DeactivateWallet(wallet); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

func (s *server) handleNewAddress(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.FindWallet(mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	addr, err := s.keys.NextReceiveAddress(wallet)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, apiResponse{Success: true, Data: map[string]any{
		"address":         addr.Address,
		"derivation_path": addr.DerivationPath,
		"index":           addr.Index,
	}})
}

// handleSend builds, signs and broadcasts in one call. Multi-sig wallets
// list the quorum of participant IDs authorizing the spend.
func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToAddress string   `json:"to_address"`
		AmountBTC string   `json:"amount_btc"`
		FeeRate   int64    `json:"fee_rate"` // sat/vB, 0 = estimate
		Signers   []string `json:"signers"`  // multi-sig participant IDs
	}
	if !s.decode(w, r, &req) {
		return
	}
	amt, err := amount.FromBTCString(req.AmountBTC)
	if err != nil || amt <= 0 {
		s.writeError(w, http.StatusBadRequest, "amount_btc must be a positive decimal string")
		return
	}

	wallet, err := s.store.FindWallet(mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	pending, err := s.engine.CreateSend(r.Context(), wallet, req.ToAddress, amt, req.FeeRate)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	signers := req.Signers
	if wallet.Type != store.WalletMultiSig {
		signers = []string{""}
	}
	for _, participantID := range signers {
		if err := s.engine.Sign(r.Context(), pending, participantID); err != nil {
			s.cancelPending(pending)
			s.writeEngineError(w, err)
			return
		}
	}

	txHash, err := s.engine.Broadcast(r.Context(), pending)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, apiResponse{Success: true, Data: map[string]any{
		"tx_id":      pending.ID,
		"tx_hash":    txHash,
		"amount_btc": pending.Amount.BTCString(),
		"fee_btc":    pending.Fee.BTCString(),
		"fee_rate":   pending.FeeRate,
	}})
}

func (s *server) handleBumpFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeeRate int64    `json:"fee_rate"`
		Signers []string `json:"signers"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	pending, err := s.engine.BumpFee(r.Context(), mux.Vars(r)["hash"], req.FeeRate)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	wallet, err := s.store.FindWallet(pending.WalletID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	signers := req.Signers
	if wallet.Type != store.WalletMultiSig {
		signers = []string{""}
	}
	for _, participantID := range signers {
		if err := s.engine.Sign(r.Context(), pending, participantID); err != nil {
			s.cancelPending(pending)
			s.writeEngineError(w, err)
			return
		}
	}

	txHash, err := s.engine.Broadcast(r.Context(), pending)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, apiResponse{Success: true, Data: map[string]any{
		"tx_id":    pending.ID,
		"tx_hash":  txHash,
		"fee_btc":  pending.Fee.BTCString(),
		"fee_rate": pending.FeeRate,
	}})
}

func (s *server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountMsat int64  `json:"amount_msat"`
		Memo       string `json:"memo"`
		Expiry     int64  `json:"expiry_seconds"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	inv, err := s.lightning.CreateInvoice(r.Context(), amount.Msat(req.AmountMsat), req.Memo, req.Expiry)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, apiResponse{Success: true, Data: map[string]any{
		"payment_hash":    inv.PaymentHash,
		"payment_request": inv.PaymentRequest,
		"amount_msat":     int64(inv.AmountMsat),
	}})
}

func (s *server) handlePay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentRequest string `json:"payment_request"`
		AmountMsat     int64  `json:"amount_msat"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	payment, err := s.lightning.PayInvoice(r.Context(), req.PaymentRequest, amount.Msat(req.AmountMsat))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Success: payment.Status == store.PaymentSucceeded, Data: map[string]any{
		"payment_hash": payment.PaymentHash,
		"status":       string(payment.Status),
		"fee_msat":     int64(payment.FeeMsat),
	}})
}

func (s *server) handleOpenChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeerPubkey  string `json:"peer_pubkey"`
		AmountSat   int64  `json:"amount_sat"`
		SatPerVbyte int64  `json:"sat_per_vbyte"`
		Private     bool   `json:"private"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	fundingTxid, err := s.lightning.OpenChannel(r.Context(), req.PeerPubkey, amount.Sat(req.AmountSat),
		lightning.OpenChannelOpts{SatPerVbyte: req.SatPerVbyte, Private: req.Private})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, apiResponse{Success: true, Data: map[string]string{
		"funding_txid": fundingTxid,
	}})
}

func (s *server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	report, err := s.lightning.Rebalance(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: report})
}

// cancelPending releases the pending record when a signing step fails so the
// wallet's UTXOs are not left reserved behind a dead transaction.
func (s *server) cancelPending(p *txengine.PendingTx) {
	if err := s.engine.Cancel(p); err != nil {
		s.logger.Warn("failed to cancel pending transaction", "tx_id", p.ID, "error", err)
	}
}

func walletView(w *store.Wallet) map[string]any {
	return map[string]any{
		"id":          w.ID,
		"user_id":     w.UserID,
		"currency":    w.Currency,
		"type":        string(w.Type),
		"network":     string(w.Network),
		"balance_btc": w.Balance.BTCString(),
		"threshold":   w.Threshold,
		"signers":     w.TotalSigners,
		"active":      w.Active,
	}
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// writeEngineError maps engine error taxonomy onto HTTP status codes.
func (s *server) writeEngineError(w http.ResponseWriter, err error) {
	var (
		insufficient *txengine.InsufficientFundsError
		badSig       *txengine.InvalidSignatureError
		rejected     *txengine.BroadcastRejectedError
		mismatch     *lightning.AmountMismatchError
	)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, txengine.ErrUnknownTransaction):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &insufficient),
		errors.As(err, &mismatch),
		errors.Is(err, lightning.ErrAmountRequired),
		errors.Is(err, txengine.ErrFeeRateTooLow),
		errors.Is(err, txengine.ErrNotReplaceable),
		errors.Is(err, keys.ErrUnsupportedWalletType),
		errors.Is(err, keys.ErrGapLimitExceeded):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &badSig), errors.Is(err, keys.ErrInvalidKey):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, keys.ErrPendingTransactions):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &rejected):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, rpc.ErrCircuitOpen), errors.Is(err, rpc.ErrServiceUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *server) writeJSON(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, apiResponse{Success: false, Error: msg})
}
