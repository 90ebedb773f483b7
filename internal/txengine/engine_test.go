package txengine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openvault/wallet-engine/internal/chains"
	"github.com/openvault/wallet-engine/internal/events"
	"github.com/openvault/wallet-engine/internal/keys"
	"github.com/openvault/wallet-engine/internal/rpc"
	"github.com/openvault/wallet-engine/internal/store"
	"github.com/openvault/wallet-engine/pkg/amount"
)

type fakeNode struct {
	utxos        []rpc.Unspent
	feeRate      float64 // BTC/kvB
	feeErr       error
	rejectReason string // non-empty rejects mempool acceptance
	sendErr      error
	sent         []string
	listCalls    int
}

func (f *fakeNode) ListUnspent(ctx context.Context, minConf int32, addresses []string) ([]rpc.Unspent, error) {
	f.listCalls++
	return f.utxos, nil
}

func (f *fakeNode) EstimateSmartFee(ctx context.Context, target int32) (*rpc.SmartFeeEstimate, error) {
	if f.feeErr != nil {
		return nil, f.feeErr
	}
	return &rpc.SmartFeeEstimate{FeeRate: f.feeRate, Blocks: int64(target)}, nil
}

func (f *fakeNode) TestMempoolAccept(ctx context.Context, hexTx string) (*rpc.MempoolAcceptResult, error) {
	if f.rejectReason != "" {
		return &rpc.MempoolAcceptResult{Allowed: false, RejectReason: f.rejectReason}, nil
	}
	return &rpc.MempoolAcceptResult{Allowed: true}, nil
}

func (f *fakeNode) SendRawTransaction(ctx context.Context, hexTx string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, hexTx)
	return "fakehash", nil
}

type testEnv struct {
	engine *Engine
	keys   *keys.Manager
	store  *store.MemoryStore
	node   *fakeNode
	wallet *store.Wallet
}

func newTestEnv(t *testing.T, congestion func() float64) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)

	km := keys.NewManager(st, chains.Bitcoin{}, bus, "test-passphrase", 50)
	w, err := km.CreateWallet("user1", chains.Regtest)
	require.NoError(t, err)

	node := &fakeNode{feeRate: 0.00001} // 1 sat/vB
	eng := New(node, km, st, chains.Bitcoin{}, bus, Config{
		MinConfirmations: 1,
		FeeTargetBlocks:  6,
		CongestionCap:    3.0,
		MinFeeRate:       1,
	}, congestion)

	return &testEnv{engine: eng, keys: km, store: st, node: node, wallet: w}
}

// fund gives the wallet one UTXO per BTC value, each on a fresh receive
// address, at 6 confirmations.
func (env *testEnv) fund(t *testing.T, btcValues ...float64) {
	t.Helper()
	for _, v := range btcValues {
		a, err := env.keys.NextReceiveAddress(env.wallet)
		require.NoError(t, err)
		env.node.utxos = append(env.node.utxos, rpc.Unspent{
			TxID:          "1111111111111111111111111111111111111111111111111111111111111111",
			Vout:          uint32(len(env.node.utxos)),
			Address:       a.Address,
			Amount:        v,
			Confirmations: 6,
			Spendable:     true,
		})
	}
}

func TestCreateSendSelectsLargestFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 0.5, 0.3, 0.1)

	p, err := env.engine.CreateSend(context.Background(), env.wallet, destAddress(t, env), amount.FromBTC(0.6), 1)
	require.NoError(t, err)

	// 0.5 + 0.3 cover 0.6 plus fee; the 0.1 output is untouched.
	require.Len(t, p.MsgTx.TxIn, 2)
	require.Equal(t, amount.Sat(80_000_000), p.PrevOuts[0].Value+p.PrevOuts[1].Value)

	// Two inputs, two outputs at 1 sat/vB.
	wantFee := amount.Sat(estimateVSize(2, 2))
	require.Equal(t, wantFee, p.Fee)
	require.Len(t, p.MsgTx.TxOut, 2)
	require.Equal(t, int64(60_000_000), p.MsgTx.TxOut[0].Value)
	require.Equal(t, int64(20_000_000)-int64(wantFee), p.MsgTx.TxOut[1].Value)
	require.NotEmpty(t, p.ChangeAddress)
	require.True(t, p.Replaceable)

	// Record persisted as pending.
	rec, err := env.store.FindTransaction(p.ID)
	require.NoError(t, err)
	require.Equal(t, store.TxPending, rec.Status)
	require.Equal(t, amount.FromBTC(0.6), rec.Amount)
}

func TestCreateSendInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 0.1, 0.05)

	_, err := env.engine.CreateSend(context.Background(), env.wallet, destAddress(t, env), amount.FromBTC(0.2), 1)
	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, amount.Sat(15_000_000), insufficient.Available)
}

func TestCreateSendAbsorbsSubDustChange(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 0.001) // 100_000 sats

	// One input, two assumed outputs at 1 sat/vB costs 226 sats; change of
	// 274 sats is below the 546 dust limit and goes to fees.
	p, err := env.engine.CreateSend(context.Background(), env.wallet, destAddress(t, env), 99_500, 1)
	require.NoError(t, err)
	require.Len(t, p.MsgTx.TxOut, 1)
	require.Equal(t, amount.Sat(500), p.Fee)
	require.Empty(t, p.ChangeAddress)
}

func TestCreateSendRejectsBadInputs(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 1.0)

	_, err := env.engine.CreateSend(context.Background(), env.wallet, "not-an-address", 1000, 1)
	require.Error(t, err)

	_, err = env.engine.CreateSend(context.Background(), env.wallet, destAddress(t, env), 0, 1)
	require.Error(t, err)

	env.wallet.Active = false
	_, err = env.engine.CreateSend(context.Background(), env.wallet, destAddress(t, env), 1000, 1)
	require.Error(t, err)
}

func TestInFlightSendsReserveInputs(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 1.0)
	ctx := context.Background()

	// The wallet's only UTXO is consumed by the first unbroadcast send, so
	// a second send has nothing left to select.
	p1, err := env.engine.CreateSend(ctx, env.wallet, destAddress(t, env), 1_000_000, 1)
	require.NoError(t, err)

	_, err = env.engine.CreateSend(ctx, env.wallet, destAddress(t, env), 1_000_000, 1)
	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, amount.Sat(0), insufficient.Available)

	// Cancelling releases the reservation.
	require.NoError(t, env.engine.Cancel(p1))
	_, err = env.engine.CreateSend(ctx, env.wallet, destAddress(t, env), 1_000_000, 1)
	require.NoError(t, err)
}

func TestConcurrentSendsSelectDisjointInputs(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 0.5, 0.5)
	ctx := context.Background()

	p1, err := env.engine.CreateSend(ctx, env.wallet, destAddress(t, env), 1_000_000, 1)
	require.NoError(t, err)
	p2, err := env.engine.CreateSend(ctx, env.wallet, destAddress(t, env), 1_000_000, 1)
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for _, in := range p1.MsgTx.TxIn {
		seen[in.PreviousOutPoint.String()] = struct{}{}
	}
	for _, in := range p2.MsgTx.TxIn {
		_, dup := seen[in.PreviousOutPoint.String()]
		require.False(t, dup, "sends share input %s", in.PreviousOutPoint)
	}
}

func TestBroadcastSendsKeepInputsReserved(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 1.0)
	ctx := context.Background()

	p, err := env.engine.CreateSend(ctx, env.wallet, destAddress(t, env), 1_000_000, 1)
	require.NoError(t, err)
	require.NoError(t, env.engine.Sign(ctx, p, ""))
	_, err = env.engine.Broadcast(ctx, p)
	require.NoError(t, err)

	// The node still reports the spent output until the broadcast confirms;
	// it must stay off-limits.
	_, err = env.engine.CreateSend(ctx, env.wallet, destAddress(t, env), 1_000_000, 1)
	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
}

func TestSignAndBroadcastSingleSig(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 0.01)
	ctx := context.Background()

	p, err := env.engine.CreateSend(ctx, env.wallet, destAddress(t, env), 500_000, 1)
	require.NoError(t, err)

	_, err = env.engine.Broadcast(ctx, p)
	require.ErrorIs(t, err, ErrNotSigned)

	require.NoError(t, env.engine.Sign(ctx, p, ""))
	require.True(t, p.Finalized())
	for _, in := range p.MsgTx.TxIn {
		require.Len(t, in.Witness, 2)
	}

	txHash, err := env.engine.Broadcast(ctx, p)
	require.NoError(t, err)
	require.Equal(t, "fakehash", txHash)
	require.Len(t, env.node.sent, 1)

	rec, err := env.store.FindTransactionByHash(txHash)
	require.NoError(t, err)
	require.Equal(t, store.TxBroadcast, rec.Status)
}

func TestBroadcastRejectionPreservesReason(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 0.01)
	ctx := context.Background()

	p, err := env.engine.CreateSend(ctx, env.wallet, destAddress(t, env), 500_000, 1)
	require.NoError(t, err)
	require.NoError(t, env.engine.Sign(ctx, p, ""))

	env.node.rejectReason = "min relay fee not met"
	_, err = env.engine.Broadcast(ctx, p)
	var rejected *BroadcastRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "min relay fee not met", rejected.Reason)
	require.Empty(t, env.node.sent)

	// Record stays pending so the send can be re-feed or cancelled.
	rec, err := env.store.FindTransaction(p.ID)
	require.NoError(t, err)
	require.Equal(t, store.TxPending, rec.Status)
}

func TestMultiSigQuorum(t *testing.T) {
	st := store.NewMemoryStore()
	bus := events.NewBus(16)
	defer bus.Close()
	km := keys.NewManager(st, chains.Bitcoin{}, bus, "test-passphrase", 50)

	w, err := km.CreateMultiSigWallet("org1", chains.Regtest, 2, []string{"alice", "bob", "carol"})
	require.NoError(t, err)

	node := &fakeNode{feeRate: 0.00001}
	eng := New(node, km, st, chains.Bitcoin{}, bus, Config{MinFeeRate: 1}, nil)

	addrs, err := st.ListAddresses(w.ID)
	require.NoError(t, err)
	node.utxos = []rpc.Unspent{{
		TxID:          "2222222222222222222222222222222222222222222222222222222222222222",
		Vout:          0,
		Address:       addrs[0].Address,
		Amount:        0.01,
		Confirmations: 6,
		Spendable:     true,
	}}

	ctx := context.Background()
	dest, err := km.DeriveAddress(w, false, 5)
	require.NoError(t, err)

	p, err := eng.CreateSend(ctx, w, dest, 500_000, 1)
	require.NoError(t, err)

	require.NoError(t, eng.Sign(ctx, p, "alice"))
	require.False(t, p.Finalized())
	require.Equal(t, 1, p.Signers())

	// Duplicate participant is a no-op.
	require.NoError(t, eng.Sign(ctx, p, "alice"))
	require.Equal(t, 1, p.Signers())

	// Unknown participant cannot contribute.
	require.ErrorIs(t, eng.Sign(ctx, p, "mallory"), keys.ErrInvalidKey)
	require.Equal(t, 1, p.Signers())

	require.NoError(t, eng.Sign(ctx, p, "bob"))
	require.True(t, p.Finalized())

	// Witness: dummy, two signatures, witness script.
	require.Len(t, p.MsgTx.TxIn[0].Witness, 4)
	require.Nil(t, p.MsgTx.TxIn[0].Witness[0])

	// A third signature after quorum is harmless.
	require.NoError(t, eng.Sign(ctx, p, "carol"))
	require.Len(t, p.MsgTx.TxIn[0].Witness, 4)

	_, err = eng.Broadcast(ctx, p)
	require.NoError(t, err)
}

func TestBumpFee(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 0.01)
	ctx := context.Background()

	p, err := env.engine.CreateSend(ctx, env.wallet, destAddress(t, env), 500_000, 2)
	require.NoError(t, err)
	require.NoError(t, env.engine.Sign(ctx, p, ""))
	txHash, err := env.engine.Broadcast(ctx, p)
	require.NoError(t, err)

	_, err = env.engine.BumpFee(ctx, txHash, 2)
	require.ErrorIs(t, err, ErrFeeRateTooLow)

	bumped, err := env.engine.BumpFee(ctx, txHash, 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), bumped.FeeRate)
	require.Greater(t, bumped.Fee, p.Fee)
	require.Equal(t, p.Amount, bumped.Amount)
	// Destination output unchanged; change shrank by the fee delta.
	require.Equal(t, p.MsgTx.TxOut[0].Value, bumped.MsgTx.TxOut[0].Value)
	require.Equal(t, p.MsgTx.TxOut[1].Value-int64(bumped.Fee-p.Fee), bumped.MsgTx.TxOut[1].Value)
	require.False(t, bumped.Finalized())

	// Replacement signs and broadcasts like any send.
	require.NoError(t, env.engine.Sign(ctx, bumped, ""))
	_, err = env.engine.Broadcast(ctx, bumped)
	require.NoError(t, err)
}

func TestBumpFeeRequiresReplaceable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 0.01)
	ctx := context.Background()

	p, err := env.engine.CreateSend(ctx, env.wallet, destAddress(t, env), 500_000, 1)
	require.NoError(t, err)
	require.NoError(t, env.engine.Sign(ctx, p, ""))
	txHash, err := env.engine.Broadcast(ctx, p)
	require.NoError(t, err)

	rec, err := env.store.FindTransactionByHash(txHash)
	require.NoError(t, err)
	rec.Replaceable = false
	// MemoryStore.UpdateTransaction does not persist Replaceable; save a
	// fresh non-replaceable record instead.
	rec2 := *rec
	rec2.ID = "non-rbf"
	rec2.TxHash = "otherhash"
	require.NoError(t, env.store.SaveTransaction(&rec2))

	_, err = env.engine.BumpFee(ctx, "otherhash", 10)
	require.ErrorIs(t, err, ErrNotReplaceable)

	_, err = env.engine.BumpFee(ctx, "missing", 10)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelPendingOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 0.01)
	ctx := context.Background()

	p, err := env.engine.CreateSend(ctx, env.wallet, destAddress(t, env), 500_000, 1)
	require.NoError(t, err)
	require.NoError(t, env.engine.Cancel(p))

	rec, err := env.store.FindTransaction(p.ID)
	require.NoError(t, err)
	require.Equal(t, store.TxCancelled, rec.Status)

	p2, err := env.engine.CreateSend(ctx, env.wallet, destAddress(t, env), 500_000, 1)
	require.NoError(t, err)
	require.NoError(t, env.engine.Sign(ctx, p2, ""))
	_, err = env.engine.Broadcast(ctx, p2)
	require.NoError(t, err)
	require.Error(t, env.engine.Cancel(p2))
}

func TestFeeRateScalesWithCongestionClamped(t *testing.T) {
	env := newTestEnv(t, func() float64 { return 10.0 }) // clamped to cap 3.0
	env.node.feeRate = 0.0001                            // 10 sat/vB

	rate := env.engine.estimateFeeRate(context.Background())
	require.Equal(t, int64(30), rate)
}

func TestFeeRateFallsBackToFloor(t *testing.T) {
	env := newTestEnv(t, nil)
	env.node.feeErr = errors.New("estimatesmartfee unavailable")

	rate := env.engine.estimateFeeRate(context.Background())
	require.Equal(t, int64(1), rate)
}

func destAddress(t *testing.T, env *testEnv) string {
	t.Helper()
	addr, err := env.keys.DeriveAddress(env.wallet, false, 40)
	require.NoError(t, err)
	return addr
}
