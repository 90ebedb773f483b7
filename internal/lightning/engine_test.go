package lightning

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openvault/wallet-engine/internal/events"
	"github.com/openvault/wallet-engine/internal/lnd"
	"github.com/openvault/wallet-engine/internal/store"
	"github.com/openvault/wallet-engine/pkg/amount"
)

type sendCall struct {
	payReq      string
	amtMsat     int64
	feeLimitSat int64
	outgoing    string
	lastHop     string
}

type fakeLN struct {
	payReqs  map[string]*lnd.PayReq
	channels []lnd.Channel

	sendFn func(call sendCall) (*lnd.SendResponse, error)

	invoiceCount int
	sent         []sendCall
	closed       []string
	policies     []lnd.PolicyUpdateRequest
}

func (f *fakeLN) GetInfo(ctx context.Context) (*lnd.Info, error) {
	return &lnd.Info{SyncedToChain: true, SyncedToGraph: true}, nil
}

func (f *fakeLN) AddInvoice(ctx context.Context, valueMsat int64, memo string, expiry int64) (*lnd.AddInvoiceResponse, error) {
	f.invoiceCount++
	hash := fmt.Sprintf("%032d", f.invoiceCount)
	return &lnd.AddInvoiceResponse{
		RHash:          base64.StdEncoding.EncodeToString([]byte(hash)),
		PaymentRequest: fmt.Sprintf("lnbcrt1self%d", f.invoiceCount),
	}, nil
}

func (f *fakeLN) LookupInvoice(ctx context.Context, hashHex string) (*lnd.Invoice, error) {
	return &lnd.Invoice{}, nil
}

func (f *fakeLN) DecodePayReq(ctx context.Context, payReq string) (*lnd.PayReq, error) {
	if decoded, ok := f.payReqs[payReq]; ok {
		return decoded, nil
	}
	return &lnd.PayReq{PaymentHash: "selfhash", NumMsat: "0"}, nil
}

func (f *fakeLN) SendPayment(ctx context.Context, payReq string, amtMsat, feeLimitSat int64, outgoing, lastHop string) (*lnd.SendResponse, error) {
	call := sendCall{payReq: payReq, amtMsat: amtMsat, feeLimitSat: feeLimitSat, outgoing: outgoing, lastHop: lastHop}
	f.sent = append(f.sent, call)
	if f.sendFn != nil {
		return f.sendFn(call)
	}
	return &lnd.SendResponse{
		PaymentPreimage: base64.StdEncoding.EncodeToString([]byte("preimage")),
		PaymentRoute:    &lnd.Route{TotalFeesMsat: "1000"},
	}, nil
}

func (f *fakeLN) ListChannels(ctx context.Context) ([]lnd.Channel, error) {
	return f.channels, nil
}

func (f *fakeLN) OpenChannel(ctx context.Context, peer string, localFundingSat, satPerVbyte int64, private bool) (*lnd.OpenChannelResponse, error) {
	return &lnd.OpenChannelResponse{FundingTxidStr: "fundingtxid", OutputIndex: 1}, nil
}

func (f *fakeLN) CloseChannel(ctx context.Context, fundingTxid string, outputIndex uint32, force bool) error {
	f.closed = append(f.closed, fmt.Sprintf("%s:%d force=%t", fundingTxid, outputIndex, force))
	return nil
}

func (f *fakeLN) UpdateChannelPolicy(ctx context.Context, req lnd.PolicyUpdateRequest) error {
	f.policies = append(f.policies, req)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeLN, *store.MemoryStore) {
	t.Helper()
	ln := &fakeLN{payReqs: make(map[string]*lnd.PayReq)}
	st := store.NewMemoryStore()
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)

	eng := New(ln, st, bus, Config{
		FeeRatio:          0.005,
		FeeFloorSat:       5,
		RebalanceMinSats:  10_000,
		RebalanceAttempts: 5,
		InvoiceExpiry:     3600,
	})
	return eng, ln, st
}

func TestCreateInvoicePersistsImmediately(t *testing.T) {
	eng, _, st := newTestEngine(t)

	inv, err := eng.CreateInvoice(context.Background(), 50_000, "coffee", 0)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString([]byte(fmt.Sprintf("%032d", 1))), inv.PaymentHash)
	require.Equal(t, amount.Msat(50_000), inv.AmountMsat)
	require.Equal(t, int64(3600), inv.ExpirySeconds)

	got, err := st.FindInvoice(inv.PaymentHash)
	require.NoError(t, err)
	require.False(t, got.Settled)

	_, err = eng.CreateInvoice(context.Background(), 0, "", 0)
	require.Error(t, err)
}

func TestPayInvoiceAmountMismatchFailsBeforeSubmission(t *testing.T) {
	eng, ln, st := newTestEngine(t)
	ln.payReqs["lnbcrt1fixed"] = &lnd.PayReq{PaymentHash: "hash1", NumMsat: "50000"}

	_, err := eng.PayInvoice(context.Background(), "lnbcrt1fixed", 40_000)
	var mismatch *AmountMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, amount.Msat(50_000), mismatch.InvoiceMsat)
	require.Equal(t, amount.Msat(40_000), mismatch.RequestedMsat)

	// Nothing was submitted and nothing was persisted.
	require.Empty(t, ln.sent)
	_, err = st.FindPayment("hash1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPayInvoiceAmountlessRequiresAmount(t *testing.T) {
	eng, ln, _ := newTestEngine(t)
	ln.payReqs["lnbcrt1open"] = &lnd.PayReq{PaymentHash: "hash2", NumMsat: "0"}

	_, err := eng.PayInvoice(context.Background(), "lnbcrt1open", 0)
	require.ErrorIs(t, err, ErrAmountRequired)
	require.Empty(t, ln.sent)

	p, err := eng.PayInvoice(context.Background(), "lnbcrt1open", 25_000)
	require.NoError(t, err)
	require.Equal(t, store.PaymentSucceeded, p.Status)
	require.Equal(t, int64(25_000), ln.sent[0].amtMsat)
}

func TestPayInvoiceSuccess(t *testing.T) {
	eng, ln, st := newTestEngine(t)
	ln.payReqs["lnbcrt1pay"] = &lnd.PayReq{PaymentHash: "hash3", NumMsat: "2000000000"} // 0.02 BTC

	p, err := eng.PayInvoice(context.Background(), "lnbcrt1pay", 0)
	require.NoError(t, err)
	require.Equal(t, store.PaymentSucceeded, p.Status)
	require.Equal(t, amount.Msat(1000), p.FeeMsat)
	require.Equal(t, hex.EncodeToString([]byte("preimage")), p.Preimage)

	// Invoice carries the amount: amt_msat must not be set.
	require.Equal(t, int64(0), ln.sent[0].amtMsat)
	// Fee ceiling = 2_000_000 sats × 0.005 = 10_000 sats.
	require.Equal(t, int64(10_000), ln.sent[0].feeLimitSat)

	got, err := st.FindPayment("hash3")
	require.NoError(t, err)
	require.Equal(t, store.PaymentSucceeded, got.Status)
}

func TestPayInvoiceFeeCeilingFloor(t *testing.T) {
	eng, ln, _ := newTestEngine(t)
	ln.payReqs["lnbcrt1small"] = &lnd.PayReq{PaymentHash: "hash4", NumMsat: "100000"} // 100 sats

	_, err := eng.PayInvoice(context.Background(), "lnbcrt1small", 0)
	require.NoError(t, err)
	// 100 × 0.005 < 5 sat floor.
	require.Equal(t, int64(5), ln.sent[0].feeLimitSat)
}

func TestPayInvoiceFailureRecorded(t *testing.T) {
	eng, ln, st := newTestEngine(t)
	ln.payReqs["lnbcrt1fail"] = &lnd.PayReq{PaymentHash: "hash5", NumMsat: "50000"}
	ln.sendFn = func(sendCall) (*lnd.SendResponse, error) {
		return &lnd.SendResponse{PaymentError: "no route"}, nil
	}

	_, err := eng.PayInvoice(context.Background(), "lnbcrt1fail", 0)
	require.ErrorContains(t, err, "no route")

	got, err := st.FindPayment("hash5")
	require.NoError(t, err)
	require.Equal(t, store.PaymentFailed, got.Status)
}

func TestPayInvoiceTransportErrorRecorded(t *testing.T) {
	eng, ln, st := newTestEngine(t)
	ln.payReqs["lnbcrt1down"] = &lnd.PayReq{PaymentHash: "hash6", NumMsat: "50000"}
	ln.sendFn = func(sendCall) (*lnd.SendResponse, error) {
		return nil, errors.New("node unreachable")
	}

	_, err := eng.PayInvoice(context.Background(), "lnbcrt1down", 0)
	require.Error(t, err)

	got, err := st.FindPayment("hash6")
	require.NoError(t, err)
	require.Equal(t, store.PaymentFailed, got.Status)
}

func TestRebalanceMovesOverfullChannels(t *testing.T) {
	eng, ln, st := newTestEngine(t)
	ln.channels = []lnd.Channel{
		{ChanID: "over", ChannelPoint: "aaa:0", RemotePubkey: "02a",
			Capacity: "1000000", LocalBalance: "900000", RemoteBalance: "100000", Active: true},
		{ChanID: "balanced", ChannelPoint: "bbb:0", RemotePubkey: "02b",
			Capacity: "1000000", LocalBalance: "500000", RemoteBalance: "500000", Active: true},
		{ChanID: "inactive", ChannelPoint: "ccc:0", RemotePubkey: "02c",
			Capacity: "1000000", LocalBalance: "950000", RemoteBalance: "50000", Active: false},
	}

	report, err := eng.Rebalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Attempted)
	require.Equal(t, 1, report.Succeeded)
	require.Zero(t, report.Failed)
	require.Equal(t, amount.Msat(1000), report.TotalFeesMsat)

	// Moved local balance back toward the 0.5 target, out through "over".
	require.Len(t, ln.sent, 1)
	require.Equal(t, "over", ln.sent[0].outgoing)
	require.Equal(t, amount.Sat(400_000), report.Results[0].AmountSat)

	ch, err := st.FindChannel("over")
	require.NoError(t, err)
	require.Equal(t, amount.Sat(500_000), ch.LocalBalance)
}

func TestRebalanceRefillsDepletedChannels(t *testing.T) {
	eng, ln, st := newTestEngine(t)
	ln.channels = []lnd.Channel{
		{ChanID: "drained", ChannelPoint: "aaa:0", RemotePubkey: "02a",
			Capacity: "1000000", LocalBalance: "100000", RemoteBalance: "900000", Active: true},
	}

	report, err := eng.Rebalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Attempted)
	require.Equal(t, 1, report.Succeeded)

	// No over-full source: the payment is unconstrained outbound but forced
	// back in through the depleted channel's peer.
	require.Len(t, ln.sent, 1)
	require.Empty(t, ln.sent[0].outgoing)
	require.Equal(t, "02a", ln.sent[0].lastHop)
	require.Equal(t, amount.Sat(400_000), report.Results[0].AmountSat)
	require.Equal(t, "drained", report.Results[0].SinkChannelID)

	ch, err := st.FindChannel("drained")
	require.NoError(t, err)
	require.Equal(t, amount.Sat(500_000), ch.LocalBalance)
}

func TestRebalancePairsOverfullWithDepleted(t *testing.T) {
	eng, ln, st := newTestEngine(t)
	ln.channels = []lnd.Channel{
		{ChanID: "over", ChannelPoint: "aaa:0", RemotePubkey: "02a",
			Capacity: "1000000", LocalBalance: "900000", RemoteBalance: "100000", Active: true},
		{ChanID: "drained", ChannelPoint: "bbb:0", RemotePubkey: "02d",
			Capacity: "1000000", LocalBalance: "150000", RemoteBalance: "850000", Active: true},
	}

	report, err := eng.Rebalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Attempted)
	require.Equal(t, 1, report.Succeeded)

	// One circular payment corrects both sides; the amount is bounded by
	// the tighter constraint (the sink's 350k deficit, not the source's
	// 400k excess).
	require.Len(t, ln.sent, 1)
	require.Equal(t, "over", ln.sent[0].outgoing)
	require.Equal(t, "02d", ln.sent[0].lastHop)
	require.Equal(t, amount.Sat(350_000), report.Results[0].AmountSat)

	src, err := st.FindChannel("over")
	require.NoError(t, err)
	require.Equal(t, amount.Sat(550_000), src.LocalBalance)
	dst, err := st.FindChannel("drained")
	require.NoError(t, err)
	require.Equal(t, amount.Sat(500_000), dst.LocalBalance)
}

func TestRebalanceFailureDoesNotAbortBatch(t *testing.T) {
	eng, ln, _ := newTestEngine(t)
	ln.channels = []lnd.Channel{
		{ChanID: "worst", ChannelPoint: "aaa:0", RemotePubkey: "02a",
			Capacity: "1000000", LocalBalance: "950000", RemoteBalance: "50000", Active: true},
		{ChanID: "bad", ChannelPoint: "bbb:0", RemotePubkey: "02b",
			Capacity: "1000000", LocalBalance: "850000", RemoteBalance: "150000", Active: true},
	}
	ln.sendFn = func(call sendCall) (*lnd.SendResponse, error) {
		if call.outgoing == "worst" {
			return &lnd.SendResponse{PaymentError: "no route"}, nil
		}
		return &lnd.SendResponse{PaymentRoute: &lnd.Route{TotalFeesMsat: "500"}}, nil
	}

	report, err := eng.Rebalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Attempted)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, "no route", report.Results[0].Err)
}

func TestRebalanceSkipsBelowMinimumAndBoundsAttempts(t *testing.T) {
	ln := &fakeLN{payReqs: make(map[string]*lnd.PayReq)}
	st := store.NewMemoryStore()
	bus := events.NewBus(16)
	defer bus.Close()
	eng := New(ln, st, bus, Config{RebalanceMinSats: 100_000, RebalanceAttempts: 1})

	ln.channels = []lnd.Channel{
		// Excess 5_000 sats, below the 100k minimum.
		{ChanID: "tiny", ChannelPoint: "aaa:0", RemotePubkey: "02a",
			Capacity: "12000", LocalBalance: "11000", RemoteBalance: "1000", Active: true},
		{ChanID: "big1", ChannelPoint: "bbb:0", RemotePubkey: "02b",
			Capacity: "1000000", LocalBalance: "900000", RemoteBalance: "100000", Active: true},
		{ChanID: "big2", ChannelPoint: "ccc:0", RemotePubkey: "02c",
			Capacity: "1000000", LocalBalance: "950000", RemoteBalance: "50000", Active: true},
	}

	report, err := eng.Rebalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Attempted) // bounded per run
	require.Equal(t, 1, report.Skipped)
}

func TestCloseChannelResolvesChannelPoint(t *testing.T) {
	eng, ln, _ := newTestEngine(t)
	ln.channels = []lnd.Channel{
		{ChanID: "123", ChannelPoint: "deadbeef:1", Active: true,
			Capacity: "1000", LocalBalance: "500", RemoteBalance: "500"},
	}

	require.NoError(t, eng.CloseChannel(context.Background(), "123", true))
	require.Equal(t, []string{"deadbeef:1 force=true"}, ln.closed)

	err := eng.CloseChannel(context.Background(), "missing", false)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOpenChannel(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	txid, err := eng.OpenChannel(context.Background(), "02peer", 1_000_000, OpenChannelOpts{SatPerVbyte: 2})
	require.NoError(t, err)
	require.Equal(t, "fundingtxid", txid)

	_, err = eng.OpenChannel(context.Background(), "02peer", 0, OpenChannelOpts{})
	require.Error(t, err)
}

func TestUpdatePolicy(t *testing.T) {
	eng, ln, _ := newTestEngine(t)
	ln.channels = []lnd.Channel{
		{ChanID: "123", ChannelPoint: "deadbeef:1", Active: true,
			Capacity: "1000", LocalBalance: "500", RemoteBalance: "500"},
	}

	require.NoError(t, eng.UpdatePolicy(context.Background(), "", 1000, 0.0001, 40))
	require.True(t, ln.policies[0].Global)

	require.NoError(t, eng.UpdatePolicy(context.Background(), "123", 1000, 0.0001, 40))
	require.Equal(t, "deadbeef", ln.policies[1].ChanPoint.FundingTxidStr)
	require.Equal(t, uint32(1), ln.policies[1].ChanPoint.OutputIndex)
}
