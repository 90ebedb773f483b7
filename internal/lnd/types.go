package lnd

// LND REST responses serialize int64 fields as strings; parse with
// strconv.ParseInt at the decode boundary.

// Info is the result of GET /v1/getinfo.
type Info struct {
	IdentityPubkey    string `json:"identity_pubkey"`
	Alias             string `json:"alias"`
	BlockHeight       int64  `json:"block_height"`
	SyncedToChain     bool   `json:"synced_to_chain"`
	SyncedToGraph     bool   `json:"synced_to_graph"`
	NumActiveChannels int64  `json:"num_active_channels"`
}

// AddInvoiceResponse is the result of POST /v1/invoices.
type AddInvoiceResponse struct {
	RHash          string `json:"r_hash"` // base64
	PaymentRequest string `json:"payment_request"`
	AddIndex       string `json:"add_index"`
}

// Invoice is the result of GET /v1/invoice/{r_hash}.
type Invoice struct {
	Memo           string `json:"memo"`
	RHash          string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
	ValueMsat      string `json:"value_msat"`
	Settled        bool   `json:"settled"`
	SettleDate     string `json:"settle_date"`
	State          string `json:"state"`
}

// PayReq is the result of GET /v1/payreq/{pay_req}.
type PayReq struct {
	Destination string `json:"destination"`
	PaymentHash string `json:"payment_hash"`
	NumMsat     string `json:"num_msat"`
	Expiry      string `json:"expiry"`
	Description string `json:"description"`
}

// SendResponse is the result of POST /v1/channels/transactions.
type SendResponse struct {
	PaymentError    string `json:"payment_error"`
	PaymentPreimage string `json:"payment_preimage"` // base64
	PaymentHash     string `json:"payment_hash"`     // base64
	PaymentRoute    *Route `json:"payment_route"`
}

// Route carries the fee accounting of a settled payment.
type Route struct {
	TotalFeesMsat string `json:"total_fees_msat"`
	TotalAmtMsat  string `json:"total_amt_msat"`
}

// Channel is one entry of GET /v1/channels.
type Channel struct {
	ChanID        string `json:"chan_id"`
	ChannelPoint  string `json:"channel_point"`
	RemotePubkey  string `json:"remote_pubkey"`
	Capacity      string `json:"capacity"`
	LocalBalance  string `json:"local_balance"`
	RemoteBalance string `json:"remote_balance"`
	Active        bool   `json:"active"`
	Private       bool   `json:"private"`
}

// ChannelsResponse wraps GET /v1/channels.
type ChannelsResponse struct {
	Channels []Channel `json:"channels"`
}

// OpenChannelResponse is the result of POST /v1/channels.
type OpenChannelResponse struct {
	FundingTxidStr   string `json:"funding_txid_str"`
	FundingTxidBytes string `json:"funding_txid_bytes"` // base64, little-endian
	OutputIndex      uint32 `json:"output_index"`
}

// ChannelBalance is the result of GET /v1/balance/channels.
type ChannelBalance struct {
	LocalBalance  BalanceAmount `json:"local_balance"`
	RemoteBalance BalanceAmount `json:"remote_balance"`
}

// BalanceAmount is LND's {sat, msat} pair.
type BalanceAmount struct {
	Sat  string `json:"sat"`
	Msat string `json:"msat"`
}

// PolicyUpdateRequest is the body of POST /v1/chanpolicy.
type PolicyUpdateRequest struct {
	Global        bool       `json:"global,omitempty"`
	ChanPoint     *ChanPoint `json:"chan_point,omitempty"`
	BaseFeeMsat   string     `json:"base_fee_msat"`
	FeeRate       float64    `json:"fee_rate"`
	TimeLockDelta uint32     `json:"time_lock_delta"`
}

// ChanPoint identifies a channel by funding outpoint.
type ChanPoint struct {
	FundingTxidStr string `json:"funding_txid_str"`
	OutputIndex    uint32 `json:"output_index"`
}

// Payment is one entry of GET /v1/payments.
type Payment struct {
	PaymentHash     string `json:"payment_hash"`
	ValueMsat       string `json:"value_msat"`
	FeeMsat         string `json:"fee_msat"`
	PaymentPreimage string `json:"payment_preimage"` // hex
	Status          string `json:"status"`           // IN_FLIGHT, SUCCEEDED, FAILED
}

// PaymentsResponse wraps GET /v1/payments.
type PaymentsResponse struct {
	Payments []Payment `json:"payments"`
}

// restError is LND's REST error envelope.
type restError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
