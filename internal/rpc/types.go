package rpc

// BlockchainInfo is the result of getblockchaininfo.
type BlockchainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               int64   `json:"blocks"`
	Headers              int64   `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
}

// NetworkInfo is the result of getnetworkinfo.
type NetworkInfo struct {
	Version     int64  `json:"version"`
	Subversion  string `json:"subversion"`
	Connections int64  `json:"connections"`
}

// MempoolInfo is the result of getmempoolinfo.
type MempoolInfo struct {
	Size          int64   `json:"size"`
	Bytes         int64   `json:"bytes"`
	Usage         int64   `json:"usage"`
	MempoolMinFee float64 `json:"mempoolminfee"`
}

// SmartFeeEstimate is the result of estimatesmartfee. FeeRate is denominated
// in BTC per kvB as bitcoind reports it.
type SmartFeeEstimate struct {
	FeeRate float64  `json:"feerate"`
	Errors  []string `json:"errors"`
	Blocks  int64    `json:"blocks"`
}

// AddressValidation is the result of validateaddress.
type AddressValidation struct {
	IsValid      bool   `json:"isvalid"`
	Address      string `json:"address"`
	ScriptPubKey string `json:"scriptPubKey"`
	IsWitness    bool   `json:"iswitness"`
}

// Unspent is one entry of a listunspent result. Amount is the BTC float as
// bitcoind reports it; convert with amount.FromBTC immediately after decode.
type Unspent struct {
	TxID          string  `json:"txid"`
	Vout          uint32  `json:"vout"`
	Address       string  `json:"address"`
	Amount        float64 `json:"amount"`
	Confirmations int32   `json:"confirmations"`
	Spendable     bool    `json:"spendable"`
	ScriptPubKey  string  `json:"scriptPubKey"`
}

// RawInput identifies a previous output for createrawtransaction.
type RawInput struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Sequence uint32 `json:"sequence,omitempty"`
}

// PrevTx describes a previous output for signrawtransactionwithkey.
type PrevTx struct {
	TxID         string  `json:"txid"`
	Vout         uint32  `json:"vout"`
	ScriptPubKey string  `json:"scriptPubKey"`
	RedeemScript string  `json:"redeemScript,omitempty"`
	Amount       float64 `json:"amount"`
}

// SignResult is the result of signrawtransactionwithkey.
type SignResult struct {
	Hex      string `json:"hex"`
	Complete bool   `json:"complete"`
	Errors   []struct {
		TxID  string `json:"txid"`
		Vout  uint32 `json:"vout"`
		Error string `json:"error"`
	} `json:"errors"`
}

// MempoolAcceptResult is one entry of a testmempoolaccept result.
type MempoolAcceptResult struct {
	TxID         string `json:"txid"`
	Allowed      bool   `json:"allowed"`
	RejectReason string `json:"reject-reason"`
}

// RawTransaction is the verbose result of getrawtransaction.
type RawTransaction struct {
	TxID          string `json:"txid"`
	Hex           string `json:"hex"`
	BlockHash     string `json:"blockhash"`
	Confirmations int32  `json:"confirmations"`
	Time          int64  `json:"time"`
	BlockTime     int64  `json:"blocktime"`
}
