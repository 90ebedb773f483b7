package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed wrappers over Call for every full-node method the engine consumes.

// GetBlockchainInfo retrieves general blockchain information.
func (c *Client) GetBlockchainInfo(ctx context.Context) (*BlockchainInfo, error) {
	return call[BlockchainInfo](ctx, c, "getblockchaininfo")
}

// GetNetworkInfo retrieves node network state.
func (c *Client) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	return call[NetworkInfo](ctx, c, "getnetworkinfo")
}

// GetMempoolInfo retrieves current mempool statistics.
func (c *Client) GetMempoolInfo(ctx context.Context) (*MempoolInfo, error) {
	return call[MempoolInfo](ctx, c, "getmempoolinfo")
}

// EstimateSmartFee asks the node for a fee rate targeting confirmation
// within target blocks.
func (c *Client) EstimateSmartFee(ctx context.Context, target int32) (*SmartFeeEstimate, error) {
	return call[SmartFeeEstimate](ctx, c, "estimatesmartfee", target)
}

// GetNewAddress requests a fresh node-managed address. Used only for
// operator tooling, never for custody wallets.
func (c *Client) GetNewAddress(ctx context.Context, label, addrType string) (string, error) {
	raw, err := c.Call(ctx, "getnewaddress", label, addrType)
	if err != nil {
		return "", err
	}
	var addr string
	if err := json.Unmarshal(raw, &addr); err != nil {
		return "", fmt.Errorf("decode getnewaddress result: %w", err)
	}
	return addr, nil
}

// ValidateAddress checks an address against the node's rules.
func (c *Client) ValidateAddress(ctx context.Context, address string) (*AddressValidation, error) {
	return call[AddressValidation](ctx, c, "validateaddress", address)
}

// ListUnspent returns spendable outputs for the given addresses with at
// least minConf confirmations. Results are always fetched live.
func (c *Client) ListUnspent(ctx context.Context, minConf int32, addresses []string) ([]Unspent, error) {
	raw, err := c.Call(ctx, "listunspent", minConf, 9999999, addresses)
	if err != nil {
		return nil, err
	}
	var utxos []Unspent
	if err := json.Unmarshal(raw, &utxos); err != nil {
		return nil, fmt.Errorf("decode listunspent result: %w", err)
	}
	return utxos, nil
}

// CreateRawTransaction assembles an unsigned transaction on the node.
// outputs maps address to BTC decimal string.
func (c *Client) CreateRawTransaction(ctx context.Context, inputs []RawInput, outputs map[string]string, replaceable bool) (string, error) {
	raw, err := c.Call(ctx, "createrawtransaction", inputs, outputs, 0, replaceable)
	if err != nil {
		return "", err
	}
	var hexTx string
	if err := json.Unmarshal(raw, &hexTx); err != nil {
		return "", fmt.Errorf("decode createrawtransaction result: %w", err)
	}
	return hexTx, nil
}

// SignRawTransactionWithKey signs a raw transaction on the node with the
// supplied WIF keys. Only used for watch-only operator flows where key
// custody already sits with the node.
func (c *Client) SignRawTransactionWithKey(ctx context.Context, hexTx string, privKeys []string, prevTxs []PrevTx) (*SignResult, error) {
	return call[SignResult](ctx, c, "signrawtransactionwithkey", hexTx, privKeys, prevTxs)
}

// SendRawTransaction broadcasts a finalized transaction. Never cached,
// never served stale.
func (c *Client) SendRawTransaction(ctx context.Context, hexTx string) (string, error) {
	raw, err := c.Call(ctx, "sendrawtransaction", hexTx)
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(raw, &txid); err != nil {
		return "", fmt.Errorf("decode sendrawtransaction result: %w", err)
	}
	return txid, nil
}

// TestMempoolAccept checks whether the node would accept the transaction
// without broadcasting it.
func (c *Client) TestMempoolAccept(ctx context.Context, hexTx string) (*MempoolAcceptResult, error) {
	raw, err := c.Call(ctx, "testmempoolaccept", []string{hexTx})
	if err != nil {
		return nil, err
	}
	var results []MempoolAcceptResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("decode testmempoolaccept result: %w", err)
	}
	if len(results) == 0 {
		return nil, &NetworkError{Op: "testmempoolaccept", Err: fmt.Errorf("empty result")}
	}
	return &results[0], nil
}

// GetRawTransaction fetches a transaction with confirmation metadata.
func (c *Client) GetRawTransaction(ctx context.Context, txid string) (*RawTransaction, error) {
	return call[RawTransaction](ctx, c, "getrawtransaction", txid, true)
}

// call is the shared decode helper for struct-shaped results.
func call[T any](ctx context.Context, c *Client, method string, params ...any) (*T, error) {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return &result, nil
}
