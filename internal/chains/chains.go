// Package chains defines the closed set of supported currencies. Adding a
// currency means adding a new Chain implementation and registering it here,
// which keeps dispatch a compile-time concern instead of a runtime string
// comparison.
package chains

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/openvault/wallet-engine/pkg/amount"
)

// Network identifies which network a wallet operates on.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Chain describes the currency-specific constants the engine needs. The
// interface is intentionally closed: every consumer switches on a concrete
// implementation obtained from this package, never on a currency string.
type Chain interface {
	// Code is the currency code used in persisted records ("BTC").
	Code() string

	// RequiredConfirmations is the depth at which a transaction is
	// considered final.
	RequiredConfirmations() int32

	// DustLimit is the smallest output value worth creating.
	DustLimit() amount.Sat

	// Params returns the address-encoding parameters for a network.
	Params(net Network) (*chaincfg.Params, error)
}

// Bitcoin is the base-chain implementation.
type Bitcoin struct{}

func (Bitcoin) Code() string { return "BTC" }

func (Bitcoin) RequiredConfirmations() int32 { return 6 }

func (Bitcoin) DustLimit() amount.Sat { return 546 }

func (Bitcoin) Params(net Network) (*chaincfg.Params, error) {
	switch net {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unsupported network: %s", net)
}
