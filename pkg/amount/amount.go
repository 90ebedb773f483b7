// Package amount provides fixed-point monetary types for the wallet engine.
// All internal accounting is done in satoshis (or millisatoshis for Lightning);
// decimal representations exist only at the persistence and API boundaries.
package amount

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

// MsatPerSat is the number of millisatoshis in one satoshi.
const MsatPerSat = 1_000

// Sat is an amount of satoshis. Negative values are only meaningful as deltas.
type Sat int64

// Msat is an amount of millisatoshis, the Lightning accounting unit.
type Msat int64

var satsPerBTCDec = decimal.NewFromInt(SatsPerBTC)

// FromBTCString parses a decimal BTC string ("0.5", "0.00000546") into satoshis.
// Fails if the value carries sub-satoshi precision or is not a valid decimal.
func FromBTCString(s string) (Sat, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal amount %q: %w", s, err)
	}
	sats := d.Mul(satsPerBTCDec)
	if !sats.IsInteger() {
		return 0, fmt.Errorf("amount %s has sub-satoshi precision", s)
	}
	return Sat(sats.IntPart()), nil
}

// FromBTC converts a float BTC value (as returned by bitcoind JSON-RPC) to
// satoshis, rounding to the nearest satoshi to absorb float representation
// error. Only used at the RPC decoding boundary.
func FromBTC(btc float64) Sat {
	d := decimal.NewFromFloat(btc).Mul(satsPerBTCDec)
	return Sat(d.Round(0).IntPart())
}

// BTCString renders the amount as a decimal BTC string with full precision.
func (s Sat) BTCString() string {
	return decimal.New(int64(s), 0).Div(satsPerBTCDec).StringFixed(8)
}

// BTC returns the amount as a float BTC value for RPC parameters that demand
// it. Never used for internal accounting.
func (s Sat) BTC() float64 {
	f, _ := decimal.New(int64(s), 0).Div(satsPerBTCDec).Float64()
	return f
}

// ToMsat converts satoshis to millisatoshis.
func (s Sat) ToMsat() Msat {
	return Msat(int64(s) * MsatPerSat)
}

// ToSat converts millisatoshis to satoshis, truncating sub-satoshi remainder.
func (m Msat) ToSat() Sat {
	return Sat(int64(m) / MsatPerSat)
}

// Format renders a satoshi amount in a human-readable way for logs and
// operator output.
func (s Sat) Format() string {
	v := int64(s)
	switch {
	case v >= SatsPerBTC:
		return fmt.Sprintf("%.8f BTC", float64(v)/SatsPerBTC)
	case v >= 1_000_000:
		return fmt.Sprintf("%.2fM sats", float64(v)/1_000_000)
	case v >= 1_000:
		return fmt.Sprintf("%.1fK sats", float64(v)/1_000)
	default:
		return fmt.Sprintf("%d sats", v)
	}
}
