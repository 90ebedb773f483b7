package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configurable parameters for the wallet engine.
type Config struct {
	// Bitcoin full node JSON-RPC
	BitcoindURL      string
	BitcoindUser     string
	BitcoindPassword string

	// LND REST endpoint
	LNDURL      string
	LNDMacaroon string // hex-encoded admin macaroon

	// RPC resilience
	RPCMaxRetries     int
	RPCRetryBaseDelay time.Duration
	RPCRetryMaxDelay  time.Duration
	RPCTimeout        time.Duration
	RPCPoolSize       int
	RPCCacheTTL       time.Duration

	// Circuit breaker
	BreakerMinSamples     int
	BreakerErrorThreshold float64
	BreakerCooldown       time.Duration

	// Key management
	KeyPassphrase   string // encrypts seeds at rest
	AddressGapLimit int

	// Transaction engine
	MinUTXOConfirmations int32
	FeeTargetBlocks      int32
	CongestionCap        float64
	MinFeeRate           int64 // sat/vB floor

	// Lightning
	PaymentFeeRatio   float64 // fee ceiling as fraction of amount
	PaymentFeeFloor   int64   // minimum fee ceiling in sats
	RebalanceMinSats  int64
	RebalanceAttempts int

	// Reconciliation intervals
	ConfirmationPollInterval time.Duration
	BalancePollInterval      time.Duration
	CongestionPollInterval   time.Duration
	ChannelPollInterval      time.Duration
	PurgeInterval            time.Duration
	TxRetention              time.Duration

	// Persistence
	DatabasePath string

	// Health/readiness HTTP surface
	ListenAddr string
}

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		BitcoindURL: "http://127.0.0.1:8332",
		LNDURL:      "https://127.0.0.1:8080",

		RPCMaxRetries:     3,
		RPCRetryBaseDelay: 250 * time.Millisecond,
		RPCRetryMaxDelay:  5 * time.Second,
		RPCTimeout:        30 * time.Second,
		RPCPoolSize:       8,
		RPCCacheTTL:       10 * time.Second,

		BreakerMinSamples:     10,
		BreakerErrorThreshold: 0.5,
		BreakerCooldown:       30 * time.Second,

		AddressGapLimit: 20,

		MinUTXOConfirmations: 1,
		FeeTargetBlocks:      6,
		CongestionCap:        3.0,
		MinFeeRate:           1,

		PaymentFeeRatio:   0.005,
		PaymentFeeFloor:   5,
		RebalanceMinSats:  10_000,
		RebalanceAttempts: 5,

		ConfirmationPollInterval: 30 * time.Second,
		BalancePollInterval:      time.Minute,
		CongestionPollInterval:   time.Minute,
		ChannelPollInterval:      time.Minute,
		PurgeInterval:            time.Hour,
		TxRetention:              30 * 24 * time.Hour,

		DatabasePath: "wallet-engine.db",
		ListenAddr:   ":8090",
	}
}

// FromEnv returns a Config populated from environment variables, falling back
// to defaults for unset values.
func FromEnv() Config {
	cfg := Default()

	setString(&cfg.BitcoindURL, "BITCOIND_URL")
	setString(&cfg.BitcoindUser, "BITCOIND_RPC_USER")
	setString(&cfg.BitcoindPassword, "BITCOIND_RPC_PASSWORD")
	setString(&cfg.LNDURL, "LND_URL")
	setString(&cfg.LNDMacaroon, "LND_MACAROON_HEX")

	setInt(&cfg.RPCMaxRetries, "RPC_MAX_RETRIES")
	setDuration(&cfg.RPCRetryBaseDelay, "RPC_RETRY_BASE_DELAY")
	setDuration(&cfg.RPCRetryMaxDelay, "RPC_RETRY_MAX_DELAY")
	setDuration(&cfg.RPCTimeout, "RPC_TIMEOUT")
	setInt(&cfg.RPCPoolSize, "RPC_POOL_SIZE")
	setDuration(&cfg.RPCCacheTTL, "RPC_CACHE_TTL")

	setInt(&cfg.BreakerMinSamples, "BREAKER_MIN_SAMPLES")
	setFloat(&cfg.BreakerErrorThreshold, "BREAKER_ERROR_THRESHOLD")
	setDuration(&cfg.BreakerCooldown, "BREAKER_COOLDOWN")

	setString(&cfg.KeyPassphrase, "KEY_ENCRYPTION_PASSPHRASE")
	setInt(&cfg.AddressGapLimit, "ADDRESS_GAP_LIMIT")

	setInt32(&cfg.MinUTXOConfirmations, "MIN_UTXO_CONFIRMATIONS")
	setInt32(&cfg.FeeTargetBlocks, "FEE_TARGET_BLOCKS")
	setFloat(&cfg.CongestionCap, "CONGESTION_CAP")
	setInt64(&cfg.MinFeeRate, "MIN_FEE_RATE")

	setFloat(&cfg.PaymentFeeRatio, "PAYMENT_FEE_RATIO")
	setInt64(&cfg.PaymentFeeFloor, "PAYMENT_FEE_FLOOR")
	setInt64(&cfg.RebalanceMinSats, "REBALANCE_MIN_SATS")
	setInt(&cfg.RebalanceAttempts, "REBALANCE_ATTEMPTS")

	setDuration(&cfg.ConfirmationPollInterval, "CONFIRMATION_POLL_INTERVAL")
	setDuration(&cfg.BalancePollInterval, "BALANCE_POLL_INTERVAL")
	setDuration(&cfg.CongestionPollInterval, "CONGESTION_POLL_INTERVAL")
	setDuration(&cfg.ChannelPollInterval, "CHANNEL_POLL_INTERVAL")
	setDuration(&cfg.PurgeInterval, "PURGE_INTERVAL")
	setDuration(&cfg.TxRetention, "TX_RETENTION")

	setString(&cfg.DatabasePath, "DATABASE_PATH")
	setString(&cfg.ListenAddr, "LISTEN_ADDR")

	return cfg
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
