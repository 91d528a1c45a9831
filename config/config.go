// Package config holds the environment-driven configuration of the relay.
package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for values that are almost never overridden. Gas figures are the
// network-published static estimates used when the mirror node cannot produce
// a real one.
const (
	DefaultSDKRequestTimeout = 30 * time.Second
	DefaultSDKMaxAttempts    = 10
	DefaultSDKGrpcDeadline   = 10 * time.Second

	DefaultLockTTL                = 10 * time.Second
	DefaultLockAcquisitionTimeout = 15 * time.Second

	DefaultRateLimitDuration = time.Minute

	DefaultTxGas                   = 400_000
	DefaultContractCallAverageGas  = 500_000
	DefaultHollowAccountCreationGas = 587_000

	DefaultMaxTransactionFeeThreshold = 15_000_000

	DefaultCallDataSizeLimit    = 128 * 1024
	DefaultTransactionSizeLimit = 128 * 1024

	DefaultFileAppendChunkSize = 5120
	DefaultFileAppendMaxChunks = 20
)

// HbarLimits are the per-tier daily spending caps in tinybars.
type HbarLimits struct {
	Enabled        bool
	BasicTinybars      int64
	ExtendedTinybars   int64
	PrivilegedTinybars int64
}

// Config is the complete relay configuration, populated from the environment.
type Config struct {
	ChainID       *big.Int
	HederaNetwork string
	OperatorID    string
	OperatorKey   string

	MirrorNodeURL        string
	MirrorNodeRetries    int
	MirrorNodeRetryDelay time.Duration

	EthCallDefaultToConsensus bool
	EthCallConsensusSelectors []string
	EthCallCacheTTL           time.Duration
	EthGetCodeCacheTTL        time.Duration
	EthBlockNumberCacheTTL    time.Duration

	EthGetLogsBlockRangeLimit int64
	MaxBlockRange             int64
	TxCountMaxBlockRange      int

	MaxGasPerSec uint64

	GasPriceBufferPercent int64
	GasPriceTinyBarBuffer int64

	FileAppendChunkSize int
	FileAppendMaxChunks int
	JumboTxEnabled      bool

	PaymasterEnabled   bool
	PaymasterWhitelist []string

	UseAsyncTxProcessing bool

	SendRawTxRetries    int
	SendRawTxRetryDelay time.Duration

	CallDataSizeLimit          int
	TransactionSizeLimit       int
	MaxTransactionFeeThreshold uint64

	HbarLimits HbarLimits

	RedisEnabled bool
	RedisURL     string

	LockTTL                time.Duration
	LockAcquisitionTimeout time.Duration

	IPRateLimitStore  string // "LRU" or "REDIS"
	DefaultRateLimit  int
	RateLimitDuration time.Duration
	RateLimitDisabled bool

	SDKGrpcDeadline            time.Duration
	SDKMaxAttempts             int
	SDKRequestTimeout          time.Duration
	ConsensusMaxExecutionTime  time.Duration // deprecated alias for SDKGrpcDeadline
	SDKLogLevel                string

	FilterAPIEnabled bool
	FilterTTL        time.Duration

	RPCPort int
}

// FromEnv reads the configuration from process environment variables,
// applying defaults for everything not set.
func FromEnv() (*Config, error) {
	chainID, err := parseChainID(envString("CHAIN_ID", "0x12a"))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		ChainID:       chainID,
		HederaNetwork: envString("HEDERA_NETWORK", "testnet"),
		OperatorID:    envString("OPERATOR_ID_MAIN", ""),
		OperatorKey:   envString("OPERATOR_KEY_MAIN", ""),

		MirrorNodeURL:        envString("MIRROR_NODE_URL", ""),
		MirrorNodeRetries:    envInt("MIRROR_NODE_RETRIES", 3),
		MirrorNodeRetryDelay: envDuration("MIRROR_NODE_RETRY_DELAY", 250*time.Millisecond),

		EthCallDefaultToConsensus: envBool("ETH_CALL_DEFAULT_TO_CONSENSUS_NODE", false),
		EthCallConsensusSelectors: envList("ETH_CALL_CONSENSUS_SELECTORS"),
		EthCallCacheTTL:           envDuration("ETH_CALL_CACHE_TTL", 200*time.Millisecond),
		EthGetCodeCacheTTL:        envDuration("ETH_GET_CODE_CACHE_TTL", time.Hour),
		EthBlockNumberCacheTTL:    envDuration("ETH_BLOCK_NUMBER_CACHE_TTL", time.Second),

		EthGetLogsBlockRangeLimit: int64(envInt("ETH_GET_LOGS_BLOCK_RANGE_LIMIT", 1000)),
		MaxBlockRange:             int64(envInt("MAX_BLOCK_RANGE", 5)),
		TxCountMaxBlockRange:      envInt("TX_COUNT_MAX_BLOCK_RANGE", 4000),

		MaxGasPerSec: uint64(envInt("MAX_GAS_PER_SEC", 15_000_000)),

		GasPriceBufferPercent: int64(envInt("GAS_PRICE_PERCENTAGE_BUFFER", 0)),
		GasPriceTinyBarBuffer: int64(envInt("GAS_PRICE_TINY_BAR_BUFFER", 10_000_000_000)),

		FileAppendChunkSize: envInt("FILE_APPEND_CHUNK_SIZE", DefaultFileAppendChunkSize),
		FileAppendMaxChunks: envInt("FILE_APPEND_MAX_CHUNKS", DefaultFileAppendMaxChunks),
		JumboTxEnabled:      envBool("JUMBO_TX_ENABLED", false),

		PaymasterEnabled:   envBool("PAYMASTER_ENABLED", false),
		PaymasterWhitelist: envList("PAYMASTER_WHITELIST"),

		UseAsyncTxProcessing: envBool("USE_ASYNC_TX_PROCESSING", false),

		SendRawTxRetries:    envInt("SEND_RAW_TRANSACTION_POLLING_RETRIES", 5),
		SendRawTxRetryDelay: envDuration("SEND_RAW_TRANSACTION_POLLING_DELAY", 500*time.Millisecond),

		CallDataSizeLimit:          envInt("CALL_DATA_SIZE_LIMIT", DefaultCallDataSizeLimit),
		TransactionSizeLimit:       envInt("SEND_RAW_TRANSACTION_SIZE_LIMIT", DefaultTransactionSizeLimit),
		MaxTransactionFeeThreshold: uint64(envInt("MAX_TRANSACTION_FEE_THRESHOLD", DefaultMaxTransactionFeeThreshold)),

		HbarLimits: HbarLimits{
			Enabled:            envBool("HBAR_RATE_LIMIT_ENABLED", true),
			BasicTinybars:      envInt64("HBAR_RATE_LIMIT_BASIC", 1_120_000_000),
			ExtendedTinybars:   envInt64("HBAR_RATE_LIMIT_EXTENDED", 3_200_000_000),
			PrivilegedTinybars: envInt64("HBAR_RATE_LIMIT_PRIVILEGED", 8_000_000_000),
		},

		RedisEnabled: envBool("REDIS_ENABLED", false),
		RedisURL:     envString("REDIS_URL", "redis://127.0.0.1:6379"),

		LockTTL:                envDuration("LOCK_TTL_MS", DefaultLockTTL),
		LockAcquisitionTimeout: envDuration("LOCK_ACQUISITION_TIMEOUT_MS", DefaultLockAcquisitionTimeout),

		IPRateLimitStore:  strings.ToUpper(envString("IP_RATE_LIMIT_STORE", "LRU")),
		DefaultRateLimit:  envInt("DEFAULT_RATE_LIMIT", 200),
		RateLimitDuration: envDuration("LIMIT_DURATION", DefaultRateLimitDuration),
		RateLimitDisabled: envBool("RATE_LIMIT_DISABLED", false),

		SDKGrpcDeadline:           envDuration("SDK_GRPC_DEADLINE", 0),
		SDKMaxAttempts:            envInt("SDK_MAX_ATTEMPTS", DefaultSDKMaxAttempts),
		SDKRequestTimeout:         envDuration("SDK_REQUEST_TIMEOUT", DefaultSDKRequestTimeout),
		ConsensusMaxExecutionTime: envDuration("CONSENSUS_MAX_EXECUTION_TIME", 0),
		SDKLogLevel:               envString("SDK_LOG_LEVEL", "silent"),

		FilterAPIEnabled: envBool("FILTER_API_ENABLED", true),
		FilterTTL:        envDuration("FILTER_TTL", 5*time.Minute),

		RPCPort: envInt("SERVER_PORT", 7546),
	}
	return cfg, nil
}

// GrpcDeadline resolves the effective per-node gRPC deadline, honoring the
// deprecated CONSENSUS_MAX_EXECUTION_TIME alias. The second return reports
// whether the deprecated key was the source.
func (c *Config) GrpcDeadline() (time.Duration, bool) {
	if c.SDKGrpcDeadline > 0 {
		return c.SDKGrpcDeadline, false
	}
	if c.ConsensusMaxExecutionTime > 0 {
		return c.ConsensusMaxExecutionTime, true
	}
	return DefaultSDKGrpcDeadline, false
}

// IsPaymaster reports whether the given hex recipient address is subsidized.
// The whitelist entry "*" subsidizes every recipient.
func (c *Config) IsPaymaster(to string) bool {
	if !c.PaymasterEnabled {
		return false
	}
	to = strings.ToLower(to)
	for _, entry := range c.PaymasterWhitelist {
		if entry == "*" || strings.ToLower(entry) == to {
			return true
		}
	}
	return false
}

func parseChainID(raw string) (*big.Int, error) {
	s := strings.TrimPrefix(strings.ToLower(raw), "0x")
	id, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("config: invalid CHAIN_ID %q", raw)
	}
	return id, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v == "true" || v == "1"
	}
	return def
}

// envDuration reads a duration either as a plain integer (interpreted as
// milliseconds, matching the *_MS environment keys) or as a Go duration string.
func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func envList(key string) []string {
	v := envString(key, "")
	if v == "" {
		return nil
	}
	// Accept both a JSON array and a comma-separated list.
	if strings.HasPrefix(strings.TrimSpace(v), "[") {
		var out []string
		if err := json.Unmarshal([]byte(v), &out); err == nil {
			return out
		}
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
