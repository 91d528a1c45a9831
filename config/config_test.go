package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "0x12a", "0x"+cfg.ChainID.Text(16))
	assert.Equal(t, "testnet", cfg.HederaNetwork)
	assert.Equal(t, 7546, cfg.RPCPort)
	assert.Equal(t, DefaultFileAppendChunkSize, cfg.FileAppendChunkSize)
	assert.True(t, cfg.HbarLimits.Enabled)
	assert.False(t, cfg.UseAsyncTxProcessing)
	assert.Equal(t, time.Second, cfg.EthBlockNumberCacheTTL)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CHAIN_ID", "0x127")
	t.Setenv("SERVER_PORT", "8545")
	t.Setenv("LOCK_TTL_MS", "2500")
	t.Setenv("SDK_REQUEST_TIMEOUT", "45s")
	t.Setenv("PAYMASTER_ENABLED", "true")
	t.Setenv("PAYMASTER_WHITELIST", `["0xAB", "0xcd"]`)
	t.Setenv("ETH_CALL_CONSENSUS_SELECTORS", "06fdde03, 95d89b41")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.EqualValues(t, 0x127, cfg.ChainID.Int64())
	assert.Equal(t, 8545, cfg.RPCPort)
	assert.Equal(t, 2500*time.Millisecond, cfg.LockTTL)
	assert.Equal(t, 45*time.Second, cfg.SDKRequestTimeout)
	assert.Equal(t, []string{"0xAB", "0xcd"}, cfg.PaymasterWhitelist)
	assert.Equal(t, []string{"06fdde03", "95d89b41"}, cfg.EthCallConsensusSelectors)
}

func TestFromEnvRejectsBadChainID(t *testing.T) {
	t.Setenv("CHAIN_ID", "mainnet")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestGrpcDeadlineDeprecatedAlias(t *testing.T) {
	cfg := &Config{}
	d, deprecated := cfg.GrpcDeadline()
	assert.Equal(t, DefaultSDKGrpcDeadline, d)
	assert.False(t, deprecated)

	cfg.ConsensusMaxExecutionTime = 3 * time.Second
	d, deprecated = cfg.GrpcDeadline()
	assert.Equal(t, 3*time.Second, d)
	assert.True(t, deprecated)

	cfg.SDKGrpcDeadline = 7 * time.Second
	d, deprecated = cfg.GrpcDeadline()
	assert.Equal(t, 7*time.Second, d)
	assert.False(t, deprecated)
}

func TestIsPaymaster(t *testing.T) {
	cfg := &Config{PaymasterEnabled: true, PaymasterWhitelist: []string{"0xAbCd"}}
	assert.True(t, cfg.IsPaymaster("0xABCD"))
	assert.False(t, cfg.IsPaymaster("0x1234"))

	cfg.PaymasterWhitelist = []string{"*"}
	assert.True(t, cfg.IsPaymaster("0x1234"))

	cfg.PaymasterEnabled = false
	assert.False(t, cfg.IsPaymaster("0x1234"))
}
