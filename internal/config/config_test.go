package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"rpc_url": "https://api.mainnet-beta.solana.com", "wallet_key": "x"}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "confirmed", cfg.DefaultCommitment)
	assert.Equal(t, uint64(10_000), cfg.MinPriorityFeeLamports)
	assert.Equal(t, uint64(5_000_000), cfg.MaxPriorityFeeLamports)
	assert.Equal(t, "medium", cfg.DefaultPriorityTier)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.BaseRetryDelay())
	assert.Equal(t, 8*time.Second, cfg.MaxRetryDelay())
	assert.Equal(t, 45*time.Second, cfg.ConfirmTimeout())
}

func TestLoadConfigRejectsMissingRPCURL(t *testing.T) {
	path := writeConfig(t, `{"wallet_key": "x"}`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadCommitment(t *testing.T) {
	path := writeConfig(t, `{"rpc_url": "https://rpc.example.com", "default_commitment": "instant"}`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigRejectsInvertedFeeBounds(t *testing.T) {
	path := writeConfig(t, `{
		"rpc_url": "https://rpc.example.com",
		"min_priority_fee_lamports": 100,
		"max_priority_fee_lamports": 50
	}`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigRejectsInvertedRetryDelays(t *testing.T) {
	path := writeConfig(t, `{
		"rpc_url": "https://rpc.example.com",
		"base_retry_delay_ms": 9000,
		"max_retry_delay_ms": 1000
	}`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvironmentOverridesWalletKey(t *testing.T) {
	t.Setenv("WHIRLPOOL_BOT_WALLET_KEY", "env-key")
	path := writeConfig(t, `{"rpc_url": "https://rpc.example.com", "wallet_key": "file-key"}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.WalletKey)
}
