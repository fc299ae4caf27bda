package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "BTCUSDT", cfg.Trading.Symbol)
	assert.Equal(t, 60, cfg.Trading.Resolution)
	assert.Equal(t, 500, cfg.Trading.CandleHistory)
	assert.Equal(t, "MAINNET", cfg.Network())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[trading]
symbol = "ETHUSDT"
resolution = 300
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ETHUSDT", cfg.Trading.Symbol)
	assert.Equal(t, 300, cfg.Trading.Resolution)
	assert.Equal(t, 500, cfg.Trading.CandleHistory, "untouched fields keep defaults")
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", cfg.Trading.Symbol)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PHEMEX_SYMBOL", "SOLUSDT")
	t.Setenv("PHEMEX_RESOLUTION", "900")
	t.Setenv("PHEMEX_TESTNET_KEY", "tk")
	t.Setenv("PHEMEX_TESTNET_SECRET", "ts")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "SOLUSDT", cfg.Trading.Symbol)
	assert.Equal(t, 900, cfg.Trading.Resolution)
	assert.Equal(t, "TESTNET", cfg.Network())
}

func TestCredentialSelection(t *testing.T) {
	cfg := Defaults()
	cfg.Credentials.TestnetKey = "tk"
	cfg.Credentials.TestnetSecret = "ts"

	assert.True(t, cfg.IsTestnet())
	key, secret := cfg.ActiveCredentials()
	assert.Equal(t, "tk", key)
	assert.Equal(t, "ts", secret)
	assert.Equal(t, "https://testnet-api.phemex.com", cfg.ActiveRestURL())
	assert.Equal(t, "wss://testnet-api.phemex.com/ws", cfg.ActiveWsURL())

	// Mainnet credentials take precedence once present.
	cfg.Credentials.MainnetKey = "mk"
	cfg.Credentials.MainnetSecret = "ms"
	assert.False(t, cfg.IsTestnet())
	key, _ = cfg.ActiveCredentials()
	assert.Equal(t, "mk", key)
	assert.Equal(t, "https://api.phemex.com", cfg.ActiveRestURL())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "verbose"
	cfg.Trading.Resolution = 42
	cfg.Trading.Symbol = ""
	cfg.Credentials.MainnetKey = "key-without-secret"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "resolution")
	assert.Contains(t, err.Error(), "symbol")
	assert.Contains(t, err.Error(), "mainnet_key")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Credentials.MainnetKey = "real-key"
	cfg.Credentials.MainnetSecret = "real-secret"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Credentials.MainnetKey)
	assert.Equal(t, "***", red.Credentials.MainnetSecret)
	assert.Empty(t, red.Credentials.TestnetKey, "empty fields stay empty")
	assert.Equal(t, "real-key", cfg.Credentials.MainnetKey, "original untouched")
}
