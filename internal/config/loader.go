package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PHEMEX_* environment variable overrides, and
// returns the final Config. An empty path skips the file entirely and builds
// the configuration from defaults and environment alone. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PHEMEX_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Exchange.RestURL, "PHEMEX_REST_URL")
	setStr(&cfg.Exchange.WsURL, "PHEMEX_WS_URL")
	setStr(&cfg.Exchange.TestnetRestURL, "PHEMEX_TESTNET_REST_URL")
	setStr(&cfg.Exchange.TestnetWsURL, "PHEMEX_TESTNET_WS_URL")

	setStr(&cfg.Credentials.MainnetKey, "PHEMEX_MAINNET_KEY")
	setStr(&cfg.Credentials.MainnetSecret, "PHEMEX_MAINNET_SECRET")
	setStr(&cfg.Credentials.TestnetKey, "PHEMEX_TESTNET_KEY")
	setStr(&cfg.Credentials.TestnetSecret, "PHEMEX_TESTNET_SECRET")

	setStr(&cfg.Trading.Symbol, "PHEMEX_SYMBOL")
	setInt(&cfg.Trading.Resolution, "PHEMEX_RESOLUTION")
	setInt(&cfg.Trading.CandleHistory, "PHEMEX_CANDLE_HISTORY")
	setInt(&cfg.Trading.Leverage, "PHEMEX_LEVERAGE")

	setStr(&cfg.LogLevel, "PHEMEX_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
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
