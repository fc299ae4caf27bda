// Package config defines the top-level configuration for the connector and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PHEMEX_* environment variables.
type Config struct {
	Exchange    ExchangeConfig    `toml:"exchange"`
	Credentials CredentialsConfig `toml:"credentials"`
	Trading     TradingConfig     `toml:"trading"`
	LogLevel    string            `toml:"log_level"`
}

// ExchangeConfig holds the REST and WebSocket endpoints for both networks.
type ExchangeConfig struct {
	RestURL        string `toml:"rest_url"`
	WsURL          string `toml:"ws_url"`
	TestnetRestURL string `toml:"testnet_rest_url"`
	TestnetWsURL   string `toml:"testnet_ws_url"`
}

// CredentialsConfig holds API keys for both networks. The active pair is
// chosen by Config.IsTestnet.
type CredentialsConfig struct {
	MainnetKey    string `toml:"mainnet_key"`
	MainnetSecret string `toml:"mainnet_secret"`
	TestnetKey    string `toml:"testnet_key"`
	TestnetSecret string `toml:"testnet_secret"`
}

// TradingConfig holds the market selection and boot parameters.
type TradingConfig struct {
	Symbol string `toml:"symbol"`
	// Resolution is the candle resolution in seconds per bar.
	Resolution int `toml:"resolution"`
	// CandleHistory is how many historical bars to backfill at boot.
	CandleHistory int `toml:"candle_history"`
	// Leverage is applied at boot when non-zero; zero leaves the account
	// setting untouched.
	Leverage int `toml:"leverage"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			RestURL:        "https://api.phemex.com",
			WsURL:          "wss://ws.phemex.com",
			TestnetRestURL: "https://testnet-api.phemex.com",
			TestnetWsURL:   "wss://testnet-api.phemex.com/ws",
		},
		Trading: TradingConfig{
			Symbol:        "BTCUSDT",
			Resolution:    60,
			CandleHistory: 500,
		},
		LogLevel: "info",
	}
}

// IsTestnet reports whether the testnet credential pair is the active one:
// testnet keys present and mainnet keys absent. Mainnet always wins when both
// pairs are configured.
func (c *Config) IsTestnet() bool {
	hasTestnet := c.Credentials.TestnetKey != "" && c.Credentials.TestnetSecret != ""
	hasMainnet := c.Credentials.MainnetKey != "" && c.Credentials.MainnetSecret != ""
	return hasTestnet && !hasMainnet
}

// ActiveCredentials returns the API key pair for the active network. Both
// strings are empty when no credentials are configured.
func (c *Config) ActiveCredentials() (key, secret string) {
	if c.IsTestnet() {
		return c.Credentials.TestnetKey, c.Credentials.TestnetSecret
	}
	return c.Credentials.MainnetKey, c.Credentials.MainnetSecret
}

// ActiveRestURL returns the REST endpoint for the active network.
func (c *Config) ActiveRestURL() string {
	if c.IsTestnet() {
		return c.Exchange.TestnetRestURL
	}
	return c.Exchange.RestURL
}

// ActiveWsURL returns the WebSocket endpoint for the active network.
func (c *Config) ActiveWsURL() string {
	if c.IsTestnet() {
		return c.Exchange.TestnetWsURL
	}
	return c.Exchange.WsURL
}

// Network returns a display name for the active network.
func (c *Config) Network() string {
	if c.IsTestnet() {
		return "TESTNET"
	}
	return "MAINNET"
}

// validResolutions enumerates the candle resolutions the venue serves.
var validResolutions = map[int]bool{
	60:    true,
	300:   true,
	900:   true,
	1800:  true,
	3600:  true,
	14400: true,
	86400: true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Exchange.RestURL == "" {
		errs = append(errs, "exchange: rest_url must not be empty")
	}
	if c.Exchange.WsURL == "" {
		errs = append(errs, "exchange: ws_url must not be empty")
	}

	// Credentials come in pairs or not at all.
	if (c.Credentials.MainnetKey == "") != (c.Credentials.MainnetSecret == "") {
		errs = append(errs, "credentials: mainnet_key and mainnet_secret must be set together")
	}
	if (c.Credentials.TestnetKey == "") != (c.Credentials.TestnetSecret == "") {
		errs = append(errs, "credentials: testnet_key and testnet_secret must be set together")
	}

	if c.Trading.Symbol == "" {
		errs = append(errs, "trading: symbol must not be empty")
	}
	if !validResolutions[c.Trading.Resolution] {
		errs = append(errs, fmt.Sprintf("trading: resolution %d is not a supported bar size", c.Trading.Resolution))
	}
	if c.Trading.CandleHistory < 1 {
		errs = append(errs, "trading: candle_history must be >= 1")
	}
	if c.Trading.Leverage < 0 {
		errs = append(errs, "trading: leverage must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
