package connectors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ActiveExchanges string `envconfig:"ACTIVE_EXCHANGES" default:"binance_futures_testnet"`
	DefaultExchange string `envconfig:"DEFAULT_EXCHANGE" default:"binance_futures_testnet"`

	SymbolMetaTTL time.Duration `envconfig:"SYMBOL_META_TTL" default:"15m"`

	// When set, API keys and secrets are expected as ciphertexts produced by
	// the keys tool and are decrypted before connectors are built.
	CredentialsEncrypted bool `envconfig:"EXCHANGE_CREDENTIALS_ENCRYPTED" default:"false"`

	BinanceAPIKey           string `envconfig:"BINANCE_API_KEY" default:""`
	BinanceAPISecret        string `envconfig:"BINANCE_API_SECRET" default:""`
	BinanceBaseURL          string `envconfig:"BINANCE_BASE_URL" default:"https://fapi.binance.com"`
	BinanceTestnetAPIKey    string `envconfig:"BINANCE_TESTNET_API_KEY" default:""`
	BinanceTestnetAPISecret string `envconfig:"BINANCE_TESTNET_API_SECRET" default:""`
	BinanceTestnetBaseURL   string `envconfig:"BINANCE_TESTNET_BASE_URL" default:"https://testnet.binancefuture.com"`

	BybitAPIKey           string `envconfig:"BYBIT_API_KEY" default:""`
	BybitAPISecret        string `envconfig:"BYBIT_API_SECRET" default:""`
	BybitBaseURL          string `envconfig:"BYBIT_BASE_URL" default:"https://api.bybit.com"`
	BybitTestnetAPIKey    string `envconfig:"BYBIT_TESTNET_API_KEY" default:""`
	BybitTestnetAPISecret string `envconfig:"BYBIT_TESTNET_API_SECRET" default:""`
	BybitTestnetBaseURL   string `envconfig:"BYBIT_TESTNET_BASE_URL" default:"https://api-testnet.bybit.com"`

	MexcAPIKey    string `envconfig:"MEXC_API_KEY" default:""`
	MexcAPISecret string `envconfig:"MEXC_API_SECRET" default:""`
	MexcBaseURL   string `envconfig:"MEXC_BASE_URL" default:"https://contract.mexc.com"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
