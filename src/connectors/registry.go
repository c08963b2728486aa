package connectors

import (
	"fmt"
	"strings"

	"signalrelay/src/safety"
	"signalrelay/src/security"

	logger "github.com/sirupsen/logrus"
)

// Entry pairs a connector with its safety gate. The gate is instance-scoped:
// rebuilding the registry resets all one-shot checks.
type Entry struct {
	Connector Connector
	Gate      *safety.Gate
}

// Registry holds the active connectors keyed by logical exchange name.
type Registry struct {
	entries     map[string]*Entry
	active      []string
	defaultName string
}

// NewRegistry builds an empty registry; connectors are attached with Register.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		entries:     make(map[string]*Entry),
		defaultName: defaultName,
	}
}

// Register attaches a connector under a logical exchange name with a fresh
// safety gate.
func (r *Registry) Register(name string, connector Connector) {
	r.entries[name] = &Entry{
		Connector: connector,
		Gate:      safety.NewGate(name),
	}
	r.active = append(r.active, name)
}

// BuildRegistry constructs connectors for every active exchange and validates
// their capability contract before anything can trade through them.
func BuildRegistry() (*Registry, error) {
	config := GetConfig()
	return buildRegistryFromConfig(config)
}

func buildRegistryFromConfig(config Config) (*Registry, error) {
	active := splitCSV(config.ActiveExchanges)
	if len(active) == 0 {
		return nil, fmt.Errorf("no active exchanges configured")
	}

	reg := NewRegistry(config.DefaultExchange)

	for _, name := range active {
		connector, err := newConnectorForName(name, config)
		if err != nil {
			return nil, err
		}
		if err := validateConnector(connector); err != nil {
			return nil, fmt.Errorf("connector %s failed contract validation: %w", name, err)
		}
		reg.Register(name, connector)
		logger.WithField("exchange", name).Info("connector registered")
	}

	if _, ok := reg.entries[reg.defaultName]; !ok {
		return nil, fmt.Errorf("default exchange %s is not in active exchanges %v",
			reg.defaultName, active)
	}
	return reg, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolveCredential decrypts a stored credential when encrypted credentials
// are enabled, otherwise passes it through.
func resolveCredential(value string, encrypted bool) (string, error) {
	if !encrypted || value == "" {
		return value, nil
	}
	plain, err := security.DecryptString(value)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return plain, nil
}

func newConnectorForName(name string, config Config) (Connector, error) {
	var apiKey, apiSecret string

	switch name {
	case "binance_futures":
		apiKey, apiSecret = config.BinanceAPIKey, config.BinanceAPISecret
	case "binance_futures_testnet":
		apiKey, apiSecret = config.BinanceTestnetAPIKey, config.BinanceTestnetAPISecret
	case "bybit_futures":
		apiKey, apiSecret = config.BybitAPIKey, config.BybitAPISecret
	case "bybit_futures_testnet":
		apiKey, apiSecret = config.BybitTestnetAPIKey, config.BybitTestnetAPISecret
	case "mexc_futures":
		apiKey, apiSecret = config.MexcAPIKey, config.MexcAPISecret
	default:
		return nil, fmt.Errorf("exchange %s not supported", name)
	}

	key, err := resolveCredential(apiKey, config.CredentialsEncrypted)
	if err != nil {
		return nil, fmt.Errorf("%s api key: %w", name, err)
	}
	secret, err := resolveCredential(apiSecret, config.CredentialsEncrypted)
	if err != nil {
		return nil, fmt.Errorf("%s api secret: %w", name, err)
	}

	switch name {
	case "binance_futures":
		return NewBinanceConnector(name, key, secret,
			config.BinanceBaseURL, config.SymbolMetaTTL), nil
	case "binance_futures_testnet":
		return NewBinanceConnector(name, key, secret,
			config.BinanceTestnetBaseURL, config.SymbolMetaTTL), nil
	case "bybit_futures":
		return NewBybitConnector(name, key, secret,
			config.BybitBaseURL, config.SymbolMetaTTL), nil
	case "bybit_futures_testnet":
		return NewBybitConnector(name, key, secret,
			config.BybitTestnetBaseURL, config.SymbolMetaTTL), nil
	default: // mexc_futures
		return NewMexcConnector(name, key, secret,
			config.MexcBaseURL, config.SymbolMetaTTL), nil
	}
}

// validateConnector checks the endpoint map against the required and optional
// key sets. Missing optional keys are only logged.
func validateConnector(c Connector) error {
	endpoints := c.Endpoints()

	for _, key := range RequiredEndpointKeys {
		if endpoints[key] == "" {
			return fmt.Errorf("missing required endpoint %s", key)
		}
	}
	for _, key := range OptionalEndpointKeys {
		if endpoints[key] == "" {
			logger.WithFields(map[string]interface{}{
				"exchange": c.Name(),
				"endpoint": key,
			}).Warn("optional endpoint not declared")
		}
	}
	return nil
}

// Get returns the entry for a logical exchange name.
func (r *Registry) Get(name string) (*Entry, error) {
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("exchange %s not registered", name)
	}
	return entry, nil
}

// Default returns the entry for the configured default exchange.
func (r *Registry) Default() *Entry {
	return r.entries[r.defaultName]
}

// ActiveNames lists the registered exchange names in configuration order.
func (r *Registry) ActiveNames() []string {
	return r.active
}
