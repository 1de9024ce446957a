package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"walletsync/pkg/cipher"
	"walletsync/pkg/models"
	"walletsync/pkg/utils"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/multierr"
)

const ConfigFileName = ".walletsync.json"

type (
	Config struct {
		MaxWallets         int      `json:"max_wallets"          env:"WALLETSYNC_MAX_WALLETS"          env-default:"10"`
		SupportedNetworks  []string `json:"supported_networks"   env:"WALLETSYNC_SUPPORTED_NETWORKS"   env-default:"ethereum,solana,sui"`
		RefreshIntervalMS  int      `json:"refresh_interval_ms"  env:"WALLETSYNC_REFRESH_INTERVAL_MS"  env-default:"30000"`
		FetchTimeoutMS     int      `json:"fetch_timeout_ms"     env:"WALLETSYNC_FETCH_TIMEOUT_MS"     env-default:"10000"`
		PriceTimeoutMS     int      `json:"price_timeout_ms"     env:"WALLETSYNC_PRICE_TIMEOUT_MS"     env-default:"10000"`
		RefreshConcurrency int      `json:"refresh_concurrency"  env:"WALLETSYNC_REFRESH_CONCURRENCY"  env-default:"4"`

		Chains  Chains  `json:"chains"`
		Price   Price   `json:"price"`
		Storage Storage `json:"storage"`
		Cipher  Cipher  `json:"cipher"`
		Server  Server  `json:"server"`
		Log     Log     `json:"log"`
	}

	Chains struct {
		Ethereum Ethereum `json:"ethereum"`
		Solana   Solana   `json:"solana"`
		Sui      Sui      `json:"sui"`
	}

	// TokenConfig describes a fungible token to report. Address is the ERC-20
	// contract, SPL mint or Sui coin type depending on the chain.
	TokenConfig struct {
		Symbol   string `json:"symbol"`
		Name     string `json:"name,omitempty"`
		Address  string `json:"address"`
		Decimals int    `json:"decimals"`
	}

	Ethereum struct {
		RPCURLs []string      `json:"rpc_urls" env:"WALLETSYNC_ETHEREUM_RPC_URLS" env-default:"https://ethereum-rpc.publicnode.com"`
		Tokens  []TokenConfig `json:"tokens"`
	}

	Solana struct {
		RPCURLs []string      `json:"rpc_urls" env:"WALLETSYNC_SOLANA_RPC_URLS" env-default:"https://api.mainnet-beta.solana.com"`
		Mints   []TokenConfig `json:"mints"`
	}

	// Sui reports every coin the wallet holds; Coins only overrides symbols
	// and names for known coin types.
	Sui struct {
		RPCURLs []string      `json:"rpc_urls" env:"WALLETSYNC_SUI_RPC_URLS" env-default:"https://fullnode.mainnet.sui.io:443"`
		Coins   []TokenConfig `json:"coins"`
	}

	Price struct {
		BaseURL           string            `json:"base_url"            env:"WALLETSYNC_PRICE_BASE_URL"       env-default:"https://api.coingecko.com/api/v3"`
		APIKey            string            `json:"api_key"             env:"WALLETSYNC_PRICE_API_KEY"`
		APIKeyHeader      string            `json:"api_key_header"      env:"WALLETSYNC_PRICE_API_KEY_HEADER" env-default:"x-cg-demo-api-key"`
		IDs               map[string]string `json:"ids"                 env:"WALLETSYNC_PRICE_IDS"            env-default:"ETH:ethereum,SOL:solana,SUI:sui,USDC:usd-coin,USDT:tether"`
		RequestsPerMinute int               `json:"requests_per_minute" env:"WALLETSYNC_PRICE_RPM"            env-default:"30"`
	}

	Storage struct {
		Driver  string `json:"driver"  env:"WALLETSYNC_STORAGE_DRIVER"  env-default:"file"`
		Path    string `json:"path"    env:"WALLETSYNC_STORAGE_PATH"`
		DSN     string `json:"dsn"     env:"WALLETSYNC_DATABASE_URL"`
		Backups int    `json:"backups" env:"WALLETSYNC_STORAGE_BACKUPS" env-default:"5"`
	}

	Cipher struct {
		MasterKey  string `json:"master_key" env:"WALLETSYNC_MASTER_KEY"`
		Passphrase string `json:"passphrase" env:"WALLETSYNC_PASSPHRASE"`
		Salt       string `json:"salt"       env:"WALLETSYNC_SALT"`
	}

	Server struct {
		Port           int      `json:"port"            env:"WALLETSYNC_PORT"            env-default:"8080"`
		AllowedOrigins []string `json:"allowed_origins" env:"WALLETSYNC_ALLOWED_ORIGINS" env-default:"*"`
	}

	Log struct {
		Level  string `json:"level"  env:"WALLETSYNC_LOG_LEVEL"  env-default:"info"`
		Format string `json:"format" env:"WALLETSYNC_LOG_FORMAT" env-default:"console"`
		File   string `json:"file"   env:"WALLETSYNC_LOG_FILE"`
	}
)

var storageDrivers = map[string]bool{"file": true, "sqlite": true, "postgres": true, "memory": true}

// DefaultEthereumTokens are reported when no ERC-20 tokens are configured.
var DefaultEthereumTokens = []TokenConfig{
	{Symbol: "USDC", Name: "USD Coin", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
	{Symbol: "USDT", Name: "Tether USD", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
}

// DefaultSolanaMints are reported when no SPL mints are configured.
var DefaultSolanaMints = []TokenConfig{
	{Symbol: "USDC", Name: "USD Coin", Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
}

func GetConfigPath(customPath string) (string, error) {
	if customPath != "" {
		return customPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigFileName), nil
}

// Load reads the JSON file at path, then applies WALLETSYNC_* overrides.
// A missing file yields a config built from the environment and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else if os.IsNotExist(err) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("env read error: %w", err)
		}
	} else {
		return nil, err
	}

	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if len(c.Chains.Ethereum.Tokens) == 0 {
		c.Chains.Ethereum.Tokens = append([]TokenConfig(nil), DefaultEthereumTokens...)
	}
	if len(c.Chains.Solana.Mints) == 0 {
		c.Chains.Solana.Mints = append([]TokenConfig(nil), DefaultSolanaMints...)
	}
	for i, n := range c.SupportedNetworks {
		c.SupportedNetworks[i] = strings.ToLower(strings.TrimSpace(n))
	}
	if c.Storage.Path == "" {
		switch c.Storage.Driver {
		case "sqlite":
			c.Storage.Path = filepath.Join(baseDir, ".walletsync", "wallets.db")
		default:
			c.Storage.Path = filepath.Join(baseDir, ".walletsync", "wallets.json")
		}
	}
}

// Save writes the config as indented JSON, replacing the file atomically.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("validation failed: encoded configuration is empty")
	}
	return utils.WriteFileAtomic(path, data, 0o600)
}

// Networks returns the allow-list as typed networks.
func (c *Config) Networks() []models.Network {
	out := make([]models.Network, 0, len(c.SupportedNetworks))
	for _, n := range c.SupportedNetworks {
		out = append(out, models.Network(n))
	}
	return out
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMS) * time.Millisecond
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMS) * time.Millisecond
}

func (c *Config) PriceTimeout() time.Duration {
	return time.Duration(c.PriceTimeoutMS) * time.Millisecond
}

// RPCURLs returns the configured endpoints for a network.
func (c *Config) RPCURLs(n models.Network) []string {
	switch n {
	case models.NetworkEthereum:
		return c.Chains.Ethereum.RPCURLs
	case models.NetworkSolana:
		return c.Chains.Solana.RPCURLs
	case models.NetworkSui:
		return c.Chains.Sui.RPCURLs
	}
	return nil
}

// MasterKey resolves the cipher key from either the base64 key or the
// passphrase and salt.
func (c *Config) MasterKey() ([]byte, error) {
	if c.Cipher.MasterKey != "" {
		return cipher.ParseMasterKey(c.Cipher.MasterKey)
	}
	if c.Cipher.Passphrase != "" {
		return cipher.KeyFromPassphrase(c.Cipher.Passphrase, c.Cipher.Salt)
	}
	return nil, errors.New("no cipher key configured: set WALLETSYNC_MASTER_KEY or cipher.passphrase")
}

// Validate reports every structural problem in the config.
func (c *Config) Validate() error {
	var err error
	add := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf(format, args...))
	}

	if c.MaxWallets < 1 {
		add("max_wallets must be at least 1")
	}
	if len(c.SupportedNetworks) == 0 {
		add("supported_networks must not be empty")
	}
	for _, n := range c.SupportedNetworks {
		if !isKnownNetwork(models.Network(n)) {
			add("unknown network %q in supported_networks", n)
			continue
		}
		if len(c.RPCURLs(models.Network(n))) == 0 {
			add("network %s has no RPC URLs", n)
		}
	}
	if c.RefreshIntervalMS <= 0 {
		add("refresh_interval_ms must be positive")
	}
	if c.FetchTimeoutMS <= 0 {
		add("fetch_timeout_ms must be positive")
	}
	if c.PriceTimeoutMS <= 0 {
		add("price_timeout_ms must be positive")
	}
	if c.RefreshConcurrency < 1 {
		add("refresh_concurrency must be at least 1")
	}

	checkTokens := func(chain string, tokens []TokenConfig) {
		for i, t := range tokens {
			if strings.TrimSpace(t.Symbol) == "" {
				add("%s token at index %d has no symbol", chain, i)
			}
			if strings.TrimSpace(t.Address) == "" {
				add("%s token %s has no address", chain, t.Symbol)
			}
			if t.Decimals < 0 || t.Decimals > 36 {
				add("%s token %s has invalid decimals %d", chain, t.Symbol, t.Decimals)
			}
		}
	}
	checkTokens("ethereum", c.Chains.Ethereum.Tokens)
	checkTokens("solana", c.Chains.Solana.Mints)
	for i, coin := range c.Chains.Sui.Coins {
		if strings.TrimSpace(coin.Address) == "" {
			add("sui coin at index %d has no coin type", i)
		}
	}

	if c.Price.BaseURL == "" {
		add("price.base_url must be set")
	}
	if c.Price.RequestsPerMinute < 0 {
		add("price.requests_per_minute must not be negative")
	}

	if !storageDrivers[c.Storage.Driver] {
		add("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		add("storage.dsn is required for the postgres driver")
	}
	if c.Storage.Backups < 0 {
		add("storage.backups must not be negative")
	}

	if _, kerr := c.MasterKey(); kerr != nil {
		add("cipher: %v", kerr)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format must be json or console")
	}

	return err
}

// Problems flattens Validate into messages for reports.
func (c *Config) Problems() []string {
	var out []string
	for _, err := range multierr.Errors(c.Validate()) {
		out = append(out, err.Error())
	}
	return out
}

func isKnownNetwork(n models.Network) bool {
	for _, k := range models.KnownNetworks {
		if k == n {
			return true
		}
	}
	return false
}
