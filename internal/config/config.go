// Package config loads the server configuration: defaults, then an optional
// TOML file, then environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/integrity"
)

// Config holds the server configuration.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Storage      StorageConfig      `toml:"storage"`
	Ledger       LedgerConfig       `toml:"ledger"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	GRPCPort  int    `toml:"grpc_port" env:"CCOS_GRPC_PORT"`
	DebugAddr string `toml:"debug_addr" env:"CCOS_DEBUG_ADDR"` // pprof + metrics; empty disables
	WebAddr   string `toml:"web_addr" env:"CCOS_WEB_ADDR"`     // read-only ledger API; empty disables
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path" env:"CCOS_SQLITE_PATH"`
}

// LedgerConfig contains causal chain signing settings.
type LedgerConfig struct {
	HMACKeys  string `toml:"hmac_keys" env:"CCOS_LEDGER_HMAC_KEYS"` // id=secret,id2=secret2
	HMACKeyID string `toml:"hmac_key_id" env:"CCOS_LEDGER_HMAC_KEY_ID"`
	Scope     string `toml:"scope" env:"CCOS_LEDGER_SCOPE"`
}

// OrchestratorConfig contains execution policy knobs.
type OrchestratorConfig struct {
	// DefaultQuota is the effect quota of a plan's root context. Negative
	// means unlimited.
	DefaultQuota int `toml:"default_quota" env:"CCOS_DEFAULT_QUOTA"`

	// DeniedConsumesRetry makes a Denied outcome consume the step's retry
	// budget. By default Denied is not retried.
	DeniedConsumesRetry bool `toml:"denied_consumes_retry" env:"CCOS_DENIED_CONSUMES_RETRY"`

	NetworkAllowList []string `toml:"network_allow_list" env:"CCOS_NETWORK_ALLOW_LIST" envSeparator:","`
	WritablePaths    []string `toml:"writable_paths" env:"CCOS_WRITABLE_PATHS" envSeparator:","`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort:  50051,
			DebugAddr: ":6060",
			WebAddr:   ":8080",
		},
		Storage: StorageConfig{
			SQLitePath: "ccos.db",
		},
		Ledger: LedgerConfig{
			HMACKeyID: "v1",
			Scope:     "causal-chain",
		},
		Orchestrator: OrchestratorConfig{
			DefaultQuota: domain.UnlimitedQuota,
		},
	}
}

// Load builds the configuration. path may be empty to skip the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc port %d", c.Server.GRPCPort)
	}
	if strings.TrimSpace(c.Storage.SQLitePath) == "" {
		return fmt.Errorf("sqlite path is required")
	}
	if strings.TrimSpace(c.Ledger.HMACKeyID) == "" {
		return fmt.Errorf("ledger hmac key id is required")
	}
	return nil
}

// Keyring builds the ledger signer from the configured keys.
func (l LedgerConfig) Keyring() (*integrity.Keyring, error) {
	keys, err := integrity.ParseKeys(l.HMACKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no ledger signing keys configured")
	}
	return integrity.NewKeyring(keys, l.HMACKeyID, l.Scope)
}
