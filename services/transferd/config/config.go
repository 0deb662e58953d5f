package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"agrichain/core/types"
	"agrichain/crypto"
)

// Duration wraps time.Duration so TOML values can use human readable forms
// like "30s" or "2m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for transferd.
type Config struct {
	Listen   string         `toml:"listen"`
	Node     NodeConfig     `toml:"node"`
	Database DatabaseConfig `toml:"database"`
	Submit   SubmitConfig   `toml:"submit"`
	Recon    ReconConfig    `toml:"recon"`
	Keys     []KeyConfig    `toml:"keys"`
}

// NodeConfig points at the ledger node RPC endpoint.
type NodeConfig struct {
	RPCURL       string `toml:"rpc_url"`
	AuthToken    string `toml:"auth_token"`
	AuthTokenEnv string `toml:"auth_token_env"`
}

// DatabaseConfig configures the mirror database.
type DatabaseConfig struct {
	DSN    string `toml:"dsn"`
	DSNEnv string `toml:"dsn_env"`
}

// SubmitConfig tunes transaction submission.
type SubmitConfig struct {
	GasMarginPercent uint64   `toml:"gas_margin_percent"`
	GasPrice         string   `toml:"gas_price"`
	ReceiptTimeout   Duration `toml:"receipt_timeout"`
	PollInterval     Duration `toml:"poll_interval"`
}

// ReconConfig tunes the watcher and the stuck-transfer resolver.
type ReconConfig struct {
	WatchInterval   Duration `toml:"watch_interval"`
	ResolveInterval Duration `toml:"resolve_interval"`
	RecheckDelay    Duration `toml:"recheck_delay"`
}

// KeyConfig binds a signing key to a local identity. Exactly one of the key
// sources must be set; environment and file sources keep raw key material
// out of the config file. Address optionally pins the expected signing
// address in its bech32 form; key loading fails when the resolved key
// derives a different one, catching a swapped key before it signs anything.
type KeyConfig struct {
	Identity string `toml:"identity"`
	Address  string `toml:"address"`
	KeyHex   string `toml:"key_hex"`
	KeyEnv   string `toml:"key_env"`
	KeyFile  string `toml:"key_file"`
}

// Load reads, defaults and validates the TOML file at path.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = ":8085"
	}
	if c.Submit.ReceiptTimeout.Duration <= 0 {
		c.Submit.ReceiptTimeout.Duration = 90 * time.Second
	}
	if c.Submit.PollInterval.Duration <= 0 {
		c.Submit.PollInterval.Duration = 2 * time.Second
	}
	if c.Recon.WatchInterval.Duration <= 0 {
		c.Recon.WatchInterval.Duration = 5 * time.Second
	}
	if c.Recon.ResolveInterval.Duration <= 0 {
		c.Recon.ResolveInterval.Duration = 15 * time.Second
	}
	if c.Recon.RecheckDelay.Duration <= 0 {
		c.Recon.RecheckDelay.Duration = 30 * time.Second
	}
}

// Validate checks the parts of the configuration that cannot be defaulted.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Node.RPCURL) == "" {
		return fmt.Errorf("config: node.rpc_url is required")
	}
	if strings.TrimSpace(c.Database.DSN) == "" && strings.TrimSpace(c.Database.DSNEnv) == "" {
		return fmt.Errorf("config: database.dsn or database.dsn_env is required")
	}
	if len(c.Keys) == 0 {
		return fmt.Errorf("config: at least one signing key is required")
	}
	for i, key := range c.Keys {
		if strings.TrimSpace(key.Identity) == "" {
			return fmt.Errorf("config: keys[%d].identity is required", i)
		}
		sources := 0
		for _, v := range []string{key.KeyHex, key.KeyEnv, key.KeyFile} {
			if strings.TrimSpace(v) != "" {
				sources++
			}
		}
		if sources != 1 {
			return fmt.Errorf("config: keys[%d] needs exactly one of key_hex, key_env, key_file", i)
		}
	}
	return nil
}

// ResolveDSN returns the database DSN, preferring the environment source.
func (c Config) ResolveDSN() (string, error) {
	if env := strings.TrimSpace(c.Database.DSNEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("config: environment variable %s is empty", env)
	}
	return strings.TrimSpace(c.Database.DSN), nil
}

// ResolveAuthToken returns the node bearer token, if any.
func (c Config) ResolveAuthToken() string {
	if env := strings.TrimSpace(c.Node.AuthTokenEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(c.Node.AuthToken)
}

// DeclaredAddress parses the optional pinned signing address. The second
// return is false when no address was declared.
func (k KeyConfig) DeclaredAddress() (types.Address, bool, error) {
	raw := strings.TrimSpace(k.Address)
	if raw == "" {
		return types.Address{}, false, nil
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return types.Address{}, false, fmt.Errorf("config: address for %s: %w", k.Identity, err)
	}
	return addr, true, nil
}

// ResolveKeyHex returns the hex-encoded private key for a key entry.
func (k KeyConfig) ResolveKeyHex() (string, error) {
	switch {
	case strings.TrimSpace(k.KeyHex) != "":
		return strings.TrimSpace(k.KeyHex), nil
	case strings.TrimSpace(k.KeyEnv) != "":
		v := strings.TrimSpace(os.Getenv(strings.TrimSpace(k.KeyEnv)))
		if v == "" {
			return "", fmt.Errorf("config: environment variable %s is empty", k.KeyEnv)
		}
		return v, nil
	case strings.TrimSpace(k.KeyFile) != "":
		raw, err := os.ReadFile(strings.TrimSpace(k.KeyFile))
		if err != nil {
			return "", fmt.Errorf("config: read key file: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return "", fmt.Errorf("config: key source missing for %s", k.Identity)
}
