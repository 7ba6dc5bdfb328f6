package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Pauses holds the administrative pause switches per ledger module.
type Pauses struct {
	Loan    bool `toml:"Loan"`
	Offer   bool `toml:"Offer"`
	Auction bool `toml:"Auction"`
}

// IsPaused satisfies the native module pause view.
func (p Pauses) IsPaused(module string) bool {
	switch strings.ToLower(module) {
	case "loan":
		return p.Loan
	case "offer":
		return p.Offer
	case "auction":
		return p.Auction
	default:
		return false
	}
}

// Config carries the node configuration loaded from TOML.
type Config struct {
	RPCAddress      string `toml:"RPCAddress"`
	DataDir         string `toml:"DataDir"`
	LogFile         string `toml:"LogFile"`
	LogMaxSizeMB    int    `toml:"LogMaxSizeMB"`
	LogMaxBackups   int    `toml:"LogMaxBackups"`
	PlatformAddress string `toml:"PlatformAddress"`
	VaultAddress    string `toml:"VaultAddress"`
	Pauses          Pauses `toml:"Pauses"`
}

const (
	defaultRPCAddress = "127.0.0.1:8545"
	defaultDataDir    = "./artledger-data"
)

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = defaultRPCAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaultDataDir
	}
}

// Validate checks the address fields decode into 20-byte values. Fields are
// checked in declaration order so the reported failure is deterministic.
func (cfg *Config) Validate() error {
	checks := []struct {
		name  string
		value string
	}{
		{"PlatformAddress", cfg.PlatformAddress},
		{"VaultAddress", cfg.VaultAddress},
	}
	for _, check := range checks {
		if strings.TrimSpace(check.value) == "" {
			return fmt.Errorf("config: %s is required", check.name)
		}
		if _, err := ParseAddress(check.value); err != nil {
			return fmt.Errorf("config: %s: %w", check.name, err)
		}
	}
	return nil
}

// ParseAddress decodes a 0x-prefixed or bare hex string into a 20-byte
// address.
func ParseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid hex address: %w", err)
	}
	if len(raw) != 20 {
		return addr, fmt.Errorf("address must be 20 bytes, got %d", len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// Platform returns the decoded platform address.
func (cfg *Config) Platform() ([20]byte, error) {
	return ParseAddress(cfg.PlatformAddress)
}

// Vault returns the decoded loan vault address.
func (cfg *Config) Vault() ([20]byte, error) {
	return ParseAddress(cfg.VaultAddress)
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:      defaultRPCAddress,
		DataDir:         defaultDataDir,
		PlatformAddress: "0x" + strings.Repeat("00", 19) + "01",
		VaultAddress:    "0x" + strings.Repeat("00", 19) + "02",
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
