package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/contextvm/ctxvm-go/transport"
)

// duration lets TOML carry values like "30m" or "45s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the gateway process configuration.
type Config struct {
	Gateway  GatewayConfig  `toml:"gateway"`
	MCP      MCPConfig      `toml:"mcp"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Payments PaymentsConfig `toml:"payments"`
}

// GatewayConfig is the relay-facing side.
type GatewayConfig struct {
	Relays         []string `toml:"relays"`
	PrivateKey     string   `toml:"private_key"`
	Public         bool     `toml:"public"`
	Name           string   `toml:"name"`
	Version        string   `toml:"version"`
	About          string   `toml:"about"`
	Website        string   `toml:"website"`
	Picture        string   `toml:"picture"`
	Encryption     string   `toml:"encryption"`
	AllowedPubkeys []string `toml:"allowed_pubkeys"`
	Excluded       []string `toml:"excluded_capabilities"`
	SessionTimeout duration `toml:"session_timeout"`
}

// MCPConfig describes the local MCP server process.
type MCPConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Env     []string `toml:"env"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// PaymentsConfig gates capabilities behind Lightning payments.
type PaymentsConfig struct {
	DefaultTTL duration       `toml:"default_ttl"`
	Priced     []PricedConfig `toml:"priced"`
	NWC        NWCConfig      `toml:"nwc"`
	LNbits     LNbitsConfig   `toml:"lnbits"`
	Zap        ZapConfig      `toml:"zap"`
}

// PricedConfig prices one capability. An empty name prices the whole method.
type PricedConfig struct {
	Method      string `toml:"method"`
	Name        string `toml:"name"`
	Amount      int64  `toml:"amount"`
	Description string `toml:"description"`
}

// NWCConfig connects a NIP-47 wallet.
type NWCConfig struct {
	URI           string `toml:"uri"`
	Notifications bool   `toml:"notifications"`
}

// ZapConfig receives payments as NIP-57 zaps to a lightning address.
type ZapConfig struct {
	Address string `toml:"address"`
}

// LNbitsConfig connects an LNbits instance.
type LNbitsConfig struct {
	URL        string `toml:"url"`
	InvoiceKey string `toml:"invoice_key"`
	AdminKey   string `toml:"admin_key"`
}

// LoadConfig reads the env file (when present), the TOML config, and the
// secret overrides from the environment.
func LoadConfig(path, envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load env file %s: %w", envFile, err)
			}
		}
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	// Secrets prefer the environment so the TOML file can be committed.
	if v := os.Getenv("CTXVM_PRIVATE_KEY"); v != "" {
		cfg.Gateway.PrivateKey = v
	}
	if v := os.Getenv("CTXVM_NWC_URI"); v != "" {
		cfg.Payments.NWC.URI = v
	}
	if v := os.Getenv("CTXVM_LNBITS_INVOICE_KEY"); v != "" {
		cfg.Payments.LNbits.InvoiceKey = v
	}
	if v := os.Getenv("CTXVM_LNBITS_ADMIN_KEY"); v != "" {
		cfg.Payments.LNbits.AdminKey = v
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Gateway.Relays) == 0 {
		return errors.New("config: gateway.relays is empty")
	}
	if c.Gateway.PrivateKey == "" {
		return errors.New("config: gateway.private_key (or CTXVM_PRIVATE_KEY) is required")
	}
	return nil
}

func (c *GatewayConfig) encryptionMode() (transport.EncryptionMode, error) {
	switch c.Encryption {
	case "", "optional":
		return transport.EncryptionOptional, nil
	case "disabled":
		return transport.EncryptionDisabled, nil
	case "required":
		return transport.EncryptionRequired, nil
	default:
		return 0, fmt.Errorf("config: unknown encryption mode %q", c.Encryption)
	}
}

// exclusions parses "method" or "method:name" entries.
func (c *GatewayConfig) exclusions() []transport.CapabilityRef {
	refs := make([]transport.CapabilityRef, 0, len(c.Excluded))
	for _, raw := range c.Excluded {
		method, name, _ := strings.Cut(raw, ":")
		refs = append(refs, transport.CapabilityRef{Method: method, Name: name})
	}
	return refs
}
