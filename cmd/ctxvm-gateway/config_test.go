package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextvm/ctxvm-go/transport"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ctxvm.toml", `
[gateway]
relays = ["wss://relay.example.com", "wss://backup.example.com"]
private_key = "aa11"
public = true
name = "demo-server"
version = "1.2.3"
encryption = "required"
allowed_pubkeys = ["deadbeef"]
excluded_capabilities = ["tools/call:rm", "resources/read"]
session_timeout = "45m"

[mcp]
command = "npx"
args = ["-y", "@modelcontextprotocol/server-everything"]
env = ["FOO=bar"]

[metrics]
listen = ":9464"

[payments]
default_ttl = "2m"

[[payments.priced]]
method = "tools/call"
name = "premium"
amount = 21
description = "premium tool"

[payments.nwc]
uri = "nostr+walletconnect://abc?relay=wss://w&secret=s"
notifications = true

[payments.lnbits]
url = "https://lnbits.example.com"
invoice_key = "ik"
`)

	cfg, err := LoadConfig(path, "")
	require.NoError(t, err)
	require.NoError(t, cfg.validate())

	assert.Equal(t, []string{"wss://relay.example.com", "wss://backup.example.com"}, cfg.Gateway.Relays)
	assert.True(t, cfg.Gateway.Public)
	assert.Equal(t, "demo-server", cfg.Gateway.Name)
	assert.Equal(t, 45*time.Minute, cfg.Gateway.SessionTimeout.Duration)

	mode, err := cfg.Gateway.encryptionMode()
	require.NoError(t, err)
	assert.Equal(t, transport.EncryptionRequired, mode)

	assert.Equal(t, []transport.CapabilityRef{
		{Method: "tools/call", Name: "rm"},
		{Method: "resources/read", Name: ""},
	}, cfg.Gateway.exclusions())

	assert.Equal(t, "npx", cfg.MCP.Command)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-everything"}, cfg.MCP.Args)
	assert.Equal(t, ":9464", cfg.Metrics.Listen)

	assert.Equal(t, 2*time.Minute, cfg.Payments.DefaultTTL.Duration)
	require.Len(t, cfg.Payments.Priced, 1)
	assert.Equal(t, int64(21), cfg.Payments.Priced[0].Amount)
	assert.True(t, cfg.Payments.NWC.Notifications)
	assert.Equal(t, "ik", cfg.Payments.LNbits.InvoiceKey)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ctxvm.toml", `
[gateway]
relays = ["wss://relay.example.com"]
private_key = "from-toml"
`)
	envFile := writeFile(t, dir, ".env", "CTXVM_PRIVATE_KEY=from-env\nCTXVM_NWC_URI=nostr+walletconnect://x\n")
	// godotenv does not override variables that are already set.
	t.Setenv("CTXVM_PRIVATE_KEY", "")
	t.Setenv("CTXVM_NWC_URI", "")
	os.Unsetenv("CTXVM_PRIVATE_KEY")
	os.Unsetenv("CTXVM_NWC_URI")

	cfg, err := LoadConfig(path, envFile)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Gateway.PrivateKey)
	assert.Equal(t, "nostr+walletconnect://x", cfg.Payments.NWC.URI)
}

func TestLoadConfig_MissingEnvFileIgnored(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ctxvm.toml", `
[gateway]
relays = ["wss://relay.example.com"]
private_key = "aa11"
`)
	_, err := LoadConfig(path, filepath.Join(dir, "absent.env"))
	require.NoError(t, err)
}

func TestConfigValidate(t *testing.T) {
	t.Run("no relays", func(t *testing.T) {
		cfg := &Config{}
		cfg.Gateway.PrivateKey = "aa11"
		assert.Error(t, cfg.validate())
	})
	t.Run("no private key", func(t *testing.T) {
		cfg := &Config{}
		cfg.Gateway.Relays = []string{"wss://relay.example.com"}
		assert.Error(t, cfg.validate())
	})
}

func TestEncryptionMode(t *testing.T) {
	cases := []struct {
		in   string
		want transport.EncryptionMode
		err  bool
	}{
		{"", transport.EncryptionOptional, false},
		{"optional", transport.EncryptionOptional, false},
		{"disabled", transport.EncryptionDisabled, false},
		{"required", transport.EncryptionRequired, false},
		{"mandatory", 0, true},
	}
	for _, tc := range cases {
		gw := &GatewayConfig{Encryption: tc.in}
		mode, err := gw.encryptionMode()
		if tc.err {
			assert.Error(t, err, "mode %q", tc.in)
			continue
		}
		require.NoError(t, err, "mode %q", tc.in)
		assert.Equal(t, tc.want, mode, "mode %q", tc.in)
	}
}
