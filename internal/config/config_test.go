package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, 30*time.Second, cfg.Redis.LockTTL.Duration)
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oracle.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "consume"
log_level = "debug"

[ledger]
receipt_timeout = "45s"

[transport]
enabled = true
queue = "oracle.events"

[redis]
lock_ttl = "5s"
`), 0o600))

	t.Setenv("ORACLE_TRANSPORT_BINDINGS", "settlement.received, settlement.transferred,")
	t.Setenv("ORACLE_SERVER_PORT", "9100")
	t.Setenv("ORACLE_LEDGER_CHAIN_ID", "31337")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "consume", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 45*time.Second, cfg.Ledger.ReceiptTimeout.Duration)
	assert.Equal(t, 2*time.Second, cfg.Ledger.ReceiptPoll.Duration)
	assert.Equal(t, "oracle.events", cfg.Transport.Queue)
	assert.Equal(t, "settlement", cfg.Transport.Exchange)
	assert.Equal(t, []string{"settlement.received", "settlement.transferred"}, cfg.Transport.Bindings)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, int64(31337), cfg.Ledger.ChainID)
	assert.Equal(t, 5*time.Second, cfg.Redis.LockTTL.Duration)
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = "), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "config: decode")

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{
			name:   "unknown mode and level",
			mutate: func(c *Config) { c.Mode = "trade"; c.LogLevel = "loud" },
			want:   []string{`unknown mode "trade"`, `unknown log_level "loud"`},
		},
		{
			name:   "ethereum ledger needs endpoint registry and key",
			mutate: func(c *Config) { c.Ledger.Backend = "ethereum" },
			want:   []string{"rpc_url is required", "registry is required", "private_key or key_file"},
		},
		{
			name: "key file needs password",
			mutate: func(c *Config) {
				c.Ledger.Backend = "ethereum"
				c.Ledger.RPCURL = "http://localhost:8545"
				c.Ledger.Registry = "0xCf7Ed3AccA5a467e9e704C703E8D87F634fB0Fc9"
				c.Ledger.KeyFile = "signer.json"
			},
			want: []string{"key_password is required"},
		},
		{
			name:   "archive without s3",
			mutate: func(c *Config) { c.Archive.Enabled = true },
			want:   []string{"archive: requires s3.enabled"},
		},
		{
			name:   "consume without transport",
			mutate: func(c *Config) { c.Mode = "consume" },
			want:   []string{"transport: must be enabled"},
		},
		{
			name: "database pool bounds",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.PoolMinConns = 20
			},
			want: []string{"pool_min_conns must be between"},
		},
		{
			name:   "server port",
			mutate: func(c *Config) { c.Server.Port = 70000 },
			want:   []string{"port must be 1-65535"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			for _, w := range tt.want {
				assert.ErrorContains(t, err, w)
			}
		})
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Ledger.PrivateKey = "0xdeadbeef"
	cfg.Server.APIKey = "secret"
	cfg.Database.DSN = "postgres://u:p@h/db"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Ledger.PrivateKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Database.DSN)
	assert.Equal(t, "***", out.Transport.URL)
	assert.Empty(t, out.Ledger.KeyPassword)

	out.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
	assert.Equal(t, "0xdeadbeef", cfg.Ledger.PrivateKey)
}
