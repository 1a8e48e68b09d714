package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wattexd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":8181"
read_timeout = "20s"

[database]
driver = "sqlite"
path = "/tmp/test/wattexd.db"

[kv]
backend = "pebble"
path = "/tmp/test/kv"

[escrow]
fee_rate = "0.001"
block_duration = "48h"

[matching]
price_weight = 0.5
reference_price = 12

[agents]
enabled = true

[agents.runtime]
tick_interval = "10s"

[log]
level = "debug"
format = "console"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Values from the file.
	assert.Equal(t, ":8181", cfg.Server.Addr)
	assert.Equal(t, 20*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "/tmp/test/wattexd.db", cfg.Database.Path)
	assert.Equal(t, "/tmp/test/kv", cfg.KV.Path)
	assert.True(t, cfg.Escrow.FeeRate.Equal(decimal.RequireFromString("0.001")),
		"fee_rate = %s", cfg.Escrow.FeeRate)
	assert.Equal(t, 48*time.Hour, cfg.Escrow.BlockDuration)
	assert.Equal(t, 0.5, cfg.Matching.PriceWeight)
	assert.True(t, cfg.Matching.ReferencePrice.Equal(decimal.NewFromInt(12)),
		"reference_price = %s", cfg.Matching.ReferencePrice)
	assert.True(t, cfg.Agents.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Agents.Runtime.TickInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// Defaults survive for untouched keys.
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.True(t, cfg.Escrow.FeeCap.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, 5*time.Minute, cfg.Protocol.Bpp.GateClosure)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 0.35, cfg.Matching.TrustWeight)

	assert.Equal(t, path, cfg.Path())
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "wattexd.db", cfg.Database.Path)
	assert.Equal(t, KVBackendPebble, cfg.KV.Backend)
	assert.Equal(t, ProtocolModeLocal, cfg.Protocol.Mode)
	assert.Equal(t, "wattex-bap", cfg.Protocol.BapID)
	assert.Equal(t, "wattex-bpp", cfg.Protocol.BppID)
	assert.Equal(t, "energy:trade", cfg.Protocol.Domain)
	assert.Equal(t, "PT30S", cfg.Protocol.TTL)
	assert.Equal(t, 15*time.Second, cfg.Protocol.Bpp.TxnLockTTL)
	assert.True(t, cfg.Escrow.FeeRate.Equal(decimal.RequireFromString("0.0003")))
	assert.Equal(t, 72*time.Hour, cfg.Escrow.BlockDuration)
	assert.Equal(t, 60*time.Second, cfg.Verifier.CheckInterval)
	assert.True(t, cfg.Verifier.GridRate.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 0.85, cfg.Oracle.Simulated.FullProbability)
	assert.Equal(t, int64(0), cfg.Oracle.Seed)
	assert.Equal(t, 0.35, cfg.Matching.PriceWeight)
	assert.Equal(t, 0.10, cfg.Matching.LatencyWeight)
	assert.Equal(t, 0.02, cfg.Trust.FullBonus)
	assert.False(t, cfg.Agents.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Agents.Runtime.TickInterval)
	assert.Equal(t, 5, cfg.Locks.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Orders.OrderLockTTL)
	assert.Equal(t, 3, cfg.Orders.CASRetries)
	assert.True(t, cfg.Feed.Enabled)
	assert.Equal(t, "wattex:events", cfg.Feed.Channel)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)

	assert.Empty(t, cfg.Path())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("WATTEXD_SERVER_ADDR", ":7070")
	t.Setenv("WATTEXD_ESCROW_FEE_RATE", "0.002")
	t.Setenv("WATTEXD_KV_BACKEND", "redis")
	t.Setenv("WATTEXD_AGENTS_RUNTIME_TICK_INTERVAL", "5s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.True(t, cfg.Escrow.FeeRate.Equal(decimal.RequireFromString("0.002")))
	assert.Equal(t, KVBackendRedis, cfg.KV.Backend)
	assert.Equal(t, "localhost:6379", cfg.KV.Addr)
	assert.Equal(t, 5*time.Second, cfg.Agents.Runtime.TickInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":8181"
`)
	t.Setenv("WATTEXD_SERVER_ADDR", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "unknown kv backend",
			content: `
[kv]
backend = "etcd"
`,
			wantErr: "oneof",
		},
		{
			name: "pebble backend without path",
			content: `
[kv]
backend = "pebble"
path = ""
`,
			wantErr: "kv.path is required",
		},
		{
			name: "unknown log level",
			content: `
[log]
level = "loud"
`,
			wantErr: "oneof",
		},
		{
			name: "negative escrow fee",
			content: `
[escrow]
fee_rate = "-0.1"
`,
			wantErr: "fee_rate must not be negative",
		},
		{
			name: "trust rate above one",
			content: `
[trust]
failure_penalty = 1.5
`,
			wantErr: "must be between 0 and 1",
		},
		{
			name: "oracle partial bounds inverted",
			content: `
[oracle.simulated]
partial_min = 0.9
partial_max = 0.4
`,
			wantErr: "partial_min",
		},
		{
			name: "http mode with local uri",
			content: `
[protocol]
mode = "http"
bpp_uri = "local://bpp"
bap_uri = "http://bap.example.com"
`,
			wantErr: "must be an http(s) URL",
		},
		{
			name: "retry_max below retry_base",
			content: `
[locks]
retry_base = "1s"
retry_max = "100ms"
`,
			wantErr: "retry_max",
		},
		{
			name: "postgres without user",
			content: `
[database]
driver = "postgres"
host = "db.internal"
user = ""
dbname = "wattex"
`,
			wantErr: "postgres user is required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestSaveExampleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.toml")
	require.NoError(t, SaveExample(path))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, KVBackendPebble, cfg.KV.Backend)
	assert.Equal(t, "/var/lib/wattexd/kv", cfg.KV.Path)
	assert.True(t, cfg.Escrow.FeeRate.Equal(decimal.RequireFromString("0.0003")))
}

func TestReload(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":8181"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	again, err := Reload(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Server.Addr, again.Server.Addr)
	assert.Equal(t, path, again.Path())
}
