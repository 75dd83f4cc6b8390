package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
endpoint:
  prefix: Echomux
  address: 10.0.0.1
nats:
  urls: ["nats://10.0.0.2:4222", "nats://10.0.0.3:4222"]
  max_reconnects: 5
  reconnect_wait: 500ms
server:
  session_count: 32
  port_base: 20000
  owner_quota: 2
  poll_interval: 50ms
gateway:
  enabled: true
  listen: 0.0.0.0:9090
log:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, "echomux", cfg.Endpoint.Prefix, "prefix is normalized to lowercase")
	assert.Equal(t, []string{"nats://10.0.0.2:4222", "nats://10.0.0.3:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectWait)
	assert.Equal(t, 32, cfg.Server.SessionCount)
	assert.Equal(t, 20000, cfg.Server.PortBase)
	assert.Equal(t, 64, cfg.Server.PortCount, "port count defaults to two per session")
	assert.Equal(t, 50*time.Millisecond, cfg.Server.PollInterval)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, "0.0.0.0:9090", cfg.Gateway.Listen)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestParse_DefaultsApplied(t *testing.T) {
	cfg, err := Parse([]byte(`
endpoint:
  prefix: echomux
  address: 127.0.0.1
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://127.0.0.1:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 256, cfg.Server.SessionCount)
	assert.Equal(t, 512, cfg.Server.PortCount)
	assert.Equal(t, 100*time.Millisecond, cfg.Server.PollInterval)
	assert.Equal(t, float64(100), cfg.Server.HandshakeRate)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestParse_MinimalEqualsDefault(t *testing.T) {
	parsed, err := Parse([]byte(`
endpoint:
  prefix: echomux
  address: 127.0.0.1
`))
	require.NoError(t, err)

	if diff := cmp.Diff(Default(), parsed); diff != "" {
		t.Errorf("parsed config differs from defaults (-want +got):\n%s", diff)
	}
}

func TestParse_UnknownKeyRejected(t *testing.T) {
	_, err := Parse([]byte(`
endpoint:
  prefix: echomux
  address: 127.0.0.1
sesion_count: 32
`))
	assert.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing prefix",
			mutate:  func(c *Config) { c.Endpoint.Prefix = "" },
			wantErr: "endpoint.prefix",
		},
		{
			name:    "prefix with spaces",
			mutate:  func(c *Config) { c.Endpoint.Prefix = "echo mux" },
			wantErr: "endpoint.prefix",
		},
		{
			name:    "bad address",
			mutate:  func(c *Config) { c.Endpoint.Address = "not-an-ip" },
			wantErr: "endpoint.address",
		},
		{
			name:    "port range too small",
			mutate:  func(c *Config) { c.Server.PortCount = 2; c.Server.SessionCount = 4 },
			wantErr: "port_count",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log.level",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("ECHOMUX_ADDR", "10.1.2.3")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint:
  prefix: echomux
  address: ${ECHOMUX_ADDR}
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", cfg.Endpoint.Address)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNATSOptions(t *testing.T) {
	cfg := Default()
	cfg.NATS.Username = "svc"
	cfg.NATS.Password = "secret"
	opts := cfg.NATSOptions()
	assert.GreaterOrEqual(t, len(opts), 4)
}

func TestLocalEndpoint(t *testing.T) {
	cfg := Default()
	prefix, addr, err := cfg.LocalEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "echomux", prefix)
	assert.Equal(t, "127.0.0.1", addr.String())
}
