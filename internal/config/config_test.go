package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/web_mon/internal/proxy"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1", cfg.Proxy.ListenAddr)
	assert.Equal(t, "refuse", cfg.Proxy.CertFailurePolicy)
	assert.True(t, cfg.Security.AutoCorrectProxy)
}

func TestLoadFromReader(t *testing.T) {
	yaml := `
proxy:
  http_port: 9080
  https_port: 9443
  cert_failure_policy: tunnel
  connect_timeout: 3s
security:
  scan_interval: 45s
  extra_signatures:
    - my-vpn
    - shadowrocket
watchdog:
  max_restarts: 7
logging:
  level: debug
`
	cfg, err := LoadFromReader("yaml", []byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, 9080, cfg.Proxy.HTTPPort)
	assert.Equal(t, 9443, cfg.Proxy.HTTPSPort)
	assert.Equal(t, 3*time.Second, cfg.Proxy.ConnectTimeout)
	assert.Equal(t, 45*time.Second, cfg.Security.ScanInterval)
	assert.Equal(t, []string{"my-vpn", "shadowrocket"}, cfg.Security.ExtraSignatures)
	assert.Equal(t, 7, cfg.Watchdog.MaxRestarts)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// untouched keys keep their defaults
	d := DefaultConfig()
	assert.Equal(t, d.Proxy.IdleTimeout, cfg.Proxy.IdleTimeout)
	assert.Equal(t, d.Control.Addr, cfg.Control.Addr)

	pc := cfg.ProxyServerConfig()
	assert.Equal(t, proxy.FailTunnel, pc.CertFailurePolicy)
	assert.Equal(t, 9443, pc.HTTPSPort)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"port out of range", func(c *Config) { c.Proxy.HTTPPort = 70000 }, "proxy.http_port"},
		{"negative port", func(c *Config) { c.Proxy.HTTPSPort = -1 }, "proxy.https_port"},
		{"equal ports", func(c *Config) { c.Proxy.HTTPSPort = c.Proxy.HTTPPort }, "must differ"},
		{"unknown policy", func(c *Config) { c.Proxy.CertFailurePolicy = "ignore" }, "cert_failure_policy"},
		{"bad listen addr", func(c *Config) { c.Proxy.ListenAddr = "not an ip" }, "listen_addr"},
		{"weak root key", func(c *Config) { c.TLS.RootKeyBits = 1024 }, "root_key_bits"},
		{"zero restarts", func(c *Config) { c.Watchdog.MaxRestarts = 0 }, "max_restarts"},
		{"jitter too large", func(c *Config) { c.Watchdog.BackoffJitter = 1.5 }, "backoff_jitter"},
		{"shared control addr", func(c *Config) { c.Control.GuardianAddr = c.Control.Addr }, "control.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_EphemeralPortsMayBothBeZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.HTTPPort = 0
	cfg.Proxy.HTTPSPort = 0
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proxy:\n  http_port: 8181\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Proxy.HTTPPort)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("WEBMON_PROXY_HTTPS_PORT", "8553")
	t.Setenv("WEBMON_LOGGING_LEVEL", "warn")

	path := filepath.Join(t.TempDir(), "webmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proxy:\n  https_port: 9443\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8553, cfg.Proxy.HTTPSPort)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_InvalidRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proxy:\n  cert_failure_policy: maybe\n"), 0600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "cert_failure_policy")
}

func TestConverters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLS.CacheSize = 64
	cfg.Watchdog.MaxMissed = 5

	ac := cfg.AuthorityConfig("/tmp/ca")
	assert.Equal(t, "/tmp/ca", ac.DataDir)
	assert.Equal(t, 64, ac.CacheSize)

	assert.Equal(t, 5, cfg.WatchdogConfig().MaxMissed)
	assert.Equal(t, cfg.Security.RingSize, cfg.MonitorConfig().RingSize)

	want := cfg.ExpectedProxy()
	assert.True(t, want.HTTPEnabled)
	assert.Equal(t, cfg.Proxy.HTTPSPort, want.HTTPSPort)
	assert.Equal(t, "127.0.0.1", want.HTTPSHost)
}

func TestNewLogger(t *testing.T) {
	out := filepath.Join(t.TempDir(), "webmon.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Output: out})
	require.NoError(t, err)
	logger.Info("hello")
	logger.Debug("hidden")
	_ = logger.Sync()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"time":`)
	assert.NotContains(t, string(data), "hidden")

	_, err = NewLogger(LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
