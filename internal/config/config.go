// Package config loads webmon settings from defaults, an optional YAML file
// and WEBMON_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eliteGoblin/focusd/web_mon/internal/certs"
	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/proxy"
	"github.com/eliteGoblin/focusd/web_mon/internal/security"
	"github.com/eliteGoblin/focusd/web_mon/internal/watchdog"
)

// Config is the complete daemon configuration.
type Config struct {
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	TLS      TLSConfig      `mapstructure:"tls"`
	Security SecurityConfig `mapstructure:"security"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Store    StoreConfig    `mapstructure:"store"`
	Control  ControlConfig  `mapstructure:"control"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ProxyConfig contains listener and forwarding settings.
type ProxyConfig struct {
	ListenAddr          string        `mapstructure:"listen_addr"`
	HTTPPort            int           `mapstructure:"http_port"`
	HTTPSPort           int           `mapstructure:"https_port"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	ReadHeaderTimeout   time.Duration `mapstructure:"read_header_timeout"`
	ShutdownGrace       time.Duration `mapstructure:"shutdown_grace"`

	// CertFailurePolicy is "refuse" or "tunnel".
	CertFailurePolicy string `mapstructure:"cert_failure_policy"`

	// BlockPageTemplate is an optional html/template file that replaces the
	// built-in block and error page.
	BlockPageTemplate string `mapstructure:"block_page_template"`
}

// TLSConfig contains certificate authority settings.
type TLSConfig struct {
	Organization   string        `mapstructure:"organization"`
	RootKeyBits    int           `mapstructure:"root_key_bits"`
	RootValidity   time.Duration `mapstructure:"root_validity"`
	LeafValidity   time.Duration `mapstructure:"leaf_validity"`
	CacheSize      int           `mapstructure:"cache_size"`
	SigningWorkers int           `mapstructure:"signing_workers"`
}

// SecurityConfig contains anti-bypass monitor settings.
type SecurityConfig struct {
	ScanInterval       time.Duration `mapstructure:"scan_interval"`
	MinTriggerInterval time.Duration `mapstructure:"min_trigger_interval"`
	HostsFile          string        `mapstructure:"hosts_file"`
	AutoCorrectProxy   bool          `mapstructure:"auto_correct_proxy"`
	RecentWindow       time.Duration `mapstructure:"recent_window"`
	RingSize           int           `mapstructure:"ring_size"`

	// ExtraSignatures are additional process names treated as circumvention tools.
	ExtraSignatures []string `mapstructure:"extra_signatures"`

	// NetworkService is the macOS network service whose proxy is guarded.
	// Empty means the service owning the default route.
	NetworkService string `mapstructure:"network_service"`
}

// WatchdogConfig contains guardian supervision settings.
type WatchdogConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxMissed         int           `mapstructure:"max_missed"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter"`
	MaxRestarts       int           `mapstructure:"max_restarts"`
	RestartWindow     time.Duration `mapstructure:"restart_window"`
}

// StoreConfig contains record store settings.
type StoreConfig struct {
	// DataDir holds the encrypted store, its key and the CA. Empty means the
	// execution mode's default.
	DataDir         string        `mapstructure:"data_dir"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	AuditBuffer     int           `mapstructure:"audit_buffer"`
}

// ControlConfig contains the loopback control plane addresses.
type ControlConfig struct {
	Addr         string `mapstructure:"addr"`
	GuardianAddr string `mapstructure:"guardian_addr"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Output is a file path, or stdout/stderr.
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with the component defaults.
func DefaultConfig() Config {
	p := proxy.DefaultConfig()
	c := certs.DefaultConfig()
	s := security.DefaultConfig()
	w := watchdog.DefaultConfig()

	return Config{
		Proxy: ProxyConfig{
			ListenAddr:          p.ListenAddr,
			HTTPPort:            p.HTTPPort,
			HTTPSPort:           p.HTTPSPort,
			ConnectTimeout:      p.ConnectTimeout,
			TLSHandshakeTimeout: p.TLSHandshakeTimeout,
			IdleTimeout:         p.IdleTimeout,
			ReadHeaderTimeout:   p.ReadHeaderTimeout,
			ShutdownGrace:       p.ShutdownGrace,
			CertFailurePolicy:   string(p.CertFailurePolicy),
		},
		TLS: TLSConfig{
			Organization:   c.Organization,
			RootKeyBits:    c.RootKeyBits,
			RootValidity:   c.RootValidity,
			LeafValidity:   c.LeafValidity,
			CacheSize:      c.CacheSize,
			SigningWorkers: c.SigningWorkers,
		},
		Security: SecurityConfig{
			ScanInterval:       s.ScanInterval,
			MinTriggerInterval: s.MinTriggerInterval,
			HostsFile:          security.DefaultHostsFile,
			AutoCorrectProxy:   true,
			RecentWindow:       s.RecentWindow,
			RingSize:           s.RingSize,
		},
		Watchdog: WatchdogConfig{
			HeartbeatInterval: w.HeartbeatInterval,
			MaxMissed:         w.MaxMissed,
			BackoffInitial:    w.BackoffInitial,
			BackoffMax:        w.BackoffMax,
			BackoffMultiplier: w.BackoffMultiplier,
			BackoffJitter:     w.BackoffJitter,
			MaxRestarts:       w.MaxRestarts,
			RestartWindow:     w.RestartWindow,
		},
		Store: StoreConfig{
			RefreshInterval: 5 * time.Minute,
			AuditBuffer:     1024,
		},
		Control: ControlConfig{
			Addr:         "127.0.0.1:18090",
			GuardianAddr: "127.0.0.1:18091",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "/var/tmp/webmon.log",
		},
	}
}

// Load reads configuration from defaults, the file at path (skipped when
// path is empty or, for the default search, missing) and the environment.
// Environment keys are upper-cased with a WEBMON_ prefix and "." replaced by
// "_", e.g. WEBMON_PROXY_HTTP_PORT.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("webmon")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.webmon")
		v.AddConfigPath("/etc/webmon")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

// LoadFromReader loads configuration from raw data of configType.
func LoadFromReader(configType string, data []byte) (*Config, error) {
	v := newViper()
	v.SetConfigType(configType)
	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WEBMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("proxy.listen_addr", d.Proxy.ListenAddr)
	v.SetDefault("proxy.http_port", d.Proxy.HTTPPort)
	v.SetDefault("proxy.https_port", d.Proxy.HTTPSPort)
	v.SetDefault("proxy.connect_timeout", d.Proxy.ConnectTimeout)
	v.SetDefault("proxy.tls_handshake_timeout", d.Proxy.TLSHandshakeTimeout)
	v.SetDefault("proxy.idle_timeout", d.Proxy.IdleTimeout)
	v.SetDefault("proxy.read_header_timeout", d.Proxy.ReadHeaderTimeout)
	v.SetDefault("proxy.shutdown_grace", d.Proxy.ShutdownGrace)
	v.SetDefault("proxy.cert_failure_policy", d.Proxy.CertFailurePolicy)
	v.SetDefault("proxy.block_page_template", d.Proxy.BlockPageTemplate)

	v.SetDefault("tls.organization", d.TLS.Organization)
	v.SetDefault("tls.root_key_bits", d.TLS.RootKeyBits)
	v.SetDefault("tls.root_validity", d.TLS.RootValidity)
	v.SetDefault("tls.leaf_validity", d.TLS.LeafValidity)
	v.SetDefault("tls.cache_size", d.TLS.CacheSize)
	v.SetDefault("tls.signing_workers", d.TLS.SigningWorkers)

	v.SetDefault("security.scan_interval", d.Security.ScanInterval)
	v.SetDefault("security.min_trigger_interval", d.Security.MinTriggerInterval)
	v.SetDefault("security.hosts_file", d.Security.HostsFile)
	v.SetDefault("security.auto_correct_proxy", d.Security.AutoCorrectProxy)
	v.SetDefault("security.recent_window", d.Security.RecentWindow)
	v.SetDefault("security.ring_size", d.Security.RingSize)
	v.SetDefault("security.extra_signatures", d.Security.ExtraSignatures)
	v.SetDefault("security.network_service", d.Security.NetworkService)

	v.SetDefault("watchdog.heartbeat_interval", d.Watchdog.HeartbeatInterval)
	v.SetDefault("watchdog.max_missed", d.Watchdog.MaxMissed)
	v.SetDefault("watchdog.backoff_initial", d.Watchdog.BackoffInitial)
	v.SetDefault("watchdog.backoff_max", d.Watchdog.BackoffMax)
	v.SetDefault("watchdog.backoff_multiplier", d.Watchdog.BackoffMultiplier)
	v.SetDefault("watchdog.backoff_jitter", d.Watchdog.BackoffJitter)
	v.SetDefault("watchdog.max_restarts", d.Watchdog.MaxRestarts)
	v.SetDefault("watchdog.restart_window", d.Watchdog.RestartWindow)

	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("store.refresh_interval", d.Store.RefreshInterval)
	v.SetDefault("store.audit_buffer", d.Store.AuditBuffer)

	v.SetDefault("control.addr", d.Control.Addr)
	v.SetDefault("control.guardian_addr", d.Control.GuardianAddr)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.output", d.Logging.Output)
}

// Validate rejects configurations the daemons cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(net.ParseIP(c.Proxy.ListenAddr) != nil || c.Proxy.ListenAddr == "localhost",
		"proxy.listen_addr %q is not an IP address", c.Proxy.ListenAddr)
	check(validPort(c.Proxy.HTTPPort), "proxy.http_port %d out of range", c.Proxy.HTTPPort)
	check(validPort(c.Proxy.HTTPSPort), "proxy.https_port %d out of range", c.Proxy.HTTPSPort)
	check(c.Proxy.HTTPPort == 0 || c.Proxy.HTTPPort != c.Proxy.HTTPSPort,
		"proxy.http_port and proxy.https_port must differ")
	check(proxy.FailurePolicy(c.Proxy.CertFailurePolicy).Valid(),
		"proxy.cert_failure_policy %q must be refuse or tunnel", c.Proxy.CertFailurePolicy)
	check(c.Proxy.ConnectTimeout > 0, "proxy.connect_timeout must be positive")

	check(c.TLS.RootKeyBits >= 2048, "tls.root_key_bits must be at least 2048")
	check(c.TLS.LeafValidity > 0, "tls.leaf_validity must be positive")
	check(c.TLS.CacheSize > 0, "tls.cache_size must be positive")
	check(c.TLS.SigningWorkers > 0, "tls.signing_workers must be positive")

	check(c.Security.ScanInterval > 0, "security.scan_interval must be positive")
	check(c.Security.RingSize > 0, "security.ring_size must be positive")

	check(c.Watchdog.HeartbeatInterval > 0, "watchdog.heartbeat_interval must be positive")
	check(c.Watchdog.MaxMissed > 0, "watchdog.max_missed must be positive")
	check(c.Watchdog.MaxRestarts > 0, "watchdog.max_restarts must be positive")
	check(c.Watchdog.BackoffMultiplier >= 1, "watchdog.backoff_multiplier must be at least 1")
	check(c.Watchdog.BackoffJitter >= 0 && c.Watchdog.BackoffJitter < 1, "watchdog.backoff_jitter must be in [0,1)")

	check(c.Store.AuditBuffer > 0, "store.audit_buffer must be positive")
	check(c.Control.Addr != c.Control.GuardianAddr, "control.addr and control.guardian_addr must differ")

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

// ProxyServerConfig converts to the proxy package's configuration.
func (c *Config) ProxyServerConfig() proxy.Config {
	return proxy.Config{
		ListenAddr:          c.Proxy.ListenAddr,
		HTTPPort:            c.Proxy.HTTPPort,
		HTTPSPort:           c.Proxy.HTTPSPort,
		ConnectTimeout:      c.Proxy.ConnectTimeout,
		TLSHandshakeTimeout: c.Proxy.TLSHandshakeTimeout,
		IdleTimeout:         c.Proxy.IdleTimeout,
		ReadHeaderTimeout:   c.Proxy.ReadHeaderTimeout,
		ShutdownGrace:       c.Proxy.ShutdownGrace,
		CertFailurePolicy:   proxy.FailurePolicy(c.Proxy.CertFailurePolicy),
	}
}

// AuthorityConfig converts to the certs package's configuration.
func (c *Config) AuthorityConfig(caDir string) certs.Config {
	cfg := certs.DefaultConfig()
	cfg.DataDir = caDir
	cfg.Organization = c.TLS.Organization
	cfg.RootKeyBits = c.TLS.RootKeyBits
	cfg.RootValidity = c.TLS.RootValidity
	cfg.LeafValidity = c.TLS.LeafValidity
	cfg.CacheSize = c.TLS.CacheSize
	cfg.SigningWorkers = c.TLS.SigningWorkers
	return cfg
}

// MonitorConfig converts to the security package's configuration.
func (c *Config) MonitorConfig() security.Config {
	return security.Config{
		ScanInterval:       c.Security.ScanInterval,
		RecentWindow:       c.Security.RecentWindow,
		RingSize:           c.Security.RingSize,
		MinTriggerInterval: c.Security.MinTriggerInterval,
	}
}

// WatchdogConfig converts to the watchdog package's configuration.
func (c *Config) WatchdogConfig() watchdog.Config {
	w := c.Watchdog
	return watchdog.Config{
		HeartbeatInterval: w.HeartbeatInterval,
		MaxMissed:         w.MaxMissed,
		BackoffInitial:    w.BackoffInitial,
		BackoffMax:        w.BackoffMax,
		BackoffMultiplier: w.BackoffMultiplier,
		BackoffJitter:     w.BackoffJitter,
		MaxRestarts:       w.MaxRestarts,
		RestartWindow:     w.RestartWindow,
	}
}

// ExpectedProxy is the OS proxy configuration that routes through webmon.
func (c *Config) ExpectedProxy() domain.ProxySettings {
	host := c.Proxy.ListenAddr
	return domain.ProxySettings{
		HTTPEnabled:  true,
		HTTPHost:     host,
		HTTPPort:     c.Proxy.HTTPPort,
		HTTPSEnabled: true,
		HTTPSHost:    host,
		HTTPSPort:    c.Proxy.HTTPSPort,
	}
}
