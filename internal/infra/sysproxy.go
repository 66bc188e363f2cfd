package infra

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

// defaultNetworkCmd resolves the macOS network service that owns the default route.
const defaultNetworkCmd = "networksetup -listnetworkserviceorder | grep" +
	" `(route -n get default | grep 'interface' || route -n get -inet6 default | grep 'interface') | cut -d ':' -f2`" +
	" -B 1 | head -n 1 | cut -d ' ' -f 2-"

// SystemProxyImpl reads and writes the OS web proxy settings through the
// platform's configuration tool: networksetup on macOS, gsettings on Linux
// desktops. Other platforms report errors.ErrUnsupported.
type SystemProxyImpl struct {
	runner  CommandRunner
	goos    string
	service string // macOS network service; resolved lazily when empty
}

// NewSystemProxy creates a SystemProxy for the running OS.
func NewSystemProxy(service string) *SystemProxyImpl {
	return NewSystemProxyWithDeps(&RealCommandRunner{}, runtime.GOOS, service)
}

// NewSystemProxyWithDeps creates a SystemProxy with an injected runner (for testing).
func NewSystemProxyWithDeps(runner CommandRunner, goos, service string) *SystemProxyImpl {
	return &SystemProxyImpl{runner: runner, goos: goos, service: service}
}

// Get returns the current settings.
func (s *SystemProxyImpl) Get(ctx context.Context) (domain.ProxySettings, error) {
	switch s.goos {
	case "darwin":
		return s.getDarwin(ctx)
	case "linux":
		return s.getGnome(ctx)
	default:
		return domain.ProxySettings{}, errors.ErrUnsupported
	}
}

// Set points the OS proxy at settings.
func (s *SystemProxyImpl) Set(ctx context.Context, settings domain.ProxySettings) error {
	switch s.goos {
	case "darwin":
		return s.setDarwin(ctx, settings)
	case "linux":
		return s.setGnome(ctx, settings)
	default:
		return errors.ErrUnsupported
	}
}

// Disable turns the OS web proxies off. Used only on an authorized stop.
func (s *SystemProxyImpl) Disable(ctx context.Context) error {
	switch s.goos {
	case "darwin":
		svc, err := s.networkService(ctx)
		if err != nil {
			return err
		}
		for _, kind := range []string{"webproxy", "securewebproxy"} {
			if err := s.runner.Run(ctx, "networksetup", "-set"+kind+"state", svc, "off"); err != nil {
				return fmt.Errorf("disable %s: %w", kind, err)
			}
		}
		return nil
	case "linux":
		return s.runner.Run(ctx, "gsettings", "set", "org.gnome.system.proxy", "mode", "none")
	default:
		return errors.ErrUnsupported
	}
}

func (s *SystemProxyImpl) networkService(ctx context.Context) (string, error) {
	if s.service != "" {
		return s.service, nil
	}
	out, err := s.runner.Output(ctx, "sh", "-c", defaultNetworkCmd)
	if err != nil {
		return "", fmt.Errorf("resolve network service: %w", err)
	}
	svc := strings.TrimSpace(string(out))
	if svc == "" {
		return "", errors.New("no available network service")
	}
	s.service = svc
	return svc, nil
}

func (s *SystemProxyImpl) getDarwin(ctx context.Context) (domain.ProxySettings, error) {
	var settings domain.ProxySettings
	svc, err := s.networkService(ctx)
	if err != nil {
		return settings, err
	}

	out, err := s.runner.Output(ctx, "networksetup", "-getwebproxy", svc)
	if err != nil {
		return settings, fmt.Errorf("read web proxy: %w", err)
	}
	settings.HTTPEnabled, settings.HTTPHost, settings.HTTPPort = parseNetworkSetup(out)

	out, err = s.runner.Output(ctx, "networksetup", "-getsecurewebproxy", svc)
	if err != nil {
		return settings, fmt.Errorf("read secure web proxy: %w", err)
	}
	settings.HTTPSEnabled, settings.HTTPSHost, settings.HTTPSPort = parseNetworkSetup(out)
	return settings, nil
}

func (s *SystemProxyImpl) setDarwin(ctx context.Context, settings domain.ProxySettings) error {
	svc, err := s.networkService(ctx)
	if err != nil {
		return err
	}
	if err := s.runner.Run(ctx, "networksetup", "-setwebproxy", svc,
		settings.HTTPHost, strconv.Itoa(settings.HTTPPort)); err != nil {
		return fmt.Errorf("set web proxy: %w", err)
	}
	if err := s.runner.Run(ctx, "networksetup", "-setsecurewebproxy", svc,
		settings.HTTPSHost, strconv.Itoa(settings.HTTPSPort)); err != nil {
		return fmt.Errorf("set secure web proxy: %w", err)
	}
	return nil
}

// parseNetworkSetup reads "Enabled: Yes / Server: h / Port: n" output.
func parseNetworkSetup(out []byte) (enabled bool, host string, port int) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Enabled":
			enabled = strings.EqualFold(value, "yes")
		case "Server":
			host = value
		case "Port":
			port, _ = strconv.Atoi(value)
		}
	}
	return enabled, host, port
}

func (s *SystemProxyImpl) gsettings(ctx context.Context, schema, key string) (string, error) {
	out, err := s.runner.Output(ctx, "gsettings", "get", schema, key)
	if err != nil {
		return "", fmt.Errorf("gsettings get %s %s: %w", schema, key, err)
	}
	return strings.Trim(strings.TrimSpace(string(out)), "'"), nil
}

func (s *SystemProxyImpl) getGnome(ctx context.Context) (domain.ProxySettings, error) {
	var settings domain.ProxySettings
	mode, err := s.gsettings(ctx, "org.gnome.system.proxy", "mode")
	if err != nil {
		// No gsettings means no desktop proxy to guard.
		return settings, fmt.Errorf("%w: %v", errors.ErrUnsupported, err)
	}
	manual := mode == "manual"

	read := func(schema string) (string, int, error) {
		host, err := s.gsettings(ctx, schema, "host")
		if err != nil {
			return "", 0, err
		}
		portStr, err := s.gsettings(ctx, schema, "port")
		if err != nil {
			return "", 0, err
		}
		port, _ := strconv.Atoi(portStr)
		return host, port, nil
	}

	if settings.HTTPHost, settings.HTTPPort, err = read("org.gnome.system.proxy.http"); err != nil {
		return settings, err
	}
	if settings.HTTPSHost, settings.HTTPSPort, err = read("org.gnome.system.proxy.https"); err != nil {
		return settings, err
	}
	settings.HTTPEnabled = manual && settings.HTTPHost != ""
	settings.HTTPSEnabled = manual && settings.HTTPSHost != ""
	return settings, nil
}

func (s *SystemProxyImpl) setGnome(ctx context.Context, settings domain.ProxySettings) error {
	cmds := [][]string{
		{"set", "org.gnome.system.proxy.http", "host", settings.HTTPHost},
		{"set", "org.gnome.system.proxy.http", "port", strconv.Itoa(settings.HTTPPort)},
		{"set", "org.gnome.system.proxy.https", "host", settings.HTTPSHost},
		{"set", "org.gnome.system.proxy.https", "port", strconv.Itoa(settings.HTTPSPort)},
		{"set", "org.gnome.system.proxy", "mode", "manual"},
	}
	for _, args := range cmds {
		if err := s.runner.Run(ctx, "gsettings", args...); err != nil {
			return fmt.Errorf("gsettings %s: %w", strings.Join(args, " "), err)
		}
	}
	return nil
}

var _ domain.SystemProxy = (*SystemProxyImpl)(nil)
