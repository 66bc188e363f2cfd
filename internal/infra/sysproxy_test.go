package infra

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

var wantProxy = domain.ProxySettings{
	HTTPEnabled: true, HTTPHost: "127.0.0.1", HTTPPort: 18080,
	HTTPSEnabled: true, HTTPSHost: "127.0.0.1", HTTPSPort: 18443,
}

func TestSystemProxy_Darwin(t *testing.T) {
	runner := newMockCommandRunner()
	runner.outputs["sh -c "+defaultNetworkCmd] = "Wi-Fi\n"
	runner.outputs["networksetup -getwebproxy Wi-Fi"] = "Enabled: Yes\nServer: 127.0.0.1\nPort: 18080\nAuthenticated Proxy Enabled: 0\n"
	runner.outputs["networksetup -getsecurewebproxy Wi-Fi"] = "Enabled: No\nServer: \nPort: 0\n"

	sp := NewSystemProxyWithDeps(runner, "darwin", "")
	ctx := context.Background()

	got, err := sp.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ProxySettings{HTTPEnabled: true, HTTPHost: "127.0.0.1", HTTPPort: 18080}, got)

	require.NoError(t, sp.Set(ctx, wantProxy))
	assert.Equal(t, []string{
		"networksetup -setwebproxy Wi-Fi 127.0.0.1 18080",
		"networksetup -setsecurewebproxy Wi-Fi 127.0.0.1 18443",
	}, runner.ran("networksetup -set"))
	assert.Len(t, runner.ran("sh -c"), 1, "network service is resolved once")

	require.NoError(t, sp.Disable(ctx))
	assert.Contains(t, runner.ran("networksetup -setwebproxystate"), "networksetup -setwebproxystate Wi-Fi off")
}

func TestSystemProxy_DarwinConfiguredService(t *testing.T) {
	runner := newMockCommandRunner()
	sp := NewSystemProxyWithDeps(runner, "darwin", "Ethernet")
	require.NoError(t, sp.Set(context.Background(), wantProxy))
	assert.Empty(t, runner.ran("sh -c"))
	assert.Equal(t, "networksetup -setwebproxy Ethernet 127.0.0.1 18080", runner.ran("networksetup")[0])
}

func TestSystemProxy_DarwinNoService(t *testing.T) {
	runner := newMockCommandRunner()
	runner.errs["sh -c "+defaultNetworkCmd] = errors.New("exit 1")
	_, err := NewSystemProxyWithDeps(runner, "darwin", "").Get(context.Background())
	assert.Error(t, err)
}

func TestSystemProxy_Gnome(t *testing.T) {
	runner := newMockCommandRunner()
	runner.outputs["gsettings get org.gnome.system.proxy mode"] = "'manual'\n"
	runner.outputs["gsettings get org.gnome.system.proxy.http host"] = "'127.0.0.1'\n"
	runner.outputs["gsettings get org.gnome.system.proxy.http port"] = "18080\n"
	runner.outputs["gsettings get org.gnome.system.proxy.https host"] = "'127.0.0.1'\n"
	runner.outputs["gsettings get org.gnome.system.proxy.https port"] = "18443\n"

	sp := NewSystemProxyWithDeps(runner, "linux", "")
	ctx := context.Background()

	got, err := sp.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, wantProxy, got)

	runner.outputs["gsettings get org.gnome.system.proxy mode"] = "'none'\n"
	got, err = sp.Get(ctx)
	require.NoError(t, err)
	assert.False(t, got.HTTPEnabled)
	assert.False(t, got.HTTPSEnabled)

	require.NoError(t, sp.Set(ctx, wantProxy))
	set := runner.ran("gsettings set")
	require.Len(t, set, 5)
	assert.Equal(t, "gsettings set org.gnome.system.proxy mode manual", set[4], "mode flips last")
}

func TestSystemProxy_GnomeMissing(t *testing.T) {
	runner := newMockCommandRunner()
	runner.errs["gsettings get org.gnome.system.proxy mode"] = errors.New("executable file not found")
	_, err := NewSystemProxyWithDeps(runner, "linux", "").Get(context.Background())
	assert.ErrorIs(t, err, errors.ErrUnsupported)
}

func TestSystemProxy_Unsupported(t *testing.T) {
	sp := NewSystemProxyWithDeps(newMockCommandRunner(), "windows", "")
	_, err := sp.Get(context.Background())
	assert.ErrorIs(t, err, errors.ErrUnsupported)
	assert.ErrorIs(t, sp.Set(context.Background(), wantProxy), errors.ErrUnsupported)
	assert.ErrorIs(t, sp.Disable(context.Background()), errors.ErrUnsupported)
}

func TestParseNetworkSetup(t *testing.T) {
	enabled, host, port := parseNetworkSetup([]byte("Enabled: yes\nServer: proxy.local\nPort: 3128\n"))
	assert.True(t, enabled)
	assert.Equal(t, "proxy.local", host)
	assert.Equal(t, 3128, port)

	enabled, host, port = parseNetworkSetup(nil)
	assert.False(t, enabled)
	assert.Empty(t, host)
	assert.Zero(t, port)
}
