package security

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/jackpal/gateway"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

// tunnelPrefixes are interface name prefixes used by VPN and tunnel drivers.
var tunnelPrefixes = []string{"utun", "tun", "tap", "wg", "ppp", "ipsec", "tailscale", "zt", "nordlynx", "proton"}

// VPNCheck reports tunnel interfaces that are up and addressed, and a
// default route that leaves through one of them.
type VPNCheck struct {
	interfaces   func(ctx context.Context) ([]psnet.InterfaceStat, error)
	defaultRoute func() (net.IP, error)
}

// NewVPNCheck creates the check over the live network configuration.
func NewVPNCheck() *VPNCheck {
	return &VPNCheck{
		interfaces: func(ctx context.Context) ([]psnet.InterfaceStat, error) {
			return psnet.InterfacesWithContext(ctx)
		},
		defaultRoute: gateway.DiscoverInterface,
	}
}

func (c *VPNCheck) Name() string { return "vpn" }

func (c *VPNCheck) Run(ctx context.Context) ([]domain.SecurityEvent, error) {
	ifaces, err := c.interfaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var events []domain.SecurityEvent
	owner := make(map[string]string) // address -> interface name
	for _, iface := range ifaces {
		addrs := routableAddrs(iface)
		for _, a := range addrs {
			owner[a.String()] = iface.Name
		}
		if !isTunnel(iface.Name) || !isUp(iface) || len(addrs) == 0 {
			continue
		}
		events = append(events, domain.SecurityEvent{
			Type:        domain.EventVPNInterface,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("tunnel interface %s is up with address %s", iface.Name, addrs[0]),
		})
	}

	// No default route is not an error for this check.
	if ip, err := c.defaultRoute(); err == nil && ip != nil {
		if name, ok := owner[ip.String()]; ok && isTunnel(name) {
			events = append(events, domain.SecurityEvent{
				Type:        domain.EventVPNDefaultRoute,
				Severity:    domain.SeverityHigh,
				Description: fmt.Sprintf("default route leaves through tunnel interface %s", name),
			})
		}
	}
	return events, nil
}

func isTunnel(name string) bool {
	name = strings.ToLower(name)
	for _, p := range tunnelPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func isUp(iface psnet.InterfaceStat) bool {
	for _, f := range iface.Flags {
		if strings.EqualFold(f, "up") {
			return true
		}
	}
	return false
}

// routableAddrs drops loopback and link-local addresses; macOS keeps idle
// utun interfaces around with only an fe80:: address.
func routableAddrs(iface psnet.InterfaceStat) []net.IP {
	var out []net.IP
	for _, a := range iface.Addrs {
		ip, _, err := net.ParseCIDR(a.Addr)
		if err != nil {
			ip = net.ParseIP(a.Addr)
		}
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, ip)
	}
	return out
}
