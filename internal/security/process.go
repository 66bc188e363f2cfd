package security

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

// Signature names a circumvention tool and the process names it runs under.
type Signature struct {
	Tool  string
	Names []string
}

// DefaultSignatures lists common proxy, VPN and DPI-evasion tools.
var DefaultSignatures = []Signature{
	{Tool: "Tor", Names: []string{"tor", "obfs4proxy", "snowflake-client"}},
	{Tool: "Psiphon", Names: []string{"psiphon", "psiphon-tunnel-core"}},
	{Tool: "Shadowsocks", Names: []string{"ss-local", "sslocal", "shadowsocksx-ng"}},
	{Tool: "V2Ray", Names: []string{"v2ray", "xray", "v2rayn", "v2rayu"}},
	{Tool: "Clash", Names: []string{"clash", "clash-meta", "mihomo", "clash verge"}},
	{Tool: "sing-box", Names: []string{"sing-box"}},
	{Tool: "Hysteria", Names: []string{"hysteria"}},
	{Tool: "Trojan", Names: []string{"trojan", "trojan-go"}},
	{Tool: "Lantern", Names: []string{"lantern"}},
	{Tool: "OpenVPN", Names: []string{"openvpn"}},
	{Tool: "WireGuard", Names: []string{"wireguard-go", "wg-quick"}},
	{Tool: "ProtonVPN", Names: []string{"protonvpn"}},
	{Tool: "NordVPN", Names: []string{"nordvpn", "nordvpnd"}},
	{Tool: "ExpressVPN", Names: []string{"expressvpn", "expressvpnd"}},
	{Tool: "SpoofDPI", Names: []string{"spoofdpi"}},
	{Tool: "GoodbyeDPI", Names: []string{"goodbyedpi"}},
	{Tool: "zapret", Names: []string{"nfqws", "tpws"}},
}

// ProcessCheck matches running processes against circumvention-tool signatures.
type ProcessCheck struct {
	procs      domain.ProcessManager
	signatures []Signature
}

// NewProcessCheck creates the check. Extra names are matched as their own tool.
func NewProcessCheck(procs domain.ProcessManager, signatures []Signature, extra ...string) *ProcessCheck {
	if signatures == nil {
		signatures = DefaultSignatures
	}
	all := append([]Signature(nil), signatures...)
	for _, name := range extra {
		all = append(all, Signature{Tool: name, Names: []string{name}})
	}
	return &ProcessCheck{procs: procs, signatures: all}
}

func (c *ProcessCheck) Name() string { return "process" }

func (c *ProcessCheck) Run(ctx context.Context) ([]domain.SecurityEvent, error) {
	procs, err := c.procs.List()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	reported := make(map[string]bool)
	var events []domain.SecurityEvent
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tool, ok := c.match(p)
		if !ok || reported[tool] {
			continue
		}
		reported[tool] = true
		events = append(events, domain.SecurityEvent{
			Type:        domain.EventCircumventionProcess,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("circumvention tool %s running as %q", tool, p.Name),
		})
	}
	return events, nil
}

func (c *ProcessCheck) match(p domain.ProcessInfo) (string, bool) {
	name := normalizeProcessName(p.Name)
	if name == "" {
		return "", false
	}
	for _, sig := range c.signatures {
		for _, n := range sig.Names {
			if nameMatches(name, strings.ToLower(n)) {
				return sig.Tool, true
			}
		}
	}
	return "", false
}

func normalizeProcessName(name string) string {
	name = strings.ToLower(strings.TrimSpace(filepath.Base(name)))
	name = strings.TrimSuffix(name, ".exe")
	return strings.TrimSuffix(name, ".app")
}

// nameMatches requires a whole-word prefix: "tor" matches "tor.real" and
// "tor-browser" but not "torrent" or "monitor".
func nameMatches(name, sig string) bool {
	if name == sig {
		return true
	}
	if !strings.HasPrefix(name, sig) {
		return false
	}
	switch name[len(sig)] {
	case '.', ' ', '_', '-':
		return true
	}
	return false
}
