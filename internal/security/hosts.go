package security

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/matcher"
)

// DefaultHostsFile is the hosts file on macOS and Linux.
const DefaultHostsFile = "/etc/hosts"

// HostsEntry is one address-to-name mapping from a hosts file.
type HostsEntry struct {
	Addr string
	Name string
	Line int
}

// HostsFileCheck looks for hosts entries that override blocked domains or
// their look-alikes.
type HostsFileCheck struct {
	path     string
	rules    RuleSource
	readFile func(string) ([]byte, error)
}

// NewHostsFileCheck creates a check over the hosts file at path.
func NewHostsFileCheck(path string, rules RuleSource) *HostsFileCheck {
	if path == "" {
		path = DefaultHostsFile
	}
	return &HostsFileCheck{path: path, rules: rules, readFile: os.ReadFile}
}

// Path returns the hosts file being checked.
func (c *HostsFileCheck) Path() string { return c.path }

func (c *HostsFileCheck) Name() string { return "hosts_file" }

func (c *HostsFileCheck) Run(ctx context.Context) ([]domain.SecurityEvent, error) {
	data, err := c.readFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read hosts file: %w", err)
	}

	rs := c.rules.Load()
	if rs.EnabledLen() == 0 {
		return nil, nil
	}
	var blocked []string
	for _, r := range rs.Rules() {
		if r.Enabled {
			blocked = append(blocked, r.NormalizedDomain)
		}
	}

	var events []domain.SecurityEvent
	for _, entry := range ParseHosts(data) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if res := matcher.Match(entry.Name, rs); res.Blocked {
			sev := domain.SeverityHigh
			if isNullAddr(entry.Addr) {
				sev = domain.SeverityMedium
			}
			events = append(events, domain.SecurityEvent{
				Type:     domain.EventHostsOverride,
				Severity: sev,
				Description: fmt.Sprintf("hosts file line %d maps blocked domain %s to %s",
					entry.Line, entry.Name, entry.Addr),
			})
			continue
		}
		if target, ok := lookalike(entry.Name, blocked); ok {
			events = append(events, domain.SecurityEvent{
				Type:     domain.EventHostsLookalike,
				Severity: domain.SeverityMedium,
				Description: fmt.Sprintf("hosts file line %d maps %s, a look-alike of blocked domain %s, to %s",
					entry.Line, entry.Name, target, entry.Addr),
			})
		}
	}
	return events, nil
}

// ParseHosts returns the mappings in a hosts file, skipping comments and
// malformed lines.
func ParseHosts(data []byte) []HostsEntry {
	var out []HostsEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) < 2 || net.ParseIP(fields[0]) == nil {
			continue
		}
		for _, name := range fields[1:] {
			name = strings.TrimSuffix(strings.ToLower(name), ".")
			if name == "" {
				continue
			}
			out = append(out, HostsEntry{Addr: fields[0], Name: name, Line: line})
		}
	}
	return out
}

func isNullAddr(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// lookalike reports the blocked domain that name imitates: the same name
// under another TLD, or one edit away.
func lookalike(name string, blocked []string) (string, bool) {
	for _, b := range blocked {
		if name == b {
			continue
		}
		if sameButTLD(name, b) || editDistance(name, b) == 1 {
			return b, true
		}
	}
	return "", false
}

func sameButTLD(a, b string) bool {
	ia, ib := strings.LastIndexByte(a, '.'), strings.LastIndexByte(b, '.')
	if ia <= 0 || ib <= 0 {
		return false
	}
	return a[:ia] == b[:ib] && a[ia:] != b[ib:]
}

// editDistance is the Levenshtein distance between a and b.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
