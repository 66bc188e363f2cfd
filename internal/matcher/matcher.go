// Package matcher decides whether a host is covered by a block rule.
package matcher

import (
	"net"
	"strings"
	"sync/atomic"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

const wwwPrefix = "www."

// Result is the outcome of matching one host.
type Result struct {
	Host    string
	Blocked bool
	Rule    *domain.BlockRule
}

// Normalize reduces a URL, host:port or bare host to a lower-case host name.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	s = stripPort(s)
	return strings.TrimSuffix(s, ".")
}

func stripPort(s string) string {
	if strings.HasPrefix(s, "[") {
		if i := strings.IndexByte(s, ']'); i > 0 {
			return s[1:i]
		}
		return s
	}
	// A bare IPv6 literal has several colons and no port to strip.
	if strings.Count(s, ":") == 1 {
		return s[:strings.IndexByte(s, ':')]
	}
	return s
}

// Match evaluates host against rs. It has no side effects, so repeated calls
// against the same snapshot always agree.
//
// The most specific rule wins: suffixes of the host are tried from longest to
// shortest, and within one domain exact beats subdomain beats wildcard, then
// higher priority, then lower ID. Only when nothing matches directly is the
// www. alias of the host tried.
func Match(host string, rs *domain.RuleSet) Result {
	h := Normalize(host)
	res := Result{Host: h}
	if h == "" || rs.EnabledLen() == 0 {
		return res
	}

	if r := lookup(h, rs, true); r != nil {
		return hit(res, r)
	}

	// Aliases never consult exact rules, which match on equality only.
	for alias := h; strings.HasPrefix(alias, wwwPrefix); {
		alias = alias[len(wwwPrefix):]
		if alias == "" {
			break
		}
		if r := lookup(alias, rs, false); r != nil {
			return hit(res, r)
		}
	}
	if !strings.HasPrefix(h, wwwPrefix) && net.ParseIP(h) == nil {
		if r := lookup(wwwPrefix+h, rs, false); r != nil {
			return hit(res, r)
		}
	}
	return res
}

func hit(res Result, r *domain.BlockRule) Result {
	res.Blocked = true
	res.Rule = r
	return res
}

// lookup walks the label suffixes of name. On name itself every match type
// applies; on a proper suffix only subdomain and wildcard rules do.
func lookup(name string, rs *domain.RuleSet, allowExact bool) *domain.BlockRule {
	if net.ParseIP(name) != nil {
		for _, r := range rs.Lookup(name) {
			if r.MatchType != domain.MatchExact || allowExact {
				return r
			}
		}
		return nil
	}

	for suffix := name; suffix != ""; {
		for _, r := range rs.Lookup(suffix) {
			if r.MatchType == domain.MatchExact {
				if suffix == name && allowExact {
					return r
				}
				continue
			}
			return r
		}
		i := strings.IndexByte(suffix, '.')
		if i < 0 {
			break
		}
		suffix = suffix[i+1:]
	}
	return nil
}

// Snapshot holds the active RuleSet. Readers never lock; writers replace the
// whole set, so a request that loaded a set keeps seeing it until it is done.
type Snapshot struct {
	current atomic.Pointer[domain.RuleSet]
}

// NewSnapshot creates a holder starting at rs (nil means no rules).
func NewSnapshot(rs *domain.RuleSet) *Snapshot {
	s := &Snapshot{}
	if rs == nil {
		rs = domain.NewRuleSet(0, nil)
	}
	s.current.Store(rs)
	return s
}

// Load returns the active rule set.
func (s *Snapshot) Load() *domain.RuleSet {
	return s.current.Load()
}

// Store swaps in a new rule set and returns the previous one.
func (s *Snapshot) Store(rs *domain.RuleSet) *domain.RuleSet {
	if rs == nil {
		rs = domain.NewRuleSet(0, nil)
	}
	return s.current.Swap(rs)
}

// Match evaluates host against the active rule set.
func (s *Snapshot) Match(host string) Result {
	return Match(host, s.Load())
}
