// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"crypto/tls"
	"sort"
	"strings"
	"time"
)

// DaemonRole identifies the type of daemon process.
type DaemonRole string

const (
	RoleWatcher  DaemonRole = "watcher"
	RoleGuardian DaemonRole = "guardian"
)

// Daemon represents a running daemon process.
type Daemon struct {
	PID            int
	Role           DaemonRole
	ObfuscatedName string
	StartedAt      time.Time
	AppVersion     string // Version of the app binary
}

// RegistryEntry stores the state of both daemons for mutual discovery.
// Persisted for cross-process communication; heartbeats are per role so the
// guardian can tell a stalled watcher from a stalled guardian.
type RegistryEntry struct {
	Version           int    `json:"version"`
	WatcherPID        int    `json:"watcher_pid"`
	WatcherName       string `json:"watcher_name"`
	WatcherHeartbeat  int64  `json:"watcher_heartbeat"`
	GuardianPID       int    `json:"guardian_pid"`
	GuardianName      string `json:"guardian_name"`
	GuardianHeartbeat int64  `json:"guardian_heartbeat"`
	Mode              string `json:"mode,omitempty"`        // "user" or "system"
	AppVersion        string `json:"app_version,omitempty"` // Version of running daemons
}

// Heartbeat returns the last heartbeat of the given role.
func (e *RegistryEntry) Heartbeat(role DaemonRole) time.Time {
	var ts int64
	switch role {
	case RoleWatcher:
		ts = e.WatcherHeartbeat
	case RoleGuardian:
		ts = e.GuardianHeartbeat
	}
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// MatchType controls how a rule's domain is compared against a host.
type MatchType string

const (
	MatchExact     MatchType = "exact"
	MatchSubdomain MatchType = "subdomain"
	MatchWildcard  MatchType = "wildcard"
)

// Rank orders match types from most to least specific when several rules
// sit on the same domain.
func (m MatchType) Rank() int {
	switch m {
	case MatchExact:
		return 0
	case MatchSubdomain:
		return 1
	case MatchWildcard:
		return 2
	default:
		return 3
	}
}

// Valid reports whether m is a known match type.
func (m MatchType) Valid() bool {
	return m.Rank() < 3
}

// BlockRule is one stored pattern describing a domain (or domain family) to deny.
// NormalizedDomain is lower-case and free of scheme, port and path. Wildcard rules
// keep the base domain without the "*." prefix.
type BlockRule struct {
	ID               string    `json:"id"`
	RawInput         string    `json:"raw_input"`
	NormalizedDomain string    `json:"normalized_domain"`
	MatchType        MatchType `json:"match_type"`
	Enabled          bool      `json:"enabled"`
	Category         string    `json:"category,omitempty"`
	Priority         int       `json:"priority"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Pattern returns the display form of the rule.
func (r BlockRule) Pattern() string {
	if r.MatchType == MatchWildcard {
		return "*." + r.NormalizedDomain
	}
	return r.NormalizedDomain
}

// RuleSet is an immutable, versioned collection of block rules.
// It is built once and then only read; updates build a new RuleSet.
type RuleSet struct {
	version uint64
	rules   []BlockRule
	byName  map[string][]*BlockRule
	enabled int
}

// NewRuleSet builds an immutable snapshot from rules. The slice is copied and
// rules are indexed by normalized domain so lookups walk host suffixes only.
func NewRuleSet(version uint64, rules []BlockRule) *RuleSet {
	rs := &RuleSet{
		version: version,
		rules:   make([]BlockRule, len(rules)),
		byName:  make(map[string][]*BlockRule, len(rules)),
	}
	copy(rs.rules, rules)

	for i := range rs.rules {
		r := &rs.rules[i]
		if !r.Enabled || r.NormalizedDomain == "" {
			continue
		}
		rs.enabled++
		rs.byName[r.NormalizedDomain] = append(rs.byName[r.NormalizedDomain], r)
	}

	for _, bucket := range rs.byName {
		sort.SliceStable(bucket, func(i, j int) bool {
			a, b := bucket[i], bucket[j]
			if a.MatchType.Rank() != b.MatchType.Rank() {
				return a.MatchType.Rank() < b.MatchType.Rank()
			}
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.ID < b.ID
		})
	}
	return rs
}

// Version returns the snapshot version.
func (rs *RuleSet) Version() uint64 {
	if rs == nil {
		return 0
	}
	return rs.version
}

// Len returns the total number of rules, enabled or not.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// EnabledLen returns the number of rules that take part in matching.
func (rs *RuleSet) EnabledLen() int {
	if rs == nil {
		return 0
	}
	return rs.enabled
}

// Rules returns a copy of the rules in the snapshot.
func (rs *RuleSet) Rules() []BlockRule {
	if rs == nil {
		return nil
	}
	out := make([]BlockRule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Lookup returns the enabled rules stored under an exact normalized domain,
// most specific first. The returned slice must not be modified.
func (rs *RuleSet) Lookup(name string) []*BlockRule {
	if rs == nil {
		return nil
	}
	return rs.byName[strings.ToLower(name)]
}

// InterceptedConnection is transient per-socket state. Never persisted.
type InterceptedConnection struct {
	ClientAddr    string
	RequestedHost string
	Port          string
	IsTLS         bool
	StartedAt     time.Time
}

// CertificateEntry is a cached leaf certificate for one hostname.
type CertificateEntry struct {
	Hostname string
	Leaf     *tls.Certificate
	NotAfter time.Time
}

// Expired reports whether the entry is no longer usable at now.
func (e *CertificateEntry) Expired(now time.Time) bool {
	return e == nil || !now.Before(e.NotAfter)
}

// Severity ranks security events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Security event types.
const (
	EventHostsOverride        = "hosts_override"
	EventHostsLookalike       = "hosts_lookalike"
	EventConfigDrift          = "config_drift"
	EventCircumventionProcess = "circumvention_process"
	EventVPNInterface         = "vpn_interface"
	EventVPNDefaultRoute      = "vpn_default_route"
	EventRestartExhausted     = "watchdog_restart_exhausted"
	EventSignalIgnored        = "shutdown_signal_ignored"
	EventUnauthorizedShutdown = "unauthorized_shutdown"
	EventCertificateFailure   = "certificate_failure"
	EventEnforcementStopped   = "enforcement_stopped"
)

// IsWatchdogEvent reports whether t is produced by process supervision.
func IsWatchdogEvent(t string) bool {
	switch t {
	case EventRestartExhausted, EventSignalIgnored, EventUnauthorizedShutdown:
		return true
	}
	return false
}

// SecurityEvent is an append-only record of a detected bypass attempt or failure.
type SecurityEvent struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Resolved    bool      `json:"resolved"`
}

// OverallStatus aggregates recent security events.
type OverallStatus string

const (
	StatusSecure   OverallStatus = "secure"
	StatusWarning  OverallStatus = "warning"
	StatusCritical OverallStatus = "critical"
)

// SecurityStatus is the live view exposed to the control plane.
type SecurityStatus struct {
	Overall      OverallStatus   `json:"overall"`
	RecentEvents []SecurityEvent `json:"recentEvents"`
	LastScan     time.Time       `json:"lastScan"`
}

// AuditKind classifies audit events.
type AuditKind string

const (
	AuditBlock    AuditKind = "block"
	AuditSecurity AuditKind = "security"
	AuditWatchdog AuditKind = "watchdog"
)

// AuditEvent is what the core hands to the record store.
type AuditEvent struct {
	ID        string         `json:"id"`
	Kind      AuditKind      `json:"kind"`
	Domain    string         `json:"domain,omitempty"`
	RuleID    string         `json:"rule_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Event     *SecurityEvent `json:"event,omitempty"`
}

// DomainCount is the number of blocked requests for one host.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// ProxyStatus is the get-status view of the proxy server.
type ProxyStatus struct {
	Running           bool          `json:"running"`
	BoundPorts        []int         `json:"boundPorts"`
	ActiveConnections int64         `json:"activeConnections"`
	TodayBlockedCount int64         `json:"todayBlockedCount"`
	AllowedCount      int64         `json:"allowedCount"`
	TopBlocked        []DomainCount `json:"topBlocked,omitempty"`
}

// WatchdogState is a supervision state.
type WatchdogState string

const (
	WatchdogStopped    WatchdogState = "stopped"
	WatchdogRunning    WatchdogState = "running"
	WatchdogRestarting WatchdogState = "restarting"
	WatchdogExhausted  WatchdogState = "exhausted"
)

// WatchdogRecord lives only in the watchdog's memory.
type WatchdogRecord struct {
	PID           int           `json:"pid"`
	LastHeartbeat time.Time     `json:"lastHeartbeat"`
	RestartCount  int           `json:"restartCount"`
	State         WatchdogState `json:"state"`
}
