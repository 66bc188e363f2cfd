// Package security runs the anti-bypass checks: hosts file overrides,
// system proxy drift, circumvention processes and VPN interfaces.
package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/metrics"
)

// ErrConfigDrift means the OS proxy settings no longer point at the proxy.
var ErrConfigDrift = errors.New("system proxy configuration drift")

// Check is one independent bypass detector.
type Check interface {
	Name() string
	Run(ctx context.Context) ([]domain.SecurityEvent, error)
}

// RuleSource hands out the active rule snapshot.
type RuleSource interface {
	Load() *domain.RuleSet
}

// AuditRecorder forwards security events to the record store.
type AuditRecorder interface {
	RecordSecurityEvent(kind domain.AuditKind, event domain.SecurityEvent)
}

// Config holds monitor settings.
type Config struct {
	ScanInterval       time.Duration // Time between scheduled scans
	RecentWindow       time.Duration // Events older than this no longer affect status
	RingSize           int           // Recent events kept in memory
	MinTriggerInterval time.Duration // Throttle for on-demand scans
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	return Config{
		ScanInterval:       60 * time.Second,
		RecentWindow:       24 * time.Hour,
		RingSize:           256,
		MinTriggerInterval: 5 * time.Second,
	}
}

// Monitor runs its checks on a timer and on demand and keeps the recent
// events for the status view.
type Monitor struct {
	config  Config
	checks  []Check
	ring    *Ring
	audit   AuditRecorder
	metrics *metrics.Metrics
	logger  *zap.Logger
	limiter *rate.Limiter
	trigger chan struct{}
	now     func() time.Time

	scanMu   sync.Mutex // serializes scans
	mu       sync.Mutex
	active   map[string]string // finding key -> event ID
	lastScan time.Time
}

// NewMonitor creates a monitor. audit and m may be nil.
func NewMonitor(config Config, checks []Check, audit AuditRecorder, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	if config.ScanInterval <= 0 {
		config.ScanInterval = DefaultConfig().ScanInterval
	}
	if config.RecentWindow <= 0 {
		config.RecentWindow = DefaultConfig().RecentWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if config.MinTriggerInterval > 0 {
		limit = rate.Every(config.MinTriggerInterval)
	}
	return &Monitor{
		config:  config,
		checks:  checks,
		ring:    NewRing(config.RingSize),
		audit:   audit,
		metrics: m,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		trigger: make(chan struct{}, 1),
		now:     time.Now,
		active:  make(map[string]string),
	}
}

// Run scans once immediately, then on every interval and every accepted
// trigger, until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.ScanInterval)
	defer ticker.Stop()

	m.logger.Info("security monitor started",
		zap.Duration("interval", m.config.ScanInterval),
		zap.Int("checks", len(m.checks)))

	for {
		if _, err := m.Scan(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("security scan finished with errors", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			m.logger.Info("security monitor stopped")
			return
		case <-ticker.C:
		case <-m.trigger:
		}
	}
}

// Trigger requests a scan from the Run loop. Requests above the rate limit
// are dropped; it reports whether the request was accepted.
func (m *Monitor) Trigger() bool {
	if !m.limiter.Allow() {
		return false
	}
	select {
	case m.trigger <- struct{}{}:
	default:
	}
	return true
}

// Scan runs every check concurrently and folds the findings into the
// recent-event state. Check errors are joined into the returned error;
// the status is still updated from the checks that succeeded.
func (m *Monitor) Scan(ctx context.Context) (domain.SecurityStatus, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	results := make([][]domain.SecurityEvent, len(m.checks))
	errs := make([]error, len(m.checks))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range m.checks {
		g.Go(func() error {
			events, err := c.Run(gctx)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.Name(), err)
				return nil
			}
			results[i] = events
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	for i, events := range results {
		if errs[i] != nil {
			// Keep the previous findings of a failed check.
			for key := range m.activeFor(m.checks[i].Name()) {
				seen[key] = true
			}
			continue
		}
		for _, e := range events {
			key := findingKey(m.checks[i].Name(), e)
			seen[key] = true
			m.recordFinding(key, e)
		}
	}
	m.resolveMissing(seen)

	m.mu.Lock()
	m.lastScan = m.now()
	m.mu.Unlock()

	return m.Status(), errors.Join(errs...)
}

// Record appends an externally produced event, such as one from the watchdog.
func (m *Monitor) Record(e domain.SecurityEvent) {
	m.record(e, domain.AuditSecurity)
}

// RecordWatchdog appends a supervision event.
func (m *Monitor) RecordWatchdog(e domain.SecurityEvent) {
	m.record(e, domain.AuditWatchdog)
}

// Restore loads events that were already audited, such as supervision events
// from before a restart, back into the recent window without auditing them
// again.
func (m *Monitor) Restore(events []domain.SecurityEvent) {
	for _, e := range events {
		if e.ID == "" || e.Timestamp.IsZero() {
			continue
		}
		m.ring.Add(e)
	}
}

// Status returns the overall state and the events in the recent window.
func (m *Monitor) Status() domain.SecurityStatus {
	recent := m.ring.Since(m.now().Add(-m.config.RecentWindow))
	m.mu.Lock()
	last := m.lastScan
	m.mu.Unlock()
	return domain.SecurityStatus{
		Overall:      Aggregate(recent),
		RecentEvents: recent,
		LastScan:     last,
	}
}

// recordFinding records e unless the same finding is already active.
func (m *Monitor) recordFinding(key string, e domain.SecurityEvent) {
	m.mu.Lock()
	_, exists := m.active[key]
	m.mu.Unlock()
	if exists {
		return
	}
	e = m.record(e, domain.AuditSecurity)
	if e.Resolved {
		return
	}
	m.mu.Lock()
	m.active[key] = e.ID
	m.mu.Unlock()
}

// resolveMissing resolves active findings that the latest scan no longer reports.
func (m *Monitor) resolveMissing(seen map[string]bool) {
	m.mu.Lock()
	var gone []string
	for key, id := range m.active {
		if !seen[key] {
			gone = append(gone, id)
			delete(m.active, key)
		}
	}
	m.mu.Unlock()

	for _, id := range gone {
		m.ring.Resolve(id)
		m.logger.Info("security finding cleared", zap.String("event_id", id))
	}
}

func (m *Monitor) activeFor(check string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	prefix := check + "|"
	for key, id := range m.active {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out[key] = id
		}
	}
	return out
}

func (m *Monitor) record(e domain.SecurityEvent, kind domain.AuditKind) domain.SecurityEvent {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	m.ring.Add(e)
	if m.metrics != nil {
		m.metrics.RecordSecurityEvent(e.Type, string(e.Severity))
	}
	if m.audit != nil {
		m.audit.RecordSecurityEvent(kind, e)
	}

	fields := []zap.Field{
		zap.String("type", e.Type),
		zap.String("severity", string(e.Severity)),
		zap.String("description", e.Description),
		zap.Bool("resolved", e.Resolved),
	}
	switch e.Severity {
	case domain.SeverityCritical, domain.SeverityHigh:
		m.logger.Error("security event", fields...)
	default:
		m.logger.Warn("security event", fields...)
	}
	return e
}

func findingKey(check string, e domain.SecurityEvent) string {
	return check + "|" + e.Type + "|" + e.Description
}
