// Package usecase wires the interception engine together: rule refresh,
// certificate authority, proxy server, security monitor and audit pipeline.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/audit"
	"github.com/eliteGoblin/focusd/web_mon/internal/certs"
	"github.com/eliteGoblin/focusd/web_mon/internal/config"
	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/infra"
	"github.com/eliteGoblin/focusd/web_mon/internal/matcher"
	"github.com/eliteGoblin/focusd/web_mon/internal/metrics"
	"github.com/eliteGoblin/focusd/web_mon/internal/proxy"
	"github.com/eliteGoblin/focusd/web_mon/internal/rules"
	"github.com/eliteGoblin/focusd/web_mon/internal/security"
)

const fileDebounce = 500 * time.Millisecond

// proxyDisabler is implemented by system proxy backends that can switch the
// OS proxy off again.
type proxyDisabler interface {
	Disable(ctx context.Context) error
}

// auditHistory is implemented by audit sinks that can replay recent events.
type auditHistory interface {
	RecentAuditEvents(ctx context.Context, since time.Time, limit int) ([]domain.AuditEvent, error)
}

// EngineDeps are the collaborators the engine does not own.
type EngineDeps struct {
	Store     domain.RuleEditor
	Audit     domain.AuditSink
	Processes domain.ProcessManager
	Verifier  domain.CredentialVerifier
	Trust     certs.TrustStore

	// SystemProxy, when set, is pointed at the proxy on start and guarded by
	// the security monitor.
	SystemProxy domain.SystemProxy

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// WatchPaths are store files whose change triggers a rule reload.
	WatchPaths []string
}

// Engine owns the enforcement components of the watcher daemon.
type Engine struct {
	config    *config.Config
	deps      EngineDeps
	snapshot  *matcher.Snapshot
	refresher *rules.Refresher
	authority *certs.Authority
	proxy     *proxy.Server
	monitor   *security.Monitor
	audit     *audit.Dispatcher
	watcher   *infra.FileWatcher
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewEngine builds every component. caDir holds the root certificate.
func NewEngine(cfg *config.Config, caDir string, deps EngineDeps, logger *zap.Logger) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("rule store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	authority, err := certs.NewAuthority(cfg.AuthorityConfig(caDir), deps.Trust, logger.Named("certs"))
	if err != nil {
		return nil, fmt.Errorf("certificate authority: %w", err)
	}

	snapshot := matcher.NewSnapshot(nil)
	dispatcher := audit.NewDispatcher(deps.Audit, cfg.Store.AuditBuffer, logger.Named("audit"))
	server := proxy.NewServer(cfg.ProxyServerConfig(), snapshot, authority, dispatcher, m, logger.Named("proxy"))
	if path := cfg.Proxy.BlockPageTemplate; path != "" {
		pages, err := loadPages(path)
		if err != nil {
			return nil, err
		}
		server.SetPages(pages)
	}

	e := &Engine{
		config:    cfg,
		deps:      deps,
		snapshot:  snapshot,
		refresher: rules.NewRefresher(deps.Store, snapshot, m, cfg.Store.RefreshInterval, logger.Named("rules")),
		authority: authority,
		proxy:     server,
		audit:     dispatcher,
		metrics:   m,
		logger:    logger,
	}
	e.monitor = security.NewMonitor(cfg.MonitorConfig(), e.checks(), dispatcher, m, logger.Named("security"))

	paths := append([]string{cfg.Security.HostsFile}, deps.WatchPaths...)
	e.watcher = infra.NewFileWatcher(fileDebounce, logger.Named("fswatch"), paths...)

	if err := e.registerGauges(); err != nil {
		return nil, err
	}
	return e, nil
}

func loadPages(path string) (*proxy.Pages, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("block page template: %w", err)
	}
	pages, err := proxy.NewPagesFromTemplate(string(data))
	if err != nil {
		return nil, fmt.Errorf("block page template %s: %w", path, err)
	}
	return pages, nil
}

func (e *Engine) checks() []security.Check {
	checks := []security.Check{
		security.NewHostsFileCheck(e.config.Security.HostsFile, e.snapshot),
		security.NewVPNCheck(),
	}
	if e.deps.Processes != nil {
		checks = append(checks, security.NewProcessCheck(e.deps.Processes, nil, e.config.Security.ExtraSignatures...))
	}
	if e.deps.SystemProxy != nil {
		checks = append(checks, whileRunning{
			Check: security.NewSystemProxyCheck(
				e.deps.SystemProxy,
				e.config.ExpectedProxy(),
				e.config.Security.AutoCorrectProxy,
				e.logger.Named("sysproxy")),
			running: func() bool { return e.proxy.Status().Running },
		})
	}
	return checks
}

// whileRunning skips a check while the proxy is stopped, so an authorized
// stop is not reported, or corrected, as drift.
type whileRunning struct {
	security.Check
	running func() bool
}

func (w whileRunning) Run(ctx context.Context) ([]domain.SecurityEvent, error) {
	if !w.running() {
		return nil, nil
	}
	return w.Check.Run(ctx)
}

func (e *Engine) registerGauges() error {
	stat := func(name, help string, fn func(certs.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "webmon",
			Subsystem: "certs",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(e.authority.Stats()) })
	}
	return e.metrics.Register(
		stat("cache_hits", "Leaf certificate cache hits.", func(s certs.Stats) float64 { return float64(s.CacheHits) }),
		stat("cache_misses", "Leaf certificate cache misses.", func(s certs.Stats) float64 { return float64(s.CacheMisses) }),
		stat("issued", "Leaf certificates signed.", func(s certs.Stats) float64 { return float64(s.Issued) }),
		stat("cached", "Leaf certificates currently cached.", func(s certs.Stats) float64 { return float64(s.Cached) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "webmon",
			Name:      "audit_dropped_total",
			Help:      "Audit events dropped because the queue was full.",
		}, func() float64 { return float64(e.audit.Dropped()) }),
	)
}

// Run starts enforcement and blocks until ctx is done or an authorized
// Shutdown. The proxy is stopped and queued audit events are flushed before
// it returns.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	auditCtx, stopAudit := context.WithCancel(context.Background())
	go e.audit.Run(auditCtx)
	defer func() {
		stopAudit()
		<-e.audit.Done()
	}()

	// Load rules before the listeners open so nothing slips through.
	if _, err := e.refresher.Reload(ctx); err != nil {
		e.logger.Warn("starting with empty rule set", zap.Error(err))
	}
	e.restoreWatchdogEvents(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); e.refresher.Run(ctx) }()
	go func() { defer wg.Done(); e.monitor.Run(ctx) }()
	go func() {
		defer wg.Done()
		if err := e.watcher.Run(ctx, e.onFileChange); err != nil {
			e.logger.Warn("file watcher stopped", zap.Error(err))
		}
	}()

	if err := e.StartProxy(ctx); err != nil {
		cancel()
		wg.Wait()
		return err
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), e.config.Proxy.ShutdownGrace+5*time.Second)
	defer stopCancel()
	if err := e.proxy.Stop(stopCtx); err != nil {
		e.logger.Warn("proxy stop failed", zap.Error(err))
	}
	wg.Wait()
	return nil
}

func (e *Engine) onFileChange(path string) {
	if filepath.Clean(path) == filepath.Clean(e.config.Security.HostsFile) {
		e.logger.Info("hosts file changed, scanning")
		e.monitor.Trigger()
		return
	}
	e.logger.Debug("rule store changed", zap.String("path", path))
	e.refresher.Push()
}

// StartProxy binds the listeners and points the OS proxy at them.
func (e *Engine) StartProxy(ctx context.Context) error {
	if err := e.proxy.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	if e.deps.SystemProxy == nil {
		return nil
	}
	if err := e.deps.SystemProxy.Set(ctx, e.config.ExpectedProxy()); err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			e.logger.Debug("system proxy not managed on this platform")
		} else {
			e.logger.Warn("failed to configure system proxy", zap.Error(err))
		}
	}
	return nil
}

// StopProxy stops interception after verifying the operator credential.
func (e *Engine) StopProxy(ctx context.Context, credential string) error {
	if err := e.verify(credential, "proxy stop"); err != nil {
		return err
	}
	e.restoreSystemProxy(ctx)
	if err := e.proxy.Stop(ctx); err != nil {
		return fmt.Errorf("stop proxy: %w", err)
	}
	e.monitor.Record(domain.SecurityEvent{
		Type:        domain.EventEnforcementStopped,
		Severity:    domain.SeverityLow,
		Description: "proxy stopped by the operator",
	})
	return nil
}

// Shutdown ends Run after verifying the operator credential.
func (e *Engine) Shutdown(ctx context.Context, credential string) error {
	if err := e.verify(credential, "shutdown"); err != nil {
		return err
	}
	e.restoreSystemProxy(ctx)
	e.monitor.Record(domain.SecurityEvent{
		Type:        domain.EventEnforcementStopped,
		Severity:    domain.SeverityLow,
		Description: "enforcement shut down by the operator",
	})

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (e *Engine) verify(credential, action string) error {
	if e.deps.Verifier == nil {
		return fmt.Errorf("%w: no credential configured", domain.ErrUnauthorized)
	}
	if err := e.deps.Verifier.Verify(credential); err != nil {
		e.monitor.Record(domain.SecurityEvent{
			Type:        domain.EventUnauthorizedShutdown,
			Severity:    domain.SeverityHigh,
			Description: action + " requested with an invalid credential",
		})
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return nil
}

func (e *Engine) restoreSystemProxy(ctx context.Context) {
	d, ok := e.deps.SystemProxy.(proxyDisabler)
	if !ok {
		return
	}
	if err := d.Disable(ctx); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		e.logger.Warn("failed to restore system proxy", zap.Error(err))
	}
}

// restoreWatchdogEvents reloads supervision events audited while this
// process was down, so a guardian that gave up is still reported.
func (e *Engine) restoreWatchdogEvents(ctx context.Context) {
	h, ok := e.deps.Audit.(auditHistory)
	if !ok {
		return
	}
	since := time.Now().Add(-e.config.Security.RecentWindow)
	events, err := h.RecentAuditEvents(ctx, since, e.config.Security.RingSize)
	if err != nil {
		e.logger.Warn("failed to load recent watchdog events", zap.Error(err))
		return
	}
	var restored []domain.SecurityEvent
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind != domain.AuditWatchdog || events[i].Event == nil {
			continue
		}
		ev := *events[i].Event
		if ev.ID == "" {
			ev.ID = events[i].ID
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = events[i].Timestamp
		}
		restored = append(restored, ev)
	}
	e.monitor.Restore(restored)
	if len(restored) > 0 {
		e.logger.Info("restored watchdog events", zap.Int("count", len(restored)))
	}
}

// RecordWatchdogEvent accepts a supervision event forwarded by the guardian.
func (e *Engine) RecordWatchdogEvent(ev domain.SecurityEvent) error {
	if !domain.IsWatchdogEvent(ev.Type) {
		return fmt.Errorf("%w: type %q", domain.ErrInvalidEvent, ev.Type)
	}
	switch ev.Severity {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
	default:
		return fmt.Errorf("%w: severity %q", domain.ErrInvalidEvent, ev.Severity)
	}
	ev.Resolved = false
	e.monitor.RecordWatchdog(ev)
	return nil
}

// ProxyStatus reports the proxy state.
func (e *Engine) ProxyStatus() domain.ProxyStatus {
	return e.proxy.Status()
}

// SecurityStatus reports the monitor state.
func (e *Engine) SecurityStatus() domain.SecurityStatus {
	return e.monitor.Status()
}

// ScanSecurity runs all checks now. Check failures are logged; the status is
// returned regardless.
func (e *Engine) ScanSecurity(ctx context.Context) (domain.SecurityStatus, error) {
	st, err := e.monitor.Scan(ctx)
	if err != nil {
		e.logger.Warn("on-demand scan finished with errors", zap.Error(err))
	}
	return st, nil
}

// InstallCertificate installs the root CA into the OS trust store.
func (e *Engine) InstallCertificate(ctx context.Context) (bool, error) {
	return e.authority.InstallRoot(ctx)
}

// CertificateInstalled reports whether the OS trusts the root CA.
func (e *Engine) CertificateInstalled(ctx context.Context) bool {
	return e.authority.Installed(ctx)
}

// ListRules returns every stored rule.
func (e *Engine) ListRules(ctx context.Context) ([]domain.BlockRule, error) {
	return e.deps.Store.ListRules(ctx)
}

// AddRule parses raw, stores the rule and reloads the snapshot.
func (e *Engine) AddRule(ctx context.Context, raw string, matchType domain.MatchType, category string) (domain.BlockRule, error) {
	rule, err := matcher.NewRule(raw, matchType, category, time.Now())
	if err != nil {
		return domain.BlockRule{}, err
	}
	if err := e.deps.Store.SaveRule(ctx, rule); err != nil {
		return domain.BlockRule{}, fmt.Errorf("save rule: %w", err)
	}
	if _, err := e.refresher.Reload(ctx); err != nil {
		e.logger.Warn("rule saved but reload failed", zap.Error(err))
	}
	return rule, nil
}

// RemoveRule deletes a rule and reloads the snapshot. Unblocking a domain
// weakens enforcement, so it needs the operator credential like a stop.
func (e *Engine) RemoveRule(ctx context.Context, id, credential string) error {
	if err := e.verify(credential, "rule removal"); err != nil {
		return err
	}
	if err := e.deps.Store.RemoveRule(ctx, id); err != nil {
		return err
	}
	if _, err := e.refresher.Reload(ctx); err != nil {
		e.logger.Warn("rule removed but reload failed", zap.Error(err))
	}
	return nil
}

// ReloadRules rebuilds the snapshot and returns the enabled rule count.
func (e *Engine) ReloadRules(ctx context.Context) (int, error) {
	rs, err := e.refresher.Reload(ctx)
	if err != nil {
		return 0, err
	}
	return rs.EnabledLen(), nil
}

// Monitor exposes the security monitor for watchdog events.
func (e *Engine) Monitor() *security.Monitor {
	return e.monitor
}

// Authority exposes the certificate authority.
func (e *Engine) Authority() *certs.Authority {
	return e.authority
}

// Metrics exposes the engine's metrics.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}
