package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/watchdog"
)

// GuardianConfig holds guardian daemon configuration.
type GuardianConfig struct {
	HeartbeatInterval time.Duration // How often to update heartbeat
}

// DefaultGuardianConfig returns default guardian configuration.
func DefaultGuardianConfig() GuardianConfig {
	return GuardianConfig{
		HeartbeatInterval: 5 * time.Second,
	}
}

// WatcherStopper asks the running watcher to exit.
type WatcherStopper interface {
	Shutdown(ctx context.Context, credential string) error
}

// Guardian supervises the watcher through a watchdog and restarts it if it
// dies or stops heartbeating. It only stops on an authorized shutdown.
type Guardian struct {
	config   GuardianConfig
	registry domain.DaemonRegistry
	watchdog *watchdog.Watchdog
	logger   *zap.Logger
	daemon   domain.Daemon
}

// NewGuardian creates a new guardian daemon around wd.
func NewGuardian(
	config GuardianConfig,
	registry domain.DaemonRegistry,
	wd *watchdog.Watchdog,
	daemon domain.Daemon,
	logger *zap.Logger,
) *Guardian {
	return &Guardian{
		config:   config,
		registry: registry,
		watchdog: wd,
		daemon:   daemon,
		logger:   logger,
	}
}

// Run adopts the registered watcher (or starts one) and supervises it.
// It returns nil after an authorized shutdown and ctx.Err() when cancelled.
func (g *Guardian) Run(ctx context.Context) error {
	// Register ourselves in the registry
	if err := g.registry.Register(g.daemon); err != nil {
		g.logger.Error("failed to register guardian", zap.Error(err))
		return err
	}

	g.logger.Info("guardian daemon started",
		zap.Int("pid", g.daemon.PID),
		zap.String("name", g.daemon.ObfuscatedName))

	if err := g.attach(ctx); err != nil {
		g.logger.Error("failed to start watcher", zap.Error(err))
	}

	wdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go g.watchdog.Run(wdCtx)

	heartbeatTicker := time.NewTicker(g.config.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("guardian daemon stopping")
			return ctx.Err()

		case <-g.watchdog.Stopped():
			g.logger.Info("supervision ended by authorized shutdown")
			return nil

		case <-heartbeatTicker.C:
			if err := g.registry.UpdateHeartbeat(domain.RoleGuardian); err != nil {
				g.logger.Warn("failed to update heartbeat", zap.Error(err))
			}
		}
	}
}

// attach adopts a live registered watcher, or starts a new one.
func (g *Guardian) attach(ctx context.Context) error {
	if partner, err := g.registry.GetPartner(domain.RoleGuardian); err == nil {
		if alive, _ := g.registry.IsPartnerAlive(domain.RoleGuardian); alive {
			g.logger.Info("adopting running watcher", zap.Int("pid", partner.PID))
			return g.watchdog.Adopt(partner.PID)
		}
	}
	return g.watchdog.Start(ctx)
}

// HandleSignal forwards an OS signal to the watchdog, which records and
// ignores it.
func (g *Guardian) HandleSignal(sig os.Signal) {
	g.watchdog.HandleSignal(sig)
}

// ProcessTarget is the watcher process as seen by the watchdog.
type ProcessTarget struct {
	launcher Launcher
	registry domain.DaemonRegistry
	procs    domain.ProcessManager
	stopper  WatcherStopper
}

// NewProcessTarget creates a watchdog target for the watcher daemon.
func NewProcessTarget(launcher Launcher, registry domain.DaemonRegistry, procs domain.ProcessManager, stopper WatcherStopper) *ProcessTarget {
	return &ProcessTarget{
		launcher: launcher,
		registry: registry,
		procs:    procs,
		stopper:  stopper,
	}
}

// Start launches a new watcher.
func (t *ProcessTarget) Start(ctx context.Context) (int, error) {
	return t.launcher.Launch(domain.RoleWatcher)
}

// Stop asks the watcher to shut its engine down.
func (t *ProcessTarget) Stop(ctx context.Context, credential string) error {
	if t.stopper == nil {
		return errors.New("no watcher control channel")
	}
	return t.stopper.Shutdown(ctx, credential)
}

// Kill terminates a hung watcher.
func (t *ProcessTarget) Kill(pid int) error {
	return t.procs.Kill(pid)
}

// Alive reports whether pid is running.
func (t *ProcessTarget) Alive(pid int) bool {
	return t.procs.IsRunning(pid)
}

// LastHeartbeat reads the watcher heartbeat from the registry.
func (t *ProcessTarget) LastHeartbeat() (time.Time, error) {
	entry, err := t.registry.GetAll()
	if err != nil {
		return time.Time{}, err
	}
	if entry == nil {
		return time.Time{}, fmt.Errorf("registry is empty")
	}
	return entry.Heartbeat(domain.RoleWatcher), nil
}

var _ watchdog.Target = (*ProcessTarget)(nil)

// SecurityAuditor is the audit side the guardian reports watchdog events to.
type SecurityAuditor interface {
	RecordSecurityEvent(kind domain.AuditKind, event domain.SecurityEvent)
}

// AuditEvents adapts a SecurityAuditor to watchdog.EventRecorder.
type AuditEvents struct {
	Auditor SecurityAuditor
}

// RecordWatchdog records a supervision event in the audit log.
func (a AuditEvents) RecordWatchdog(e domain.SecurityEvent) {
	if a.Auditor != nil {
		a.Auditor.RecordSecurityEvent(domain.AuditWatchdog, e)
	}
}

// EventSink is the enforcement daemon's side of forwarded supervision events.
type EventSink interface {
	RecordWatchdogEvent(ctx context.Context, event domain.SecurityEvent) error
}

// EventForwarder sends supervision events to the watcher's security monitor,
// which audits them. While the watcher is unreachable the events go to the
// fallback recorder instead, and the watcher restores them on start.
type EventForwarder struct {
	sink     EventSink
	fallback watchdog.EventRecorder
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewEventForwarder creates a forwarder. fallback may be nil.
func NewEventForwarder(sink EventSink, fallback watchdog.EventRecorder, timeout time.Duration, logger *zap.Logger) *EventForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &EventForwarder{sink: sink, fallback: fallback, timeout: timeout, logger: logger, now: time.Now}
}

// RecordWatchdog implements watchdog.EventRecorder.
func (f *EventForwarder) RecordWatchdog(e domain.SecurityEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = f.now()
	}

	if f.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := f.sink.RecordWatchdogEvent(ctx, e)
		cancel()
		if err == nil {
			return
		}
		f.logger.Warn("watcher unreachable, auditing event locally",
			zap.String("type", e.Type), zap.Error(err))
	}
	if f.fallback != nil {
		f.fallback.RecordWatchdog(e)
	}
}

var _ watchdog.EventRecorder = (*EventForwarder)(nil)
