// Package daemon implements the watcher and guardian daemons.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

// EngineRunner is the enforcement work the watcher hosts. Run blocks until
// ctx is done or an authorized shutdown, returning nil in both cases.
type EngineRunner interface {
	Run(ctx context.Context) error
}

// WatcherConfig holds watcher daemon configuration.
type WatcherConfig struct {
	HeartbeatInterval    time.Duration // How often to update heartbeat
	PartnerCheckInterval time.Duration // How often to check guardian
}

// DefaultWatcherConfig returns default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		HeartbeatInterval:    5 * time.Second,
		PartnerCheckInterval: 30 * time.Second,
	}
}

// Watcher is the enforcement daemon. It hosts the engine, heartbeats for
// the guardian's watchdog and restarts the guardian if it dies.
type Watcher struct {
	config   WatcherConfig
	engine   EngineRunner
	registry domain.DaemonRegistry
	launcher Launcher
	logger   *zap.Logger
	daemon   domain.Daemon
}

// NewWatcher creates a new watcher daemon.
func NewWatcher(
	config WatcherConfig,
	engine EngineRunner,
	registry domain.DaemonRegistry,
	launcher Launcher,
	daemon domain.Daemon,
	logger *zap.Logger,
) *Watcher {
	return &Watcher{
		config:   config,
		engine:   engine,
		registry: registry,
		launcher: launcher,
		daemon:   daemon,
		logger:   logger,
	}
}

// Run starts the engine and the daemon loop. It returns when ctx is done,
// after an authorized shutdown of the engine, or with the engine's error.
func (w *Watcher) Run(ctx context.Context) error {
	// Register ourselves in the registry
	if err := w.registry.Register(w.daemon); err != nil {
		w.logger.Error("failed to register watcher", zap.Error(err))
		return err
	}

	w.logger.Info("watcher daemon started",
		zap.Int("pid", w.daemon.PID),
		zap.String("name", w.daemon.ObfuscatedName))

	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()
	engineDone := make(chan error, 1)
	go func() { engineDone <- w.engine.Run(engineCtx) }()

	heartbeatTicker := time.NewTicker(w.config.HeartbeatInterval)
	partnerCheckTicker := time.NewTicker(w.config.PartnerCheckInterval)
	defer func() {
		heartbeatTicker.Stop()
		partnerCheckTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher daemon stopping")
			cancelEngine()
			if err := <-engineDone; err != nil {
				return err
			}
			return ctx.Err()

		case err := <-engineDone:
			if err != nil {
				w.logger.Error("engine stopped with error", zap.Error(err))
				return err
			}
			w.logger.Info("engine shut down, watcher exiting")
			return nil

		case <-heartbeatTicker.C:
			if err := w.registry.UpdateHeartbeat(domain.RoleWatcher); err != nil {
				w.logger.Warn("failed to update heartbeat", zap.Error(err))
			}

		case <-partnerCheckTicker.C:
			w.checkAndRestartGuardian()
		}
	}
}

// checkAndRestartGuardian checks if guardian is alive and restarts if needed.
func (w *Watcher) checkAndRestartGuardian() {
	if _, err := w.registry.GetPartner(domain.RoleWatcher); err != nil {
		w.logger.Debug("no guardian registered yet")
		return
	}
	alive, err := w.registry.IsPartnerAlive(domain.RoleWatcher)
	if err != nil || alive {
		return
	}

	w.logger.Info("guardian not running, restarting...")
	pid, err := w.launcher.Launch(domain.RoleGuardian)
	if err != nil {
		w.logger.Error("failed to restart guardian", zap.Error(err))
		return
	}
	w.logger.Info("guardian restarted successfully", zap.Int("pid", pid))
}

