package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/audit"
	"github.com/eliteGoblin/focusd/web_mon/internal/certs"
	"github.com/eliteGoblin/focusd/web_mon/internal/config"
	"github.com/eliteGoblin/focusd/web_mon/internal/control"
	"github.com/eliteGoblin/focusd/web_mon/internal/daemon"
	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/infra"
	"github.com/eliteGoblin/focusd/web_mon/internal/usecase"
	"github.com/eliteGoblin/focusd/web_mon/internal/watchdog"
)

func runDaemon(cmd *cobra.Command, args []string) error {
	if daemonRole == "" || daemonName == "" {
		return fmt.Errorf("--role and --name are required")
	}

	env, err := loadEnvironment()
	if err != nil {
		return err
	}

	logger := config.MustLogger(env.config.Logging).With(zap.String("role", daemonRole))
	defer func() { _ = logger.Sync() }()

	daemon.SetProcessName(daemonName)

	d := domain.Daemon{
		PID:            os.Getpid(),
		Role:           domain.DaemonRole(daemonRole),
		ObfuscatedName: daemonName,
		StartedAt:      time.Now(),
		AppVersion:     Version,
	}

	pm := infra.NewProcessManager()
	store, err := infra.OpenStore(env.dataDir(), pm)
	if err != nil {
		logger.Error("encrypted store unavailable", zap.Error(err))
	} else {
		defer store.Close()
	}
	registry := infra.OpenRegistry(store, pm)

	launcherPath, _ := os.Executable()
	launcher := daemon.NewSelfLauncher(launcherPath, env.configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	switch d.Role {
	case domain.RoleWatcher:
		if store == nil {
			return fmt.Errorf("watcher needs the encrypted store: %w", err)
		}
		return runWatcher(ctx, env, d, store, registry, launcher, pm, sigChan, logger)

	case domain.RoleGuardian:
		return runGuardian(ctx, env, d, store, registry, launcher, pm, sigChan, logger)

	default:
		return fmt.Errorf("unknown role: %s", d.Role)
	}
}

func runWatcher(
	ctx context.Context,
	env *environment,
	d domain.Daemon,
	store *infra.EncryptedStore,
	registry domain.DaemonRegistry,
	launcher daemon.Launcher,
	pm domain.ProcessManager,
	sigChan <-chan os.Signal,
	logger *zap.Logger,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine, err := usecase.NewEngine(env.config, env.caDir(), usecase.EngineDeps{
		Store:       store,
		Audit:       store,
		Processes:   pm,
		Verifier:    infra.NewCredentialStore(store),
		Trust:       certs.NewSystemTrustStore(),
		SystemProxy: infra.NewSystemProxy(env.config.Security.NetworkService),
		WatchPaths:  []string{store.Path()},
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				n, err := engine.ReloadRules(ctx)
				logger.Info("rules reloaded on SIGHUP", zap.Int("enabled", n), zap.Error(err))
				continue
			}
			logger.Warn("ignoring signal, use 'webmon stop'", zap.String("signal", sig.String()))
		}
	}()

	api := control.NewAPI(engine, engine.Metrics().Handler(), logger.Named("control"))
	go func() {
		if err := control.Serve(ctx, env.config.Control.Addr, api, logger); err != nil {
			logger.Error("control listener failed", zap.Error(err))
		}
	}()

	watcher := daemon.NewWatcher(daemon.DefaultWatcherConfig(), engine, registry, launcher, d, logger)
	return watcher.Run(ctx)
}

func runGuardian(
	ctx context.Context,
	env *environment,
	d domain.Daemon,
	store *infra.EncryptedStore,
	registry domain.DaemonRegistry,
	launcher daemon.Launcher,
	pm domain.ProcessManager,
	sigChan <-chan os.Signal,
	logger *zap.Logger,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Without the store there is no credential, so the watchdog refuses
	// every shutdown and unforwarded events only reach the log.
	var verifier domain.CredentialVerifier
	var fallback watchdog.EventRecorder
	if store != nil {
		verifier = infra.NewCredentialStore(store)
		dispatcher := audit.NewDispatcher(store, env.config.Store.AuditBuffer, logger.Named("audit"))
		auditCtx, stopAudit := context.WithCancel(context.Background())
		go dispatcher.Run(auditCtx)
		defer func() {
			stopAudit()
			<-dispatcher.Done()
		}()
		fallback = daemon.AuditEvents{Auditor: dispatcher}
	}

	watcherClient := control.NewClient(env.config.Control.Addr)
	events := daemon.NewEventForwarder(watcherClient, fallback, 2*time.Second, logger.Named("events"))
	target := daemon.NewProcessTarget(launcher, registry, pm, watcherClient)
	wd := watchdog.New(env.config.WatchdogConfig(), target, verifier, events, logger.Named("watchdog"))
	guardian := daemon.NewGuardian(daemon.DefaultGuardianConfig(), registry, wd, d, logger)

	go func() {
		for sig := range sigChan {
			guardian.HandleSignal(sig)
		}
	}()

	go func() {
		if err := control.Serve(ctx, env.config.Control.GuardianAddr, control.NewGuardianAPI(wd, logger.Named("control")), logger); err != nil {
			logger.Error("guardian listener failed", zap.Error(err))
		}
	}()

	return guardian.Run(ctx)
}
