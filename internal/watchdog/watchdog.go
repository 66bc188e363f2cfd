// Package watchdog supervises the enforcement process: it restarts it when
// heartbeats stop or the process dies, gives up after too many restarts, and
// stops only on an authenticated shutdown.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

var (
	// ErrRestartExhausted means the restart cap was hit inside the window.
	ErrRestartExhausted = errors.New("watchdog restart limit exhausted")

	// ErrUnauthorized means a shutdown request carried a bad credential.
	ErrUnauthorized = domain.ErrUnauthorized

	// ErrInvalidTransition means the requested state change is not allowed.
	ErrInvalidTransition = errors.New("invalid watchdog state transition")
)

// Target is the supervised process.
type Target interface {
	// Start launches the process and returns its PID.
	Start(ctx context.Context) (int, error)

	// Stop asks the process to exit, passing on the verified credential.
	Stop(ctx context.Context, credential string) error

	// Kill terminates a hung process.
	Kill(pid int) error

	// Alive reports whether pid is still running.
	Alive(pid int) bool

	// LastHeartbeat returns the most recent heartbeat the process wrote.
	LastHeartbeat() (time.Time, error)
}

// EventRecorder receives supervision security events.
type EventRecorder interface {
	RecordWatchdog(event domain.SecurityEvent)
}

// Config holds watchdog settings.
type Config struct {
	HeartbeatInterval time.Duration // Expected heartbeat period; also the check period
	MaxMissed         int           // Consecutive missed heartbeats before a restart
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64 // Randomization factor, 0 disables
	MaxRestarts       int     // Restarts allowed inside RestartWindow
	RestartWindow     time.Duration
}

// DefaultConfig returns default watchdog configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		MaxMissed:         3,
		BackoffInitial:    time.Second,
		BackoffMax:        time.Minute,
		BackoffMultiplier: 2,
		BackoffJitter:     0.2,
		MaxRestarts:       5,
		RestartWindow:     10 * time.Minute,
	}
}

// transitions lists the allowed state changes.
var transitions = map[domain.WatchdogState][]domain.WatchdogState{
	domain.WatchdogStopped:    {domain.WatchdogRunning},
	domain.WatchdogRunning:    {domain.WatchdogRestarting, domain.WatchdogStopped, domain.WatchdogExhausted},
	domain.WatchdogRestarting: {domain.WatchdogRunning, domain.WatchdogStopped, domain.WatchdogExhausted},
	domain.WatchdogExhausted:  {domain.WatchdogStopped},
}

// Watchdog is the supervision state machine.
type Watchdog struct {
	config   Config
	target   Target
	verifier domain.CredentialVerifier
	events   EventRecorder
	logger   *zap.Logger

	mu            sync.Mutex
	state         domain.WatchdogState
	pid           int
	lastStart     time.Time
	lastHeartbeat time.Time
	restartCount  int
	restarts      []time.Time // restart times inside the window
	backoff       *backoff.ExponentialBackOff

	stopped  chan struct{}
	stopOnce sync.Once

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a watchdog in the Stopped state.
func New(config Config, target Target, verifier domain.CredentialVerifier, events EventRecorder, logger *zap.Logger) *Watchdog {
	def := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.MaxMissed <= 0 {
		config.MaxMissed = def.MaxMissed
	}
	if config.MaxRestarts <= 0 {
		config.MaxRestarts = def.MaxRestarts
	}
	if config.RestartWindow <= 0 {
		config.RestartWindow = def.RestartWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bo := backoff.NewExponentialBackOff()
	if config.BackoffInitial > 0 {
		bo.InitialInterval = config.BackoffInitial
	}
	if config.BackoffMax > 0 {
		bo.MaxInterval = config.BackoffMax
	}
	if config.BackoffMultiplier >= 1 {
		bo.Multiplier = config.BackoffMultiplier
	}
	bo.RandomizationFactor = config.BackoffJitter
	bo.Reset()

	return &Watchdog{
		config:   config,
		target:   target,
		verifier: verifier,
		events:   events,
		logger:   logger,
		state:    domain.WatchdogStopped,
		backoff:  bo,
		stopped:  make(chan struct{}),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Start launches the target and begins supervising it.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state == domain.WatchdogRunning {
		w.mu.Unlock()
		return nil
	}
	if w.state != domain.WatchdogStopped {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, state)
	}
	w.mu.Unlock()

	pid, err := w.target.Start(ctx)
	if err != nil {
		return fmt.Errorf("start target: %w", err)
	}
	return w.Adopt(pid)
}

// Adopt supervises an already running target process.
func (w *Watchdog) Adopt(pid int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.setStateLocked(domain.WatchdogRunning); err != nil {
		return err
	}
	w.pid = pid
	w.lastStart = w.now()
	w.logger.Info("supervising target", zap.Int("pid", pid))
	return nil
}

// Run checks the target on every heartbeat interval until ctx is cancelled
// or an authorized shutdown completes.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case <-ticker.C:
			if err := w.Check(ctx); err != nil && ctx.Err() == nil {
				if errors.Is(err, ErrRestartExhausted) {
					w.logger.Error("auto-restart disabled, manual intervention needed", zap.Error(err))
					continue
				}
				w.logger.Warn("watchdog check failed", zap.Error(err))
			}
		}
	}
}

// Check runs one supervision step. It restarts the target when MaxMissed
// heartbeats were missed or the process is gone.
func (w *Watchdog) Check(ctx context.Context) error {
	hb, hbErr := w.target.LastHeartbeat()

	w.mu.Lock()
	if w.state != domain.WatchdogRunning {
		w.mu.Unlock()
		return nil
	}
	if hbErr == nil && hb.After(w.lastHeartbeat) {
		w.lastHeartbeat = hb
	}
	now := w.now()
	missed := w.missedLocked(now)
	alive := w.target.Alive(w.pid)
	if missed < w.config.MaxMissed && alive {
		if len(w.restarts) > 0 && now.Sub(w.restarts[len(w.restarts)-1]) > w.config.RestartWindow {
			w.restarts = nil
			w.backoff.Reset()
		}
		w.mu.Unlock()
		return nil
	}

	w.pruneLocked(now)
	if len(w.restarts) >= w.config.MaxRestarts {
		_ = w.setStateLocked(domain.WatchdogExhausted)
		count := len(w.restarts)
		w.mu.Unlock()

		w.emit(domain.SecurityEvent{
			Type:     domain.EventRestartExhausted,
			Severity: domain.SeverityCritical,
			Description: fmt.Sprintf("enforcement process restarted %d times within %s; auto-restart stopped",
				count, w.config.RestartWindow),
		})
		return fmt.Errorf("%w: %d restarts within %s", ErrRestartExhausted, count, w.config.RestartWindow)
	}

	_ = w.setStateLocked(domain.WatchdogRestarting)
	w.restarts = append(w.restarts, now)
	oldPID := w.pid
	delay := w.backoff.NextBackOff()
	w.mu.Unlock()

	w.logger.Warn("restarting enforcement process",
		zap.Int("pid", oldPID),
		zap.Bool("alive", alive),
		zap.Int("missed_heartbeats", missed),
		zap.Duration("backoff", delay))

	if err := w.sleep(ctx, delay); err != nil {
		w.mu.Lock()
		if w.state == domain.WatchdogRestarting {
			_ = w.setStateLocked(domain.WatchdogRunning)
		}
		w.mu.Unlock()
		return err
	}

	if alive {
		if err := w.target.Kill(oldPID); err != nil {
			w.logger.Warn("failed to kill unresponsive process", zap.Int("pid", oldPID), zap.Error(err))
		}
	}
	pid, err := w.target.Start(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != domain.WatchdogRestarting {
		// Shut down while we were restarting.
		if err == nil {
			_ = w.target.Kill(pid)
		}
		return nil
	}
	_ = w.setStateLocked(domain.WatchdogRunning)
	w.lastStart = w.now()
	if err != nil {
		return fmt.Errorf("restart target: %w", err)
	}
	w.pid = pid
	w.restartCount++
	w.logger.Info("enforcement process restarted",
		zap.Int("pid", pid),
		zap.Int("restart_count", w.restartCount))
	return nil
}

// HandleSignal is the unauthenticated channel: an OS signal is recorded and
// otherwise ignored.
func (w *Watchdog) HandleSignal(sig os.Signal) {
	w.logger.Warn("ignoring shutdown signal", zap.String("signal", sig.String()))
	w.emit(domain.SecurityEvent{
		Type:        domain.EventSignalIgnored,
		Severity:    domain.SeverityMedium,
		Description: fmt.Sprintf("received %s; enforcement keeps running", sig),
	})
}

// Shutdown is the authenticated channel. A valid credential stops
// supervision and the target; anything else is recorded and refused.
func (w *Watchdog) Shutdown(ctx context.Context, credential string) error {
	if w.verifier == nil {
		return fmt.Errorf("%w: no credential configured", ErrUnauthorized)
	}
	if err := w.verifier.Verify(credential); err != nil {
		w.logger.Warn("refused shutdown request", zap.Error(err))
		w.emit(domain.SecurityEvent{
			Type:        domain.EventUnauthorizedShutdown,
			Severity:    domain.SeverityHigh,
			Description: "shutdown requested with an invalid credential",
		})
		return ErrUnauthorized
	}

	w.mu.Lock()
	if w.state != domain.WatchdogStopped {
		_ = w.setStateLocked(domain.WatchdogStopped)
	}
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.stopped) })

	w.logger.Info("authorized shutdown")
	if err := w.target.Stop(ctx, credential); err != nil {
		return fmt.Errorf("stop target: %w", err)
	}
	return nil
}

// Stopped is closed once an authorized shutdown succeeds.
func (w *Watchdog) Stopped() <-chan struct{} {
	return w.stopped
}

// State returns the current state.
func (w *Watchdog) State() domain.WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Record returns a copy of the supervision record.
func (w *Watchdog) Record() domain.WatchdogRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return domain.WatchdogRecord{
		PID:           w.pid,
		LastHeartbeat: w.lastHeartbeat,
		RestartCount:  w.restartCount,
		State:         w.state,
	}
}

// missedLocked counts whole heartbeat intervals since the last sign of life.
func (w *Watchdog) missedLocked(now time.Time) int {
	base := w.lastStart
	if w.lastHeartbeat.After(base) {
		base = w.lastHeartbeat
	}
	elapsed := now.Sub(base)
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / w.config.HeartbeatInterval)
}

func (w *Watchdog) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.config.RestartWindow)
	kept := w.restarts[:0]
	for _, t := range w.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.restarts = kept
}

func (w *Watchdog) setStateLocked(to domain.WatchdogState) error {
	for _, allowed := range transitions[w.state] {
		if allowed == to {
			w.logger.Debug("watchdog state change",
				zap.String("from", string(w.state)),
				zap.String("to", string(to)))
			w.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.state, to)
}

func (w *Watchdog) emit(e domain.SecurityEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now()
	}
	if w.events != nil {
		w.events.RecordWatchdog(e)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
