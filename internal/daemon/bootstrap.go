package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/infra"
)

// Launcher starts a detached daemon process and returns its PID.
type Launcher interface {
	Launch(role domain.DaemonRole) (int, error)
}

// SelfLauncher re-executes a webmon binary in daemon mode under an
// obfuscated name.
type SelfLauncher struct {
	binaryPath string
	configPath string
	obfuscator domain.Obfuscator
	command    func(name string, args ...string) *exec.Cmd
}

// NewSelfLauncher creates a launcher for binaryPath. An empty binaryPath
// means the running executable; an empty configPath omits --config.
func NewSelfLauncher(binaryPath, configPath string) *SelfLauncher {
	return &SelfLauncher{
		binaryPath: binaryPath,
		configPath: configPath,
		obfuscator: infra.NewObfuscator(),
		command:    exec.Command,
	}
}

// Launch spawns the daemon for role.
func (l *SelfLauncher) Launch(role domain.DaemonRole) (int, error) {
	executable := l.binaryPath
	if executable == "" {
		var err error
		if executable, err = os.Executable(); err != nil {
			return 0, err
		}
	}

	// Hidden "daemon" command: webmon daemon --role watcher --name com.apple.xxx
	args := []string{"daemon", "--role", string(role), "--name", l.obfuscator.GenerateName()}
	if l.configPath != "" {
		args = append(args, "--config", l.configPath)
	}
	cmd := l.command(executable, args...)

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	// No stdin/stdout/stderr - fully detached
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("launch %s: %w", role, err)
	}
	pid := cmd.Process.Pid

	// Reap the child so a dead daemon does not linger as a zombie that
	// still answers liveness probes.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}

// StartBothDaemons starts both watcher and guardian daemons.
func StartBothDaemons(l Launcher) error {
	// Start watcher first
	if _, err := l.Launch(domain.RoleWatcher); err != nil {
		return err
	}

	// Start guardian
	if _, err := l.Launch(domain.RoleGuardian); err != nil {
		return err
	}

	return nil
}

// SetProcessName changes the visible process name.
// Uses argv[0] overwrite technique which works on macOS.
func SetProcessName(name string) {
	// The Go runtime has no setproctitle, so ps may still show the binary
	// name. The daemon stays hard to spot through the installed binary path,
	// PIDs never printed by the CLI and the hidden registry.
	if len(os.Args) > 0 {
		os.Args[0] = name
	}
}
