package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

// mockProcessManager is a test double for ProcessManager
type mockProcessManager struct {
	mu          sync.Mutex
	runningPIDs map[int]bool
	killedPIDs  []int
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{
		runningPIDs: make(map[int]bool),
	}
}

func (m *mockProcessManager) FindByName(pattern string) ([]int, error) {
	return nil, nil
}

func (m *mockProcessManager) List() ([]domain.ProcessInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProcessInfo
	for pid, running := range m.runningPIDs {
		if running {
			out = append(out, domain.ProcessInfo{PID: pid})
		}
	}
	return out, nil
}

func (m *mockProcessManager) Kill(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killedPIDs = append(m.killedPIDs, pid)
	delete(m.runningPIDs, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningPIDs[pid]
}

func (m *mockProcessManager) GetCurrentPID() int {
	return os.Getpid()
}

func (m *mockProcessManager) SetRunning(pid int, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runningPIDs[pid] = running
}

// mockCommandRunner records commands and replays canned output keyed by the
// full command line.
type mockCommandRunner struct {
	mu       sync.Mutex
	commands []string
	outputs  map[string]string
	errs     map[string]error
}

func newMockCommandRunner() *mockCommandRunner {
	return &mockCommandRunner{outputs: make(map[string]string), errs: make(map[string]error)}
}

func (m *mockCommandRunner) line(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

func (m *mockCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	_, err := m.Output(ctx, name, args...)
	return err
}

func (m *mockCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := m.line(name, args...)
	m.commands = append(m.commands, cmd)
	if err, ok := m.errs[cmd]; ok {
		return nil, err
	}
	return []byte(m.outputs[cmd]), nil
}

func (m *mockCommandRunner) ran(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.commands {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// memorySecrets is an in-memory domain.SecretStore.
type memorySecrets struct {
	mu     sync.Mutex
	values map[string]string
	setErr error
}

func newMemorySecrets() *memorySecrets {
	return &memorySecrets{values: make(map[string]string)}
}

func (m *memorySecrets) GetSecret(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", fmt.Errorf("secret %q: %w", key, ErrNotFound)
	}
	return v, nil
}

func (m *memorySecrets) SetSecret(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.values[key] = value
	return nil
}

func (m *memorySecrets) GetAllSecrets() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func (m *memorySecrets) Close() error { return nil }

var (
	errMock = errors.New("mock failure")

	_ domain.ProcessManager = (*mockProcessManager)(nil)
	_ domain.SecretStore    = (*memorySecrets)(nil)
	_ CommandRunner         = (*mockCommandRunner)(nil)
)
