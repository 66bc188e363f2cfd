package infra

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

const registryDir = "/var/tmp"

// FileRegistry implements domain.DaemonRegistry using a hidden JSON file.
// The file location is obfuscated using a hash of the hostname.
type FileRegistry struct {
	path           string
	processManager domain.ProcessManager
	now            func() time.Time
}

// NewFileRegistry creates a new file-based daemon registry.
func NewFileRegistry(pm domain.ProcessManager) *FileRegistry {
	hostname, _ := os.Hostname()
	hash := md5.Sum([]byte("webmon-registry-" + hostname))
	filename := ".cf_net_registry_" + hex.EncodeToString(hash[:])[:8]

	return NewFileRegistryWithPath(filepath.Join(registryDir, filename), pm)
}

// NewFileRegistryWithPath creates a registry at a specific path (for testing).
func NewFileRegistryWithPath(path string, pm domain.ProcessManager) *FileRegistry {
	return &FileRegistry{
		path:           path,
		processManager: pm,
		now:            time.Now,
	}
}

// GetRegistryPath returns the hidden registry file path.
func (r *FileRegistry) GetRegistryPath() string {
	return r.path
}

// Register saves the daemon's PID and obfuscated name and stamps its heartbeat.
func (r *FileRegistry) Register(daemon domain.Daemon) error {
	return r.withLock(func() error {
		entry, _ := r.GetAll()
		if entry == nil {
			entry = &domain.RegistryEntry{Version: 1}
		}

		ts := r.now().Unix()
		switch daemon.Role {
		case domain.RoleWatcher:
			entry.WatcherPID = daemon.PID
			entry.WatcherName = daemon.ObfuscatedName
			entry.WatcherHeartbeat = ts
		case domain.RoleGuardian:
			entry.GuardianPID = daemon.PID
			entry.GuardianName = daemon.ObfuscatedName
			entry.GuardianHeartbeat = ts
		default:
			return fmt.Errorf("unknown role %q", daemon.Role)
		}

		if daemon.AppVersion != "" {
			entry.AppVersion = daemon.AppVersion
		}
		if os.Geteuid() == 0 {
			entry.Mode = string(ExecModeSystem)
		} else {
			entry.Mode = string(ExecModeUser)
		}

		return r.atomicWrite(entry)
	})
}

// GetPartner returns the partner daemon info.
func (r *FileRegistry) GetPartner(role domain.DaemonRole) (*domain.Daemon, error) {
	entry, err := r.GetAll()
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("registry is empty")
	}
	return partnerOf(entry, role)
}

// UpdateHeartbeat stamps the given role's heartbeat.
func (r *FileRegistry) UpdateHeartbeat(role domain.DaemonRole) error {
	return r.withLock(func() error {
		entry, err := r.GetAll()
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("registry is empty")
		}

		ts := r.now().Unix()
		switch role {
		case domain.RoleWatcher:
			entry.WatcherHeartbeat = ts
		case domain.RoleGuardian:
			entry.GuardianHeartbeat = ts
		default:
			return fmt.Errorf("unknown role %q", role)
		}
		return r.atomicWrite(entry)
	})
}

// IsPartnerAlive checks if partner daemon is running via PID.
func (r *FileRegistry) IsPartnerAlive(role domain.DaemonRole) (bool, error) {
	partner, err := r.GetPartner(role)
	if err != nil {
		return false, nil // Partner not registered = not alive
	}
	return r.processManager.IsRunning(partner.PID), nil
}

// GetAll returns full registry state, or nil when nothing is registered yet.
func (r *FileRegistry) GetAll() (*domain.RegistryEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry domain.RegistryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return &entry, nil
}

// Clear removes registry file.
func (r *FileRegistry) Clear() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// withLock serializes read-modify-write cycles between the two daemons.
func (r *FileRegistry) withLock(fn func() error) error {
	lockFile, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	return fn()
}

// atomicWrite writes registry to file atomically (write + rename).
func (r *FileRegistry) atomicWrite(entry *domain.RegistryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	// Unique per process so watcher and guardian never share a temp file.
	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// partnerOf resolves the other daemon from a registry entry.
func partnerOf(entry *domain.RegistryEntry, role domain.DaemonRole) (*domain.Daemon, error) {
	var partner domain.Daemon
	switch role {
	case domain.RoleWatcher:
		partner = domain.Daemon{PID: entry.GuardianPID, Role: domain.RoleGuardian, ObfuscatedName: entry.GuardianName}
	case domain.RoleGuardian:
		partner = domain.Daemon{PID: entry.WatcherPID, Role: domain.RoleWatcher, ObfuscatedName: entry.WatcherName}
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
	if partner.PID == 0 {
		return nil, fmt.Errorf("partner %s not registered", partner.Role)
	}
	return &partner, nil
}

var _ domain.DaemonRegistry = (*FileRegistry)(nil)
