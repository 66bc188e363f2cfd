// Package infra implements infrastructure concerns.
package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser runs as the logged-in user. The system proxy and trust
	// store changes are per user.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root and may touch machine-wide settings.
	ExecModeSystem ExecMode = "system"
)

// ExecModeConfig holds paths and settings based on execution mode.
type ExecModeConfig struct {
	Mode       ExecMode
	BinaryPath string // Where the binary is expected to live
	DataDir    string // Encrypted store, key and CA material
	LogPath    string // Default daemon log file
	ConfigPath string // Optional YAML config
	IsRoot     bool
}

// CADir returns where the root CA certificate and key are kept.
func (c *ExecModeConfig) CADir() string {
	return filepath.Join(c.DataDir, "ca")
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 {
		return &ExecModeConfig{
			Mode:       ExecModeSystem,
			BinaryPath: "/usr/local/bin/webmon",
			DataDir:    "/var/lib/webmon",
			LogPath:    "/var/log/webmon.log",
			ConfigPath: "/etc/webmon/config.yaml",
			IsRoot:     true,
		}
	}
	home, _ := os.UserHomeDir()
	return userModeConfig(home, false)
}

// GetUserModeConfig returns user mode config regardless of current euid.
// Under sudo the invoking user's home directory is used.
func GetUserModeConfig() *ExecModeConfig {
	return userModeConfig(GetRealUserHome(), os.Geteuid() == 0)
}

func userModeConfig(home string, isRoot bool) *ExecModeConfig {
	return &ExecModeConfig{
		Mode:       ExecModeUser,
		BinaryPath: filepath.Join(home, ".local", "bin", "webmon"),
		DataDir:    filepath.Join(home, ".webmon"),
		LogPath:    "/var/tmp/webmon.log",
		ConfigPath: filepath.Join(home, ".webmon", "config.yaml"),
		IsRoot:     isRoot, // Still track actual root status for permission operations
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (non-root)"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns /var/root, so we use SUDO_USER to find the real user.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
