package infra

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetectExecMode_ReturnsCorrectPaths(t *testing.T) {
	config := DetectExecMode()

	if os.Geteuid() == 0 {
		if config.Mode != ExecModeSystem {
			t.Errorf("expected system mode when euid=0, got %s", config.Mode)
		}
		if config.DataDir != "/var/lib/webmon" {
			t.Errorf("expected /var/lib/webmon, got %s", config.DataDir)
		}
		return
	}

	if config.Mode != ExecModeUser {
		t.Errorf("expected user mode when euid!=0, got %s", config.Mode)
	}
	home, _ := os.UserHomeDir()
	if want := filepath.Join(home, ".webmon"); config.DataDir != want {
		t.Errorf("expected %s, got %s", want, config.DataDir)
	}
	if want := filepath.Join(home, ".local", "bin", "webmon"); config.BinaryPath != want {
		t.Errorf("expected %s, got %s", want, config.BinaryPath)
	}
}

func TestExecModeConfig_PathsAreConsistent(t *testing.T) {
	config := DetectExecMode()

	if filepath.Base(config.BinaryPath) != "webmon" {
		t.Errorf("BinaryPath should end with 'webmon', got %s", config.BinaryPath)
	}
	if filepath.Dir(config.CADir()) != config.DataDir {
		t.Errorf("CA dir %s should live in data dir %s", config.CADir(), config.DataDir)
	}
}

func TestGetUserModeConfig_UsesSudoUser(t *testing.T) {
	t.Setenv("SUDO_USER", "")
	config := GetUserModeConfig()
	if config.Mode != ExecModeUser {
		t.Errorf("expected user mode, got %s", config.Mode)
	}
	if filepath.Base(config.DataDir) != ".webmon" {
		t.Errorf("unexpected data dir %s", config.DataDir)
	}
}

func TestExecMode_String(t *testing.T) {
	tests := []struct {
		mode     ExecMode
		expected string
	}{
		{ExecModeUser, "user (non-root)"},
		{ExecModeSystem, "system (root)"},
		{ExecMode("invalid"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			if got := tt.mode.String(); got != tt.expected {
				t.Errorf("ExecMode.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}
