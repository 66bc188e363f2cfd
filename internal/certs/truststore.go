package certs

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/infra"
)

const (
	darwinSystemKeychain = "/Library/Keychains/System.keychain"
	linuxAnchorDir       = "/usr/local/share/ca-certificates"
	linuxAnchorName      = "webmon-local-ca.crt"
)

// TrustStore installs the root into the OS trust store.
type TrustStore interface {
	// Install adds the certificate at certPath as a trusted root.
	Install(ctx context.Context, certPath string, certPEM []byte) error

	// Contains reports whether the OS already trusts the certificate.
	Contains(ctx context.Context, certPath string, certPEM []byte) bool
}

// SystemTrustStore drives the platform trust tooling.
type SystemTrustStore struct {
	runner    infra.CommandRunner
	goos      string
	keychain  string
	anchorDir string
}

// NewSystemTrustStore creates a trust store for the running platform.
func NewSystemTrustStore() *SystemTrustStore {
	return NewSystemTrustStoreWithDeps(&infra.RealCommandRunner{}, runtime.GOOS)
}

// NewSystemTrustStoreWithDeps creates a trust store with injectable dependencies (for testing).
func NewSystemTrustStoreWithDeps(runner infra.CommandRunner, goos string) *SystemTrustStore {
	keychain := darwinSystemKeychain
	if os.Geteuid() != 0 {
		if home, err := os.UserHomeDir(); err == nil {
			keychain = filepath.Join(home, "Library", "Keychains", "login.keychain-db")
		}
	}
	return &SystemTrustStore{
		runner:    runner,
		goos:      goos,
		keychain:  keychain,
		anchorDir: linuxAnchorDir,
	}
}

// SetAnchorDir overrides the linux anchor directory (for testing).
func (s *SystemTrustStore) SetAnchorDir(dir string) {
	s.anchorDir = dir
}

// Install adds the root using the platform tool. The OS prompts the user
// for consent where it requires one.
func (s *SystemTrustStore) Install(ctx context.Context, certPath string, certPEM []byte) error {
	switch s.goos {
	case "darwin":
		return s.runner.Run(ctx, "security", "add-trusted-cert",
			"-d", "-r", "trustRoot", "-k", s.keychain, certPath)
	case "linux":
		if err := os.MkdirAll(s.anchorDir, 0755); err != nil {
			return fmt.Errorf("failed to create anchor directory: %w", err)
		}
		if err := os.WriteFile(filepath.Join(s.anchorDir, linuxAnchorName), certPEM, 0644); err != nil {
			return fmt.Errorf("failed to write anchor: %w", err)
		}
		return s.runner.Run(ctx, "update-ca-certificates")
	default:
		return fmt.Errorf("trust store installation not supported on %s", s.goos)
	}
}

// Contains asks the platform whether the root is trusted.
func (s *SystemTrustStore) Contains(ctx context.Context, certPath string, certPEM []byte) bool {
	switch s.goos {
	case "darwin":
		return s.runner.Run(ctx, "security", "verify-cert", "-c", certPath) == nil
	case "linux":
		existing, err := os.ReadFile(filepath.Join(s.anchorDir, linuxAnchorName))
		return err == nil && bytes.Equal(existing, certPEM)
	default:
		return false
	}
}

// Installed reports whether the root is trusted by the OS, either as seen by
// the platform tooling or by the Go system pool.
func (a *Authority) Installed(ctx context.Context) bool {
	if a.trust != nil && a.trust.Contains(ctx, a.certPath, a.rootPEM) {
		return true
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		return false
	}
	_, err = a.rootCert.Verify(x509.VerifyOptions{Roots: pool})
	return err == nil
}

// InstallRoot performs the explicit, user-initiated install step and returns
// the resulting trust status. It is never retried automatically.
func (a *Authority) InstallRoot(ctx context.Context) (bool, error) {
	if a.trust == nil {
		return false, fmt.Errorf("no trust store configured")
	}
	if a.certPath == "" {
		return false, fmt.Errorf("root certificate is not stored on disk")
	}
	if a.Installed(ctx) {
		return true, nil
	}

	a.logger.Info("installing root certificate", zap.String("path", a.certPath))
	if err := a.trust.Install(ctx, a.certPath, a.rootPEM); err != nil {
		a.logger.Warn("root certificate installation failed", zap.Error(err))
		return false, fmt.Errorf("install root certificate: %w", err)
	}
	return a.Installed(ctx), nil
}
