// Package certs owns the local root certificate authority and issues the
// per-host leaf certificates used to terminate TLS for blocked sites.
package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

const (
	rootCertFile = "ca.crt"
	rootKeyFile  = "ca.key"
)

// ErrCertificateGeneration wraps every failure to produce a leaf certificate.
var ErrCertificateGeneration = errors.New("certificate generation failed")

// Config holds certificate authority settings.
type Config struct {
	DataDir        string        // Where ca.crt and ca.key live
	Organization   string        // Subject organization for root and leaves
	RootKeyBits    int           // RSA size of a newly generated root
	RootValidity   time.Duration // Lifetime of a newly generated root
	LeafValidity   time.Duration // Lifetime of issued leaves
	RenewBefore    time.Duration // Leaves this close to expiry are reissued
	CacheSize      int           // Max cached leaves
	SigningWorkers int           // Concurrent signing operations
}

// DefaultConfig returns default authority configuration.
func DefaultConfig() Config {
	return Config{
		Organization:   "webmon Local CA",
		RootKeyBits:    2048,
		RootValidity:   10 * 365 * 24 * time.Hour,
		LeafValidity:   7 * 24 * time.Hour,
		RenewBefore:    time.Hour,
		CacheSize:      1024,
		SigningWorkers: 4,
	}
}

// Stats counts authority activity.
type Stats struct {
	Issued      int64
	CacheHits   int64
	CacheMisses int64
	Cached      int
}

// Authority issues leaf certificates signed by a locally generated root.
type Authority struct {
	config   Config
	rootCert *x509.Certificate
	rootKey  crypto.Signer
	rootPEM  []byte
	certPath string

	cache   *expirable.LRU[string, *domain.CertificateEntry]
	group   singleflight.Group
	signers *semaphore.Weighted
	trust   TrustStore
	logger  *zap.Logger
	now     func() time.Time

	issued atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64
}

// NewAuthority loads the root from config.DataDir, generating and persisting
// a new one on first use.
func NewAuthority(config Config, trust TrustStore, logger *zap.Logger) (*Authority, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("certificate data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(config.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	certPath := filepath.Join(config.DataDir, rootCertFile)
	keyPath := filepath.Join(config.DataDir, rootKeyFile)

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if errors.Is(certErr, os.ErrNotExist) || errors.Is(keyErr, os.ErrNotExist) {
		var err error
		certPEM, keyPEM, err = GenerateRoot(config.Organization, config.RootKeyBits, config.RootValidity)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
			return nil, fmt.Errorf("failed to write root key: %w", err)
		}
		if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
			return nil, fmt.Errorf("failed to write root certificate: %w", err)
		}
		logger.Info("generated new root certificate", zap.String("path", certPath))
	} else if certErr != nil {
		return nil, fmt.Errorf("read root certificate: %w", certErr)
	} else if keyErr != nil {
		return nil, fmt.Errorf("read root key: %w", keyErr)
	}

	a, err := NewAuthorityFromPEM(config, certPEM, keyPEM, trust, logger)
	if err != nil {
		return nil, err
	}
	a.certPath = certPath
	return a, nil
}

// NewAuthorityFromPEM builds an authority around an existing root.
func NewAuthorityFromPEM(config Config, certPEM, keyPEM []byte, trust TrustStore, logger *zap.Logger) (*Authority, error) {
	rootCert, rootKey, err := parseRoot(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	defaults := DefaultConfig()
	if config.LeafValidity <= 0 {
		config.LeafValidity = defaults.LeafValidity
	}
	if config.RenewBefore < 0 || config.RenewBefore >= config.LeafValidity {
		config.RenewBefore = config.LeafValidity / 10
	}
	if config.CacheSize <= 0 {
		config.CacheSize = defaults.CacheSize
	}
	if config.SigningWorkers <= 0 {
		config.SigningWorkers = defaults.SigningWorkers
	}
	if config.Organization == "" {
		config.Organization = defaults.Organization
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Authority{
		config:   config,
		rootCert: rootCert,
		rootKey:  rootKey,
		rootPEM:  certPEM,
		signers:  semaphore.NewWeighted(int64(config.SigningWorkers)),
		trust:    trust,
		logger:   logger,
		now:      time.Now,
	}
	a.cache = expirable.NewLRU[string, *domain.CertificateEntry](
		config.CacheSize, nil, config.LeafValidity-config.RenewBefore)
	return a, nil
}

// GetLeafCertificate returns a certificate for host, issuing one if none is
// cached. Concurrent callers for the same host share a single signing.
func (a *Authority) GetLeafCertificate(ctx context.Context, host string) (*tls.Certificate, error) {
	host = canonicalHost(host)
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrCertificateGeneration)
	}

	if entry, ok := a.cached(host); ok {
		a.hits.Add(1)
		return entry.Leaf, nil
	}
	a.misses.Add(1)

	ch := a.group.DoChan(host, func() (any, error) {
		if entry, ok := a.cached(host); ok {
			return entry, nil
		}
		// Signing runs detached from any one caller so a cancelled request
		// does not fail the others waiting on the same host.
		if err := a.signers.Acquire(context.Background(), 1); err != nil {
			return nil, err
		}
		defer a.signers.Release(1)

		entry, err := a.issue(host)
		if err != nil {
			return nil, err
		}
		a.cache.Add(host, entry)
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			a.logger.Error("leaf certificate generation failed",
				zap.String("host", host), zap.Error(res.Err))
			return nil, fmt.Errorf("%w for %s: %v", ErrCertificateGeneration, host, res.Err)
		}
		return res.Val.(*domain.CertificateEntry).Leaf, nil
	}
}

func (a *Authority) cached(host string) (*domain.CertificateEntry, bool) {
	entry, ok := a.cache.Get(host)
	if !ok || entry.Expired(a.now().Add(a.config.RenewBefore)) {
		return nil, false
	}
	return entry, true
}

func (a *Authority) issue(host string) (*domain.CertificateEntry, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := a.now()
	notAfter := now.Add(a.config.LeafValidity)
	if notAfter.After(a.rootCert.NotAfter) {
		notAfter = a.rootCert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{a.config.Organization},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.rootCert, &key.PublicKey, a.rootKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf: %w", err)
	}

	a.issued.Add(1)
	a.logger.Debug("issued leaf certificate",
		zap.String("host", host), zap.Time("not_after", notAfter))

	return &domain.CertificateEntry{
		Hostname: host,
		Leaf: &tls.Certificate{
			Certificate: [][]byte{der, a.rootCert.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		NotAfter: notAfter,
	}, nil
}

// Stats returns a snapshot of the authority counters.
func (a *Authority) Stats() Stats {
	return Stats{
		Issued:      a.issued.Load(),
		CacheHits:   a.hits.Load(),
		CacheMisses: a.misses.Load(),
		Cached:      a.cache.Len(),
	}
}

// RootPEM returns the PEM-encoded root certificate.
func (a *Authority) RootPEM() []byte {
	return append([]byte(nil), a.rootPEM...)
}

// RootCertificate returns the parsed root certificate.
func (a *Authority) RootCertificate() *x509.Certificate {
	return a.rootCert
}

// CertPath returns where the root certificate is stored, if on disk.
func (a *Authority) CertPath() string {
	return a.certPath
}

// GenerateRoot creates a self-signed root CA and returns cert and key as PEM.
func GenerateRoot(org string, bits int, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	if bits < 2048 {
		bits = 2048
	}
	if validity <= 0 {
		validity = DefaultConfig().RootValidity
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate root key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   org,
			Organization: []string{org},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create root certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

func parseRoot(certPEM, keyPEM []byte) (*x509.Certificate, crypto.Signer, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode root certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, nil, fmt.Errorf("root certificate is not a CA")
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode root key PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes); err == nil {
		return cert, key, nil
	}
	if key, err := x509.ParseECPrivateKey(keyBlock.Bytes); err == nil {
		return cert, key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("root key of type %T cannot sign", parsed)
	}
	return cert, signer, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

func canonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.TrimSuffix(host, ".")
}
