package certs

import (
	"context"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	rootOnce    sync.Once
	rootCertPEM []byte
	rootKeyPEM  []byte
)

// testRoot generates one root per test binary; RSA generation is slow.
func testRoot(t *testing.T) ([]byte, []byte) {
	t.Helper()
	rootOnce.Do(func() {
		var err error
		rootCertPEM, rootKeyPEM, err = GenerateRoot("webmon test CA", 2048, 30*24*time.Hour)
		require.NoError(t, err)
	})
	return rootCertPEM, rootKeyPEM
}

func newTestAuthority(t *testing.T, trust TrustStore) *Authority {
	t.Helper()
	certPEM, keyPEM := testRoot(t)
	a, err := NewAuthorityFromPEM(DefaultConfig(), certPEM, keyPEM, trust, zap.NewNop())
	require.NoError(t, err)
	return a
}

func TestNewAuthority_GeneratesAndReloadsRoot(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()
	config.DataDir = dir

	first, err := NewAuthority(config, nil, zap.NewNop())
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, rootKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.Equal(t, filepath.Join(dir, rootCertFile), first.CertPath())
	assert.True(t, first.RootCertificate().IsCA)

	second, err := NewAuthority(config, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, first.RootPEM(), second.RootPEM(), "existing root is reused")
}

func TestNewAuthority_NilLogger(t *testing.T) {
	config := DefaultConfig()
	config.DataDir = t.TempDir()

	var a *Authority
	require.NotPanics(t, func() {
		var err error
		a, err = NewAuthority(config, nil, nil)
		require.NoError(t, err)
	}, "first run generates a root without a logger")
	assert.NotEmpty(t, a.RootPEM())
}

func TestNewAuthority_RequiresDataDir(t *testing.T) {
	_, err := NewAuthority(DefaultConfig(), nil, zap.NewNop())
	assert.Error(t, err)
}

func TestNewAuthorityFromPEM_RejectsGarbage(t *testing.T) {
	_, err := NewAuthorityFromPEM(DefaultConfig(), []byte("nope"), []byte("nope"), nil, nil)
	assert.Error(t, err)
}

func TestGetLeafCertificate_ChainsToRoot(t *testing.T) {
	a := newTestAuthority(t, nil)

	tests := []struct {
		host    string
		wantDNS string
		wantIP  string
	}{
		{host: "Example.COM:443", wantDNS: "example.com"},
		{host: "10.1.2.3", wantIP: "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			cert, err := a.GetLeafCertificate(context.Background(), tt.host)
			require.NoError(t, err)
			require.NotNil(t, cert.Leaf)

			pool := x509.NewCertPool()
			pool.AddCert(a.RootCertificate())
			opts := x509.VerifyOptions{Roots: pool, DNSName: tt.wantDNS}
			if tt.wantIP != "" {
				opts.DNSName = tt.wantIP
			}
			_, err = cert.Leaf.Verify(opts)
			assert.NoError(t, err)
			assert.True(t, cert.Leaf.NotAfter.Before(time.Now().Add(8*24*time.Hour)))
		})
	}
}

func TestGetLeafCertificate_CachesPerHost(t *testing.T) {
	a := newTestAuthority(t, nil)
	ctx := context.Background()

	c1, err := a.GetLeafCertificate(ctx, "a.example.com")
	require.NoError(t, err)
	c2, err := a.GetLeafCertificate(ctx, "A.example.com")
	require.NoError(t, err)
	c3, err := a.GetLeafCertificate(ctx, "b.example.com")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.NotSame(t, c1, c3)

	stats := a.Stats()
	assert.Equal(t, int64(2), stats.Issued)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, 2, stats.Cached)
}

func TestGetLeafCertificate_SingleFlight(t *testing.T) {
	a := newTestAuthority(t, nil)

	const callers = 50
	var wg sync.WaitGroup
	certs := make([]any, callers)
	errs := make([]error, callers)
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			c, err := a.GetLeafCertificate(context.Background(), "uncached.example.com")
			certs[i], errs[i] = c, err
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, certs[0], certs[i])
	}
	assert.Equal(t, int64(1), a.Stats().Issued, "exactly one signing for one host")
}

func TestGetLeafCertificate_ExpiredEntryIsReissued(t *testing.T) {
	a := newTestAuthority(t, nil)
	ctx := context.Background()

	_, err := a.GetLeafCertificate(ctx, "expiring.example.com")
	require.NoError(t, err)

	a.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	_, err = a.GetLeafCertificate(ctx, "expiring.example.com")
	require.NoError(t, err)

	assert.Equal(t, int64(2), a.Stats().Issued)
}

func TestGetLeafCertificate_EmptyHost(t *testing.T) {
	a := newTestAuthority(t, nil)

	_, err := a.GetLeafCertificate(context.Background(), " ")
	assert.ErrorIs(t, err, ErrCertificateGeneration)
}

type fakeTrustStore struct {
	installed bool
	installs  int
	failWith  error
}

func (f *fakeTrustStore) Install(ctx context.Context, certPath string, certPEM []byte) error {
	f.installs++
	if f.failWith != nil {
		return f.failWith
	}
	f.installed = true
	return nil
}

func (f *fakeTrustStore) Contains(ctx context.Context, certPath string, certPEM []byte) bool {
	return f.installed
}

func TestInstallRoot(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()
	config.DataDir = dir
	trust := &fakeTrustStore{}

	a, err := NewAuthority(config, trust, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, a.Installed(ctx))

	ok, err := a.InstallRoot(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, a.Installed(ctx))

	ok, err = a.InstallRoot(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, trust.installs, "already-trusted root is not reinstalled")
}

func TestInstallRoot_Failure(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()
	config.DataDir = dir
	trust := &fakeTrustStore{failWith: assert.AnError}

	a, err := NewAuthority(config, trust, zap.NewNop())
	require.NoError(t, err)

	ok, err := a.InstallRoot(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, trust.installs)
}

func TestInstallRoot_NotOnDisk(t *testing.T) {
	a := newTestAuthority(t, &fakeTrustStore{})

	_, err := a.InstallRoot(context.Background())
	assert.Error(t, err)
}
