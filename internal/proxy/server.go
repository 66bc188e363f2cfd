// Package proxy implements the local forward proxy: plain HTTP relaying,
// CONNECT tunnelling for allowed hosts and TLS termination with a block page
// for blocked ones.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/metrics"
)

// FailurePolicy decides what happens to a blocked CONNECT when no leaf
// certificate can be issued for it.
type FailurePolicy string

const (
	// FailRefuse answers the CONNECT with a gateway error page.
	FailRefuse FailurePolicy = "refuse"
	// FailTunnel opens a plain tunnel without inspection.
	FailTunnel FailurePolicy = "tunnel"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	return p == FailRefuse || p == FailTunnel
}

// Config holds proxy server settings.
type Config struct {
	ListenAddr          string        // Address both listeners bind to
	HTTPPort            int           // Plain HTTP forward proxy port
	HTTPSPort           int           // HTTPS CONNECT port
	ConnectTimeout      time.Duration // Upstream dial timeout
	TLSHandshakeTimeout time.Duration // Client and upstream TLS handshake timeout
	IdleTimeout         time.Duration // Max silence on a stream or keep-alive connection
	ReadHeaderTimeout   time.Duration // Time allowed to read request headers
	ShutdownGrace       time.Duration // Drain window on Stop before force-close
	CertFailurePolicy   FailurePolicy
}

// DefaultConfig returns default proxy configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:          "127.0.0.1",
		HTTPPort:            18080,
		HTTPSPort:           18443,
		ConnectTimeout:      10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ReadHeaderTimeout:   10 * time.Second,
		ShutdownGrace:       5 * time.Second,
		CertFailurePolicy:   FailRefuse,
	}
}

// RuleSource hands out the active rule snapshot.
type RuleSource interface {
	Load() *domain.RuleSet
}

// CertificateSource issues leaf certificates for intercepted hosts.
type CertificateSource interface {
	GetLeafCertificate(ctx context.Context, host string) (*tls.Certificate, error)
}

// AuditRecorder accepts audit events without blocking.
type AuditRecorder interface {
	Record(event domain.AuditEvent)
}

// Server is the forward proxy. It can be started and stopped repeatedly.
type Server struct {
	config    Config
	rules     RuleSource
	certs     CertificateSource
	audit     AuditRecorder
	metrics   *metrics.Metrics
	pages     *Pages
	counters  *Counters
	logger    *zap.Logger
	dialer    *net.Dialer
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
	transport *http.Transport
	handler   http.Handler

	mu       sync.Mutex
	running  bool
	stopping bool
	servers  []*http.Server
	ports    []int
	conns    map[net.Conn]domain.InterceptedConnection
	cancel   context.CancelFunc

	active atomic.Int64
}

// NewServer creates a proxy server. audit may be nil.
func NewServer(
	config Config,
	rules RuleSource,
	certs CertificateSource,
	audit AuditRecorder,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.CertFailurePolicy.Valid() {
		config.CertFailurePolicy = FailRefuse
	}

	s := &Server{
		config:   config,
		rules:    rules,
		certs:    certs,
		audit:    audit,
		metrics:  m,
		pages:    NewPages(),
		counters: NewCounters(),
		logger:   logger,
		dialer: &net.Dialer{
			Timeout:   config.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		},
		conns: make(map[net.Conn]domain.InterceptedConnection),
	}
	s.dial = s.dialer.DialContext
	s.transport = &http.Transport{
		Proxy: nil, // the OS proxy points back at us
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return s.dial(ctx, network, addr)
		},
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		DisableCompression:    true,
		ExpectContinueTimeout: time.Second,
	}
	s.handler = withRecover(logger, withMetrics(m, http.HandlerFunc(s.serveProxy)))
	return s
}

// SetPages replaces the block/error page renderer.
func (s *Server) SetPages(p *Pages) {
	if p != nil {
		s.pages = p
	}
}


// Start binds both listeners and begins serving. It returns once listening,
// or a *ListenError when either address cannot be bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	var lc net.ListenConfig
	var listeners []net.Listener
	for _, port := range []int{s.config.HTTPPort, s.config.HTTPSPort} {
		addr := net.JoinHostPort(s.config.ListenAddr, strconv.Itoa(port))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			le := newListenError(addr, err)
			s.logger.Error("failed to bind proxy listener", zap.String("addr", addr), zap.Error(err))
			return le
		}
		listeners = append(listeners, ln)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.servers = s.servers[:0]
	s.ports = s.ports[:0]

	for _, ln := range listeners {
		srv := &http.Server{
			Handler:           s.handler,
			ReadHeaderTimeout: s.config.ReadHeaderTimeout,
			IdleTimeout:       s.config.IdleTimeout,
			ConnState:         s.connState,
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
			ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
		}
		s.servers = append(s.servers, srv)
		s.ports = append(s.ports, ln.Addr().(*net.TCPAddr).Port)

		go func(ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("proxy listener stopped", zap.String("addr", ln.Addr().String()), zap.Error(err))
			}
		}(ln)
	}

	s.running = true
	s.stopping = false
	s.logger.Info("proxy started",
		zap.String("addr", s.config.ListenAddr),
		zap.Ints("ports", s.ports))
	return nil
}

// Stop stops accepting, lets in-flight connections finish within the grace
// period and then force-closes whatever is left.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopping = true
	servers := s.servers
	cancel := s.cancel
	s.servers = nil
	s.ports = nil
	s.mu.Unlock()

	graceCtx, graceCancel := context.WithTimeout(ctx, s.config.ShutdownGrace)
	defer graceCancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			_ = srv.Shutdown(graceCtx)
		}(srv)
	}
	wg.Wait()

	forced := !s.waitTracked(graceCtx)
	if forced {
		s.logger.Warn("grace period expired, closing remaining connections",
			zap.Int("remaining", s.trackedCount()))
	}
	cancel()
	for _, srv := range servers {
		_ = srv.Close()
	}
	s.closeTracked()
	s.waitTracked(context.Background())
	s.transport.CloseIdleConnections()

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()

	s.logger.Info("proxy stopped", zap.Bool("forced", forced))
	return nil
}

// statusTopDomains is how many hosts Status lists by blocked count.
const statusTopDomains = 5

// Status reports whether the proxy runs, its bound ports and live counts.
func (s *Server) Status() domain.ProxyStatus {
	s.mu.Lock()
	st := domain.ProxyStatus{
		Running:    s.running,
		BoundPorts: append([]int(nil), s.ports...),
	}
	s.mu.Unlock()
	st.ActiveConnections = s.active.Load()
	st.TodayBlockedCount = s.counters.TodayBlocked()
	st.AllowedCount = s.counters.Allowed()
	st.TopBlocked = s.counters.Top(statusTopDomains)
	return st
}

// Connections returns the hijacked connections currently open.
func (s *Server) Connections() []domain.InterceptedConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.InterceptedConnection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) connState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.active.Add(1)
		s.metrics.ConnOpened()
	case http.StateHijacked, http.StateClosed:
		s.active.Add(-1)
		s.metrics.ConnClosed()
	}
}

// track registers a hijacked connection. It refuses while stopping.
func (s *Server) track(c net.Conn, info domain.InterceptedConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || !s.running {
		return false
	}
	s.conns[c] = info
	s.active.Add(1)
	s.metrics.ConnOpened()
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.active.Add(-1)
		s.metrics.ConnClosed()
	}
}

func (s *Server) trackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) closeTracked() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// waitTracked polls until every hijacked connection is gone or ctx ends.
func (s *Server) waitTracked(ctx context.Context) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.trackedCount() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// isSelf reports whether host:port names one of our own listeners.
func (s *Server) isSelf(host string, port int) bool {
	ip := net.ParseIP(host)
	if host != "localhost" && (ip == nil || (!ip.IsLoopback() && !ip.Equal(net.ParseIP(s.config.ListenAddr)))) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.ports {
		if p == port {
			return true
		}
	}
	return false
}
