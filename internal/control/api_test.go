package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/matcher"
	"github.com/eliteGoblin/focusd/web_mon/internal/proxy"
)

// mockEngine is a test double for Engine.
type mockEngine struct {
	mu        sync.Mutex
	running   bool
	rules     []domain.BlockRule
	security  domain.SecurityStatus
	installed bool
	scans     int
	reloads   int
	shutdowns int
	startErr  error
	installEr error
	forwarded []domain.SecurityEvent
}

const secret = "correct horse"

func (m *mockEngine) StartProxy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.running = true
	return nil
}

func (m *mockEngine) StopProxy(ctx context.Context, credential string) error {
	if credential != secret {
		return domain.ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

func (m *mockEngine) ProxyStatus() domain.ProxyStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return domain.ProxyStatus{}
	}
	return domain.ProxyStatus{
		Running:           true,
		BoundPorts:        []int{18080, 18443},
		ActiveConnections: 2,
		TodayBlockedCount: 7,
		AllowedCount:      40,
		TopBlocked:        []domain.DomainCount{{Domain: "weibo.com", Count: 5}},
	}
}

func (m *mockEngine) SecurityStatus() domain.SecurityStatus { return m.security }

func (m *mockEngine) ScanSecurity(ctx context.Context) (domain.SecurityStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++
	return m.security, nil
}

func (m *mockEngine) RecordWatchdogEvent(e domain.SecurityEvent) error {
	if !domain.IsWatchdogEvent(e.Type) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidEvent, e.Type)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwarded = append(m.forwarded, e)
	return nil
}

func (m *mockEngine) InstallCertificate(ctx context.Context) (bool, error) {
	if m.installEr != nil {
		return false, m.installEr
	}
	m.installed = true
	return true, nil
}

func (m *mockEngine) CertificateInstalled(ctx context.Context) bool { return m.installed }

func (m *mockEngine) ListRules(ctx context.Context) ([]domain.BlockRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules, nil
}

func (m *mockEngine) AddRule(ctx context.Context, raw string, mt domain.MatchType, category string) (domain.BlockRule, error) {
	r, err := matcher.NewRule(raw, mt, category, time.Now())
	if err != nil {
		return r, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
	return r, nil
}

func (m *mockEngine) RemoveRule(ctx context.Context, id, credential string) error {
	if credential != secret {
		return domain.ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %s: %w", id, domain.ErrNotFound)
}

func (m *mockEngine) ReloadRules(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads++
	return len(m.rules), nil
}

func (m *mockEngine) Shutdown(ctx context.Context, credential string) error {
	if credential != secret {
		return domain.ErrUnauthorized
	}
	m.shutdowns++
	return nil
}

func newTestServer(t *testing.T, engine Engine) *Client {
	t.Helper()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("webmon_rules_enabled 1\n"))
	})
	srv := httptest.NewServer(NewAPI(engine, metrics, zap.NewNop()))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestAPI_ProxyLifecycle(t *testing.T) {
	engine := &mockEngine{}
	c := newTestServer(t, engine)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Empty(t, st.BoundPorts)

	require.NoError(t, c.StartProxy(ctx))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusResponse{
		Running:           true,
		BoundPorts:        []int{18080, 18443},
		ActiveConnections: 2,
		TodayBlockedCount: 7,
		AllowedCount:      40,
		TopBlocked:        []domain.DomainCount{{Domain: "weibo.com", Count: 5}},
	}, st)

	err = c.StopProxy(ctx, "wrong")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)

	require.NoError(t, c.StopProxy(ctx, secret))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Running)
}

func TestAPI_StartProxyPortInUse(t *testing.T) {
	engine := &mockEngine{startErr: fmt.Errorf("listen: %w", proxy.ErrPortInUse)}
	c := newTestServer(t, engine)

	err := c.StartProxy(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Contains(t, se.Message, "port in use")
}

func TestAPI_Rules(t *testing.T) {
	engine := &mockEngine{}
	c := newTestServer(t, engine)
	ctx := context.Background()

	list, err := c.Rules(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	added, err := c.AddRule(ctx, RuleRequest{Pattern: "*.weibo.com", Category: "social"})
	require.NoError(t, err)
	assert.Equal(t, "weibo.com", added.NormalizedDomain)
	assert.Equal(t, domain.MatchWildcard, added.MatchType)

	_, err = c.AddRule(ctx, RuleRequest{Pattern: "not a domain!"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)

	n, err := c.ReloadRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = c.RemoveRule(ctx, added.ID, "")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
	list, err = c.Rules(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1, "refused removal leaves the rule in place")

	require.NoError(t, c.RemoveRule(ctx, added.ID, secret))
	assert.ErrorIs(t, c.RemoveRule(ctx, added.ID, secret), domain.ErrNotFound)
}

func TestAPI_RemoveRuleNeedsBody(t *testing.T) {
	api := NewAPI(&mockEngine{}, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/rules/r1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Security(t *testing.T) {
	engine := &mockEngine{security: domain.SecurityStatus{
		Overall: domain.StatusWarning,
		RecentEvents: []domain.SecurityEvent{
			{ID: "e1", Type: domain.EventVPNInterface, Severity: domain.SeverityHigh, Description: "utun4 up"},
		},
	}}
	c := newTestServer(t, engine)
	ctx := context.Background()

	sec, err := c.Security(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWarning, sec.Overall)
	require.Len(t, sec.RecentEvents, 1)
	assert.Equal(t, "utun4 up", sec.RecentEvents[0].Description)

	_, err = c.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.scans)
}

func TestAPI_WatchdogEvents(t *testing.T) {
	engine := &mockEngine{}
	c := newTestServer(t, engine)
	ctx := context.Background()

	require.NoError(t, c.RecordWatchdogEvent(ctx, domain.SecurityEvent{
		ID: "w1", Type: domain.EventRestartExhausted, Severity: domain.SeverityCritical,
	}))
	require.Len(t, engine.forwarded, 1)
	assert.Equal(t, "w1", engine.forwarded[0].ID)

	err := c.RecordWatchdogEvent(ctx, domain.SecurityEvent{Type: domain.EventHostsOverride, Severity: domain.SeverityHigh})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Len(t, engine.forwarded, 1)
}

func TestAPI_Certificate(t *testing.T) {
	engine := &mockEngine{}
	c := newTestServer(t, engine)
	ctx := context.Background()

	installed, err := c.CertificateInstalled(ctx)
	require.NoError(t, err)
	assert.False(t, installed)

	installed, err = c.InstallCertificate(ctx)
	require.NoError(t, err)
	assert.True(t, installed)

	engine.installed = false
	engine.installEr = errors.New("user cancelled")
	installed, err = c.InstallCertificate(ctx)
	require.NoError(t, err, "install failure is reported as installed=false")
	assert.False(t, installed)
}

func TestAPI_Shutdown(t *testing.T) {
	engine := &mockEngine{}
	c := newTestServer(t, engine)
	ctx := context.Background()

	assert.ErrorIs(t, c.Shutdown(ctx, ""), domain.ErrUnauthorized)
	require.NoError(t, c.Shutdown(ctx, secret))
	assert.Equal(t, 1, engine.shutdowns)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	engine := &mockEngine{}
	api := NewAPI(engine, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("webmon_rules_enabled 1\n"))
	}), zap.NewNop())

	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "webmon_rules_enabled")

	srv := httptest.NewServer(api)
	defer srv.Close()
	assert.True(t, NewClient(srv.URL).Healthy(context.Background()))
}

func TestAPI_BadJSON(t *testing.T) {
	api := NewAPI(&mockEngine{}, nil, zap.NewNop())
	for _, path := range []string{"/api/rules", "/api/proxy/stop", "/api/shutdown", "/api/security/events"} {
		rec := httptest.NewRecorder()
		api.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader("{")))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "invalid JSON")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrUnauthorized, http.StatusForbidden},
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: bad", matcher.ErrInvalidDomain), http.StatusBadRequest},
		{fmt.Errorf("%w: bad", domain.ErrInvalidEvent), http.StatusBadRequest},
		{proxy.ErrPermissionDenied, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestNewClient_Base(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:18090", NewClient("127.0.0.1:18090").base)
	assert.Equal(t, "http://localhost:1", NewClient("http://localhost:1/").base)
}
