package rules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/matcher"
	"github.com/eliteGoblin/focusd/web_mon/internal/metrics"
)

// mockRuleStore is a test double for domain.RuleStore.
type mockRuleStore struct {
	mu    sync.Mutex
	rules []domain.BlockRule
	err   error
	calls int
}

func (m *mockRuleStore) GetEnabledRules(ctx context.Context) ([]domain.BlockRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return append([]domain.BlockRule(nil), m.rules...), nil
}

func (m *mockRuleStore) set(rules []domain.BlockRule, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules, m.err = rules, err
}

func (m *mockRuleStore) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func rule(t *testing.T, raw string) domain.BlockRule {
	t.Helper()
	r, err := matcher.NewRule(raw, domain.MatchSubdomain, "social", time.Now())
	require.NoError(t, err)
	return r
}

func TestRefresher_Reload(t *testing.T) {
	store := &mockRuleStore{rules: []domain.BlockRule{rule(t, "tieba.baidu.com")}}
	snap := matcher.NewSnapshot(nil)
	m := metrics.New()
	r := NewRefresher(store, snap, m, 0, zap.NewNop())

	rs, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rs.Version())
	assert.True(t, snap.Match("www.tieba.baidu.com").Blocked)
	expected := `
# HELP webmon_rules_enabled Number of enabled rules in the active snapshot.
# TYPE webmon_rules_enabled gauge
webmon_rules_enabled 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "webmon_rules_enabled"))

	store.set([]domain.BlockRule{rule(t, "weibo.com"), rule(t, "zhihu.com")}, nil)
	rs, err = r.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rs.Version())
	assert.False(t, snap.Match("tieba.baidu.com").Blocked)
	assert.True(t, snap.Match("zhihu.com").Blocked)
}

func TestRefresher_FailedReloadKeepsPrevious(t *testing.T) {
	store := &mockRuleStore{rules: []domain.BlockRule{rule(t, "weibo.com")}}
	snap := matcher.NewSnapshot(nil)
	r := NewRefresher(store, snap, nil, 0, zap.NewNop())
	_, err := r.Reload(context.Background())
	require.NoError(t, err)

	store.set(nil, errors.New("database is locked"))
	_, err = r.Reload(context.Background())
	require.Error(t, err)

	assert.True(t, snap.Match("weibo.com").Blocked)
	assert.Equal(t, uint64(1), snap.Load().Version())
	_, lastErr := r.LastLoad()
	assert.Error(t, lastErr)
}

func TestRefresher_RunReloadsOnPush(t *testing.T) {
	store := &mockRuleStore{}
	snap := matcher.NewSnapshot(nil)
	r := NewRefresher(store, snap, nil, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.callCount() == 1 }, time.Second, 5*time.Millisecond)

	store.set([]domain.BlockRule{rule(t, "douyin.com")}, nil)
	r.Push()
	require.Eventually(t, func() bool { return snap.Match("douyin.com").Blocked }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRefresher_RunPolls(t *testing.T) {
	store := &mockRuleStore{}
	r := NewRefresher(store, matcher.NewSnapshot(nil), nil, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	assert.Eventually(t, func() bool { return store.callCount() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestRefresher_PushCoalesces(t *testing.T) {
	r := NewRefresher(&mockRuleStore{}, matcher.NewSnapshot(nil), nil, 0, zap.NewNop())
	r.Push()
	r.Push()
	r.Push()
	assert.Len(t, r.push, 1)
}

func TestRefresher_VersionContinuesFromSnapshot(t *testing.T) {
	snap := matcher.NewSnapshot(domain.NewRuleSet(41, nil))
	r := NewRefresher(&mockRuleStore{}, snap, nil, 0, zap.NewNop())
	rs, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), rs.Version())
}
