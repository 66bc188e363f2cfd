package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRuleSet_IndexesEnabledRulesOnly(t *testing.T) {
	rules := []BlockRule{
		{ID: "1", NormalizedDomain: "example.com", MatchType: MatchSubdomain, Enabled: true},
		{ID: "2", NormalizedDomain: "example.com", MatchType: MatchExact, Enabled: false},
		{ID: "3", NormalizedDomain: "other.org", MatchType: MatchWildcard, Enabled: true},
	}

	rs := NewRuleSet(7, rules)

	assert.Equal(t, uint64(7), rs.Version())
	assert.Equal(t, 3, rs.Len())
	assert.Equal(t, 2, rs.EnabledLen())
	require.Len(t, rs.Lookup("example.com"), 1)
	assert.Equal(t, "1", rs.Lookup("example.com")[0].ID)
	assert.Empty(t, rs.Lookup("missing.com"))
}

func TestNewRuleSet_OrdersBucketBySpecificity(t *testing.T) {
	rs := NewRuleSet(1, []BlockRule{
		{ID: "w", NormalizedDomain: "a.com", MatchType: MatchWildcard, Enabled: true, Priority: 9},
		{ID: "s-low", NormalizedDomain: "a.com", MatchType: MatchSubdomain, Enabled: true, Priority: 1},
		{ID: "s-high", NormalizedDomain: "a.com", MatchType: MatchSubdomain, Enabled: true, Priority: 5},
		{ID: "e", NormalizedDomain: "a.com", MatchType: MatchExact, Enabled: true},
	})

	bucket := rs.Lookup("a.com")
	require.Len(t, bucket, 4)
	assert.Equal(t, "e", bucket[0].ID)
	assert.Equal(t, "s-high", bucket[1].ID)
	assert.Equal(t, "s-low", bucket[2].ID)
	assert.Equal(t, "w", bucket[3].ID)
}

func TestNewRuleSet_CopiesInput(t *testing.T) {
	rules := []BlockRule{{ID: "1", NormalizedDomain: "a.com", MatchType: MatchExact, Enabled: true}}
	rs := NewRuleSet(1, rules)

	rules[0].NormalizedDomain = "mutated.com"

	assert.Len(t, rs.Lookup("a.com"), 1)
	assert.Equal(t, "a.com", rs.Rules()[0].NormalizedDomain)
}

func TestNilRuleSet(t *testing.T) {
	var rs *RuleSet
	assert.Equal(t, uint64(0), rs.Version())
	assert.Equal(t, 0, rs.Len())
	assert.Nil(t, rs.Lookup("a.com"))
	assert.Nil(t, rs.Rules())
}

func TestBlockRule_Pattern(t *testing.T) {
	assert.Equal(t, "*.a.com", BlockRule{NormalizedDomain: "a.com", MatchType: MatchWildcard}.Pattern())
	assert.Equal(t, "a.com", BlockRule{NormalizedDomain: "a.com", MatchType: MatchSubdomain}.Pattern())
}

func TestRegistryEntry_Heartbeat(t *testing.T) {
	now := time.Now().Unix()
	e := &RegistryEntry{WatcherHeartbeat: now}

	assert.Equal(t, now, e.Heartbeat(RoleWatcher).Unix())
	assert.True(t, e.Heartbeat(RoleGuardian).IsZero())
}

func TestCertificateEntry_Expired(t *testing.T) {
	now := time.Now()
	assert.True(t, (*CertificateEntry)(nil).Expired(now))
	assert.True(t, (&CertificateEntry{NotAfter: now}).Expired(now))
	assert.False(t, (&CertificateEntry{NotAfter: now.Add(time.Minute)}).Expired(now))
}
