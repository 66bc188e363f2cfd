package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.RecordRequest(KindHTTP, DecisionBlocked, 5*time.Millisecond)
	m.RecordRequest(KindHTTP, DecisionBlocked, 5*time.Millisecond)
	m.RecordRequest(KindConnect, DecisionAllowed, time.Second)
	m.RecordBlocked("")
	m.RecordBlocked("social")
	m.RecordRuleReload(nil)
	m.RecordRuleReload(errors.New("boom"))
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues(KindHTTP, DecisionBlocked)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues(KindConnect, DecisionAllowed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blockedTotal.WithLabelValues("uncategorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ruleReloads.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConns))
}

func TestMetrics_HandlerServesRegistry(t *testing.T) {
	m := New()
	m.SetRuleCount(3)
	require.NoError(t, m.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "webmon", Name: "extra_gauge", Help: "test gauge",
	}, func() float64 { return 42 })))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "webmon_rules_enabled 3"))
	assert.True(t, strings.Contains(string(body), "webmon_extra_gauge 42"))
}
