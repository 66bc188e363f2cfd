// Package rules keeps the proxy's rule snapshot in step with the record store.
package rules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/matcher"
	"github.com/eliteGoblin/focusd/web_mon/internal/metrics"
)

// Refresher rebuilds the rule snapshot on a poll interval and whenever Push is
// called. A failed load leaves the previous snapshot in place.
type Refresher struct {
	store    domain.RuleStore
	snapshot *matcher.Snapshot
	metrics  *metrics.Metrics
	interval time.Duration
	logger   *zap.Logger

	push    chan struct{}
	version atomic.Uint64

	mu       sync.Mutex
	lastLoad time.Time
	lastErr  error
}

// NewRefresher creates a refresher writing into snapshot.
func NewRefresher(store domain.RuleStore, snapshot *matcher.Snapshot, m *metrics.Metrics, interval time.Duration, logger *zap.Logger) *Refresher {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Refresher{
		store:    store,
		snapshot: snapshot,
		metrics:  m,
		interval: interval,
		logger:   logger,
		push:     make(chan struct{}, 1),
	}
	r.version.Store(snapshot.Load().Version())
	return r
}

// Reload reads enabled rules and swaps in a new snapshot.
func (r *Refresher) Reload(ctx context.Context) (*domain.RuleSet, error) {
	list, err := r.store.GetEnabledRules(ctx)

	r.mu.Lock()
	r.lastLoad = time.Now()
	r.lastErr = err
	r.mu.Unlock()
	r.metrics.RecordRuleReload(err)

	if err != nil {
		r.logger.Warn("rule reload failed, keeping previous rules", zap.Error(err))
		return nil, fmt.Errorf("load rules: %w", err)
	}

	rs := domain.NewRuleSet(r.version.Add(1), list)
	prev := r.snapshot.Store(rs)
	r.metrics.SetRuleCount(rs.EnabledLen())

	if prev.EnabledLen() != rs.EnabledLen() {
		r.logger.Info("rules reloaded",
			zap.Uint64("version", rs.Version()),
			zap.Int("enabled", rs.EnabledLen()),
			zap.Int("previous", prev.EnabledLen()))
	}
	return rs, nil
}

// Push requests a reload. Requests made while one is pending are coalesced.
func (r *Refresher) Push() {
	select {
	case r.push <- struct{}{}:
	default:
	}
}

// Run reloads once, then on every tick or push until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	_, _ = r.Reload(ctx)

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-r.push:
		}
		_, _ = r.Reload(ctx)
	}
}

// Snapshot returns the snapshot the refresher writes to.
func (r *Refresher) Snapshot() *matcher.Snapshot {
	return r.snapshot
}

// LastLoad reports when the store was last read and the outcome.
func (r *Refresher) LastLoad() (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastLoad, r.lastErr
}
