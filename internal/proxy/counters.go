package proxy

import (
	"sort"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

// Counters tracks per-domain interceptions and the blocked count for the
// current local day. Safe for concurrent use.
type Counters struct {
	mu        sync.Mutex
	perDomain map[string]int64
	day       string
	today     int64
	allowed   int64
	now       func() time.Time
}

// NewCounters creates empty counters.
func NewCounters() *Counters {
	return &Counters{
		perDomain: make(map[string]int64),
		now:       time.Now,
	}
}

// RecordBlock counts one blocked request for host.
func (c *Counters) RecordBlock(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	c.perDomain[host]++
	c.today++
}

// RecordAllowed counts one allowed request.
func (c *Counters) RecordAllowed() {
	c.mu.Lock()
	c.allowed++
	c.mu.Unlock()
}

// TodayBlocked returns the blocked count since local midnight.
func (c *Counters) TodayBlocked() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	return c.today
}

// Allowed returns the number of allowed requests since start.
func (c *Counters) Allowed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowed
}

// Top returns the n most intercepted domains, highest first.
func (c *Counters) Top(n int) []domain.DomainCount {
	c.mu.Lock()
	out := make([]domain.DomainCount, 0, len(c.perDomain))
	for d, cnt := range c.perDomain {
		out = append(out, domain.DomainCount{Domain: d, Count: cnt})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Domain < out[j].Domain
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (c *Counters) rollLocked() {
	day := c.now().Format("2006-01-02")
	if day != c.day {
		c.day = day
		c.today = 0
	}
}
