package security

import (
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

// Ring is a fixed-size buffer of the most recent security events.
// The oldest event is overwritten once the ring is full.
type Ring struct {
	mu   sync.RWMutex
	buf  []domain.SecurityEvent
	next int
	full bool
}

// NewRing creates a ring holding up to size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{buf: make([]domain.SecurityEvent, size)}
}

// Add appends an event.
func (r *Ring) Add(e domain.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Resolve marks the event with id resolved. It reports whether the event
// was still in the ring.
func (r *Ring) Resolve(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.buf {
		if r.buf[i].ID == id && id != "" {
			r.buf[i].Resolved = true
			return true
		}
	}
	return false
}

// Len returns the number of buffered events.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Since returns events at or after t, newest first.
func (r *Ring) Since(t time.Time) []domain.SecurityEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]domain.SecurityEvent, 0, n)
	for i := 1; i <= n; i++ {
		e := r.buf[(r.next-i+len(r.buf))%len(r.buf)]
		if !e.Timestamp.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// Aggregate computes the overall status from events: critical if any
// unresolved critical, warning if any unresolved medium or high.
func Aggregate(events []domain.SecurityEvent) domain.OverallStatus {
	overall := domain.StatusSecure
	for _, e := range events {
		if e.Resolved {
			continue
		}
		switch e.Severity {
		case domain.SeverityCritical:
			return domain.StatusCritical
		case domain.SeverityHigh, domain.SeverityMedium:
			overall = domain.StatusWarning
		}
	}
	return overall
}
