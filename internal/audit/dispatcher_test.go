package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	block  chan struct{}
	err    error
}

func (s *recordingSink) AppendAuditEvent(ctx context.Context, ev domain.AuditEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcher_DeliversAndFillsDefaults(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 8, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Record(domain.AuditEvent{Kind: domain.AuditBlock, Domain: "a.com", RuleID: "r1"})
	d.RecordSecurityEvent(domain.AuditSecurity, domain.SecurityEvent{Type: domain.EventConfigDrift})

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-d.Done()

	assert.NotEmpty(t, sink.events[0].ID)
	assert.False(t, sink.events[0].Timestamp.IsZero())
	assert.Equal(t, "a.com", sink.events[0].Domain)
	require.NotNil(t, sink.events[1].Event)
	assert.Equal(t, domain.EventConfigDrift, sink.events[1].Event.Type)
	assert.Equal(t, int64(2), d.Delivered())
}

func TestDispatcher_NeverBlocksWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(sink, 2, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			d.Record(domain.AuditEvent{Kind: domain.AuditBlock})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked while the sink was stalled")
	}
	assert.Greater(t, d.Dropped(), int64(0))

	close(sink.block)
	cancel()
	<-d.Done()
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 16, zap.NewNop())

	for i := 0; i < 5; i++ {
		d.Record(domain.AuditEvent{Kind: domain.AuditBlock})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	assert.Equal(t, 5, sink.count())
}

func TestDispatcher_CountsSinkFailures(t *testing.T) {
	sink := &recordingSink{err: assert.AnError}
	d := NewDispatcher(sink, 4, nil)
	d.Record(domain.AuditEvent{Kind: domain.AuditBlock})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	assert.Equal(t, int64(1), d.Failed())
	assert.Equal(t, int64(0), d.Delivered())
}
