// Package audit forwards audit events to the record store without ever
// blocking the caller.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

const defaultBuffer = 1024

// Dispatcher queues events on a bounded channel and delivers them from a
// single worker. When the queue is full the event is dropped and counted.
type Dispatcher struct {
	sink    domain.AuditSink
	queue   chan domain.AuditEvent
	timeout time.Duration
	logger  *zap.Logger

	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64

	startOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher in front of sink.
func NewDispatcher(sink domain.AuditSink, buffer int, logger *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sink:    sink,
		queue:   make(chan domain.AuditEvent, buffer),
		timeout: 5 * time.Second,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Record enqueues an event. It never blocks.
func (d *Dispatcher) Record(event domain.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case d.queue <- event:
	default:
		if d.dropped.Add(1)%100 == 1 {
			d.logger.Warn("audit queue full, dropping events",
				zap.Int64("dropped_total", d.dropped.Load()))
		}
	}
}

// RecordSecurityEvent wraps a security event for the audit log.
func (d *Dispatcher) RecordSecurityEvent(kind domain.AuditKind, event domain.SecurityEvent) {
	ev := event
	d.Record(domain.AuditEvent{
		Kind:      kind,
		Timestamp: event.Timestamp,
		Event:     &ev,
	})
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	started := false
	d.startOnce.Do(func() { started = true })
	if !started {
		return
	}
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ev domain.AuditEvent) {
	if d.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sink.AppendAuditEvent(ctx, ev); err != nil {
		d.failed.Add(1)
		d.logger.Warn("failed to append audit event",
			zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	d.delivered.Add(1)
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Delivered returns how many events reached the sink.
func (d *Dispatcher) Delivered() int64 { return d.delivered.Load() }

// Failed returns how many deliveries the sink rejected.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }
