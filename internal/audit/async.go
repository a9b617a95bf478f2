// ABOUTME: Non-blocking audit dispatcher that hands events to a background worker
// ABOUTME: Drops events when its buffer is full so request handling is never delayed

package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrDispatcherFull is returned when an event is dropped because the buffer is full.
var ErrDispatcherFull = errors.New("audit: dispatcher buffer full")

// ErrDispatcherClosed is returned when recording after Close.
var ErrDispatcherClosed = errors.New("audit: dispatcher closed")

const defaultBufferSize = 256

// DropObserver is notified whenever an event is dropped.
type DropObserver interface {
	ObserveAuditDrop()
}

// Dispatcher delivers events to a downstream sink from a single worker goroutine.
type Dispatcher struct {
	next     Sink
	logger   *slog.Logger
	observer DropObserver

	events chan Event
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewDispatcher starts a dispatcher in front of next. bufferSize <= 0 selects
// a default. Pass nil logger for default; observer may be nil.
func NewDispatcher(next Sink, bufferSize int, logger *slog.Logger, observer DropObserver) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		next:     next,
		logger:   logger.With("component", "audit-dispatcher"),
		observer: observer,
		events:   make(chan Event, bufferSize),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Record enqueues e without blocking.
func (d *Dispatcher) Record(_ context.Context, e Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.events <- e:
		return nil
	default:
		d.dropped.Add(1)
		if d.observer != nil {
			d.observer.ObserveAuditDrop()
		}
		return ErrDispatcherFull
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.events {
		if err := d.next.Record(context.Background(), e); err != nil {
			d.logger.Debug("audit sink failed", "reason", e.Reason, "error", err)
		}
	}
}

// Close stops accepting events, delivers what is buffered and waits for the
// worker to exit. It is safe to call multiple times.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()
	<-d.done
}
