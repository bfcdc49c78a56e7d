package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/edgeflare/pgtable/pkg/metrics"
	"github.com/edgeflare/pgtable/pkg/table"
	"go.uber.org/zap"
)

var (
	ErrDropped = errors.New("notification dropped: buffer full")
	ErrClosed  = errors.New("publisher closed")
)

// Async decouples notification delivery from the request. Publish enqueues
// and returns; a single worker hands events to the wrapped publisher in
// order. When the buffer is full the event is dropped.
type Async struct {
	next    table.Publisher
	name    string
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *table.ResponseReady
	done   chan struct{}
}

type AsyncOption func(*asyncOptions)

type asyncOptions struct {
	buffer  int
	name    string
	timeout time.Duration
	logger  *zap.Logger
}

// WithBuffer sets the queue capacity. Default 256.
func WithBuffer(n int) AsyncOption {
	return func(o *asyncOptions) { o.buffer = n }
}

// WithName labels dropped-event metrics. Default "async".
func WithName(name string) AsyncOption {
	return func(o *asyncOptions) { o.name = name }
}

// WithPublishTimeout bounds each delivery. Default 10s; non-positive values
// keep the default.
func WithPublishTimeout(d time.Duration) AsyncOption {
	return func(o *asyncOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithAsyncLogger(l *zap.Logger) AsyncOption {
	return func(o *asyncOptions) { o.logger = l }
}

// NewAsync starts the worker. Close must be called to stop it.
func NewAsync(next table.Publisher, opts ...AsyncOption) *Async {
	o := asyncOptions{buffer: 256, name: "async", timeout: 10 * time.Second, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	a := &Async{
		next:    next,
		name:    o.name,
		timeout: o.timeout,
		logger:  o.logger,
		queue:   make(chan *table.ResponseReady, max(o.buffer, 0)),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish enqueues ev. The context is not used for delivery since the
// request that produced ev may already be finished.
func (a *Async) Publish(_ context.Context, ev *table.ResponseReady) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- ev:
		return nil
	default:
		metrics.DroppedEvents.WithLabelValues(a.name).Inc()
		return ErrDropped
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		a.deliver(ev)
	}
}

func (a *Async) deliver(ev *table.ResponseReady) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("publisher panicked", zap.String("id", ev.ID), zap.Any("panic", r))
		}
	}()
	if err := a.next.Publish(ctx, ev); err != nil {
		a.logger.Warn("failed to deliver notification", zap.String("id", ev.ID), zap.Error(err))
	}
}

// Close stops accepting events, drains the queue and waits for the worker.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
	return nil
}
