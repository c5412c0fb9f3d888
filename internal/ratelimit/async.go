package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultStatsBuffer       = 1024
	DefaultStatsWriteTimeout = 2 * time.Second
)

// AsyncStatsRecorder moves stats writes off the request path. Record only
// enqueues; a background writer started with Start forwards events to the
// wrapped recorder, each write bounded by the write timeout. When the buffer
// is full the event is dropped and counted, so a slow or unreachable backend
// never delays an admission decision.
type AsyncStatsRecorder struct {
	next    StatsRecorder
	events  chan StatsEvent
	timeout time.Duration
	logger  *slog.Logger
	dropped atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// AsyncStatsOption configures an AsyncStatsRecorder.
type AsyncStatsOption func(*AsyncStatsRecorder)

// WithStatsBuffer sets how many events may wait for the writer.
func WithStatsBuffer(n int) AsyncStatsOption {
	return func(a *AsyncStatsRecorder) {
		if n > 0 {
			a.events = make(chan StatsEvent, n)
		}
	}
}

// WithStatsWriteTimeout bounds each write to the wrapped recorder.
func WithStatsWriteTimeout(d time.Duration) AsyncStatsOption {
	return func(a *AsyncStatsRecorder) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithStatsLogger sets the logger for write failures.
func WithStatsLogger(l *slog.Logger) AsyncStatsOption {
	return func(a *AsyncStatsRecorder) { a.logger = l }
}

// NewAsyncStatsRecorder wraps next. Nothing is written until Start is called.
func NewAsyncStatsRecorder(next StatsRecorder, opts ...AsyncStatsOption) *AsyncStatsRecorder {
	a := &AsyncStatsRecorder{
		next:    next,
		events:  make(chan StatsEvent, DefaultStatsBuffer),
		timeout: DefaultStatsWriteTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Unwrap returns the recorder events are forwarded to.
func (a *AsyncStatsRecorder) Unwrap() StatsRecorder { return a.next }

// Dropped returns how many events were discarded because the buffer was full.
func (a *AsyncStatsRecorder) Dropped() int64 { return a.dropped.Load() }

// Record implements StatsRecorder. It never blocks and never fails.
func (a *AsyncStatsRecorder) Record(_ context.Context, ev StatsEvent) error {
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Start launches the writer. It runs until Stop is called or ctx is cancelled.
func (a *AsyncStatsRecorder) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.loop(ctx, cancel, a.done)
	return nil
}

// Stop cancels the writer and waits for it to flush what is buffered. The
// flush is bounded by the write timeout; a recorder that ignores its context
// is abandoned after twice that.
func (a *AsyncStatsRecorder) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * a.timeout):
		a.logger.Warn("Rate limit stats writer did not stop in time")
	}

	if n := a.Dropped(); n > 0 {
		a.logger.Warn("Rate limit stats events dropped", "dropped", n)
	}
}

func (a *AsyncStatsRecorder) loop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer func() {
		a.mu.Lock()
		if a.done == done {
			a.cancel, a.done = nil, nil
		}
		a.mu.Unlock()
		cancel()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			a.flush()
			return
		case ev := <-a.events:
			writeCtx, cancelWrite := context.WithTimeout(context.Background(), a.timeout)
			a.write(writeCtx, ev)
			cancelWrite()
		}
	}
}

func (a *AsyncStatsRecorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	for ctx.Err() == nil {
		select {
		case ev := <-a.events:
			a.write(ctx, ev)
		default:
			return
		}
	}
}

func (a *AsyncStatsRecorder) write(ctx context.Context, ev StatsEvent) {
	if err := a.next.Record(ctx, ev); err != nil {
		a.logger.Debug("Failed to record rate limit stats", "capability", ev.Capability, "error", err)
	}
}
