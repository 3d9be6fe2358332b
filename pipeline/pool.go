package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/contaspt/media-ingest/telemetry"
	"github.com/contaspt/media-ingest/whatsapp"
)

const (
	DefaultWorkers        = 4
	DefaultQueueSize      = 64
	DefaultMessageTimeout = 5 * time.Minute
)

var (
	ErrQueueFull    = errors.New("message queue full")
	ErrShuttingDown = errors.New("processor shutting down")
	ErrNotStarted   = errors.New("processor not started")
)

// pool runs Handle on queued messages so the webhook can acknowledge
// deliveries before processing finishes.
type pool struct {
	p       *Processor
	workers int
	timeout time.Duration

	mu      sync.Mutex
	queue   chan whatsapp.InboundMessage
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func newPool(p *Processor, workers, queueSize int, timeout time.Duration) *pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultMessageTimeout
	}
	return &pool{
		p:       p,
		workers: workers,
		timeout: timeout,
		queue:   make(chan whatsapp.InboundMessage, queueSize),
	}
}

// Start launches the workers. Messages are processed with a context
// detached from ctx's cancellation so in-flight work survives request
// completion; Shutdown drains the queue.
func (p *Processor) Start(ctx context.Context) {
	p.pool.start(ctx)
}

// Enqueue queues msg for asynchronous handling. It never blocks.
func (p *Processor) Enqueue(msg whatsapp.InboundMessage) error {
	return p.pool.enqueue(msg)
}

// Shutdown stops accepting messages and waits for queued ones to finish
// or for ctx to expire.
func (p *Processor) Shutdown(ctx context.Context) error {
	return p.pool.shutdown(ctx)
}

// QueueDepth returns the number of messages waiting for a worker.
func (p *Processor) QueueDepth() int {
	return len(p.pool.queue)
}

func (pl *pool) start(ctx context.Context) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.started || pl.closed {
		return
	}
	pl.started = true

	base := telemetry.WithRouteContext(context.WithoutCancel(ctx), "webhook")
	for i := 0; i < pl.workers; i++ {
		pl.wg.Add(1)
		go pl.work(base)
	}
	pl.p.logger.Info("processor started", "workers", pl.workers, "queue_size", cap(pl.queue))
}

func (pl *pool) work(base context.Context) {
	defer pl.wg.Done()
	for msg := range pl.queue {
		pl.handle(base, msg)
	}
}

func (pl *pool) handle(base context.Context, msg whatsapp.InboundMessage) {
	ctx, cancel := context.WithTimeout(base, pl.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			pl.p.logger.Error("panic while handling message", "message_id", msg.ID, "panic", r)
		}
	}()
	// Handle logs its own failures.
	_, _ = pl.p.Handle(ctx, msg)
}

func (pl *pool) enqueue(msg whatsapp.InboundMessage) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.closed {
		return ErrShuttingDown
	}
	if !pl.started {
		return ErrNotStarted
	}
	select {
	case pl.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (pl *pool) shutdown(ctx context.Context) error {
	pl.mu.Lock()
	if !pl.closed {
		pl.closed = true
		close(pl.queue)
	}
	pl.mu.Unlock()

	done := make(chan struct{})
	go func() {
		pl.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		pl.p.logger.Info("processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
