// Package worker runs competing consumers over a queue.
//
// Each pool goroutine owns its own consumer session and processes one
// delivery at a time. The handler's result decides how the delivery is
// settled: nil acks, a Permanent error dead-letters, anything else is
// requeued after a backoff delay until the redelivery budget runs out.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/maauso/audioextract/internal/backoff"
	"github.com/maauso/audioextract/internal/queue"
)

// Handler processes one delivery. It must not settle the delivery itself.
type Handler interface {
	Handle(ctx context.Context, d *queue.Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d *queue.Delivery) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, d *queue.Delivery) error {
	return f(ctx, d)
}

// ConsumerFactory opens a consumer session with the given name.
type ConsumerFactory func(ctx context.Context, name string) (queue.Consumer, error)

// Reporter receives terminal failures (dead-lettered messages).
type Reporter func(err error, tags map[string]string)

// permanentError marks errors that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as non-retryable. It returns nil for a nil err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Pool manages a set of worker goroutines consuming one queue.
type Pool struct {
	name              string
	consumers         ConsumerFactory
	handler           Handler
	concurrency       int
	backoff           backoff.Strategy
	heartbeatInterval time.Duration
	settleTimeout     time.Duration
	receiveErrorDelay time.Duration
	reporter          Reporter
	logger            *slog.Logger

	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	loopCtx    context.Context
	cancelLoop context.CancelFunc
	jobCtx     context.Context
	cancelJobs context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithBackoff sets the delay strategy applied before requeueing.
func WithBackoff(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.backoff = s }
}

// WithHeartbeatInterval sets how often in-flight deliveries are extended.
// Zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithReceiveErrorDelay sets the pause after a failed Receive.
func WithReceiveErrorDelay(d time.Duration) PoolOption {
	return func(p *Pool) { p.receiveErrorDelay = d }
}

// WithReporter sets the sink for dead-lettered failures.
func WithReporter(r Reporter) PoolOption {
	return func(p *Pool) { p.reporter = r }
}

// NewPool creates a pool. name prefixes the consumer session names.
func NewPool(name string, consumers ConsumerFactory, handler Handler, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		name:              name,
		consumers:         consumers,
		handler:           handler,
		concurrency:       1,
		backoff:           backoff.DefaultStrategy(),
		settleTimeout:     10 * time.Second,
		receiveErrorDelay: time.Second,
		reporter:          func(error, map[string]string) {},
		logger:            logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start opens one consumer session per worker and launches the workers.
// It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	sessions := make([]queue.Consumer, 0, p.concurrency)
	for i := range p.concurrency {
		c, err := p.consumers(ctx, fmt.Sprintf("%s-%d", p.name, i))
		if err != nil {
			for _, s := range sessions {
				_ = s.Close()
			}
			return fmt.Errorf("worker: open consumer %d: %w", i, err)
		}
		sessions = append(sessions, c)
	}

	p.running = true
	p.stopCh = make(chan struct{})
	p.loopCtx, p.cancelLoop = context.WithCancel(context.Background())
	p.jobCtx, p.cancelJobs = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("pool", p.name),
		slog.Int("concurrency", p.concurrency),
	)

	for _, c := range sessions {
		p.wg.Add(1)
		go p.loop(c)
	}
	return nil
}

// Stop signals all workers to stop and waits for in-flight messages to
// settle. If ctx ends first, in-flight handlers are cancelled; their
// messages are requeued or redelivered later.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("pool", p.name))

	close(p.stopCh)
	p.cancelLoop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully", slog.String("pool", p.name))
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling in-flight messages", slog.String("pool", p.name))
		p.cancelJobs()
		<-done
	}
	p.cancelJobs()
	return nil
}

// loop is run by each worker goroutine.
func (p *Pool) loop(c queue.Consumer) {
	defer p.wg.Done()
	defer func() { _ = c.Close() }()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		d, err := c.Receive(p.loopCtx)
		if err != nil {
			if p.loopCtx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.logger.Error("receive failed", slog.String("pool", p.name), slog.String("error", err.Error()))
			p.sleep(p.receiveErrorDelay)
			continue
		}

		p.process(d)
	}
}

// process runs the handler and settles the delivery according to its result.
func (p *Pool) process(d *queue.Delivery) {
	logger := p.logger.With(
		slog.String("pool", p.name),
		slog.String("queue", string(d.Queue)),
		slog.String("message_id", d.ID),
		slog.Int("attempt", d.Attempt),
	)

	ctx, cancel := context.WithCancel(p.jobCtx)
	stopHeartbeat := p.heartbeat(ctx, d, logger)
	err := p.safeHandle(ctx, d)
	stopHeartbeat()
	cancel()

	settleCtx, cancelSettle := context.WithTimeout(context.Background(), p.settleTimeout)
	defer cancelSettle()

	switch {
	case err == nil:
		if ackErr := d.Ack(settleCtx); ackErr != nil {
			// The message will be redelivered; handlers tolerate duplicates.
			logger.Error("ack failed", slog.String("error", ackErr.Error()))
			return
		}
		logger.Debug("message processed")

	case IsPermanent(err):
		logger.Error("message failed permanently", slog.String("error", err.Error()))
		p.deadLetter(settleCtx, d, err, logger)

	case d.LastAttempt():
		logger.Error("message failed on last attempt", slog.String("error", err.Error()))
		p.deadLetter(settleCtx, d, fmt.Errorf("%w: %w", queue.ErrRedeliveryExhausted, err), logger)

	default:
		delay := p.backoff.Delay(d.Attempt)
		logger.Warn("message failed, requeueing",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		p.sleep(delay)
		if nackErr := d.Nack(settleCtx, err); nackErr != nil {
			logger.Error("requeue failed", slog.String("error", nackErr.Error()))
		}
	}
}

func (p *Pool) deadLetter(ctx context.Context, d *queue.Delivery, reason error, logger *slog.Logger) {
	if err := d.DeadLetter(ctx, reason); err != nil {
		logger.Error("dead-letter failed", slog.String("error", err.Error()))
		return
	}
	p.reporter(reason, map[string]string{
		"pool":       p.name,
		"queue":      string(d.Queue),
		"message_id": d.ID,
		"attempt":    fmt.Sprint(d.Attempt),
	})
}

// safeHandle converts a handler panic into a permanent failure.
func (p *Pool) safeHandle(ctx context.Context, d *queue.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = Permanent(fmt.Errorf("worker: handler panic: %v", r))
		}
	}()
	return p.handler.Handle(ctx, d)
}

// heartbeat extends d periodically until the returned stop func is called.
func (p *Pool) heartbeat(ctx context.Context, d *queue.Delivery, logger *slog.Logger) func() {
	if p.heartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Extend(ctx); err != nil {
					if errors.Is(err, queue.ErrUnknownDelivery) {
						logger.Warn("delivery no longer held, heartbeat stopped", slog.String("error", err.Error()))
						return
					}
					logger.Warn("heartbeat failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// sleep waits for d or until the pool is stopping.
func (p *Pool) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.stopCh:
	}
}
