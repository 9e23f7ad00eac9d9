package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time check that Holder implements ClientProvider.
var _ ClientProvider = (*Holder)(nil)

// Holder owns the Redis client used by the broker and replaces it when the
// connection goes bad.
type Holder struct {
	v         atomic.Value // stores redis.UniversalClient
	newClient func() redis.UniversalClient
	logger    *slog.Logger
}

// Connect dials Redis with opts and verifies the connection.
func Connect(ctx context.Context, opts *redis.Options, logger *slog.Logger) (*Holder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Holder{
		newClient: func() redis.UniversalClient { return redis.NewClient(opts) },
		logger:    logger,
	}

	cl := h.newClient()
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, opts.Addr, err)
	}
	h.v.Store(cl)
	return h, nil
}

// Client returns the current client.
func (h *Holder) Client() redis.UniversalClient {
	c, _ := h.v.Load().(redis.UniversalClient)
	return c
}

func (h *Holder) swap(next redis.UniversalClient) redis.UniversalClient {
	old, _ := h.v.Load().(redis.UniversalClient)
	h.v.Store(next)
	return old
}

// DefaultHealthInterval is used by Run when given a non-positive interval.
const DefaultHealthInterval = 15 * time.Second

// Run pings the connection every interval and reconnects when the ping
// fails. It blocks until ctx is done.
func (h *Holder) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		h.logger.Warn("non-positive redis health interval, using default",
			slog.Duration("interval", interval),
			slog.Duration("default", DefaultHealthInterval),
		)
		interval = DefaultHealthInterval
	}
	h.logger.Info("redis health loop started", slog.Duration("interval", interval))

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("redis health loop stopped")
			return
		case <-t.C:
			h.check(ctx)
		}
	}
}

// check pings the current client and swaps in a fresh one if the ping fails
// and the new client answers.
func (h *Holder) check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := h.Client().Ping(pingCtx).Err()
	cancel()
	if err == nil {
		return
	}
	h.logger.Warn("redis ping failed, reconnecting", slog.String("error", err.Error()))

	next := h.newClient()
	pingCtx, cancel = context.WithTimeout(ctx, 2*time.Second)
	err = next.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		_ = next.Close()
		h.logger.Error("redis reconnect failed", slog.String("error", err.Error()))
		return
	}

	if old := h.swap(next); old != nil {
		_ = old.Close()
	}
	h.logger.Info("redis reconnected")
}

// Close closes the current client.
func (h *Holder) Close() error {
	if c := h.Client(); c != nil {
		return c.Close()
	}
	return nil
}
