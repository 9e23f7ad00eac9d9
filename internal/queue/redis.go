package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisBroker implements Broker.
var _ Broker = (*RedisBroker)(nil)

// Stream entry fields.
const (
	fieldPayload  = "payload"
	fieldAttempt  = "attempt"
	fieldReason   = "reason"
	fieldSourceID = "source_id"
	fieldFailedAt = "failed_at"
)

// DeadLetterStream returns the stream that holds q's dead letters.
func DeadLetterStream(q Name) string {
	return string(q) + ".dead"
}

// ClientProvider hands out the current Redis client. Holder implements it
// so a reconnect is picked up by the next command.
type ClientProvider interface {
	Client() redis.UniversalClient
}

// StaticClient is a ClientProvider for a fixed client.
type StaticClient struct {
	C redis.UniversalClient
}

// Client returns the wrapped client.
func (s StaticClient) Client() redis.UniversalClient { return s.C }

// RedisBroker implements Broker on Redis Streams consumer groups.
//
// Publish is XADD. Consumers read with XREADGROUP, settle with XACK, and
// adopt entries idle longer than the visibility timeout with XAUTOCLAIM.
// Requeue and dead-letter write a new entry and XACK the old one in a
// single MULTI/EXEC, so a message is never both lost and acknowledged.
type RedisBroker struct {
	clients       ClientProvider
	maxDeliveries int
	maxLen        int64
	block         time.Duration
	visibility    time.Duration
	logger        *slog.Logger
}

// RedisOption configures a RedisBroker.
type RedisOption func(*RedisBroker)

// WithMaxDeliveries sets the redelivery budget.
func WithMaxDeliveries(n int) RedisOption {
	return func(b *RedisBroker) {
		b.maxDeliveries = n
	}
}

// WithMaxLen caps every stream at approximately n entries. Zero disables trimming.
func WithMaxLen(n int64) RedisOption {
	return func(b *RedisBroker) {
		b.maxLen = n
	}
}

// WithBlockTimeout sets how long a single XREADGROUP call blocks.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(b *RedisBroker) {
		b.block = d
	}
}

// WithVisibilityTimeout sets how long a delivery may stay unsettled without
// a heartbeat before another consumer adopts it.
func WithVisibilityTimeout(d time.Duration) RedisOption {
	return func(b *RedisBroker) {
		b.visibility = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RedisOption {
	return func(b *RedisBroker) {
		b.logger = l
	}
}

// NewRedisBroker creates a broker on the clients' current connection.
func NewRedisBroker(clients ClientProvider, opts ...RedisOption) *RedisBroker {
	b := &RedisBroker{
		clients:       clients,
		maxDeliveries: DefaultMaxDeliveries,
		maxLen:        100000,
		block:         5 * time.Second,
		visibility:    5 * time.Minute,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Publish appends body to the q stream as a first delivery.
func (b *RedisBroker) Publish(ctx context.Context, q Name, body []byte) error {
	err := b.clients.Client().XAdd(ctx, b.addArgs(string(q), map[string]any{
		fieldPayload: string(body),
		fieldAttempt: 1,
	})).Err()
	if err != nil {
		return unavailable("xadd "+string(q), err)
	}
	return nil
}

func (b *RedisBroker) addArgs(stream string, values map[string]any) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: b.maxLen > 0,
		Values: values,
	}
}

// Consume ensures the consumer group exists and opens a session.
func (b *RedisBroker) Consume(ctx context.Context, q Name, group, consumer string) (Consumer, error) {
	if err := b.EnsureGroup(ctx, q, group); err != nil {
		return nil, err
	}
	return &redisConsumer{broker: b, queue: q, group: group, name: consumer}, nil
}

// EnsureGroup creates the consumer group, and the stream if needed.
func (b *RedisBroker) EnsureGroup(ctx context.Context, q Name, group string) error {
	// Without MkStream, Redis rejects a group on a stream that has no entries yet.
	err := b.clients.Client().XGroupCreateMkStream(ctx, string(q), group, "0").Err()
	// BUSYGROUP means the group already exists.
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return unavailable("create group "+group, err)
	}
	return nil
}

// Ping checks the connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.clients.Client().Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// DeadLetters reads up to count dead letters parked from q, oldest first.
func (b *RedisBroker) DeadLetters(ctx context.Context, q Name, count int64) ([]DeadLetter, error) {
	msgs, err := b.clients.Client().XRangeN(ctx, DeadLetterStream(q), "-", "+", count).Result()
	if err != nil {
		return nil, unavailable("xrange "+DeadLetterStream(q), err)
	}

	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		dl := DeadLetter{
			ID:      stringField(m.Values, fieldSourceID),
			Queue:   q,
			Body:    []byte(stringField(m.Values, fieldPayload)),
			Attempt: toInt(m.Values[fieldAttempt]),
			Reason:  stringField(m.Values, fieldReason),
		}
		if ts, err := time.Parse(time.RFC3339Nano, stringField(m.Values, fieldFailedAt)); err == nil {
			dl.FailedAt = ts
		}
		out = append(out, dl)
	}
	return out, nil
}

// Redrive moves up to count dead letters of q back onto q, oldest first,
// as fresh first deliveries. It returns how many were moved.
func (b *RedisBroker) Redrive(ctx context.Context, q Name, count int64) (int, error) {
	dead := DeadLetterStream(q)
	msgs, err := b.clients.Client().XRangeN(ctx, dead, "-", "+", count).Result()
	if err != nil {
		return 0, unavailable("xrange "+dead, err)
	}

	moved := 0
	for _, m := range msgs {
		_, err := b.clients.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAdd(ctx, b.addArgs(string(q), map[string]any{
				fieldPayload: stringField(m.Values, fieldPayload),
				fieldAttempt: 1,
			}))
			pipe.XDel(ctx, dead, m.ID)
			return nil
		})
		if err != nil {
			return moved, unavailable("redrive "+m.ID, err)
		}
		moved++
	}
	if moved > 0 {
		b.logger.Info("dead letters redriven", slog.String("queue", string(q)), slog.Int("count", moved))
	}
	return moved, nil
}

type redisConsumer struct {
	broker    *RedisBroker
	queue     Name
	group     string
	name      string
	lastClaim time.Time
	closed    atomic.Bool
}

// Receive first adopts a stalled entry from another consumer, at most once
// per claim interval, then blocks on new entries.
func (c *redisConsumer) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.closed.Load() {
			return nil, ErrClosed
		}

		if time.Since(c.lastClaim) >= c.claimInterval() {
			c.lastClaim = time.Now()
			d, err := c.claim(ctx)
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}

		d, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
}

func (c *redisConsumer) claimInterval() time.Duration {
	iv := c.broker.visibility / 2
	if iv <= 0 {
		iv = time.Second
	}
	return iv
}

func (c *redisConsumer) read(ctx context.Context) (*Delivery, error) {
	streams, err := c.broker.clients.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{string(c.queue), ">"},
		Count:    1,
		Block:    c.broker.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("xreadgroup "+string(c.queue), err)
	}

	for _, s := range streams {
		for _, m := range s.Messages {
			return c.delivery(ctx, m, 1)
		}
	}
	return nil, nil
}

// claim adopts one entry that has been pending longer than the visibility
// timeout. Its attempt count includes every earlier delivery of the entry.
func (c *redisConsumer) claim(ctx context.Context) (*Delivery, error) {
	rc := c.broker.clients.Client()
	msgs, _, err := rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   string(c.queue),
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.broker.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("xautoclaim "+string(c.queue), err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	m := msgs[0]
	times := int64(1)
	pending, err := rc.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: string(c.queue),
		Group:  c.group,
		Start:  m.ID,
		End:    m.ID,
		Count:  1,
	}).Result()
	if err == nil && len(pending) == 1 {
		times = pending[0].RetryCount
	}

	c.broker.logger.Warn("adopted stalled delivery",
		slog.String("queue", string(c.queue)),
		slog.String("message_id", m.ID),
		slog.Int64("times_delivered", times),
	)
	return c.delivery(ctx, m, int(times))
}

// delivery builds a Delivery from a stream entry. Entries that cannot be
// decoded or already exceeded the budget are dead-lettered and nil is
// returned so the caller moves on.
func (c *redisConsumer) delivery(ctx context.Context, m redis.XMessage, timesDelivered int) (*Delivery, error) {
	b := c.broker
	d := &Delivery{
		ID:            m.ID,
		Queue:         c.queue,
		MaxDeliveries: b.maxDeliveries,
		settler:       c,
	}

	raw, ok := m.Values[fieldPayload].(string)
	if !ok {
		// Trimmed or foreign entries carry no payload.
		d.Attempt = timesDelivered
		return nil, c.deadLetter(ctx, d, fmt.Errorf("entry %s has no %s field", m.ID, fieldPayload))
	}
	d.Body = []byte(raw)

	first := toInt(m.Values[fieldAttempt])
	if first < 1 {
		first = 1
	}
	d.Attempt = first + timesDelivered - 1

	if b.maxDeliveries > 0 && d.Attempt > b.maxDeliveries {
		return nil, c.deadLetter(ctx, d, ErrRedeliveryExhausted)
	}
	return d, nil
}

func (c *redisConsumer) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *redisConsumer) ack(ctx context.Context, d *Delivery) error {
	n, err := c.broker.clients.Client().XAck(ctx, string(c.queue), c.group, d.ID).Result()
	if err != nil {
		return unavailable("xack "+d.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, d.ID)
	}
	return nil
}

// nack re-appends the payload with the next attempt number and acks the
// current entry atomically.
func (c *redisConsumer) nack(ctx context.Context, d *Delivery, _ error) error {
	b := c.broker
	_, err := b.clients.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, b.addArgs(string(c.queue), map[string]any{
			fieldPayload: string(d.Body),
			fieldAttempt: d.Attempt + 1,
		}))
		pipe.XAck(ctx, string(c.queue), c.group, d.ID)
		return nil
	})
	if err != nil {
		return unavailable("requeue "+d.ID, err)
	}
	return nil
}

func (c *redisConsumer) deadLetter(ctx context.Context, d *Delivery, reason error) error {
	b := c.broker
	_, err := b.clients.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, b.addArgs(DeadLetterStream(c.queue), map[string]any{
			fieldPayload:  string(d.Body),
			fieldAttempt:  d.Attempt,
			fieldReason:   reasonText(reason),
			fieldSourceID: d.ID,
			fieldFailedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}))
		pipe.XAck(ctx, string(c.queue), c.group, d.ID)
		return nil
	})
	if err != nil {
		return unavailable("dead-letter "+d.ID, err)
	}
	b.logger.Warn("message dead-lettered",
		slog.String("queue", string(c.queue)),
		slog.String("message_id", d.ID),
		slog.Int("attempt", d.Attempt),
		slog.String("reason", reasonText(reason)),
	)
	return nil
}

// extend re-claims the entry for this consumer, which resets its idle time
// without counting as a new delivery. An entry that another consumer has
// adopted in the meantime is left alone.
func (c *redisConsumer) extend(ctx context.Context, d *Delivery) error {
	rc := c.broker.clients.Client()
	pending, err := rc.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: string(c.queue),
		Group:  c.group,
		Start:  d.ID,
		End:    d.ID,
		Count:  1,
	}).Result()
	if err != nil {
		return unavailable("xpending "+d.ID, err)
	}
	if len(pending) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, d.ID)
	}
	if owner := pending[0].Consumer; owner != c.name {
		return fmt.Errorf("%w: %s adopted by %s", ErrUnknownDelivery, d.ID, owner)
	}

	ids, err := rc.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   string(c.queue),
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  0,
		Messages: []string{d.ID},
	}).Result()
	if err != nil {
		return unavailable("xclaim "+d.ID, err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, d.ID)
	}
	return nil
}

func stringField(values map[string]any, key string) string {
	s, _ := values[key].(string)
	return s
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
