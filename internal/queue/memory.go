package queue

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Compile-time check that MemoryBroker implements Broker.
var _ Broker = (*MemoryBroker)(nil)

type memoryMessage struct {
	id         string
	body       []byte
	deliveries int
}

type memoryQueue struct {
	ready    []memoryMessage
	inFlight map[string]memoryMessage
	dead     []DeadLetter
	// signal is closed and replaced whenever a message becomes ready.
	signal chan struct{}
}

// MemoryBroker is an in-process Broker. All consumers of a queue compete
// regardless of group. It exposes inspection helpers and crash simulation
// for tests and single-process development.
type MemoryBroker struct {
	mu            sync.Mutex
	queues        map[Name]*memoryQueue
	maxDeliveries int
	seq           int64
	now           func() time.Time
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithMemoryMaxDeliveries sets the redelivery budget.
func WithMemoryMaxDeliveries(n int) MemoryOption {
	return func(b *MemoryBroker) {
		b.maxDeliveries = n
	}
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		queues:        make(map[Name]*memoryQueue),
		maxDeliveries: DefaultMaxDeliveries,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// queue returns the named queue, creating it. Callers must hold b.mu.
func (b *MemoryBroker) queue(q Name) *memoryQueue {
	mq, ok := b.queues[q]
	if !ok {
		mq = &memoryQueue{
			inFlight: make(map[string]memoryMessage),
			signal:   make(chan struct{}),
		}
		b.queues[q] = mq
	}
	return mq
}

// push appends a ready message and wakes waiting consumers. Callers must hold b.mu.
func (b *MemoryBroker) push(mq *memoryQueue, m memoryMessage) {
	mq.ready = append(mq.ready, m)
	close(mq.signal)
	mq.signal = make(chan struct{})
}

// Publish appends a copy of body to q.
func (b *MemoryBroker) Publish(ctx context.Context, q Name, body []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.push(b.queue(q), memoryMessage{
		id:   strconv.FormatInt(b.seq, 10),
		body: bytes.Clone(body),
	})
	return nil
}

// Consume opens a consumer on q. The group is ignored.
func (b *MemoryBroker) Consume(_ context.Context, q Name, _, consumer string) (Consumer, error) {
	b.mu.Lock()
	b.queue(q)
	b.mu.Unlock()
	return &memoryConsumer{broker: b, queue: q, name: consumer, closed: make(chan struct{})}, nil
}

// Ping always succeeds.
func (b *MemoryBroker) Ping(context.Context) error {
	return nil
}

// Messages returns the bodies waiting in q, oldest first.
func (b *MemoryBroker) Messages(q Name) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	mq := b.queue(q)
	out := make([][]byte, 0, len(mq.ready))
	for _, m := range mq.ready {
		out = append(out, bytes.Clone(m.body))
	}
	return out
}

// InFlight returns the number of unsettled deliveries on q.
func (b *MemoryBroker) InFlight(q Name) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(q).inFlight)
}

// DeadLetters returns the messages parked from q.
func (b *MemoryBroker) DeadLetters(q Name) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.queue(q).dead...)
}

// ExpireInFlight returns every unsettled delivery on q to the ready list,
// as if the consumers holding them had stopped heartbeating.
func (b *MemoryBroker) ExpireInFlight(q Name) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	mq := b.queue(q)
	n := 0
	for msgID, m := range mq.inFlight {
		delete(mq.inFlight, msgID)
		b.push(mq, m)
		n++
	}
	return n
}

func (b *MemoryBroker) ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mq := b.queue(d.Queue)
	if _, ok := mq.inFlight[d.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, d.ID)
	}
	delete(mq.inFlight, d.ID)
	return nil
}

func (b *MemoryBroker) nack(_ context.Context, d *Delivery, _ error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mq := b.queue(d.Queue)
	m, ok := mq.inFlight[d.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, d.ID)
	}
	delete(mq.inFlight, d.ID)
	b.push(mq, m)
	return nil
}

func (b *MemoryBroker) deadLetter(_ context.Context, d *Delivery, reason error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mq := b.queue(d.Queue)
	m, ok := mq.inFlight[d.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, d.ID)
	}
	delete(mq.inFlight, d.ID)
	mq.dead = append(mq.dead, DeadLetter{
		ID:       m.id,
		Queue:    d.Queue,
		Body:     m.body,
		Attempt:  m.deliveries,
		Reason:   reasonText(reason),
		FailedAt: b.now(),
	})
	return nil
}

func (b *MemoryBroker) extend(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queue(d.Queue).inFlight[d.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, d.ID)
	}
	return nil
}

type memoryConsumer struct {
	broker    *MemoryBroker
	queue     Name
	name      string
	closeOnce sync.Once
	closed    chan struct{}
}

// Receive pops the oldest ready message. Messages that already used their
// budget through crash redeliveries are dead-lettered instead.
func (c *memoryConsumer) Receive(ctx context.Context) (*Delivery, error) {
	b := c.broker
	for {
		select {
		case <-c.closed:
			return nil, ErrClosed
		default:
		}

		b.mu.Lock()
		mq := b.queue(c.queue)
		if len(mq.ready) > 0 {
			m := mq.ready[0]
			mq.ready = mq.ready[1:]
			m.deliveries++
			mq.inFlight[m.id] = m
			d := &Delivery{
				ID:            m.id,
				Queue:         c.queue,
				Body:          bytes.Clone(m.body),
				Attempt:       m.deliveries,
				MaxDeliveries: b.maxDeliveries,
				settler:       b,
			}
			b.mu.Unlock()

			if b.maxDeliveries > 0 && d.Attempt > b.maxDeliveries {
				if err := b.deadLetter(ctx, d, ErrRedeliveryExhausted); err != nil {
					return nil, err
				}
				continue
			}
			return d, nil
		}
		signal := mq.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, ErrClosed
		case <-signal:
		}
	}
}

func (c *memoryConsumer) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
