// Package queue provides the durable, at-least-once queue used between
// pipeline stages.
//
// Consumers pull one Delivery at a time and must settle it exactly once:
// Ack after all side effects are durable, Nack to requeue a transient
// failure, or DeadLetter to park a message that can never succeed. A
// delivery that is never settled (consumer crash, lost connection) is
// redelivered once its visibility timeout lapses. Every queue has a
// redelivery budget; a message that exhausts it is dead-lettered instead
// of requeued.
package queue

import (
	"context"
	"errors"
	"time"
)

// Name identifies a queue.
type Name string

// Static errors for queue operations.
var (
	// ErrUnavailable is returned when the queue substrate cannot be reached.
	ErrUnavailable = errors.New("queue: unavailable")
	// ErrClosed is returned by Receive after the consumer was closed.
	ErrClosed = errors.New("queue: consumer closed")
	// ErrRedeliveryExhausted is the dead-letter reason for messages that
	// used up their redelivery budget.
	ErrRedeliveryExhausted = errors.New("queue: redelivery budget exhausted")
	// ErrUnknownDelivery is returned when settling a delivery the queue no
	// longer considers in flight for this consumer.
	ErrUnknownDelivery = errors.New("queue: unknown delivery")
)

// DefaultMaxDeliveries is the redelivery budget used when none is configured.
const DefaultMaxDeliveries = 5

// Publisher appends messages to a queue.
type Publisher interface {
	// Publish durably appends body to q. It returns only after the
	// substrate has accepted the message.
	Publish(ctx context.Context, q Name, body []byte) error
}

// Consumer is a single consumer session. It is not safe for concurrent use;
// each worker goroutine holds its own.
type Consumer interface {
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	// Close ends the session. In-flight deliveries stay unsettled and are
	// redelivered after the visibility timeout.
	Close() error
}

// Broker is a queue substrate: it publishes and hands out consumer sessions.
type Broker interface {
	Publisher
	// Consume opens a consumer session named consumer in group for q.
	// Consumers in the same group compete for messages.
	Consume(ctx context.Context, q Name, group, consumer string) (Consumer, error)
	// Ping reports whether the substrate is reachable.
	Ping(ctx context.Context) error
}

// DeadLetter is a message parked after a terminal failure.
type DeadLetter struct {
	ID       string
	Queue    Name
	Body     []byte
	Attempt  int
	Reason   string
	FailedAt time.Time
}

// settler is implemented by each substrate to settle its own deliveries.
type settler interface {
	ack(ctx context.Context, d *Delivery) error
	nack(ctx context.Context, d *Delivery, reason error) error
	deadLetter(ctx context.Context, d *Delivery, reason error) error
	extend(ctx context.Context, d *Delivery) error
}

// Delivery is one delivery of a message to a consumer.
type Delivery struct {
	// ID is the substrate's message identifier.
	ID    string
	Queue Name
	Body  []byte
	// Attempt is the 1-based delivery count of this message, including
	// redeliveries after crashes and requeues.
	Attempt int
	// MaxDeliveries is the queue's redelivery budget.
	MaxDeliveries int

	settler settler
}

// Ack acknowledges the delivery; the message will not be delivered again.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settler.ack(ctx, d)
}

// Nack requeues the message for another attempt, or dead-letters it when
// this was the last attempt of the budget.
func (d *Delivery) Nack(ctx context.Context, reason error) error {
	if d.LastAttempt() {
		return d.settler.deadLetter(ctx, d, exhausted(reason))
	}
	return d.settler.nack(ctx, d, reason)
}

// DeadLetter parks the message; it will not be delivered again.
func (d *Delivery) DeadLetter(ctx context.Context, reason error) error {
	return d.settler.deadLetter(ctx, d, reason)
}

// Extend resets the visibility timeout of an in-flight delivery. Long
// handlers call it periodically so the message is not redelivered to
// another consumer while still being processed.
func (d *Delivery) Extend(ctx context.Context) error {
	return d.settler.extend(ctx, d)
}

// LastAttempt reports whether a failed attempt would exhaust the budget.
func (d *Delivery) LastAttempt() bool {
	return d.MaxDeliveries > 0 && d.Attempt >= d.MaxDeliveries
}

func exhausted(reason error) error {
	if reason == nil {
		return ErrRedeliveryExhausted
	}
	return errors.Join(ErrRedeliveryExhausted, reason)
}

func reasonText(reason error) string {
	if reason == nil {
		return ""
	}
	return reason.Error()
}
