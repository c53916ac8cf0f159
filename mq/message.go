package mq

import (
	"context"

	"github.com/google/uuid"
)

// Message is the wire envelope for queue payloads. Bodies are opaque JSON;
// the envelope carries the routing and correlation fields the substrate
// itself needs.
type Message struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`
	DedupID       string `json:"dedup_id,omitempty"`
	Body          []byte `json:"body"`
	Error         string `json:"error,omitempty"`
}

// NewMessage creates a message with a fresh id and the given body.
func NewMessage(body []byte) *Message {
	return &Message{
		ID:   uuid.NewString(),
		Body: body,
	}
}

// Delivery is one received message. It must be acknowledged after
// successful processing; unacknowledged deliveries are redelivered once
// their visibility timeout expires (a worker crash looks like an expiry).
type Delivery struct {
	Message *Message
	ack     func() error
}

// NewDelivery wraps a message with its acknowledgement function.
// Intended for broker implementations.
func NewDelivery(msg *Message, ack func() error) *Delivery {
	return &Delivery{Message: msg, ack: ack}
}

// Ack acknowledges the delivery, removing the message from the queue.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Queue is a named durable point-to-point queue.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Publish enqueues a message. Non-blocking fire-and-forget apart from
	// the store write itself. Messages carrying a DedupID already pending
	// on the queue are silently dropped.
	Publish(ctx context.Context, msg *Message) error

	// Consume blocks until a message becomes available, ctx is done, or
	// the broker closes. A consumer loop holds at most one unacknowledged
	// delivery at a time, so slow consumers are never overloaded relative
	// to fast ones.
	Consume(ctx context.Context) (*Delivery, error)
}

// Broker provides named durable queues.
type Broker interface {
	// Queue returns the queue with the given name, creating it if needed.
	Queue(name string) (Queue, error)

	// Close shuts the broker down. Blocked Consume calls return
	// ErrBrokerClosed.
	Close() error
}

// Conn is one pooled broker connection. A connection is never shared by
// two goroutines simultaneously while checked out.
type Conn interface {
	Broker

	// IsClosed reports whether the connection is no longer usable.
	IsClosed() bool
}
