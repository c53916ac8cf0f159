package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler processes one RPC request body and returns the response body.
type Handler func(ctx context.Context, body []byte) ([]byte, error)

// RPCServer serves synchronous RPC over an asynchronous broker. One
// consumer loop processes one request at a time: it invokes the bound
// handler, publishes the result to the request's reply queue tagged with
// the original correlation id, then acknowledges. Exactly one response is
// published per request.
type RPCServer struct {
	broker   Broker
	requests Queue
	handler  Handler
	logger   *slog.Logger
}

// NewRPCServer binds handler to the named request queue.
func NewRPCServer(broker Broker, queueName string, handler Handler) (*RPCServer, error) {
	requests, err := broker.Queue(queueName)
	if err != nil {
		return nil, err
	}
	return &RPCServer{
		broker:   broker,
		requests: requests,
		handler:  handler,
		logger:   slog.Default().With("component", "rpc-server", "queue", queueName),
	}, nil
}

// Run consumes requests until ctx is done or the broker closes.
func (s *RPCServer) Run(ctx context.Context) error {
	for {
		delivery, err := s.requests.Consume(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, ErrBrokerClosed) {
				return nil
			}
			return err
		}
		s.serve(ctx, delivery)
	}
}

func (s *RPCServer) serve(ctx context.Context, delivery *Delivery) {
	req := delivery.Message

	body, err := s.handler(ctx, req.Body)
	if req.ReplyTo == "" {
		// Nothing to respond to; treat as a task.
		if err != nil {
			s.logger.Error("handler failed on request without reply queue", "err", err)
			return
		}
		if ackErr := delivery.Ack(); ackErr != nil {
			s.logger.Error("ack failed", "err", ackErr)
		}
		return
	}

	resp := NewMessage(body)
	resp.CorrelationID = req.CorrelationID
	if err != nil {
		s.logger.Error("rpc handler failed", "correlation_id", req.CorrelationID, "err", err)
		resp.Body = nil
		resp.Error = err.Error()
	}

	replies, err := s.broker.Queue(req.ReplyTo)
	if err != nil {
		s.logger.Error("resolving reply queue failed", "reply_to", req.ReplyTo, "err", err)
		return
	}
	if err := replies.Publish(ctx, resp); err != nil {
		// Leave the delivery unacked so the request is redelivered.
		s.logger.Error("publishing rpc response failed", "correlation_id", req.CorrelationID, "err", err)
		return
	}
	if err := delivery.Ack(); err != nil {
		s.logger.Error("ack failed", "correlation_id", req.CorrelationID, "err", err)
	}
}

// RPCClient issues synchronous calls over the broker. Each request carries
// a fresh correlation id and the client's private reply queue; a single
// background consumer demultiplexes responses into per-request channels.
type RPCClient struct {
	requests Queue
	replies  Queue
	replyTo  string
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *Message
	closed  bool

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewRPCClient creates a client for the named request queue and starts its
// reply consumer.
func NewRPCClient(broker Broker, queueName string) (*RPCClient, error) {
	requests, err := broker.Queue(queueName)
	if err != nil {
		return nil, err
	}

	replyTo := queueName + ".reply." + uuid.NewString()
	replies, err := broker.Queue(replyTo)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &RPCClient{
		requests: requests,
		replies:  replies,
		replyTo:  replyTo,
		logger:   slog.Default().With("component", "rpc-client", "queue", queueName),
		pending:  make(map[string]chan *Message),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.consumeReplies(ctx)
	return c, nil
}

// Call publishes body to the request queue and blocks until the correlated
// response arrives, ctx is done, or the client is closed. There is no
// built-in retry; a missing response surfaces as the caller's ctx error.
func (c *RPCClient) Call(ctx context.Context, body []byte) ([]byte, error) {
	correlationID := uuid.NewString()
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[correlationID] = ch
	c.mu.Unlock()

	msg := NewMessage(body)
	msg.CorrelationID = correlationID
	msg.ReplyTo = c.replyTo

	if err := c.requests.Publish(ctx, msg); err != nil {
		c.forget(correlationID)
		return nil, err
	}

	select {
	case resp := <-ch:
		return unwrapResponse(resp)
	case <-ctx.Done():
		c.forget(correlationID)
		return nil, ctx.Err()
	case <-c.done:
		// Prefer a response that raced the shutdown.
		select {
		case resp := <-ch:
			return unwrapResponse(resp)
		default:
			return nil, ErrClientClosed
		}
	}
}

// Close shuts the client down. Pending calls fail with ErrClientClosed
// rather than hanging.
func (c *RPCClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		<-c.done
	})
	return nil
}

func (c *RPCClient) consumeReplies(ctx context.Context) {
	defer close(c.done)
	for {
		delivery, err := c.replies.Consume(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrBrokerClosed) {
				c.logger.Error("reply consumer failed", "err", err)
			}
			return
		}

		msg := delivery.Message
		c.mu.Lock()
		ch, ok := c.pending[msg.CorrelationID]
		if ok {
			delete(c.pending, msg.CorrelationID)
		}
		c.mu.Unlock()

		if ok {
			ch <- msg
		} else {
			// Caller gave up; the response has no waiter anymore.
			c.logger.Warn("dropping response with no pending call", "correlation_id", msg.CorrelationID)
		}

		if err := delivery.Ack(); err != nil {
			c.logger.Error("ack failed", "correlation_id", msg.CorrelationID, "err", err)
		}
	}
}

func (c *RPCClient) forget(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

func unwrapResponse(resp *Message) ([]byte, error) {
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
	return resp.Body, nil
}
