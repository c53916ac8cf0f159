package mq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMaxConnections = 10
	defaultDialAttempts   = 3
	defaultDialBackoff    = time.Second
)

// Dialer opens one broker connection.
type Dialer func(ctx context.Context) (Conn, error)

// Pool is a bounded pool of broker connections, created lazily up to the
// configured maximum. Checkout blocks while all connections are in use.
type Pool struct {
	dial        Dialer
	max         int
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger

	// permits bounds the number of live connections: a permit is held for
	// the lifetime of a checkout and released by Put.
	permits chan struct{}

	mu     sync.Mutex
	idle   []Conn
	closed bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithMaxConnections bounds the number of connections the pool creates.
func WithMaxConnections(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.max = n
		}
	}
}

// WithDialAttempts sets how many times a dial is attempted before the pool
// surfaces ErrBrokerUnavailable.
func WithDialAttempts(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithDialBackoff sets the fixed delay between dial attempts.
func WithDialBackoff(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.backoff = d
		}
	}
}

// NewPool creates a connection pool over the given dialer.
func NewPool(dial Dialer, opts ...PoolOption) *Pool {
	p := &Pool{
		dial:        dial,
		max:         defaultMaxConnections,
		maxAttempts: defaultDialAttempts,
		backoff:     defaultDialBackoff,
		logger:      slog.Default().With("component", "mq-pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.permits = make(chan struct{}, p.max)
	return p
}

// Get checks out a connection, dialing lazily. Blocks while the pool is
// exhausted and every connection is in use. A connection found closed on
// checkout is discarded and replaced rather than returned.
func (p *Pool) Get(ctx context.Context) (Conn, error) {
	select {
	case p.permits <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			<-p.permits
			return nil, ErrPoolClosed
		}
		var conn Conn
		if n := len(p.idle); n > 0 {
			conn = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if conn == nil {
			break
		}
		if conn.IsClosed() {
			p.logger.Warn("discarding closed connection found on checkout")
			continue
		}
		return conn, nil
	}

	conn, err := p.dialWithRetry(ctx)
	if err != nil {
		<-p.permits
		return nil, err
	}
	return conn, nil
}

// Put returns a checked-out connection to the pool and releases its permit.
// Closed connections are dropped instead of retained.
func (p *Pool) Put(conn Conn) {
	defer func() { <-p.permits }()

	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || conn.IsClosed() {
		conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
}

// Close shuts the pool down and closes idle connections. Checked-out
// connections are closed by their holders via Put.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, conn := range p.idle {
		if err := conn.Close(); err != nil {
			p.logger.Error("error closing pooled connection", "err", err)
		}
	}
	p.idle = nil
	return nil
}

// dialWithRetry attempts to connect with fixed backoff between attempts.
func (p *Pool) dialWithRetry(ctx context.Context) (Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		conn, err := p.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		p.logger.Warn("broker dial failed", "attempt", attempt, "err", err)

		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-time.After(p.backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, lastErr)
}
