// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package badgermq implements the mq broker contract over BadgerDB.
//
// Each message is stored twice: the envelope under a message key and a
// pointer under a visibility index key ordered by the instant the message
// becomes (re)deliverable. Receiving a message moves its visibility entry
// into the future instead of removing it, so a consumer crash before
// acknowledgement makes the message deliverable again once the visibility
// timeout expires.
package badgermq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/poiesic/docgraph/mq"
)

const (
	defaultVisibilityTimeout = 30_000 // milliseconds
	defaultMaxReceives       = 5
)

// Broker is a durable in-process message broker backed by BadgerDB.
type Broker struct {
	db                *badger.DB
	logger            *slog.Logger
	visibilityTimeout int64 // milliseconds
	maxReceives       int

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	done   chan struct{}
}

var _ mq.Broker = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithVisibilityTimeout sets how long a received message stays invisible
// before it is redelivered, in milliseconds.
func WithVisibilityTimeout(ms int64) Option {
	return func(b *Broker) {
		if ms > 0 {
			b.visibilityTimeout = ms
		}
	}
}

// WithMaxReceives caps how often a message is delivered before it is
// dropped as poison.
func WithMaxReceives(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxReceives = n
		}
	}
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// Open opens a broker at the given path, or fully in memory.
func Open(path string, inMemory bool, opts ...Option) (*Broker, error) {
	var badgerOpts badger.Options
	if inMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(path)
	}
	badgerOpts.Logger = &badgerLoggerAdapter{logger: slog.Default()}
	badgerOpts.Compression = options.None

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		db:                db,
		logger:            slog.Default().With("component", "badgermq"),
		visibilityTimeout: defaultVisibilityTimeout,
		maxReceives:       defaultMaxReceives,
		queues:            make(map[string]*queue),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Queue returns the named queue, creating it if needed.
func (b *Broker) Queue(name string) (mq.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, mq.ErrBrokerClosed
	}
	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	q := &queue{
		broker: b,
		name:   name,
		notify: make(chan struct{}, 1),
	}
	b.queues[name] = q
	return q, nil
}

// Close shuts the broker down. Blocked Consume calls return
// mq.ErrBrokerClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	return b.db.Close()
}

// update runs fn in a write transaction, retrying on optimistic-concurrency
// conflicts. Badger surfaces ErrConflict from managed transactions instead
// of retrying them itself; a retry here is invisible to callers because
// every write path re-reads its state inside the transaction.
func (b *Broker) update(fn func(tx *badger.Txn) error) error {
	for {
		err := b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

// isClosed reports whether Close has been called.
func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Connect opens a pooled connection view onto the broker. Usable as an
// mq.Dialer via Dial.
func (b *Broker) Connect() (*Conn, error) {
	if b.isClosed() {
		return nil, mq.ErrBrokerClosed
	}
	return &Conn{broker: b}, nil
}

// Conn is one checkout-scoped view onto a shared broker.
type Conn struct {
	broker *Broker

	mu     sync.Mutex
	closed bool
}

var _ mq.Conn = (*Conn)(nil)

// Queue delegates to the underlying broker.
func (c *Conn) Queue(name string) (mq.Queue, error) {
	if c.IsClosed() {
		return nil, mq.ErrBrokerClosed
	}
	return c.broker.Queue(name)
}

// Close marks the connection unusable. The shared broker stays open.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// IsClosed reports whether the connection or its broker is closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	return closed || c.broker.isClosed()
}
