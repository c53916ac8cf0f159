package badgermq

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/poiesic/docgraph/mq"
)

// storedMessage is the persisted form of one queued message.
type storedMessage struct {
	Message      *mq.Message `json:"message"`
	EnqueuedAt   int64       `json:"enqueued_at"` // unix milliseconds
	ReceiveCount int         `json:"receive_count"`
}

// Key layout per queue:
//
//	q:<name>:m:<msgID>               -> storedMessage JSON
//	q:<name>:v:<visibleAt><msgID>    -> msgID (BigEndian ms, delivery order)
//	q:<name>:d:<dedupID>             -> msgID (pending-task suppression)
func msgKey(name, id string) []byte {
	return []byte("q:" + name + ":m:" + id)
}

func visPrefix(name string) []byte {
	return []byte("q:" + name + ":v:")
}

func visKey(name string, visibleAt int64, id string) []byte {
	prefix := visPrefix(name)
	buf := make([]byte, len(prefix)+8+len(id))
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(visibleAt))
	offset += 8
	copy(buf[offset:], id)
	return buf
}

func dedupKey(name, dedupID string) []byte {
	return []byte("q:" + name + ":d:" + dedupID)
}

// queue implements mq.Queue on the shared broker database.
type queue struct {
	broker *Broker
	name   string
	notify chan struct{}
}

var _ mq.Queue = (*queue)(nil)

// Name returns the queue name.
func (q *queue) Name() string {
	return q.name
}

// Publish enqueues a message, immediately visible. Messages whose DedupID
// matches a still-pending message are dropped.
func (q *queue) Publish(ctx context.Context, msg *mq.Message) error {
	if q.broker.isClosed() {
		return mq.ErrBrokerClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	duplicate := false
	err := q.broker.update(func(tx *badger.Txn) error {
		duplicate = false
		if msg.DedupID != "" {
			_, err := tx.Get(dedupKey(q.name, msg.DedupID))
			if err == nil {
				duplicate = true
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}

		now := time.Now().UnixMilli()
		data, err := json.Marshal(&storedMessage{Message: msg, EnqueuedAt: now})
		if err != nil {
			return err
		}
		if err := tx.Set(msgKey(q.name, msg.ID), data); err != nil {
			return err
		}
		if err := tx.Set(visKey(q.name, now, msg.ID), []byte(msg.ID)); err != nil {
			return err
		}
		if msg.DedupID != "" {
			if err := tx.Set(dedupKey(q.name, msg.DedupID), []byte(msg.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if duplicate {
		q.broker.logger.Debug("suppressed duplicate publish", "queue", q.name, "dedup_id", msg.DedupID)
		return nil
	}
	q.signal()
	return nil
}

// Consume blocks until a message becomes deliverable, ctx is done, or the
// broker closes.
func (q *queue) Consume(ctx context.Context) (*mq.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.broker.isClosed() {
			return nil, mq.ErrBrokerClosed
		}

		delivery, wait, err := q.tryReceive()
		if err != nil {
			if q.broker.isClosed() {
				return nil, mq.ErrBrokerClosed
			}
			return nil, err
		}
		if delivery != nil {
			return delivery, nil
		}

		// Sleep until a publish signal, the next visibility expiry, or
		// shutdown.
		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(time.Duration(wait) * time.Millisecond)
			timerC = timer.C
		}
		select {
		case <-q.notify:
		case <-timerC:
		case <-ctx.Done():
		case <-q.broker.done:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// tryReceive claims the first deliverable message, pushing its visibility
// into the future so a crashed consumer leads to redelivery. Returns the
// milliseconds until the next in-flight message expires when nothing is
// deliverable right now.
func (q *queue) tryReceive() (*mq.Delivery, int64, error) {
	var delivery *mq.Delivery
	var wait int64

	// Concurrent consumers race on the head of the visibility index; the
	// broker retries the conflicted claim against fresh state.
	err := q.broker.update(func(tx *badger.Txn) error {
		delivery, wait = nil, 0
		now := time.Now().UnixMilli()
		for {
			visibleAt, msgID, ok := q.firstVisEntry(tx)
			if !ok {
				return nil
			}
			if visibleAt > now {
				wait = visibleAt - now
				return nil
			}

			sm, err := q.readStored(tx, msgID)
			if err != nil {
				return err
			}
			if sm == nil {
				// Orphan index entry left by a partial ack.
				if err := tx.Delete(visKey(q.name, visibleAt, msgID)); err != nil {
					return err
				}
				continue
			}

			sm.ReceiveCount++
			if sm.ReceiveCount > q.broker.maxReceives {
				q.broker.logger.Warn("dropping poison message",
					"queue", q.name, "msg_id", msgID, "receives", sm.ReceiveCount)
				if err := q.remove(tx, msgID, visibleAt, sm.Message.DedupID); err != nil {
					return err
				}
				continue
			}

			newVisibleAt := now + q.broker.visibilityTimeout
			if err := tx.Delete(visKey(q.name, visibleAt, msgID)); err != nil {
				return err
			}
			if err := tx.Set(visKey(q.name, newVisibleAt, msgID), []byte(msgID)); err != nil {
				return err
			}
			data, err := json.Marshal(sm)
			if err != nil {
				return err
			}
			if err := tx.Set(msgKey(q.name, msgID), data); err != nil {
				return err
			}

			delivery = mq.NewDelivery(sm.Message, q.ackFunc(msgID, newVisibleAt, sm.Message.DedupID))
			return nil
		}
	})
	return delivery, wait, err
}

// firstVisEntry returns the earliest visibility index entry.
func (q *queue) firstVisEntry(tx *badger.Txn) (visibleAt int64, msgID string, ok bool) {
	prefix := visPrefix(q.name)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	iter := tx.NewIterator(opts)
	defer iter.Close()

	iter.Rewind()
	if !iter.Valid() {
		return 0, "", false
	}
	rest := iter.Item().Key()[len(prefix):]
	return int64(binary.BigEndian.Uint64(rest[:8])), string(rest[8:]), true
}

func (q *queue) readStored(tx *badger.Txn, msgID string) (*storedMessage, error) {
	item, err := tx.Get(msgKey(q.name, msgID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sm storedMessage
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sm)
	})
	if err != nil {
		return nil, err
	}
	return &sm, nil
}

// remove deletes every key belonging to one message.
func (q *queue) remove(tx *badger.Txn, msgID string, visibleAt int64, dedupID string) error {
	if err := tx.Delete(msgKey(q.name, msgID)); err != nil {
		return err
	}
	if err := tx.Delete(visKey(q.name, visibleAt, msgID)); err != nil {
		return err
	}
	if dedupID != "" {
		if err := tx.Delete(dedupKey(q.name, dedupID)); err != nil {
			return err
		}
	}
	return nil
}

// ackFunc builds the acknowledgement closure for one claimed message.
func (q *queue) ackFunc(msgID string, visibleAt int64, dedupID string) func() error {
	return func() error {
		return q.broker.update(func(tx *badger.Txn) error {
			return q.remove(tx, msgID, visibleAt, dedupID)
		})
	}
}

// signal wakes one blocked consumer, if any.
func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
