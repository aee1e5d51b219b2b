package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/edgesession/internal/observability"
	"github.com/danmuck/edgesession/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

var (
	ErrQueueClosed  = errors.New("channel: queue closed")
	ErrConsumerBusy = errors.New("channel: another consumer is already waiting")
)

// QueuedMessage is a decrypted, schema-valid user message awaiting its consumer.
type QueuedMessage struct {
	// Seq is the queue arrival order, starting at 1.
	Seq        uint64
	MessageID  string
	RelaySeq   int64
	Message    schema.UserMessage
	ReceivedAt time.Time
}

// Queue is a FIFO with at most one registered pending consumer. Enqueue and
// pending registration share one mutex, so a message is either handed to the
// waiting consumer or appended, never both and never neither.
type Queue struct {
	mu        sync.Mutex
	items     []QueuedMessage
	pending   chan QueuedMessage
	seq       uint64
	closed    bool
	done      chan struct{}
	warnDepth int
}

// NewQueue builds an empty queue. warnDepth <= 0 disables the depth warning.
func NewQueue(warnDepth int) *Queue {
	return &Queue{
		done:      make(chan struct{}),
		warnDepth: warnDepth,
	}
}

// Enqueue hands msg to the pending consumer if one is registered, else
// appends it to the tail. It assigns Seq.
func (q *Queue) Enqueue(msg QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.seq++
	msg.Seq = q.seq
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	if q.pending != nil {
		// cap 1 and cleared in the same critical section: never blocks
		q.pending <- msg
		q.pending = nil
		return nil
	}

	q.items = append(q.items, msg)
	observability.AddQueueDepth(1)
	if q.warnDepth > 0 && len(q.items) > q.warnDepth {
		observability.RecordQueueOverWarn()
		log.Warn().Msgf("channel.Queue depth=%d over warn_depth=%d", len(q.items), q.warnDepth)
	}
	return nil
}

// Next returns the head message, or waits for the next Enqueue. On ctx
// cancellation the pending registration is removed before returning.
func (q *Queue) Next(ctx context.Context) (QueuedMessage, error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		msg := q.popLocked()
		q.mu.Unlock()
		return msg, nil
	}
	if q.closed {
		q.mu.Unlock()
		return QueuedMessage{}, ErrQueueClosed
	}
	if q.pending != nil {
		q.mu.Unlock()
		return QueuedMessage{}, ErrConsumerBusy
	}
	slot := make(chan QueuedMessage, 1)
	q.pending = slot
	q.mu.Unlock()

	select {
	case msg := <-slot:
		return msg, nil
	case <-q.done:
		return q.abandon(slot, ErrQueueClosed)
	case <-ctx.Done():
		return q.abandon(slot, ctx.Err())
	}
}

// abandon withdraws slot. A message handed off while the waiter was leaving
// moves to the consumer that registered since, or back to the head, so it is
// delivered exactly once and ahead of anything enqueued later.
func (q *Queue) abandon(slot chan QueuedMessage, cause error) (QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == slot {
		q.pending = nil
		return QueuedMessage{}, cause
	}
	select {
	case msg := <-slot:
		if q.pending != nil {
			// a waiter only registers on an empty queue
			q.pending <- msg
			q.pending = nil
			break
		}
		q.items = append([]QueuedMessage{msg}, q.items...)
		observability.AddQueueDepth(1)
	default:
	}
	return QueuedMessage{}, cause
}

func (q *Queue) popLocked() QueuedMessage {
	msg := q.items[0]
	q.items[0] = QueuedMessage{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	observability.AddQueueDepth(-1)
	return msg
}

// Size is diagnostic only.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Waiting reports whether a consumer is registered.
func (q *Queue) Waiting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending != nil
}

// Close wakes any waiting consumer with ErrQueueClosed. Buffered messages can
// still be drained with Next.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
