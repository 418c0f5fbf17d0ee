package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a Queue backed by an in-memory buffered channel. Messages
// that are received but not deleted become visible again after the
// visibility timeout, like SQS.
type MemoryQueue struct {
	ch         chan Message
	visibility time.Duration

	mu       sync.Mutex
	inflight map[string]inflightMessage
}

type inflightMessage struct {
	msg       Message
	visibleAt time.Time
}

// NewMemoryQueue creates a MemoryQueue with the provided buffer capacity.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{
		ch:         make(chan Message, buffer),
		visibility: 30 * time.Second,
		inflight:   make(map[string]inflightMessage),
	}
}

// WithVisibilityTimeout sets how long a received message stays hidden.
func (q *MemoryQueue) WithVisibilityTimeout(d time.Duration) *MemoryQueue {
	if d > 0 {
		q.visibility = d
	}
	return q
}

// Send enqueues a payload or blocks until ctx is done.
func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	msg := Message{ID: uuid.NewString(), Body: body}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message is available, ctx is done, or waitSeconds elapses.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	q.requeueExpired()

	var timeout <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, nil
	case msg := <-q.ch:
		return q.collect(msg, maxMessages), nil
	}
}

// Delete acknowledges a received message.
func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	delete(q.inflight, receiptHandle)
	q.mu.Unlock()
	return nil
}

// InFlight reports received messages that were not deleted yet.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *MemoryQueue) collect(first Message, max int) []Message {
	messages := []Message{q.lease(first)}
	for len(messages) < max {
		select {
		case msg := <-q.ch:
			messages = append(messages, q.lease(msg))
		default:
			return messages
		}
	}
	return messages
}

func (q *MemoryQueue) lease(msg Message) Message {
	msg.ReceiptHandle = uuid.NewString()
	q.mu.Lock()
	q.inflight[msg.ReceiptHandle] = inflightMessage{msg: msg, visibleAt: time.Now().Add(q.visibility)}
	q.mu.Unlock()
	return msg
}

func (q *MemoryQueue) requeueExpired() {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for handle, m := range q.inflight {
		if now.Before(m.visibleAt) {
			continue
		}
		select {
		case q.ch <- m.msg:
			delete(q.inflight, handle)
		default:
			return
		}
	}
}
