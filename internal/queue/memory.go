package queue

import (
	"context"
	"sync"
	"time"

	"github.com/snehjoshi/epochsink/internal/types"
)

// Memory is a fixed-capacity FIFO queue held entirely in memory.
//
// The buffered channel is the circular buffer: sends fill it, receives drain
// it, and len() is the current size. Offer never blocks.
type Memory struct {
	ch chan types.Message

	done      chan struct{}
	closeOnce sync.Once
}

// Ensure Memory satisfies the interface at compile time.
var _ Queue = (*Memory)(nil)

// NewMemory creates a Memory queue holding at most capacity messages.
// A capacity below 1 is treated as 1.
func NewMemory(capacity int) *Memory {
	q := &Memory{}
	q.init(capacity)
	return q
}

func (q *Memory) init(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	q.ch = make(chan types.Message, capacity)
	q.done = make(chan struct{})
}

// Offer inserts msg if there is room and the queue is open.
func (q *Memory) Offer(msg types.Message) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- msg:
		return true
	default:
		return false
	}
}

// Poll removes the oldest message, waiting up to timeout.
func (q *Memory) Poll(timeout time.Duration) (types.Message, bool) {
	// Fast path: avoid allocating a timer when a message is ready.
	select {
	case msg := <-q.ch:
		return msg, true
	default:
	}
	if timeout <= 0 {
		return types.Message{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-q.ch:
		return msg, true
	case <-timer.C:
		return types.Message{}, false
	}
}

// Size returns the number of buffered messages.
func (q *Memory) Size() int { return len(q.ch) }

// IsEmpty reports whether no messages are buffered.
func (q *Memory) IsEmpty() bool { return len(q.ch) == 0 }

// Capacity returns the fixed capacity.
func (q *Memory) Capacity() int { return cap(q.ch) }

// Close stops accepting new messages. The channel itself is never closed so
// that concurrent Offer calls cannot panic; buffered messages stay pollable.
// Safe to call multiple times.
func (q *Memory) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// Blocking is a Memory queue that additionally lets producers wait for room
// with Put. Use it where backpressure must propagate to the producer rather
// than turn into drops.
type Blocking struct {
	Memory
}

// Ensure Blocking satisfies the interface at compile time.
var _ Queue = (*Blocking)(nil)

// NewBlocking creates a Blocking queue holding at most capacity messages.
func NewBlocking(capacity int) *Blocking {
	q := &Blocking{}
	q.init(capacity)
	return q
}

// Put inserts msg, blocking until there is room. It returns ErrClosed if the
// queue is closed first, or ctx.Err() if ctx is done first.
func (q *Blocking) Put(ctx context.Context, msg types.Message) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
