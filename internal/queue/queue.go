// Package queue defines the bounded buffer that feeds a queued sink and its
// in-memory implementations.
//
// Variants:
//   - Memory: fixed-capacity buffer; Offer fails fast when full.
//   - Blocking: same storage, plus Put which stalls the producer instead of
//     dropping.
//   - disk.Queue (package queue/disk): durable, time-segmented log with
//     age-based retention instead of a count bound.
//
// All variants deliver in FIFO order. The memory variants keep already-queued
// messages pollable after Close; the disk queue leaves them on disk for the
// next Open. A sink therefore drains its queue before closing it.
package queue

import (
	"errors"
	"time"

	"github.com/snehjoshi/epochsink/internal/types"
)

// ErrClosed is returned by blocking inserts once the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// Queue is the bounded buffer contract every sink queue implements.
//
// All methods must be safe for concurrent use.
type Queue interface {
	// Offer inserts msg without blocking. It returns false if the message was
	// rejected because the queue is full or closed.
	Offer(msg types.Message) bool

	// Poll removes and returns the oldest message, waiting up to timeout for
	// one to arrive. It returns false on timeout, leaving the queue untouched.
	Poll(timeout time.Duration) (types.Message, bool)

	// Size returns the number of queued messages. Best-effort under
	// concurrency.
	Size() int

	// IsEmpty reports whether Size() == 0.
	IsEmpty() bool

	// Capacity returns the count bound, or 0 when the queue is bounded by
	// something other than element count.
	Capacity() int

	// Close stops accepting new messages.
	Close() error
}
