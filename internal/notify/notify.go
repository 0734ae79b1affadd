// Package notify carries "file completed" events from a sink to whoever
// ships the completed files onward.
package notify

import (
	"time"
)

// Notifier is the notification collaborator. Send publishes the path of a
// completed file; Recv is the consumer side and waits up to timeout.
type Notifier interface {
	Send(path string) bool
	Recv(timeout time.Duration) (string, bool)
}

var (
	_ Notifier = (*Queue)(nil)
	_ Notifier = Noop{}
)

// Queue is a bounded in-memory Notifier. Send fails fast when the queue is
// full, so a slow reader never stalls rotation.
type Queue struct {
	ch chan string
}

// NewQueue returns a Queue holding up to capacity paths.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan string, capacity)}
}

// Send enqueues path, returning false if the queue is full.
func (q *Queue) Send(path string) bool {
	select {
	case q.ch <- path:
		return true
	default:
		return false
	}
}

// Recv returns the oldest path, or false after timeout.
func (q *Queue) Recv(timeout time.Duration) (string, bool) {
	select {
	case p := <-q.ch:
		return p, true
	default:
	}
	if timeout <= 0 {
		return "", false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-q.ch:
		return p, true
	case <-timer.C:
		return "", false
	}
}

// Len returns the number of paths waiting to be received.
func (q *Queue) Len() int { return len(q.ch) }

// Noop discards every notification.
type Noop struct{}

// Send reports success without doing anything.
func (Noop) Send(string) bool { return true }

// Recv never yields a path.
func (Noop) Recv(time.Duration) (string, bool) { return "", false }
