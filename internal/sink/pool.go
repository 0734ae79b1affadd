package sink

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/epochsink/internal/types"
)

// PoolBehavior is the destination side of a ThreadPoolQueuedSink. Deliver is
// called from worker goroutines and must be safe for concurrent use when the
// pool has more than one worker.
type PoolBehavior interface {
	BeforePolling() error
	Deliver(batch []types.Message) error
	InnerClose() error
}

// PartialError is returned by Deliver when only Failed messages of the batch
// could not be delivered. The pool counts those as dropped and the rest as
// delivered; any other error drops the whole batch.
type PartialError struct {
	Failed int
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d messages failed: %v", e.Failed, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// ThreadPoolQueuedSink is a QueuedSink whose writes are handed to a fixed pool
// of worker goroutines through a bounded job channel.
//
// Backpressure has two tiers: the sink queue bounds accepted-but-undispatched
// messages, and the job channel bounds dispatched batches. When the job
// channel is full the drain loop blocks (never the producer), which throttles
// draining to delivery throughput.
//
// Batches handed to different jobs may be delivered out of order. Callers
// needing strict ordering should use a pool size of one.
type ThreadPoolQueuedSink struct {
	*QueuedSink

	pb       PoolBehavior
	jobs     chan []types.Message
	poolSize int

	inJobs atomic.Int64 // messages in waiting or executing jobs
	wg     sync.WaitGroup
}

// NewThreadPool returns a pooled sink in the CREATED state. Worker goroutines
// start immediately and exit when the sink is closed.
func NewThreadPool(name string, pb PoolBehavior, poolSize, jobQueueSize int, opts ...Option) (*ThreadPoolQueuedSink, error) {
	if poolSize < 1 {
		return nil, fmt.Errorf("sink: thread pool %s: pool size %d must be >= 1", name, poolSize)
	}
	if jobQueueSize < 0 {
		return nil, fmt.Errorf("sink: thread pool %s: job queue size %d must be >= 0", name, jobQueueSize)
	}
	p := &ThreadPoolQueuedSink{
		pb:       pb,
		jobs:     make(chan []types.Message, jobQueueSize),
		poolSize: poolSize,
	}
	p.QueuedSink = New(name, poolAdapter{p}, opts...)
	p.QueuedSink.countDelivered = false
	p.QueuedSink.pendingFn = func() int64 { return p.queuedAndBatched() + p.inJobs.Load() }

	p.wg.Add(poolSize)
	for i := 0; i < poolSize; i++ {
		go p.worker(i)
	}
	return p, nil
}

// JobQueueSize returns the number of batches waiting for a free worker.
func (p *ThreadPoolQueuedSink) JobQueueSize() int { return len(p.jobs) }

// PoolSize returns the number of worker goroutines.
func (p *ThreadPoolQueuedSink) PoolSize() int { return p.poolSize }

func (p *ThreadPoolQueuedSink) worker(id int) {
	defer p.wg.Done()
	for batch := range p.jobs {
		n := len(batch)
		failed := 0
		if err := p.pb.Deliver(batch); err != nil {
			failed = n
			var pe *PartialError
			if errors.As(err, &pe) {
				failed = min(max(pe.Failed, 0), n)
			}
			p.log.Error("deliver failed", "worker", id, "messages", n, "failed", failed, "err", err)
		}
		if failed > 0 {
			p.metrics.MessagesFailed(p.name, failed)
			p.recordDropped(failed, "deliver failed")
		}
		if failed < n {
			p.metrics.MessagesDelivered(p.name, n-failed)
		}
		p.inJobs.Add(-int64(n))
	}
}

// poolAdapter plugs the pool into the drain engine without exporting the
// Behavior methods on ThreadPoolQueuedSink itself.
type poolAdapter struct{ p *ThreadPoolQueuedSink }

func (a poolAdapter) BeforePolling() error { return a.p.pb.BeforePolling() }

// Write submits batch as one job, blocking while the job channel is full.
func (a poolAdapter) Write(batch []types.Message) error {
	a.p.inJobs.Add(int64(len(batch)))
	a.p.inBatch.Store(0)
	a.p.jobs <- batch
	return nil
}

// InnerClose stops accepting jobs, waits for every submitted job to finish,
// then closes the destination.
func (a poolAdapter) InnerClose() error {
	close(a.p.jobs)
	a.p.wg.Wait()
	return a.p.pb.InnerClose()
}
