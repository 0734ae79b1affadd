// Package sink implements the queued-sink drain engine: a bounded queue in
// front of a single goroutine that batches messages and hands each batch to a
// pluggable Behavior, plus a worker-pool variant for slow deliveries.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/epochsink/internal/metrics"
	"github.com/snehjoshi/epochsink/internal/queue"
	"github.com/snehjoshi/epochsink/internal/types"
)

var (
	// ErrInvalidState is returned when an operation is called in a lifecycle
	// state that does not allow it (e.g. Enqueue before Initialize).
	ErrInvalidState = errors.New("sink: invalid state")

	// ErrNotReady may be returned (wrapped) by Behavior.BeforePolling to pause
	// the drain loop without polling the queue.
	ErrNotReady = errors.New("sink: not ready")

	// ErrRetry may be returned (wrapped) by Behavior.Write to keep the batch
	// and offer it to Write again on the next iteration. Any other Write error
	// drops the batch.
	ErrRetry = errors.New("sink: retry batch")
)

// Behavior is the part of a sink that differs between destinations.
type Behavior interface {
	// BeforePolling runs at the top of every drain iteration.
	BeforePolling() error
	// Write delivers one batch. The batch is owned by Write from here on.
	Write(batch []types.Message) error
	// InnerClose releases destination resources once the queue is drained.
	InnerClose() error
}

// ─── Options ─────────────────────────────────────────────────────────────────

type options struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	pause       time.Duration
	dropLimiter *rate.Limiter
}

// Option configures a QueuedSink.
type Option func(*options)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics sets the metrics collaborator.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithPauseInterval sets how long the loop backs off after ErrNotReady or
// ErrRetry. Default 100ms.
func WithPauseInterval(d time.Duration) Option { return func(o *options) { o.pause = d } }

// WithDropLogRate limits "message dropped" warnings to r per second with the
// given burst. Default one per second.
func WithDropLogRate(r rate.Limit, burst int) Option {
	return func(o *options) { o.dropLimiter = rate.NewLimiter(r, burst) }
}

// ─── QueuedSink ──────────────────────────────────────────────────────────────

// QueuedSink is the generic drain engine. Producers call Enqueue, which never
// blocks; a single background goroutine polls the queue, accumulates batches
// of up to batchSize messages (or whatever arrived within batchTimeout) and
// hands them to Behavior.Write.
//
// Lifecycle: New → Initialize → Start → Close. Close drains the queue to empty
// before calling Behavior.InnerClose, so every accepted message is written or
// counted as dropped.
type QueuedSink struct {
	name     string
	behavior Behavior
	log      *slog.Logger
	metrics  *metrics.Metrics
	pause    time.Duration
	dropLog  *rate.Limiter

	mu           sync.Mutex // serialises lifecycle transitions
	state        atomic.Int32
	queue        queue.Queue
	batchSize    int
	batchTimeout time.Duration

	// Held shared by Enqueue and exclusively while leaving the accepting
	// states.
	enqMu sync.RWMutex

	dropped atomic.Int64
	inBatch atomic.Int64

	// Set by ThreadPoolQueuedSink, which accounts deliveries and pending
	// messages itself.
	countDelivered bool
	pendingFn      func() int64

	stop     chan struct{} // closed when Close begins
	abort    chan struct{} // closed when a Shutdown deadline expires
	done     chan struct{} // closed when the drain loop exits
	closed   chan struct{} // closed when the sink reaches CLOSED
	closeErr error
}

// New returns a sink in the CREATED state.
func New(name string, behavior Behavior, opts ...Option) *QueuedSink {
	o := options{pause: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.dropLimiter == nil {
		o.dropLimiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	s := &QueuedSink{
		name:           name,
		behavior:       behavior,
		log:            o.logger.With("component", "sink", "sink", name),
		metrics:        o.metrics,
		pause:          o.pause,
		dropLog:        o.dropLimiter,
		countDelivered: true,
		stop:           make(chan struct{}),
		abort:          make(chan struct{}),
		done:           make(chan struct{}),
		closed:         make(chan struct{}),
	}
	s.state.Store(int32(types.StateCreated))
	return s
}

// Name returns the sink name.
func (s *QueuedSink) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *QueuedSink) State() types.State { return types.State(s.state.Load()) }

// transitionLocked moves to `to`, enforcing ValidTransition. Caller holds mu.
func (s *QueuedSink) transitionLocked(to types.State) error {
	from := s.State()
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidState, from, to)
	}
	s.state.Store(int32(to))
	return nil
}

// Initialize binds the queue and batching policy.
func (s *QueuedSink) Initialize(q queue.Queue, batchSize int, batchTimeout time.Duration) error {
	if q == nil {
		return errors.New("sink: initialize: nil queue")
	}
	if batchSize < 1 {
		return fmt.Errorf("sink: initialize: batch size %d must be >= 1", batchSize)
	}
	if batchTimeout <= 0 {
		return fmt.Errorf("sink: initialize: batch timeout %s must be positive", batchTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if from := s.State(); !ValidTransition(from, types.StateInitialized) {
		return fmt.Errorf("sink %s: initialize: %w: %s → %s", s.name, ErrInvalidState, from, types.StateInitialized)
	}
	// The state store publishes these fields to Enqueue and the metric
	// readers, so it must come last.
	s.queue = q
	s.batchSize = batchSize
	s.batchTimeout = batchTimeout
	return s.transitionLocked(types.StateInitialized)
}

// Start launches the drain goroutine. Calling Start on a running sink is a
// no-op.
func (s *QueuedSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == types.StateRunning {
		return nil
	}
	if err := s.transitionLocked(types.StateRunning); err != nil {
		return fmt.Errorf("sink %s: start: %w", s.name, err)
	}
	go s.run()
	s.log.Info("sink started", "batch_size", s.batchSize, "batch_timeout", s.batchTimeout)
	return nil
}

// Enqueue offers msg to the queue without blocking. A rejected message is
// counted as dropped; the returned error reports only lifecycle misuse.
// Enqueue and the start of Close are mutually exclusive, so a message accepted
// here is always seen by the final drain.
func (s *QueuedSink) Enqueue(msg types.Message) error {
	s.enqMu.RLock()
	defer s.enqMu.RUnlock()
	switch st := s.State(); st {
	case types.StateInitialized, types.StateRunning:
	default:
		return fmt.Errorf("sink %s: enqueue in state %s: %w", s.name, st, ErrInvalidState)
	}
	if !s.queue.Offer(msg) {
		s.recordDropped(1, "queue full")
	}
	return nil
}

// DroppedMessages returns the number of messages rejected by the queue or lost
// to a failed write.
func (s *QueuedSink) DroppedMessages() int64 { return s.dropped.Load() }

// NumOfPendingMessages returns the messages accepted but not yet written:
// those in the queue plus the batch held by the drain loop.
func (s *QueuedSink) NumOfPendingMessages() int64 {
	if s.pendingFn != nil {
		return s.pendingFn()
	}
	return s.queuedAndBatched()
}

func (s *QueuedSink) queuedAndBatched() int64 {
	var n int64
	if s.State() != types.StateCreated {
		n = int64(s.queue.Size())
	}
	return n + s.inBatch.Load()
}

// Close drains the queue, calls Behavior.InnerClose, closes the queue and
// blocks until all of that is done.
func (s *QueuedSink) Close() error {
	return s.Shutdown(context.Background())
}

// Shutdown is Close with a deadline. If ctx expires while the loop cannot make
// progress (e.g. the destination keeps refusing writes), the loop is stopped
// after its in-flight Write returns, the held batch is counted as dropped,
// undrained messages stay in the queue, and ctx.Err() is returned alongside
// any teardown error.
func (s *QueuedSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	switch s.State() {
	case types.StateClosing, types.StateClosed:
		s.mu.Unlock()
		<-s.closed
		return s.closeErr
	case types.StateCreated:
		s.enqMu.Lock()
		_ = s.transitionLocked(types.StateClosed)
		s.enqMu.Unlock()
		s.closeErr = s.behavior.InnerClose()
		close(s.closed)
		s.mu.Unlock()
		return s.closeErr
	case types.StateInitialized:
		// Never started: run the loop just to drain.
		go s.run()
	}
	// Wait out in-flight Enqueue calls; none can start once CLOSING is set.
	s.enqMu.Lock()
	_ = s.transitionLocked(types.StateClosing)
	s.enqMu.Unlock()
	close(s.stop)
	s.mu.Unlock()

	s.log.Info("sink closing", "pending", s.NumOfPendingMessages())

	var ctxErr error
	select {
	case <-s.done:
	case <-ctx.Done():
		ctxErr = ctx.Err()
		close(s.abort)
		<-s.done
		s.log.Warn("sink shutdown deadline exceeded", "undrained", s.queue.Size())
	}

	innerErr := s.behavior.InnerClose()
	if innerErr != nil {
		innerErr = fmt.Errorf("sink %s: inner close: %w", s.name, innerErr)
	}
	queueErr := s.queue.Close()
	if queueErr != nil {
		queueErr = fmt.Errorf("sink %s: close queue: %w", s.name, queueErr)
	}

	s.mu.Lock()
	_ = s.transitionLocked(types.StateClosed)
	s.closeErr = errors.Join(ctxErr, innerErr, queueErr)
	close(s.closed)
	s.mu.Unlock()

	s.log.Info("sink closed", "dropped", s.DroppedMessages())
	return s.closeErr
}

// ─── drain loop ──────────────────────────────────────────────────────────────

func (s *QueuedSink) run() {
	defer close(s.done)

	batch := s.newBatch()
	for {
		if s.aborted() {
			if len(batch) > 0 {
				s.recordDropped(len(batch), "shutdown deadline")
				s.inBatch.Store(0)
			}
			return
		}
		closing := s.stopping()
		if closing && len(batch) == 0 && s.queue.IsEmpty() {
			return
		}

		if err := s.behavior.BeforePolling(); err != nil {
			if errors.Is(err, ErrNotReady) {
				s.sleep(s.pause)
				continue
			}
			s.log.Warn("before polling", "err", err)
		}

		batch = s.fill(batch, closing)
		if len(batch) == 0 {
			continue
		}
		batch = s.write(batch)
		s.metrics.SetPending(s.name, s.NumOfPendingMessages())
	}
}

// fill polls until the batch is full or batchTimeout has elapsed. While
// closing it stops as soon as the queue is empty.
func (s *QueuedSink) fill(batch []types.Message, closing bool) []types.Message {
	deadline := time.Now().Add(s.batchTimeout)
	for len(batch) < s.batchSize {
		if closing && s.queue.IsEmpty() {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		msg, ok := s.queue.Poll(remaining)
		if !ok {
			break
		}
		batch = append(batch, msg)
		s.inBatch.Store(int64(len(batch)))
	}
	return batch
}

// write hands batch to the behavior and returns the batch to keep filling:
// the same one on ErrRetry, a fresh one otherwise.
func (s *QueuedSink) write(batch []types.Message) []types.Message {
	n := len(batch)
	err := s.behavior.Write(batch)
	switch {
	case err == nil:
		if s.countDelivered {
			s.metrics.MessagesDelivered(s.name, n)
		}
	case errors.Is(err, ErrRetry):
		s.log.Debug("write deferred, keeping batch", "messages", n, "err", err)
		s.sleep(s.pause)
		return batch
	default:
		s.log.Error("write failed, batch dropped", "messages", n, "err", err)
		s.metrics.MessagesFailed(s.name, n)
		s.recordDropped(n, "write failed")
	}
	s.inBatch.Store(0)
	return s.newBatch()
}

func (s *QueuedSink) newBatch() []types.Message {
	return make([]types.Message, 0, s.batchSize)
}

// recordDropped counts n lost messages and emits a rate-limited warning.
func (s *QueuedSink) recordDropped(n int, reason string) {
	total := s.dropped.Add(int64(n))
	s.metrics.MessagesDropped(s.name, n)
	if s.dropLog.Allow() {
		s.log.Warn("messages dropped", "reason", reason, "count", n, "dropped_total", total)
	}
}

func (s *QueuedSink) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *QueuedSink) aborted() bool {
	select {
	case <-s.abort:
		return true
	default:
		return false
	}
}

// sleep waits for d or until a shutdown deadline expires.
func (s *QueuedSink) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.abort:
	}
}
