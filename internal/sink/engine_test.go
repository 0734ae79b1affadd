package sink_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/epochsink/internal/queue"
	"github.com/snehjoshi/epochsink/internal/queue/disk"
	"github.com/snehjoshi/epochsink/internal/sink"
	"github.com/snehjoshi/epochsink/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// recorder is a Behavior that keeps every batch it is given.
type recorder struct {
	mu      sync.Mutex
	batches [][]types.Message
	calls   int

	// writeErr, when set, decides the result of the n-th Write (0-based).
	writeErr func(call int) error
	notReady atomic.Bool
	closed   atomic.Bool
}

func (r *recorder) BeforePolling() error {
	if r.notReady.Load() {
		return fmt.Errorf("destination paused: %w", sink.ErrNotReady)
	}
	return nil
}

func (r *recorder) Write(batch []types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	call := r.calls
	r.calls++
	if r.writeErr != nil {
		if err := r.writeErr(call); err != nil {
			return err
		}
	}
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recorder) InnerClose() error {
	r.closed.Store(true)
	return nil
}

func (r *recorder) received() []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Message
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func (r *recorder) writeCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func msg(i int) types.Message {
	return types.NewMessage("routingKey", []byte(fmt.Sprintf("message%d", i)))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startSink(t *testing.T, b sink.Behavior, q queue.Queue, batchSize int, timeout time.Duration) *sink.QueuedSink {
	t.Helper()
	s := sink.New("test", b, sink.WithPauseInterval(5*time.Millisecond))
	if err := s.Initialize(q, batchSize, timeout); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func assertExactlyOnce(t *testing.T, got []types.Message, n int) {
	t.Helper()
	if len(got) != n {
		t.Fatalf("received %d messages, want %d", len(got), n)
	}
	seen := make(map[string]bool, n)
	for _, m := range got {
		p := string(m.Payload)
		if seen[p] {
			t.Fatalf("duplicate delivery of %s", p)
		}
		seen[p] = true
	}
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

func TestQueuedSink_OperationsBeforeInitializeFail(t *testing.T) {
	s := sink.New("test", &recorder{})
	if s.State() != types.StateCreated {
		t.Fatalf("State = %s, want created", s.State())
	}
	if err := s.Enqueue(msg(0)); !errors.Is(err, sink.ErrInvalidState) {
		t.Fatalf("Enqueue before Initialize: err = %v, want ErrInvalidState", err)
	}
	if err := s.Start(); !errors.Is(err, sink.ErrInvalidState) {
		t.Fatalf("Start before Initialize: err = %v, want ErrInvalidState", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close of unused sink: %v", err)
	}
	if s.State() != types.StateClosed {
		t.Fatalf("State = %s, want closed", s.State())
	}
}

func TestQueuedSink_InitializeValidates(t *testing.T) {
	s := sink.New("test", &recorder{})
	if err := s.Initialize(nil, 1, time.Second); err == nil {
		t.Error("expected error for nil queue")
	}
	if err := s.Initialize(queue.NewMemory(1), 0, time.Second); err == nil {
		t.Error("expected error for zero batch size")
	}
	if err := s.Initialize(queue.NewMemory(1), 1, 0); err == nil {
		t.Error("expected error for zero batch timeout")
	}
	if err := s.Initialize(queue.NewMemory(1), 1, time.Second); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Initialize(queue.NewMemory(1), 1, time.Second); !errors.Is(err, sink.ErrInvalidState) {
		t.Fatalf("second Initialize: err = %v, want ErrInvalidState", err)
	}
}

func TestQueuedSink_StartIsIdempotent(t *testing.T) {
	s := startSink(t, &recorder{}, queue.NewMemory(10), 10, 10*time.Millisecond)
	if err := s.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if s.State() != types.StateRunning {
		t.Fatalf("State = %s, want running", s.State())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Enqueue(msg(0)); !errors.Is(err, sink.ErrInvalidState) {
		t.Fatalf("Enqueue after Close: err = %v, want ErrInvalidState", err)
	}
}

func TestQueuedSink_InitializeRacingReaders(t *testing.T) {
	s := sink.New("test", &recorder{})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = s.Enqueue(msg(0))
			_ = s.NumOfPendingMessages()
		}
	}()

	if err := s.Initialize(queue.NewMemory(1000), 10, 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.NumOfPendingMessages() > 0 })
	close(stop)
	<-done
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to types.State
		want     bool
	}{
		{types.StateCreated, types.StateInitialized, true},
		{types.StateCreated, types.StateRunning, false},
		{types.StateInitialized, types.StateRunning, true},
		{types.StateInitialized, types.StateClosing, true},
		{types.StateRunning, types.StateClosing, true},
		{types.StateRunning, types.StateInitialized, false},
		{types.StateClosing, types.StateClosed, true},
		{types.StateClosed, types.StateRunning, false},
	}
	for _, c := range cases {
		if got := sink.ValidTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

// ─── draining ────────────────────────────────────────────────────────────────

func TestQueuedSink_DrainOnce_DiskQueue(t *testing.T) {
	cfg := disk.DefaultConfig()
	cfg.Fsync = disk.FsyncNever
	q, err := disk.Open(t.TempDir(), "drain", cfg)
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}

	r := &recorder{}
	s := startSink(t, r, q, 100, time.Second)
	for i := 0; i < 1000; i++ {
		if err := s.Enqueue(msg(i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	assertExactlyOnce(t, r.received(), 1000)
	if s.NumOfPendingMessages() != 0 {
		t.Fatalf("pending = %d, want 0", s.NumOfPendingMessages())
	}
	if s.DroppedMessages() != 0 {
		t.Fatalf("dropped = %d, want 0", s.DroppedMessages())
	}
	if !r.closed.Load() {
		t.Fatal("InnerClose was not called")
	}
}

func TestQueuedSink_DrainOnce_ConcurrentProducers(t *testing.T) {
	r := &recorder{}
	s := startSink(t, r, queue.NewMemory(10000), 50, 20*time.Millisecond)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = s.Enqueue(msg(p*500 + i))
			}
		}(p)
	}
	wg.Wait()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	assertExactlyOnce(t, r.received(), 2000)
}

// Producers still running when Close begins must never strand a message: every
// accepted Enqueue ends up written or counted as dropped.
func TestQueuedSink_EnqueueRacingCloseLosesNothing(t *testing.T) {
	for run := 0; run < 30; run++ {
		r := &recorder{}
		s := startSink(t, r, queue.NewMemory(100000), 100, 5*time.Millisecond)

		var accepted atomic.Int64
		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; ; i++ {
					if err := s.Enqueue(msg(p*1_000_000 + i)); err != nil {
						return
					}
					accepted.Add(1)
				}
			}(p)
		}
		waitFor(t, 2*time.Second, func() bool { return accepted.Load() > 1000 })
		if err := s.Close(); err != nil {
			t.Fatalf("run %d: Close: %v", run, err)
		}
		wg.Wait()

		delivered := int64(len(r.received()))
		if got, want := delivered+s.DroppedMessages(), accepted.Load(); got != want {
			t.Fatalf("run %d: delivered %d + dropped %d = %d, want %d accepted",
				run, delivered, s.DroppedMessages(), got, want)
		}
	}
}

func TestQueuedSink_PreservesFIFOWithinQueue(t *testing.T) {
	r := &recorder{}
	s := startSink(t, r, queue.NewMemory(1000), 7, 10*time.Millisecond)
	for i := 0; i < 100; i++ {
		_ = s.Enqueue(msg(i))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := r.received()
	for i, m := range got {
		if string(m.Payload) != fmt.Sprintf("message%d", i) {
			t.Fatalf("message %d = %s, out of order", i, m.Payload)
		}
	}
}

func TestQueuedSink_FlushesPartialBatchOnTimeout(t *testing.T) {
	r := &recorder{}
	s := startSink(t, r, queue.NewMemory(100), 100, 30*time.Millisecond)
	defer s.Close()

	for i := 0; i < 5; i++ {
		_ = s.Enqueue(msg(i))
	}
	waitFor(t, 2*time.Second, func() bool { return len(r.received()) == 5 })
}

func TestQueuedSink_BatchesAreNotReused(t *testing.T) {
	r := &recorder{}
	s := startSink(t, r, queue.NewMemory(100), 2, 10*time.Millisecond)
	for i := 0; i < 10; i++ {
		_ = s.Enqueue(msg(i))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Every retained batch must still hold what it held when written.
	for i, m := range r.received() {
		if string(m.Payload) != fmt.Sprintf("message%d", i) {
			t.Fatalf("retained message %d = %s, batch slice was reused", i, m.Payload)
		}
	}
}

func TestQueuedSink_CloseBeforeStartDrains(t *testing.T) {
	r := &recorder{}
	s := sink.New("test", r)
	if err := s.Initialize(queue.NewMemory(100), 10, 10*time.Millisecond); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	for i := 0; i < 25; i++ {
		_ = s.Enqueue(msg(i))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	assertExactlyOnce(t, r.received(), 25)
}

// ─── failures ────────────────────────────────────────────────────────────────

func TestQueuedSink_DroppedMessagesCount(t *testing.T) {
	r := &recorder{writeErr: func(int) error { return errors.New("destination down") }}
	s := startSink(t, r, queue.NewMemory(200), 100, time.Second)

	for i := 0; i < 1000; i++ {
		_ = s.Enqueue(msg(i))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := s.DroppedMessages(); got != 1000 {
		t.Fatalf("dropped = %d, want 1000", got)
	}
	if len(r.received()) != 0 {
		t.Fatalf("received %d messages from a failing destination", len(r.received()))
	}
}

func TestQueuedSink_WriteFailureDoesNotStopLoop(t *testing.T) {
	r := &recorder{writeErr: func(call int) error {
		if call == 0 {
			return errors.New("transient")
		}
		return nil
	}}
	s := startSink(t, r, queue.NewMemory(100), 5, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		_ = s.Enqueue(msg(i))
	}
	waitFor(t, 2*time.Second, func() bool { return r.writeCalls() >= 1 })
	for i := 5; i < 10; i++ {
		_ = s.Enqueue(msg(i))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := s.DroppedMessages(); got != 5 {
		t.Fatalf("dropped = %d, want 5", got)
	}
	assertExactlyOnce(t, r.received(), 5)
}

func TestQueuedSink_RetryKeepsBatch(t *testing.T) {
	r := &recorder{writeErr: func(call int) error {
		if call < 3 {
			return fmt.Errorf("disk full: %w", sink.ErrRetry)
		}
		return nil
	}}
	s := startSink(t, r, queue.NewMemory(100), 10, 10*time.Millisecond)
	for i := 0; i < 10; i++ {
		_ = s.Enqueue(msg(i))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.DroppedMessages() != 0 {
		t.Fatalf("dropped = %d, want 0", s.DroppedMessages())
	}
	assertExactlyOnce(t, r.received(), 10)
}

func TestQueuedSink_NotReadyPausesPolling(t *testing.T) {
	r := &recorder{}
	r.notReady.Store(true)
	s := startSink(t, r, queue.NewMemory(100), 10, 10*time.Millisecond)

	for i := 0; i < 10; i++ {
		_ = s.Enqueue(msg(i))
	}
	time.Sleep(50 * time.Millisecond)
	if r.writeCalls() != 0 {
		t.Fatal("Write called while not ready")
	}
	if got := s.NumOfPendingMessages(); got != 10 {
		t.Fatalf("pending = %d, want 10", got)
	}

	r.notReady.Store(false)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	assertExactlyOnce(t, r.received(), 10)
}

func TestQueuedSink_ShutdownDeadline(t *testing.T) {
	r := &recorder{writeErr: func(int) error { return sink.ErrRetry }}
	s := startSink(t, r, queue.NewMemory(100), 5, 10*time.Millisecond)
	for i := 0; i < 20; i++ {
		_ = s.Enqueue(msg(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown err = %v, want DeadlineExceeded", err)
	}
	if s.State() != types.StateClosed {
		t.Fatalf("State = %s, want closed", s.State())
	}
	if !r.closed.Load() {
		t.Fatal("InnerClose was not called")
	}
	if s.DroppedMessages() != 5 {
		t.Fatalf("dropped = %d, want the 5 messages of the held batch", s.DroppedMessages())
	}
}
