package disk

import (
	"context"
	"sync"
	"time"
)

// Reaper deletes whole segments whose newest entry is past retention.
//
// Entries are never rewritten: expiry inside the cursor segment is handled by
// Poll skipping stale records, so the reaper only has to unlink files. It
// holds the queue mutex while it works, which is brief because it touches
// only the segment registry and file names.
type Reaper struct {
	q        *Queue
	interval time.Duration

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// NewReaper creates a Reaper that will run RunOnce every interval.
func NewReaper(q *Queue, interval time.Duration) *Reaper {
	return &Reaper{
		q:        q,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background reaping goroutine.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.interval/2)
				_, _ = r.RunOnce(ctx) // errors logged, not fatal
				cancel()
			}
		}
	}()
}

// Stop signals the background goroutine to exit and waits for it to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// RunOnce removes every expired segment and returns how many unread entries
// were discarded with them. The write segment is only removed once its own
// newest entry has expired, at which point the next Offer opens a fresh one.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.released {
		return 0, nil
	}
	cutoff := time.Now().Add(-q.cfg.Retention).UnixMilli()

	var (
		dropped  int
		segments int
		firstErr error
	)
	for _, seg := range append([]*segment(nil), q.segments...) {
		if err := ctx.Err(); err != nil {
			return dropped, err
		}
		newest := seg.lastWriteMs
		if seg.createdMs > newest {
			newest = seg.createdMs
		}
		if newest >= cutoff {
			// Later segments are newer still.
			break
		}
		lost := seg.unread()
		if err := q.retireLocked(seg); err != nil {
			q.log.Warn("reaper: remove segment", "segment", seg.id, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		dropped += lost
		segments++
		q.expired += int64(lost)
	}

	if segments > 0 {
		q.log.Info("reaper: removed expired segments", "segments", segments, "entries", dropped)
		if err := q.flushLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return dropped, firstErr
}
