package disk

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/epochsink/internal/messageset"
	"github.com/snehjoshi/epochsink/internal/node"
	"github.com/snehjoshi/epochsink/internal/queue"
	"github.com/snehjoshi/epochsink/internal/types"
)

const indexFileName = "index.db"

// ─── Config ──────────────────────────────────────────────────────────────────

// FsyncPolicy controls when appended records are flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // fsync before Offer returns (durable, slowest)
	FsyncInterval FsyncPolicy = "interval" // fsync every SyncInterval
	FsyncBatch    FsyncPolicy = "batch"    // fsync after every FsyncBatchSize offers
	FsyncNever    FsyncPolicy = "never"    // leave it to the OS (dev/test only)
)

// Config holds options that tune the disk queue.
// All zero-values are safe: DefaultConfig() fills in sensible defaults.
type Config struct {
	// Retention is how long an entry may wait before it is discarded unread.
	Retention time.Duration
	// SegmentWindow is the time span covered by one segment file.
	SegmentWindow time.Duration
	// Fsync selects the durability policy for Offer.
	Fsync          FsyncPolicy
	FsyncBatchSize int
	// SyncInterval drives the background fsync (FsyncInterval) and the
	// periodic flush of the read cursor to the index.
	SyncInterval time.Duration
	// ReapInterval is how often whole expired segments are deleted.
	ReapInterval time.Duration

	// Hostname, App and Compression stamp the envelope of every entry.
	Hostname    string
	App         string
	Compression messageset.Compression

	Logger *slog.Logger
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		Retention:      time.Hour,
		SegmentWindow:  10 * time.Minute,
		Fsync:          FsyncAlways,
		FsyncBatchSize: 64,
		SyncInterval:   time.Second,
		ReapInterval:   time.Minute,
		App:            "sink",
	}
}

// ─── Queue ───────────────────────────────────────────────────────────────────

var _ queue.Queue = (*Queue)(nil)

// Queue is the disk-overflow sink queue. Every Offer persists one
// messageset envelope to the newest segment before returning, so accepted
// messages survive a process restart until they are polled.
//
// Entries older than Retention are skipped on Poll and whole segments past
// retention are removed by the background Reaper. The read cursor is flushed
// to the index every SyncInterval and on Close; after a crash, entries read
// since the last flush are delivered again (at-least-once).
//
// All methods are safe for concurrent use.
type Queue struct {
	name string
	dir  string
	cfg  Config
	idx  *index
	log  *slog.Logger

	mu        sync.Mutex
	segments  []*segment // oldest first; segments[0] holds the cursor
	cursorOff int64
	size      int
	expired   int64
	dirty     bool // cursor moved since the last flush
	closed    bool
	released  bool

	writeCount atomic.Int64

	// notify wakes a blocked Poll; capacity 1 so Offer never blocks on it.
	notify chan struct{}

	reaper *Reaper

	syncTicker *time.Ticker
	syncDone   chan struct{}
	syncWG     sync.WaitGroup
	syncOnce   sync.Once

	closeOnce sync.Once
}

// Open creates (or reopens) the disk queue stored in dir/name. An optional
// Config can be supplied; defaults are used for any zero field.
func Open(dir, name string, cfgs ...Config) (*Queue, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		c := cfgs[0]
		if c.Retention > 0 {
			cfg.Retention = c.Retention
		}
		if c.SegmentWindow > 0 {
			cfg.SegmentWindow = c.SegmentWindow
		}
		if c.Fsync != "" {
			cfg.Fsync = c.Fsync
		}
		if c.FsyncBatchSize > 0 {
			cfg.FsyncBatchSize = c.FsyncBatchSize
		}
		if c.SyncInterval > 0 {
			cfg.SyncInterval = c.SyncInterval
		}
		if c.ReapInterval > 0 {
			cfg.ReapInterval = c.ReapInterval
		}
		if c.Hostname != "" {
			cfg.Hostname = c.Hostname
		}
		if c.App != "" {
			cfg.App = c.App
		}
		cfg.Compression = c.Compression
		cfg.Logger = c.Logger
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	qdir := filepath.Join(dir, name)
	if err := os.MkdirAll(qdir, 0o750); err != nil {
		return nil, fmt.Errorf("disk queue: create dir %s: %w", qdir, err)
	}

	idx, err := openIndex(filepath.Join(qdir, indexFileName))
	if err != nil {
		return nil, fmt.Errorf("disk queue: open index: %w", err)
	}

	q := &Queue{
		name:   name,
		dir:    qdir,
		cfg:    cfg,
		idx:    idx,
		log:    cfg.Logger.With("component", "disk_queue", "queue", name),
		notify: make(chan struct{}, 1),
	}

	if err := q.recover(); err != nil {
		q.closeSegments()
		_ = idx.close()
		return nil, fmt.Errorf("disk queue: recover %s: %w", qdir, err)
	}

	q.startSyncer()
	q.reaper = NewReaper(q, cfg.ReapInterval)
	q.reaper.Start()

	q.log.Info("disk queue opened", "dir", qdir, "segments", len(q.segments), "pending", q.size)
	return q, nil
}

// ─── Recovery ────────────────────────────────────────────────────────────────

// recover reconciles segment files with the index registry and positions the
// cursor. Segment files are the source of truth: registry records without a
// file are dropped and files without a record are registered.
func (q *Queue) recover() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), segmentExt))
	}
	sort.Strings(ids)

	registry, err := q.idx.segments()
	if err != nil {
		return err
	}
	onDisk := make(map[string]bool, len(ids))
	for _, id := range ids {
		onDisk[id] = true
	}
	for id := range registry {
		if !onDisk[id] {
			if err := q.idx.deleteSegment(id); err != nil {
				return err
			}
		}
	}

	for _, id := range ids {
		info, ok := registry[id]
		if !ok {
			ts, err := node.IDTime(id)
			if err != nil {
				q.log.Warn("ignoring segment with invalid name", "file", id+segmentExt, "err", err)
				continue
			}
			info = segmentInfo{CreatedMs: ts.UnixMilli()}
		}
		seg, err := openSegment(id, filepath.Join(q.dir, id+segmentExt), info.CreatedMs)
		if err != nil {
			return err
		}
		q.segments = append(q.segments, seg)
		if !ok || info.LastWriteMs != seg.lastWriteMs {
			if err := q.idx.putSegment(id, segmentInfo{CreatedMs: seg.createdMs, LastWriteMs: seg.lastWriteMs}); err != nil {
				return err
			}
		}
	}

	c, ok, expired, err := q.idx.loadState()
	if err != nil {
		return err
	}
	q.expired = expired
	if ok {
		// Segments older than the cursor were fully consumed before the last
		// shutdown; their deletion may not have completed.
		for len(q.segments) > 0 && q.segments[0].id < c.SegmentID {
			q.segments[0].consumed = q.segments[0].count
			if err := q.retireLocked(q.segments[0]); err != nil {
				return err
			}
		}
		if len(q.segments) > 0 && q.segments[0].id == c.SegmentID {
			n, err := q.segments[0].countBefore(c.Offset)
			if err != nil {
				return fmt.Errorf("position cursor at %s:%d: %w", c.SegmentID, c.Offset, err)
			}
			q.segments[0].consumed = n
			q.cursorOff = c.Offset
		}
	}

	for _, seg := range q.segments {
		q.size += seg.unread()
	}
	return nil
}

// ─── Queue implementation ────────────────────────────────────────────────────

// Offer persists msg to the current segment. It returns false if the queue is
// closed or the write (or its fsync, under FsyncAlways) fails.
func (q *Queue) Offer(msg types.Message) bool {
	env, err := messageset.NewBuilder(q.cfg.Hostname, q.cfg.App, q.cfg.Compression).Add(msg).Build()
	if err != nil {
		q.log.Warn("offer: build envelope", "err", err)
		return false
	}
	rec := messageset.Encode(env)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	now := time.Now()
	seg, err := q.writeSegmentLocked(now)
	if err != nil {
		q.log.Error("offer: open segment", "err", err)
		return false
	}
	if _, err := seg.append(now.UnixMilli(), rec); err != nil {
		q.log.Error("offer: append", "segment", seg.id, "err", err)
		return false
	}
	if err := q.maybeSyncAfterWrite(seg); err != nil {
		q.log.Error("offer: fsync", "segment", seg.id, "err", err)
		return false
	}

	q.size++
	q.signal()
	return true
}

// Poll removes the oldest unexpired entry, waiting up to timeout.
func (q *Queue) Poll(timeout time.Duration) (types.Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if msg, ok := q.tryPoll(); ok {
			return msg, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return types.Message{}, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// tryPoll reads the next live entry at the cursor without waiting.
func (q *Queue) tryPoll() (types.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.Message{}, false
	}
	cutoff := time.Now().Add(-q.cfg.Retention).UnixMilli()

	for len(q.segments) > 0 {
		seg := q.segments[0]
		ts, rec, next, err := seg.readAt(q.cursorOff)
		if err != nil {
			last := len(q.segments) == 1
			if errors.Is(err, errEndOfSegment) && last {
				// Caught up with the writer.
				break
			}
			if !errors.Is(err, errEndOfSegment) {
				q.log.Warn("skipping unreadable remainder of segment",
					"segment", seg.id, "offset", q.cursorOff, "lost", seg.unread(), "err", err)
			}
			if err := q.retireLocked(seg); err != nil {
				q.log.Warn("retire segment", "segment", seg.id, "err", err)
			}
			continue
		}

		q.cursorOff = next
		seg.consumed++
		q.size--
		q.dirty = true

		if ts < cutoff {
			q.expired++
			continue
		}

		msg, err := decodeEntry(rec)
		if err != nil {
			q.log.Warn("dropping undecodable entry", "segment", seg.id, "err", err)
			continue
		}
		if q.size > 0 {
			q.signal()
		}
		return msg, true
	}
	return types.Message{}, false
}

// decodeEntry unwraps the single message held by an entry envelope.
func decodeEntry(rec []byte) (types.Message, error) {
	env, err := messageset.Decode(rec)
	if err != nil {
		return types.Message{}, err
	}
	msgs, err := env.Messages()
	if err != nil {
		return types.Message{}, err
	}
	if len(msgs) != 1 {
		return types.Message{}, fmt.Errorf("disk queue: entry holds %d messages, want 1", len(msgs))
	}
	return msgs[0], nil
}

// Size returns the number of entries not yet polled, including entries that
// have expired but not yet been skipped or reaped.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// IsEmpty reports whether Size() == 0.
func (q *Queue) IsEmpty() bool { return q.Size() == 0 }

// Capacity returns 0: the disk queue is bounded by retention, not count.
func (q *Queue) Capacity() int { return 0 }

// Stats is a point-in-time snapshot of queue internals.
type Stats struct {
	Segments int
	Pending  int
	Expired  int64
}

// Stats returns a snapshot of queue internals.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Segments: len(q.segments), Pending: q.size, Expired: q.expired}
}

// Reaper returns the background retention reaper so callers can invoke
// RunOnce directly in tests.
func (q *Queue) Reaper() *Reaper { return q.reaper }

// Close flushes the cursor and releases every file handle. Entries not yet
// polled remain on disk for the next Open. Safe to call multiple times.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.reaper.Stop()
		q.stopSyncer()

		q.mu.Lock()
		q.closed = true
		err = q.releaseLocked()
		q.mu.Unlock()
		q.signal()
	})
	return err
}

// ─── segment management ──────────────────────────────────────────────────────

// writeSegmentLocked returns the segment covering now, rolling to a new one
// when the current window has elapsed.
func (q *Queue) writeSegmentLocked(now time.Time) (*segment, error) {
	if n := len(q.segments); n > 0 {
		cur := q.segments[n-1]
		if now.UnixMilli() < cur.createdMs+q.cfg.SegmentWindow.Milliseconds() {
			return cur, nil
		}
		// Sealed: persist its final registry record.
		if err := cur.sync(); err != nil {
			return nil, err
		}
		if err := q.idx.putSegment(cur.id, segmentInfo{CreatedMs: cur.createdMs, LastWriteMs: cur.lastWriteMs}); err != nil {
			return nil, err
		}
	}

	id, err := node.NewIDAt(now)
	if err != nil {
		return nil, err
	}
	seg, err := openSegment(id, filepath.Join(q.dir, id+segmentExt), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	if err := q.idx.putSegment(id, segmentInfo{CreatedMs: seg.createdMs}); err != nil {
		_ = seg.remove()
		return nil, err
	}
	q.segments = append(q.segments, seg)
	return seg, nil
}

// retireLocked deletes seg, accounting for any entries it still held. If seg
// is the cursor segment the cursor moves to the start of the next one.
func (q *Queue) retireLocked(seg *segment) error {
	pos := -1
	for i, s := range q.segments {
		if s == seg {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil
	}

	q.size -= seg.unread()
	q.segments = append(q.segments[:pos], q.segments[pos+1:]...)
	if pos == 0 {
		q.cursorOff = 0
		q.dirty = true
	}

	if err := seg.remove(); err != nil {
		return err
	}
	return q.idx.deleteSegment(seg.id)
}

// maybeSyncAfterWrite performs an fsync according to the configured policy.
func (q *Queue) maybeSyncAfterWrite(seg *segment) error {
	switch q.cfg.Fsync {
	case FsyncAlways:
		return seg.sync()
	case FsyncBatch:
		if n := q.writeCount.Add(1); n%int64(q.cfg.FsyncBatchSize) == 0 {
			return seg.sync()
		}
	}
	// FsyncInterval is handled by the background goroutine.
	// FsyncNever does nothing.
	return nil
}

// flushLocked persists the cursor and counters to the index.
func (q *Queue) flushLocked() error {
	if q.released {
		return nil
	}
	c := cursor{Offset: q.cursorOff}
	if len(q.segments) > 0 {
		c.SegmentID = q.segments[0].id
	}
	if err := q.idx.saveState(c, q.expired); err != nil {
		return fmt.Errorf("disk queue: flush cursor: %w", err)
	}
	q.dirty = false
	return nil
}

// releaseLocked flushes state and closes every file handle. Fully consumed
// segments are deleted; the rest stay on disk for the next Open.
func (q *Queue) releaseLocked() error {
	if q.released {
		return nil
	}
	var firstErr error
	for len(q.segments) > 0 && q.segments[0].unread() == 0 {
		if err := q.retireLocked(q.segments[0]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := q.flushLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	q.closeSegments()
	if err := q.idx.close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("disk queue: close index: %w", err)
	}
	q.released = true
	return firstErr
}

func (q *Queue) closeSegments() {
	for _, seg := range q.segments {
		if err := seg.close(); err != nil {
			q.log.Warn("close segment", "segment", seg.id, "err", err)
		}
	}
}

// signal wakes one waiting Poll without blocking.
func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// ─── Background sync ─────────────────────────────────────────────────────────

// startSyncer launches the goroutine that fsyncs the write segment (under
// FsyncInterval) and flushes the cursor when it has moved.
func (q *Queue) startSyncer() {
	q.syncTicker = time.NewTicker(q.cfg.SyncInterval)
	q.syncDone = make(chan struct{})
	q.syncWG.Add(1)
	go func() {
		defer q.syncWG.Done()
		for {
			select {
			case <-q.syncDone:
				return
			case <-q.syncTicker.C:
				q.syncOnceNow()
			}
		}
	}()
}

func (q *Queue) syncOnceNow() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return
	}
	if q.cfg.Fsync == FsyncInterval && len(q.segments) > 0 {
		if err := q.segments[len(q.segments)-1].sync(); err != nil {
			q.log.Warn("background fsync", "err", err)
		}
	}
	if q.dirty {
		if err := q.flushLocked(); err != nil {
			q.log.Warn("background cursor flush", "err", err)
		}
	}
}

// stopSyncer shuts down the background sync goroutine.
// Safe to call multiple times.
func (q *Queue) stopSyncer() {
	if q.syncTicker == nil {
		return
	}
	q.syncOnce.Do(func() {
		q.syncTicker.Stop()
		close(q.syncDone)
	})
	q.syncWG.Wait()
}
