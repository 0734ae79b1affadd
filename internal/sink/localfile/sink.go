// Package localfile implements the local file sink: a queued sink that
// appends batches to an in-progress file and rotates it into a completed
// file by size or age, pausing while the disk is low on space.
//
// # File naming
//
//	<host>.<ulid>.suro        in progress, still being appended to
//	<host>.<ulid>.done        complete; safe to ship
//	<host>.<ulid>.done.crc    CRC32 (IEEE, decimal) of the .done file
//
// The sidecar is written before the rename, so a reader that sees a .done
// file can rely on its checksum being present.
package localfile

import (
	"bufio"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/epochsink/internal/health"
	"github.com/snehjoshi/epochsink/internal/messageset"
	"github.com/snehjoshi/epochsink/internal/metrics"
	"github.com/snehjoshi/epochsink/internal/node"
	"github.com/snehjoshi/epochsink/internal/notify"
	"github.com/snehjoshi/epochsink/internal/queue"
	"github.com/snehjoshi/epochsink/internal/sink"
	"github.com/snehjoshi/epochsink/internal/types"
)

// File suffixes.
const (
	InProgressSuffix = ".suro"
	DoneSuffix       = ".done"
	CRCSuffix        = ".crc"
)

// Config holds the options of a local file sink.
// All zero-values are safe: DefaultConfig() fills in sensible defaults.
type Config struct {
	Name      string
	OutputDir string

	// Writer is "text" (default) or "messageset".
	Writer      string
	App         string
	Compression messageset.Compression

	MaxFileSize        int64
	RotationPeriod     time.Duration
	MinPercentFreeDisk float64
	SpaceCheckInterval time.Duration

	BatchSize    int
	BatchTimeout time.Duration
	// QueueCapacity sizes the memory queue created when Deps.Queue is nil.
	QueueCapacity int
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		Name:               "localfile",
		Writer:             WriterText,
		App:                "sink",
		MaxFileSize:        200 * 1024 * 1024,
		RotationPeriod:     2 * time.Minute,
		MinPercentFreeDisk: 15,
		SpaceCheckInterval: 10 * time.Second,
		BatchSize:          1000,
		BatchTimeout:       time.Second,
		QueueCapacity:      10000,
	}
}

// withDefaults fills every zero field of c from DefaultConfig. A zero
// MinPercentFreeDisk therefore means 15%, never "gating off".
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Writer == "" {
		c.Writer = d.Writer
	}
	if c.App == "" {
		c.App = d.App
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = d.MaxFileSize
	}
	if c.RotationPeriod <= 0 {
		c.RotationPeriod = d.RotationPeriod
	}
	if c.MinPercentFreeDisk <= 0 {
		c.MinPercentFreeDisk = d.MinPercentFreeDisk
	}
	if c.SpaceCheckInterval <= 0 {
		c.SpaceCheckInterval = d.SpaceCheckInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	return c
}

// Deps are the collaborators of a sink. Every field is optional.
type Deps struct {
	Queue        queue.Queue
	SpaceChecker SpaceChecker
	Health       health.Reporter
	Notifier     notify.Notifier
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Hostname     string
}

// Sink is the local file sink.
type Sink struct {
	*sink.QueuedSink

	cfg     Config
	queue   queue.Queue
	space   SpaceChecker
	health  health.Reporter
	notify  notify.Notifier
	metrics *metrics.Metrics
	log     *slog.Logger
	host    string
	writer  Writer

	status atomic.Int32 // types.Status

	// Rotation state.
	mu           sync.Mutex
	file         *os.File
	bw           *bufio.Writer
	crc          hash.Hash32
	path         string
	bytesWritten int64
	lastRotation time.Time

	writtenMessages atomic.Int64
	writtenBytes    atomic.Int64

	stopCheck chan struct{}
	checkWG   sync.WaitGroup
}

var _ sink.Behavior = behavior{}

// New builds a sink; call Open to start it.
func New(cfg Config, deps Deps) (*Sink, error) {
	cfg = cfg.withDefaults()
	if cfg.OutputDir == "" {
		return nil, errors.New("localfile: output dir is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Hostname == "" {
		n, err := node.New("auto")
		if err != nil {
			return nil, fmt.Errorf("localfile: %w", err)
		}
		deps.Hostname = n.Hostname()
	}
	if deps.Queue == nil {
		deps.Queue = queue.NewMemory(cfg.QueueCapacity)
	}
	if deps.SpaceChecker == nil {
		deps.SpaceChecker = NewStatfsChecker(cfg.OutputDir, cfg.MinPercentFreeDisk, deps.Logger)
	}
	if deps.Health == nil {
		deps.Health = health.NewRegistry()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}

	w, err := NewWriter(cfg.Writer, deps.Hostname, cfg.App, cfg.Compression)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		cfg:       cfg,
		queue:     deps.Queue,
		space:     deps.SpaceChecker,
		health:    deps.Health,
		notify:    deps.Notifier,
		metrics:   deps.Metrics,
		log:       deps.Logger.With("component", "localfile", "sink", cfg.Name),
		host:      deps.Hostname,
		writer:    w,
		stopCheck: make(chan struct{}),
	}
	s.status.Store(int32(types.StatusAlive))
	s.QueuedSink = sink.New(cfg.Name, behavior{s},
		sink.WithLogger(deps.Logger),
		sink.WithMetrics(deps.Metrics),
	)
	return s, nil
}

// Open creates the output directory and the first file, runs an initial
// space check, and starts the space checker and the drain loop.
func (s *Sink) Open() error {
	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("localfile: create output dir %s: %w", s.cfg.OutputDir, err)
	}

	s.mu.Lock()
	err := s.openFileLocked(time.Now())
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.checkSpace()
	s.checkWG.Add(1)
	go s.spaceLoop()

	if err := s.Initialize(s.queue, s.cfg.BatchSize, s.cfg.BatchTimeout); err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	s.log.Info("local file sink opened", "dir", s.cfg.OutputDir, "writer", s.cfg.Writer,
		"max_file_size", s.cfg.MaxFileSize, "rotation_period", s.cfg.RotationPeriod)
	return nil
}

// WriteTo enqueues msg without blocking.
func (s *Sink) WriteTo(msg types.Message) error { return s.Enqueue(msg) }

// RecvNotify returns the next completed file announced by this sink, waiting
// up to timeout.
func (s *Sink) RecvNotify(timeout time.Duration) (string, bool) {
	return s.notify.Recv(timeout)
}

// Status returns the current health of the sink.
func (s *Sink) Status() types.Status { return types.Status(s.status.Load()) }

// Stat returns a one-line summary for operators.
func (s *Sink) Stat() string {
	return fmt.Sprintf("%s: written %d messages (%d bytes), dropped %d, pending %d, status %s",
		s.cfg.Name, s.writtenMessages.Load(), s.writtenBytes.Load(),
		s.DroppedMessages(), s.NumOfPendingMessages(), s.Status())
}

// ─── space gating ────────────────────────────────────────────────────────────

func (s *Sink) spaceLoop() {
	defer s.checkWG.Done()
	ticker := time.NewTicker(s.cfg.SpaceCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCheck:
			return
		case <-ticker.C:
			s.checkSpace()
		}
	}
}

// checkSpace publishes ALIVE or WARNING according to the space checker.
func (s *Sink) checkSpace() {
	next := types.StatusAlive
	if !s.space.HasEnoughSpace() {
		next = types.StatusWarning
	}
	prev := types.Status(s.status.Swap(int32(next)))
	if prev != next {
		if next == types.StatusWarning {
			s.log.Warn("low disk space, writes paused", "dir", s.cfg.OutputDir,
				"min_percent_free", s.cfg.MinPercentFreeDisk)
		} else {
			s.log.Info("disk space recovered, writes resumed", "dir", s.cfg.OutputDir)
		}
	}
	s.health.SetStatus(s.cfg.Name, next)
	s.metrics.SetHealth(s.cfg.Name, next)
}

// ─── Behavior ────────────────────────────────────────────────────────────────

// behavior plugs the file logic into the drain engine.
type behavior struct{ s *Sink }

func (b behavior) BeforePolling() error {
	s := b.s
	if s.Status() == types.StatusWarning {
		return fmt.Errorf("localfile: low disk space: %w", sink.ErrNotReady)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil && time.Since(s.lastRotation) >= s.cfg.RotationPeriod {
		return s.rotateLocked(true)
	}
	return nil
}

func (b behavior) Write(batch []types.Message) error {
	s := b.s
	if s.Status() == types.StatusWarning {
		return fmt.Errorf("localfile: low disk space: %w", sink.ErrRetry)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.WriteBatch(batch, s.emitLocked); err != nil {
		return err
	}
	if s.bw != nil {
		if err := s.bw.Flush(); err != nil {
			return fmt.Errorf("localfile: flush %s: %w", s.path, err)
		}
	}
	s.writtenMessages.Add(int64(len(batch)))
	if s.file != nil && time.Since(s.lastRotation) >= s.cfg.RotationPeriod {
		// The batch is already on disk; a failed reopen is retried on the next write.
		if err := s.rotateLocked(true); err != nil {
			s.log.Error("rotation failed", "file", s.path, "err", err)
		}
	}
	return nil
}

// InnerClose stops the space checker and marks the last file done.
func (b behavior) InnerClose() error {
	s := b.s
	select {
	case <-s.stopCheck:
	default:
		close(s.stopCheck)
	}
	s.checkWG.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.rotateLocked(false)
}

// ─── file management ─────────────────────────────────────────────────────────

// emitLocked appends one record and rotates when the size trigger fires.
func (s *Sink) emitLocked(rec []byte) error {
	if s.file == nil {
		if err := s.openFileLocked(time.Now()); err != nil {
			return err
		}
	}
	if _, err := s.bw.Write(rec); err != nil {
		return fmt.Errorf("localfile: write %s: %w", s.path, err)
	}
	s.crc.Write(rec)
	s.bytesWritten += int64(len(rec))
	s.writtenBytes.Add(int64(len(rec)))
	s.metrics.BytesWritten(s.cfg.Name, int64(len(rec)))

	if s.bytesWritten >= s.cfg.MaxFileSize {
		// Earlier records of the batch are written either way; if no next
		// file could be opened, the following emit retries.
		path := s.path
		if err := s.rotateLocked(true); err != nil {
			s.log.Error("rotation failed", "file", path, "err", err)
		}
	}
	return nil
}

func (s *Sink) openFileLocked(now time.Time) error {
	id, err := node.NewIDAt(now)
	if err != nil {
		return fmt.Errorf("localfile: new file id: %w", err)
	}
	path := filepath.Join(s.cfg.OutputDir, s.host+"."+id+InProgressSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("localfile: create %s: %w", path, err)
	}
	s.file = f
	s.bw = bufio.NewWriterSize(f, 64*1024)
	s.crc = crc32.NewIEEE()
	s.path = path
	s.bytesWritten = 0
	s.lastRotation = now
	return nil
}

// rotateLocked completes the current file and, if openNext, starts a new
// one. An empty file is removed instead of being marked done.
func (s *Sink) rotateLocked(openNext bool) error {
	path, written, sum := s.path, s.bytesWritten, s.crc.Sum32()
	err := s.closeFileLocked()

	if err == nil {
		if written == 0 {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				err = fmt.Errorf("localfile: remove empty %s: %w", path, rmErr)
			}
		} else {
			err = s.completeLocked(path, sum)
		}
	}

	if openNext {
		if openErr := s.openFileLocked(time.Now()); openErr != nil {
			err = errors.Join(err, openErr)
		}
	}
	return err
}

// completeLocked writes the checksum sidecar, renames path to its done name
// and announces it.
func (s *Sink) completeLocked(path string, sum uint32) error {
	done := strings.TrimSuffix(path, InProgressSuffix) + DoneSuffix
	crcPath := done + CRCSuffix
	if err := os.WriteFile(crcPath, []byte(strconv.FormatUint(uint64(sum), 10)+"\n"), 0o644); err != nil {
		return fmt.Errorf("localfile: write checksum %s: %w", crcPath, err)
	}
	if err := os.Rename(path, done); err != nil {
		_ = os.Remove(crcPath)
		return fmt.Errorf("localfile: rename %s: %w", path, err)
	}
	s.metrics.FileRotated(s.cfg.Name)
	if !s.notify.Send(done) {
		s.log.Warn("notifier full, completed file not announced", "file", done)
	}
	s.log.Debug("file rotated", "file", done)
	return nil
}

func (s *Sink) closeFileLocked() error {
	f := s.file
	s.file = nil
	if f == nil {
		return nil
	}
	var err error
	if ferr := s.bw.Flush(); ferr != nil {
		err = fmt.Errorf("localfile: flush %s: %w", s.path, ferr)
	}
	if serr := f.Sync(); serr != nil && err == nil {
		err = fmt.Errorf("localfile: sync %s: %w", s.path, serr)
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("localfile: close %s: %w", s.path, cerr)
	}
	s.bw = nil
	return err
}
