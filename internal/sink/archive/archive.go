// Package archive moves completed output files out of a file sink's
// directory. It is a pooled sink whose messages are file paths: each worker
// verifies a file against its checksum sidecar and renames the pair into the
// archive directory. Files that fail verification go to a quarantine
// subdirectory instead.
package archive

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/epochsink/internal/metrics"
	"github.com/snehjoshi/epochsink/internal/notify"
	"github.com/snehjoshi/epochsink/internal/queue"
	"github.com/snehjoshi/epochsink/internal/sink"
	"github.com/snehjoshi/epochsink/internal/types"
)

// QuarantineDir is the subdirectory of the archive that receives files whose
// checksum does not match.
const QuarantineDir = "quarantine"

// RoutingKey is the routing key of path messages built by Submit.
const RoutingKey = "archive"

// ErrChecksum is returned by Verify when a file does not match its sidecar.
var ErrChecksum = errors.New("archive: checksum mismatch")

// Config holds the options of an Archiver.
type Config struct {
	Name string
	Dir  string

	// SidecarSuffix is appended to a file's path to find its checksum.
	SidecarSuffix string

	PoolSize     int
	JobQueueSize int
	BatchSize    int
	BatchTimeout time.Duration
	Capacity     int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:          "archive",
		Dir:           "./data/archive",
		SidecarSuffix: ".crc",
		PoolSize:      2,
		JobQueueSize:  100,
		BatchSize:     10,
		BatchTimeout:  time.Second,
		Capacity:      1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Dir == "" {
		c.Dir = d.Dir
	}
	if c.SidecarSuffix == "" {
		c.SidecarSuffix = d.SidecarSuffix
	}
	if c.PoolSize == 0 {
		c.PoolSize = d.PoolSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.Capacity == 0 {
		c.Capacity = d.Capacity
	}
	return c
}

// Archiver is a ThreadPoolQueuedSink that archives completed files.
type Archiver struct {
	*sink.ThreadPoolQueuedSink

	cfg         Config
	log         *slog.Logger
	archived    atomic.Int64
	quarantined atomic.Int64
}

// New creates the archive directories and returns a running Archiver backed
// by a memory queue of cfg.Capacity paths.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Archiver, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, QuarantineDir), 0o755); err != nil {
		return nil, fmt.Errorf("archive: create dir %s: %w", cfg.Dir, err)
	}

	a := &Archiver{
		cfg: cfg,
		log: logger.With("component", "archive"),
	}
	pool, err := sink.NewThreadPool(cfg.Name, deliverer{a}, cfg.PoolSize, cfg.JobQueueSize,
		sink.WithLogger(logger), sink.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	a.ThreadPoolQueuedSink = pool

	if err := pool.Initialize(queue.NewMemory(cfg.Capacity), cfg.BatchSize, cfg.BatchTimeout); err != nil {
		_ = pool.Close()
		return nil, err
	}
	if err := pool.Start(); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return a, nil
}

// Submit enqueues the path of a completed file.
func (a *Archiver) Submit(path string) error {
	return a.Enqueue(types.NewMessage(RoutingKey, []byte(path)))
}

// Pump submits every path received from n until ctx is done.
func (a *Archiver) Pump(ctx context.Context, n notify.Notifier) {
	for ctx.Err() == nil {
		path, ok := n.Recv(250 * time.Millisecond)
		if !ok {
			continue
		}
		if err := a.Submit(path); err != nil {
			a.log.Error("submit failed", "file", path, "err", err)
			return
		}
	}
}

// Archived returns the number of files moved into the archive.
func (a *Archiver) Archived() int64 { return a.archived.Load() }

// Quarantined returns the number of files that failed verification.
func (a *Archiver) Quarantined() int64 { return a.quarantined.Load() }

// Verify checks path against the checksum stored in its sidecar.
func Verify(path, sidecar string) error {
	raw, err := os.ReadFile(sidecar)
	if err != nil {
		return fmt.Errorf("archive: read checksum %s: %w", sidecar, err)
	}
	want, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		return fmt.Errorf("archive: parse checksum %s: %w", sidecar, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("archive: read %s: %w", path, err)
	}
	if got := h.Sum32(); uint64(got) != want {
		return fmt.Errorf("%w: %s has %d, sidecar says %d", ErrChecksum, path, got, want)
	}
	return nil
}

func (a *Archiver) archive(path string) error {
	sidecar := path + a.cfg.SidecarSuffix
	dest := a.cfg.Dir

	err := Verify(path, sidecar)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			// Announced twice; another job already moved it.
			a.log.Debug("file already gone", "file", path)
			return nil
		}
		a.log.Warn("checksum sidecar missing, quarantining", "file", path)
		dest = filepath.Join(a.cfg.Dir, QuarantineDir)
	case errors.Is(err, ErrChecksum):
		a.log.Warn("checksum mismatch, quarantining", "file", path, "err", err)
		dest = filepath.Join(a.cfg.Dir, QuarantineDir)
	default:
		return err
	}

	if err := move(path, dest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := move(sidecar, dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if dest == a.cfg.Dir {
		a.archived.Add(1)
		a.log.Info("file archived", "file", filepath.Base(path))
	} else {
		a.quarantined.Add(1)
	}
	return nil
}

func move(path, dir string) error {
	target := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("archive: move %s: %w", path, err)
	}
	return nil
}

// deliverer is the PoolBehavior of an Archiver.
type deliverer struct{ a *Archiver }

// BeforePolling fails while the archive directory is missing.
func (d deliverer) BeforePolling() error {
	if _, err := os.Stat(d.a.cfg.Dir); err != nil {
		return fmt.Errorf("%w: %v", sink.ErrNotReady, err)
	}
	return nil
}

// Deliver archives every path in batch. One bad file does not stop the rest,
// and only the files that could not be moved count as failed.
func (d deliverer) Deliver(batch []types.Message) error {
	var errs []error
	for _, msg := range batch {
		if err := d.a.archive(string(msg.Payload)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &sink.PartialError{Failed: len(errs), Err: errors.Join(errs...)}
}

func (d deliverer) InnerClose() error {
	d.a.log.Info("archiver closed",
		"archived", d.a.archived.Load(),
		"quarantined", d.a.quarantined.Load())
	return nil
}
