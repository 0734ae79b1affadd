// Command sinkd runs a local file sink fed from standard input.
// Every input line becomes one message; completed files are optionally
// verified and moved to an archive directory.
//
// Usage:
//
//	sinkd [--config path/to/config.yaml] [--routing-key key] [--exit-on-eof=false]
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/epochsink/internal/config"
	"github.com/snehjoshi/epochsink/internal/health"
	"github.com/snehjoshi/epochsink/internal/messageset"
	"github.com/snehjoshi/epochsink/internal/metrics"
	"github.com/snehjoshi/epochsink/internal/node"
	"github.com/snehjoshi/epochsink/internal/notify"
	"github.com/snehjoshi/epochsink/internal/queue"
	"github.com/snehjoshi/epochsink/internal/queue/disk"
	"github.com/snehjoshi/epochsink/internal/sink/archive"
	"github.com/snehjoshi/epochsink/internal/sink/localfile"
	transphttp "github.com/snehjoshi/epochsink/internal/transport/http"
	"github.com/snehjoshi/epochsink/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sinkd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	routingKey := flag.String("routing-key", "stdin", "routing key stamped on every input line")
	exitOnEOF := flag.Bool("exit-on-eof", true, "drain and exit when standard input closes")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	// ── 3. Node identity ─────────────────────────────────────────────────────
	n, err := node.New(cfg.Node.Hostname)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	compression, err := messageset.ParseCompression(cfg.Sink.Compression)
	if err != nil {
		return err
	}

	// ── 4. Metrics + health ──────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	healthReg := health.NewRegistry()
	healthReg.OnChange(func(component string, s types.Status) {
		logger.Info("health changed", "component", component, "status", s.String(),
			"aggregate", healthReg.Aggregate())
	})

	// ── 5. Sink queue ────────────────────────────────────────────────────────
	q, err := openQueue(cfg, n.Hostname(), compression, logger)
	if err != nil {
		return err
	}

	// ── 6. Archive (optional) ────────────────────────────────────────────────
	var notifier notify.Notifier = notify.Noop{}
	var completed *notify.Queue
	var arch *archive.Archiver
	if cfg.Archive.Enabled {
		completed = notify.NewQueue(cfg.Archive.Capacity)
		if !cfg.Archive.Watch {
			notifier = completed
		}
		arch, err = archive.New(archive.Config{
			Dir:           cfg.Archive.Dir,
			SidecarSuffix: localfile.CRCSuffix,
			PoolSize:      cfg.Archive.PoolSize,
			JobQueueSize:  cfg.Archive.JobQueueSize,
			BatchSize:     cfg.Archive.BatchSize,
			BatchTimeout:  config.MustDuration(cfg.Archive.BatchTimeout),
			Capacity:      cfg.Archive.Capacity,
		}, logger, m)
		if err != nil {
			_ = q.Close()
			return fmt.Errorf("init archive: %w", err)
		}
	}

	// ── 7. Local file sink ───────────────────────────────────────────────────
	fs, err := localfile.New(localfile.Config{
		Name:               cfg.Sink.Name,
		OutputDir:          cfg.Sink.OutputDir,
		Writer:             cfg.Sink.Writer,
		App:                cfg.Sink.App,
		Compression:        compression,
		MaxFileSize:        cfg.Sink.MaxFileSize,
		RotationPeriod:     config.MustDuration(cfg.Sink.RotationPeriod),
		MinPercentFreeDisk: cfg.Sink.MinPercentFreeDisk,
		SpaceCheckInterval: config.MustDuration(cfg.Sink.SpaceCheckInterval),
		BatchSize:          cfg.Sink.BatchSize,
		BatchTimeout:       config.MustDuration(cfg.Sink.BatchTimeout),
	}, localfile.Deps{
		Queue:    q,
		Health:   healthReg,
		Notifier: notifier,
		Metrics:  m,
		Logger:   logger,
		Hostname: n.Hostname(),
	})
	if err == nil {
		err = fs.Open()
	}
	if err != nil {
		if arch != nil {
			_ = arch.Close()
		}
		_ = q.Close()
		return fmt.Errorf("open sink: %w", err)
	}

	slog.Info("sinkd starting",
		"hostname", n.Hostname(),
		"output_dir", cfg.Sink.OutputDir,
		"queue", cfg.Queue.Type,
		"archive", cfg.Archive.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// ── 8. Archive feed ──────────────────────────────────────────────────────
	pumpCtx, stopPump := context.WithCancel(context.Background())
	defer stopPump()
	pumpDone := make(chan struct{})
	if arch != nil {
		watcher := notify.NewDirWatcher(cfg.Sink.OutputDir, localfile.DoneSuffix, completed, logger)
		if backfilled, err := watcher.Backfill(); err != nil {
			logger.Warn("archive backfill failed", "err", err)
		} else if backfilled > 0 {
			logger.Info("archive backfill", "files", backfilled)
		}
		if cfg.Archive.Watch {
			g.Go(func() error { return watcher.Watch(gctx.Done()) })
		}
		go func() {
			defer close(pumpDone)
			arch.Pump(pumpCtx, completed)
		}()
	} else {
		close(pumpDone)
	}

	// ── 9. HTTP endpoints ────────────────────────────────────────────────────
	var srv *transphttp.Server
	if cfg.HTTP.Enabled {
		sinks := []transphttp.SinkInfo{fs}
		if arch != nil {
			sinks = append(sinks, arch)
		}
		srv = transphttp.New(transphttp.Options{
			Health:  healthReg,
			Metrics: m,
			Sinks:   sinks,
			Logger:  logger,
		})
		addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
		g.Go(func() error {
			slog.Info("http listening", "addr", addr)
			if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	// ── 10. Producer: standard input ─────────────────────────────────────────
	go func() {
		err := readLines(gctx, os.Stdin, *routingKey, fs, q, logger)
		if err != nil {
			logger.Error("stdin reader stopped", "err", err)
		}
		if *exitOnEOF {
			stop()
		}
	}()

	// ── 11. Graceful shutdown ────────────────────────────────────────────────
	<-gctx.Done()
	slog.Info("shutting down")

	shutdownTimeout := config.MustDuration(cfg.Sink.ShutdownTimeout)
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := fs.Shutdown(shutCtx); err != nil {
		errs = append(errs, fmt.Errorf("sink shutdown: %w", err))
	}
	slog.Info("sink closed", "stat", fs.Stat())

	if srv != nil {
		if err := srv.Shutdown(shutCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	stop()
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	stopPump()
	<-pumpDone
	if arch != nil {
		// Files completed during shutdown are still queued for the archive.
		for {
			path, ok := completed.Recv(0)
			if !ok {
				break
			}
			if err := arch.Submit(path); err != nil {
				logger.Warn("archive submit failed", "file", path, "err", err)
			}
		}
		if err := arch.Shutdown(shutCtx); err != nil {
			errs = append(errs, fmt.Errorf("archive shutdown: %w", err))
		}
	}

	slog.Info("sinkd stopped")
	return errors.Join(errs...)
}

// openQueue builds the sink queue selected by cfg.Queue.Type.
func openQueue(cfg *config.Config, hostname string, c messageset.Compression, logger *slog.Logger) (queue.Queue, error) {
	qc := cfg.Queue
	switch qc.Type {
	case config.QueueBlocking:
		return queue.NewBlocking(qc.Capacity), nil
	case config.QueueFile:
		q, err := disk.Open(qc.Dir, cfg.Sink.Name, disk.Config{
			Retention:      config.MustDuration(qc.Retention),
			SegmentWindow:  config.MustDuration(qc.SegmentWindow),
			Fsync:          disk.FsyncPolicy(qc.Fsync),
			FsyncBatchSize: qc.FsyncBatchSize,
			SyncInterval:   config.MustDuration(qc.SyncInterval),
			ReapInterval:   config.MustDuration(qc.ReapInterval),
			Hostname:       hostname,
			App:            cfg.Sink.App,
			Compression:    c,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open disk queue: %w", err)
		}
		st := q.Stats()
		logger.Info("disk queue opened", "dir", qc.Dir, "pending", st.Pending, "segments", st.Segments)
		return q, nil
	default:
		return queue.NewMemory(qc.Capacity), nil
	}
}

// enqueuer is the non-blocking producer side of a sink.
type enqueuer interface {
	Enqueue(types.Message) error
}

// readLines turns every line of r into a message. With a blocking queue the
// reader waits for space; otherwise a full queue drops the line and the sink
// counts it.
func readLines(ctx context.Context, r io.Reader, routingKey string, s enqueuer, q queue.Queue, logger *slog.Logger) error {
	blocking, _ := q.(*queue.Blocking)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var lines int64
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		payload := append([]byte(nil), sc.Bytes()...)
		msg := types.NewMessage(routingKey, payload)
		var err error
		if blocking != nil {
			err = blocking.Put(ctx, msg)
		} else {
			err = s.Enqueue(msg)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return fmt.Errorf("line %d: %w", lines+1, err)
		}
		lines++
	}
	logger.Info("stdin closed", "lines", lines)
	return sc.Err()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
