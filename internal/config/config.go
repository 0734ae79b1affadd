// Package config holds all configuration types and loading logic for sinkd.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a sinkd process.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`
	Sink    SinkConfig    `yaml:"sink"`
	Queue   QueueConfig   `yaml:"queue"`
	Archive ArchiveConfig `yaml:"archive"`
}

// NodeConfig holds the identity stamped on envelopes and file names.
type NodeConfig struct {
	// Hostname overrides the OS hostname. Use "auto" to resolve it.
	Hostname string `yaml:"hostname"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// HTTPConfig controls the /health and /metrics listener.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// SinkConfig configures the local file sink.
//
// Durations are strings: Go syntax ("90s"), a day count ("7d") or ISO-8601
// ("PT5S", "P1DT2H").
type SinkConfig struct {
	Name               string  `yaml:"name"`
	OutputDir          string  `yaml:"output_dir"`
	Writer             string  `yaml:"writer"`
	App                string  `yaml:"app"`
	Compression        string  `yaml:"compression"`
	MaxFileSize        int64   `yaml:"max_file_size"`
	RotationPeriod     string  `yaml:"rotation_period"`
	MinPercentFreeDisk float64 `yaml:"min_percent_free_disk"`
	SpaceCheckInterval string  `yaml:"space_check_interval"`
	BatchSize          int     `yaml:"batch_size"`
	BatchTimeout       string  `yaml:"batch_timeout"`
	// ShutdownTimeout bounds how long Close may spend draining.
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// QueueType selects the queue in front of the sink.
type QueueType string

const (
	QueueMemory   QueueType = "memory"   // fixed capacity, drops when full (default)
	QueueBlocking QueueType = "blocking" // fixed capacity, producer waits when full
	QueueFile     QueueType = "file"     // disk overflow, bounded by retention
)

// FsyncPolicy controls when disk queue appends are flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // safest, slowest (default)
	FsyncInterval FsyncPolicy = "interval" // flush every sync_interval
	FsyncBatch    FsyncPolicy = "batch"    // flush every fsync_batch_size writes
	FsyncNever    FsyncPolicy = "never"    // fastest, unsafe (dev/test only)
)

// QueueConfig configures the sink queue.
type QueueConfig struct {
	Type     QueueType `yaml:"type"`
	Capacity int       `yaml:"capacity"`

	// Disk queue only.
	Dir            string      `yaml:"dir"`
	Retention      string      `yaml:"retention"`
	SegmentWindow  string      `yaml:"segment_window"`
	Fsync          FsyncPolicy `yaml:"fsync"`
	FsyncBatchSize int         `yaml:"fsync_batch_size"`
	SyncInterval   string      `yaml:"sync_interval"`
	ReapInterval   string      `yaml:"reap_interval"`
}

// ArchiveConfig controls the pooled archiver that verifies completed files
// and moves them out of the output directory.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	// Watch discovers completed files with a directory watcher instead of
	// the sink's own notifications, so files dropped by other writers are
	// archived too.
	Watch        bool   `yaml:"watch"`
	PoolSize     int    `yaml:"pool_size"`
	JobQueueSize int    `yaml:"job_queue_size"`
	BatchSize    int    `yaml:"batch_size"`
	BatchTimeout string `yaml:"batch_timeout"`
	Capacity     int    `yaml:"capacity"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Hostname: "auto",
		},
		Log: LogConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    9090,
		},
		Sink: SinkConfig{
			Name:               "localfile",
			OutputDir:          "./data/out",
			Writer:             "text",
			App:                "sinkd",
			Compression:        "none",
			MaxFileSize:        200 * 1024 * 1024,
			RotationPeriod:     "2m",
			MinPercentFreeDisk: 15,
			SpaceCheckInterval: "10s",
			BatchSize:          1000,
			BatchTimeout:       "1s",
			ShutdownTimeout:    "30s",
		},
		Queue: QueueConfig{
			Type:           QueueMemory,
			Capacity:       10_000,
			Dir:            "./data/queue",
			Retention:      "1h",
			SegmentWindow:  "10m",
			Fsync:          FsyncAlways,
			FsyncBatchSize: 64,
			SyncInterval:   "1s",
			ReapInterval:   "1m",
		},
		Archive: ArchiveConfig{
			Enabled:      false,
			Dir:          "./data/archive",
			PoolSize:     2,
			JobQueueSize: 100,
			BatchSize:    10,
			BatchTimeout: "1s",
			Capacity:     1_000,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run sinkd with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	SINKD_OUTPUT_DIR sets sink.output_dir
//	SINKD_QUEUE_TYPE sets queue.type
//	SINKD_LOG_LEVEL  sets log.level
//	SINKD_HTTP_PORT  sets http.port
//	SINKD_HOSTNAME   sets node.hostname
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SINKD_OUTPUT_DIR"); v != "" {
		cfg.Sink.OutputDir = v
	}
	if v := os.Getenv("SINKD_QUEUE_TYPE"); v != "" {
		cfg.Queue.Type = QueueType(strings.ToLower(v))
	}
	if v := os.Getenv("SINKD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SINKD_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("SINKD_HOSTNAME"); v != "" {
		cfg.Node.Hostname = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.HTTP.Enabled && (c.HTTP.Port < 1 || c.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}

	if c.Sink.OutputDir == "" {
		return errors.New("sink.output_dir must not be empty")
	}
	switch c.Sink.Writer {
	case "text", "messageset":
	default:
		return fmt.Errorf(`sink.writer %q must be "text" or "messageset"`, c.Sink.Writer)
	}
	switch c.Sink.Compression {
	case "", "none", "s2":
	default:
		return fmt.Errorf(`sink.compression %q must be "none" or "s2"`, c.Sink.Compression)
	}
	if c.Sink.MaxFileSize < 1 {
		return errors.New("sink.max_file_size must be at least 1")
	}
	// The sink treats 0 as unset and falls back to its 15% default.
	if c.Sink.MinPercentFreeDisk <= 0 || c.Sink.MinPercentFreeDisk > 100 {
		return errors.New("sink.min_percent_free_disk must be greater than 0 and at most 100")
	}
	if c.Sink.BatchSize < 1 {
		return errors.New("sink.batch_size must be at least 1")
	}
	if err := positiveDurations(map[string]string{
		"sink.rotation_period":      c.Sink.RotationPeriod,
		"sink.space_check_interval": c.Sink.SpaceCheckInterval,
		"sink.batch_timeout":        c.Sink.BatchTimeout,
		"sink.shutdown_timeout":     c.Sink.ShutdownTimeout,
	}); err != nil {
		return err
	}

	switch c.Queue.Type {
	case QueueMemory, QueueBlocking:
		if c.Queue.Capacity < 1 {
			return errors.New("queue.capacity must be at least 1")
		}
	case QueueFile:
		if c.Queue.Dir == "" {
			return errors.New("queue.dir must not be empty for a file queue")
		}
		switch c.Queue.Fsync {
		case FsyncAlways, FsyncInterval, FsyncBatch, FsyncNever:
			// valid
		default:
			return errors.New(`queue.fsync must be one of "always", "interval", "batch", "never"`)
		}
		if c.Queue.FsyncBatchSize < 1 {
			return errors.New("queue.fsync_batch_size must be at least 1")
		}
		if err := positiveDurations(map[string]string{
			"queue.retention":      c.Queue.Retention,
			"queue.segment_window": c.Queue.SegmentWindow,
			"queue.sync_interval":  c.Queue.SyncInterval,
			"queue.reap_interval":  c.Queue.ReapInterval,
		}); err != nil {
			return err
		}
	default:
		return fmt.Errorf(`queue.type %q must be one of "memory", "blocking", "file"`, c.Queue.Type)
	}

	if c.Archive.Enabled {
		if c.Archive.Dir == "" {
			return errors.New("archive.dir must not be empty")
		}
		if c.Archive.PoolSize < 1 {
			return errors.New("archive.pool_size must be at least 1")
		}
		if c.Archive.JobQueueSize < 0 {
			return errors.New("archive.job_queue_size must be >= 0")
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be at least 1")
		}
		if c.Archive.Capacity < 1 {
			return errors.New("archive.capacity must be at least 1")
		}
		if err := positiveDurations(map[string]string{
			"archive.batch_timeout": c.Archive.BatchTimeout,
		}); err != nil {
			return err
		}
	}
	return nil
}

func positiveDurations(fields map[string]string) error {
	for name, v := range fields {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
