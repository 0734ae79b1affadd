package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/epochsink/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.HTTP.Port != 9090 {
		t.Errorf("expected default http port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Node.Hostname != "auto" {
		t.Errorf("expected default hostname auto, got %s", cfg.Node.Hostname)
	}
	if cfg.Sink.OutputDir != "./data/out" {
		t.Errorf("expected default output_dir ./data/out, got %s", cfg.Sink.OutputDir)
	}
	if cfg.Sink.Writer != "text" {
		t.Errorf("expected default writer text, got %s", cfg.Sink.Writer)
	}
	if cfg.Queue.Type != config.QueueMemory {
		t.Errorf("expected default queue type memory, got %s", cfg.Queue.Type)
	}
	if cfg.Queue.Fsync != config.FsyncAlways {
		t.Errorf("expected default fsync always, got %s", cfg.Queue.Fsync)
	}
	if cfg.Archive.Enabled {
		t.Error("archive must be disabled by default")
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Sink.BatchSize != 1000 {
		t.Errorf("expected default batch size for missing file, got %d", cfg.Sink.BatchSize)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
sink:
  output_dir: "/tmp/sinkd_test"
  max_file_size: 10240
  rotation_period: "PT5s"
  writer: messageset
queue:
  type: file
  retention: "7d"
  fsync: "interval"
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Sink.OutputDir != "/tmp/sinkd_test" {
		t.Errorf("expected output_dir /tmp/sinkd_test, got %s", cfg.Sink.OutputDir)
	}
	if cfg.Sink.MaxFileSize != 10240 {
		t.Errorf("expected max_file_size 10240, got %d", cfg.Sink.MaxFileSize)
	}
	if cfg.Sink.Writer != "messageset" {
		t.Errorf("expected writer messageset, got %s", cfg.Sink.Writer)
	}
	if cfg.Queue.Type != config.QueueFile {
		t.Errorf("expected queue type file, got %s", cfg.Queue.Type)
	}
	if cfg.Queue.Fsync != config.FsyncInterval {
		t.Errorf("expected fsync interval, got %s", cfg.Queue.Fsync)
	}
	// Unset fields keep their defaults.
	if cfg.Sink.BatchSize != 1000 {
		t.Errorf("expected default batch_size 1000 (unchanged), got %d", cfg.Sink.BatchSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid, got: %v", err)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "sink: [invalid: yaml: {{{}}")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SINKD_OUTPUT_DIR", "/var/spool/sinkd")
	t.Setenv("SINKD_QUEUE_TYPE", "BLOCKING")
	t.Setenv("SINKD_LOG_LEVEL", "debug")
	t.Setenv("SINKD_HTTP_PORT", "8181")
	t.Setenv("SINKD_HOSTNAME", "ingest-3")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Sink.OutputDir != "/var/spool/sinkd" {
		t.Errorf("output_dir = %s", cfg.Sink.OutputDir)
	}
	if cfg.Queue.Type != config.QueueBlocking {
		t.Errorf("queue.type = %s", cfg.Queue.Type)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %s", cfg.Log.Level)
	}
	if cfg.HTTP.Port != 8181 {
		t.Errorf("http.port = %d", cfg.HTTP.Port)
	}
	if cfg.Node.Hostname != "ingest-3" {
		t.Errorf("node.hostname = %s", cfg.Node.Hostname)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"port 0":           func(c *config.Config) { c.HTTP.Port = 0 },
		"port 99999":       func(c *config.Config) { c.HTTP.Port = 99999 },
		"log level":        func(c *config.Config) { c.Log.Level = "loud" },
		"empty output dir": func(c *config.Config) { c.Sink.OutputDir = "" },
		"writer":           func(c *config.Config) { c.Sink.Writer = "xml" },
		"compression":      func(c *config.Config) { c.Sink.Compression = "zip" },
		"max file size":    func(c *config.Config) { c.Sink.MaxFileSize = 0 },
		"free disk pct":    func(c *config.Config) { c.Sink.MinPercentFreeDisk = 101 },
		"zero free disk":   func(c *config.Config) { c.Sink.MinPercentFreeDisk = 0 },
		"batch size":       func(c *config.Config) { c.Sink.BatchSize = 0 },
		"rotation period":  func(c *config.Config) { c.Sink.RotationPeriod = "soon" },
		"zero timeout":     func(c *config.Config) { c.Sink.BatchTimeout = "0s" },
		"queue type":       func(c *config.Config) { c.Queue.Type = "kafka" },
		"queue capacity":   func(c *config.Config) { c.Queue.Capacity = 0 },
		"fsync": func(c *config.Config) {
			c.Queue.Type = config.QueueFile
			c.Queue.Fsync = "magic"
		},
		"retention": func(c *config.Config) {
			c.Queue.Type = config.QueueFile
			c.Queue.Retention = "P1Y"
		},
		"archive pool": func(c *config.Config) {
			c.Archive.Enabled = true
			c.Archive.PoolSize = 0
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"90s":     90 * time.Second,
		"1h30m":   90 * time.Minute,
		"7d":      7 * 24 * time.Hour,
		"PT5s":    5 * time.Second,
		"PT1M":    time.Minute,
		"pt2h30m": 150 * time.Minute,
		"P1D":     24 * time.Hour,
		"P1DT12H": 36 * time.Hour,
		"PT0.5S":  500 * time.Millisecond,
		"  10m  ": 10 * time.Minute,
	}
	for in, want := range cases {
		got, err := config.ParseDuration(in)
		if err != nil {
			t.Errorf("ParseDuration(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDuration(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseDuration_Invalid(t *testing.T) {
	for _, in := range []string{"", "P", "PT", "P1Y", "P1M", "5 minutes", "-3d", "xd"} {
		if _, err := config.ParseDuration(in); err == nil {
			t.Errorf("ParseDuration(%q) should fail", in)
		}
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
