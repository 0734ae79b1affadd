package archive_test

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/snehjoshi/epochsink/internal/notify"
	"github.com/snehjoshi/epochsink/internal/sink/archive"
	"github.com/snehjoshi/epochsink/internal/sink/localfile"
	"github.com/snehjoshi/epochsink/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type alwaysSpace struct{}

func (alwaysSpace) HasEnoughSpace() bool { return true }

// writeDone writes a completed file plus its checksum sidecar. A non-zero
// badSum is written instead of the real checksum.
func writeDone(t *testing.T, dir, name, content string, badSum uint32) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	sum := crc32.ChecksumIEEE([]byte(content))
	if badSum != 0 {
		sum = badSum
	}
	if err := os.WriteFile(path+localfile.CRCSuffix, []byte(strconv.FormatUint(uint64(sum), 10)+"\n"), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
	return path
}

func newArchiver(t *testing.T, dir string) *archive.Archiver {
	t.Helper()
	a, err := archive.New(archive.Config{
		Dir:          dir,
		PoolSize:     2,
		JobQueueSize: 4,
		BatchSize:    3,
		BatchTimeout: 20 * time.Millisecond,
	}, nil, nil)
	if err != nil {
		t.Fatalf("archive.New: %v", err)
	}
	return a
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ─── Verify ──────────────────────────────────────────────────────────────────

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	good := writeDone(t, dir, "good.done", "hello\n", 0)
	bad := writeDone(t, dir, "bad.done", "hello\n", 12345)

	if err := archive.Verify(good, good+localfile.CRCSuffix); err != nil {
		t.Errorf("Verify(good) = %v", err)
	}
	if err := archive.Verify(bad, bad+localfile.CRCSuffix); !errors.Is(err, archive.ErrChecksum) {
		t.Errorf("Verify(bad) = %v, want ErrChecksum", err)
	}
	if err := archive.Verify(good, filepath.Join(dir, "nope.crc")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Verify(missing sidecar) = %v, want ErrNotExist", err)
	}
}

// ─── Archiver ────────────────────────────────────────────────────────────────

func TestArchiver_MovesVerifiedFiles(t *testing.T) {
	out := t.TempDir()
	dest := filepath.Join(t.TempDir(), "archive")
	a := newArchiver(t, dest)

	const n = 10
	var paths []string
	for i := 0; i < n; i++ {
		paths = append(paths, writeDone(t, out, fmt.Sprintf("host.%02d.done", i), fmt.Sprintf("line %d\n", i), 0))
	}
	for _, p := range paths {
		if err := a.Submit(p); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := a.Archived(); got != n {
		t.Errorf("Archived() = %d, want %d", got, n)
	}
	for _, p := range paths {
		name := filepath.Base(p)
		if exists(p) || exists(p+localfile.CRCSuffix) {
			t.Errorf("%s still in output dir", name)
		}
		if !exists(filepath.Join(dest, name)) || !exists(filepath.Join(dest, name+localfile.CRCSuffix)) {
			t.Errorf("%s or its sidecar missing from archive", name)
		}
	}
	if a.NumOfPendingMessages() != 0 {
		t.Errorf("pending = %d after close, want 0", a.NumOfPendingMessages())
	}
}

func TestArchiver_QuarantinesCorruptFiles(t *testing.T) {
	out := t.TempDir()
	dest := t.TempDir()
	a := newArchiver(t, dest)

	bad := writeDone(t, out, "bad.done", "tampered\n", 7)
	noSidecar := filepath.Join(out, "orphan.done")
	if err := os.WriteFile(noSidecar, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_ = a.Submit(bad)
	_ = a.Submit(noSidecar)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if a.Quarantined() != 2 {
		t.Errorf("Quarantined() = %d, want 2", a.Quarantined())
	}
	if a.Archived() != 0 {
		t.Errorf("Archived() = %d, want 0", a.Archived())
	}
	q := filepath.Join(dest, archive.QuarantineDir)
	for _, name := range []string{"bad.done", "bad.done" + localfile.CRCSuffix, "orphan.done"} {
		if !exists(filepath.Join(q, name)) {
			t.Errorf("%s not quarantined", name)
		}
	}
}

func TestArchiver_DuplicateAnnouncementIsHarmless(t *testing.T) {
	out := t.TempDir()
	a := newArchiver(t, t.TempDir())

	p := writeDone(t, out, "twice.done", "once\n", 0)
	_ = a.Submit(p)
	_ = a.Submit(p)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.Archived() != 1 {
		t.Errorf("Archived() = %d, want 1", a.Archived())
	}
	if a.DroppedMessages() != 0 {
		t.Errorf("DroppedMessages() = %d, want 0", a.DroppedMessages())
	}
}

func TestArchiver_FailedMoveCountsOnlyThatFile(t *testing.T) {
	out := t.TempDir()
	dest := t.TempDir()
	a, err := archive.New(archive.Config{
		Dir:          dest,
		PoolSize:     1,
		BatchSize:    3,
		BatchTimeout: 2 * time.Second,
	}, nil, nil)
	if err != nil {
		t.Fatalf("archive.New: %v", err)
	}

	// A non-empty directory where the file should land makes its move fail.
	if err := os.MkdirAll(filepath.Join(dest, "blocked.done", "occupied"), 0o755); err != nil {
		t.Fatal(err)
	}
	first := writeDone(t, out, "first.done", "one\n", 0)
	blocked := writeDone(t, out, "blocked.done", "two\n", 0)
	last := writeDone(t, out, "last.done", "three\n", 0)
	for _, p := range []string{first, blocked, last} {
		if err := a.Submit(p); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if a.Archived() != 2 {
		t.Errorf("Archived() = %d, want 2", a.Archived())
	}
	if a.DroppedMessages() != 1 {
		t.Errorf("DroppedMessages() = %d, want 1", a.DroppedMessages())
	}
	if !exists(blocked) {
		t.Error("the file that failed to move should stay in the output dir")
	}
}

func TestArchiver_PumpsNotificationsFromFileSink(t *testing.T) {
	out := t.TempDir()
	dest := t.TempDir()
	notes := notify.NewQueue(100)

	fs, err := localfile.New(localfile.Config{
		OutputDir:    out,
		MaxFileSize:  256,
		BatchSize:    10,
		BatchTimeout: 10 * time.Millisecond,
	}, localfile.Deps{SpaceChecker: alwaysSpace{}, Notifier: notes, Hostname: "testhost"})
	if err != nil {
		t.Fatalf("localfile.New: %v", err)
	}
	if err := fs.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	a := newArchiver(t, dest)
	ctx, cancel := context.WithCancel(context.Background())
	pumped := make(chan struct{})
	go func() {
		a.Pump(ctx, notes)
		close(pumped)
	}()

	for i := 0; i < 200; i++ {
		if err := fs.WriteTo(types.NewMessage("rk", []byte(fmt.Sprintf("message %d", i)))); err != nil {
			t.Fatalf("WriteTo: %v", err)
		}
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("sink Close: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for notes.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-pumped
	if err := a.Close(); err != nil {
		t.Fatalf("archiver Close: %v", err)
	}

	left, _ := os.ReadDir(out)
	if len(left) != 0 {
		t.Errorf("%d files left in output dir", len(left))
	}
	if a.Archived() < 2 {
		t.Errorf("Archived() = %d, want several rotated files", a.Archived())
	}
	if a.Quarantined() != 0 {
		t.Errorf("Quarantined() = %d, want 0", a.Quarantined())
	}
}
