package notify

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// DirWatcher surfaces completed files that appear in a directory, whoever
// produced them. It is the reader-side counterpart of a file sink running in
// another process: files become visible under their done suffix only after
// rotation, so a create (or rename-into) event with that suffix means the
// file is complete.
type DirWatcher struct {
	dir    string
	suffix string
	out    Notifier
	logger *slog.Logger
}

// NewDirWatcher returns a watcher that forwards every file in dir ending in
// suffix to out.
func NewDirWatcher(dir, suffix string, out Notifier, logger *slog.Logger) *DirWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirWatcher{
		dir:    dir,
		suffix: suffix,
		out:    out,
		logger: logger.With("component", "dir_watcher"),
	}
}

// Backfill forwards completed files already present in the directory, oldest
// name first. Call it before Watch to cover files rotated while no watcher
// was running.
func (w *DirWatcher) Backfill() (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("notify: read dir %s: %w", w.dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), w.suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	n := 0
	for _, name := range names {
		if w.forward(filepath.Join(w.dir, name)) {
			n++
		}
	}
	return n, nil
}

// Watch blocks until done is closed, forwarding completed files as they
// appear.
func (w *DirWatcher) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("notify: create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("notify: watch dir %s: %w", w.dir, err)
	}

	w.logger.Info("watching for completed files", "dir", w.dir, "suffix", w.suffix)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) || !strings.HasSuffix(event.Name, w.suffix) {
				continue
			}
			w.forward(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *DirWatcher) forward(path string) bool {
	if !w.out.Send(path) {
		w.logger.Warn("notification queue full, completed file not announced", "file", path)
		return false
	}
	return true
}
