// Package inbox watches a directory and submits every ZIP archive dropped
// into it once the file stops changing.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a file must stay unchanged before it is submitted.
const DefaultSettle = 2 * time.Second

// SubmitFunc queues a consolidation of source and returns the run ID.
type SubmitFunc func(source, trigger string) (string, error)

// Watcher submits new .zip files in a directory.
type Watcher struct {
	dir    string
	settle time.Duration
	submit SubmitFunc
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]fileStamp
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

// New creates a Watcher for dir. A settle of zero selects DefaultSettle.
func New(dir string, settle time.Duration, submit SubmitFunc, logger *slog.Logger) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:    dir,
		settle: settle,
		submit: submit,
		logger: logger,
		seen:   make(map[string]fileStamp),
	}
}

// Run watches until ctx is done. Archives already present at start are
// submitted too.
func (w *Watcher) Run(ctx context.Context) error {
	if strings.TrimSpace(w.dir) == "" {
		return errors.New("inbox directory is required")
	}
	abs, err := filepath.Abs(w.dir)
	if err != nil {
		return fmt.Errorf("resolving inbox directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("creating inbox directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(abs); err != nil {
		return fmt.Errorf("watching %s: %w", abs, err)
	}
	w.logger.Info("inbox watching", "dir", abs, "settle", w.settle)

	timers := make(map[string]*time.Timer)
	ready := make(chan string, 16)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	schedule := func(path string) {
		if t, ok := timers[path]; ok {
			t.Reset(w.settle)
			return
		}
		timers[path] = time.AfterFunc(w.settle, func() {
			select {
			case ready <- path:
			case <-ctx.Done():
			}
		})
	}

	entries, err := os.ReadDir(abs)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() && isArchive(e.Name()) {
				schedule(filepath.Join(abs, e.Name()))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isArchive(ev.Name) {
				continue
			}
			schedule(ev.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", "error", err)
		case path := <-ready:
			delete(timers, path)
			w.Check(path)
		}
	}
}

// Check submits path if it is an archive not yet submitted in its current
// size and modification time. It reports whether a run was submitted.
func (w *Watcher) Check(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	stamp := fileStamp{size: info.Size(), modTime: info.ModTime()}

	w.mu.Lock()
	if prev, ok := w.seen[path]; ok && prev == stamp {
		w.mu.Unlock()
		return false
	}
	w.seen[path] = stamp
	w.mu.Unlock()

	id, err := w.submit(path, "inbox")
	if err != nil {
		w.logger.Error("inbox: failed to submit archive", "path", path, "error", err)
		w.mu.Lock()
		delete(w.seen, path)
		w.mu.Unlock()
		return false
	}
	w.logger.Info("inbox: archive submitted", "path", path, "run_id", id)
	return true
}

func isArchive(name string) bool {
	base := filepath.Base(name)
	return strings.EqualFold(filepath.Ext(base), ".zip") && !strings.HasPrefix(base, ".")
}
