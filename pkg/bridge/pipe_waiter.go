package bridge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PipeWaiter blocks until a set of paths exists, or a deadline passes. The
// child creates its publish FIFOs only after it starts, so routes are opened
// once their sources appear.
type PipeWaiter struct {
	logger *slog.Logger
}

// NewPipeWaiter creates a waiter
func NewPipeWaiter(logger *slog.Logger) *PipeWaiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipeWaiter{logger: logger.With("component", "pipe_waiter")}
}

// Wait returns the subset of paths that still do not exist when every path
// has appeared, timeout elapses or ctx is done. Watch failures degrade to
// reporting whatever is missing.
func (pw *PipeWaiter) Wait(ctx context.Context, paths []string, timeout time.Duration) []string {
	missing := make(map[string]string) // absolute -> configured
	for _, p := range paths {
		if !pathExists(p) {
			abs, err := filepath.Abs(p)
			if err != nil {
				abs = p
			}
			missing[abs] = p
		}
	}
	if len(missing) == 0 || timeout <= 0 {
		return remaining(missing)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		pw.logger.Warn("Cannot watch for pipes", "error", err)
		return remaining(missing)
	}
	defer watcher.Close()

	// Watch directories: the pipes do not exist yet
	dirs := make(map[string]struct{})
	for abs := range missing {
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			pw.logger.Warn("Cannot watch pipe directory", "dir", dir, "error", err)
		}
	}

	// A pipe may have appeared between the first check and the watch
	recheck := func() {
		for abs := range missing {
			if pathExists(abs) {
				delete(missing, abs)
			}
		}
	}
	recheck()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(missing) > 0 {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return remaining(missing)
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if _, wanted := missing[name]; wanted && pathExists(name) {
				pw.logger.Debug("Pipe appeared", "path", name)
				delete(missing, name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return remaining(missing)
			}
			pw.logger.Error("Pipe watcher error", "error", err)
			recheck()

		case <-timer.C:
			recheck()
			return remaining(missing)

		case <-ctx.Done():
			return remaining(missing)
		}
	}

	return nil
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func remaining(missing map[string]string) []string {
	if len(missing) == 0 {
		return nil
	}
	out := make([]string, 0, len(missing))
	for _, p := range missing {
		out = append(out, p)
	}
	return out
}
