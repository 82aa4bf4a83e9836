package ingest

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/veritas/internal/parser"
)

// Watch commits what is already in the inbox, then starts an fsnotify
// watcher on the inbox root and ingests batch documents as they appear
// until ctx is cancelled.
//
// Events are debounced: a path is ingested once writes to it have been
// quiet for the debounce interval. New directories created at runtime are
// added to the watch list and swept.
func (in *Ingester) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	root := in.store.Root()
	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	in.logger.Info("watcher: started", slog.String("root", root))
	if n, err := in.Sync(ctx); err != nil {
		in.logger.Warn("watcher: initial sync failed", slog.String("error", err.Error()))
	} else if n > 0 {
		in.logger.Info("watcher: initial sync committed", slog.Int("batches", n))
	}

	var (
		settleTimer *time.Timer
		settleCh    <-chan time.Time
		pending     = make(map[string]struct{})
		resync      bool
	)
	schedule := func() {
		if settleTimer == nil {
			settleTimer = time.NewTimer(in.debounce)
			settleCh = settleTimer.C
		} else {
			settleTimer.Reset(in.debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if settleTimer != nil {
				settleTimer.Stop()
			}
			in.logger.Info("watcher: stopped")
			return nil

		case <-settleCh:
			settleTimer, settleCh = nil, nil
			if resync {
				resync = false
				clear(pending)
				if _, err := in.Sync(ctx); err != nil {
					in.logger.Warn("watcher: sync failed", slog.String("error", err.Error()))
				}
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			sort.Strings(paths)
			for _, p := range paths {
				if _, err := in.Ingest(ctx, p); err != nil {
					in.logger.Warn("watcher: ingest failed", slog.String("path", p), slog.String("error", err.Error()))
				}
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			absPath := ev.Name
			rel, relErr := filepath.Rel(root, absPath)
			if relErr != nil || hiddenPath(rel) {
				continue
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						in.logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					} else {
						in.logger.Debug("watcher: watching new dir", slog.String("path", absPath))
					}
					// Files may have landed before the watch was added.
					resync = true
					schedule()
					continue
				}
			}

			if !parser.Supported(absPath) {
				continue
			}
			pending[rel] = struct{}{}
			schedule()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// hiddenPath reports whether any element of rel starts with a dot.
func hiddenPath(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	return false
}

// addDirsRecursive adds root and all its non-hidden subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
