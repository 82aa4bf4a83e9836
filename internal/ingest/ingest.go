// Package ingest commits mutation batch documents dropped into an inbox
// directory. Committed files move to a processed directory, rejected ones
// to a failed directory next to an error report.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/checksum"
	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/parser"
	"github.com/starford/veritas/internal/storage"
)

const (
	defaultProcessedDir = ".processed"
	defaultFailedDir    = ".failed"
	defaultDebounce     = 200 * time.Millisecond
)

// Committer applies a batch as one new version.
type Committer interface {
	Commit(ctx context.Context, m models.Mutations, summary string) (models.Version, error)
}

// CommitCallback is called after a file is committed.
type CommitCallback func(path string, v models.Version)

// Ingester is safe for concurrent use; batches are committed one at a time.
type Ingester struct {
	store     storage.Provider
	committer Committer
	logger    *slog.Logger
	processed string
	failed    string
	debounce  time.Duration
	onCommit  CommitCallback

	mu     sync.Mutex
	seen   map[string]models.VersionID
	loaded bool
}

// Option configures an Ingester.
type Option func(*Ingester)

func WithLogger(l *slog.Logger) Option {
	return func(in *Ingester) { in.logger = l }
}

// WithDirs sets the processed and failed directories, relative to the
// inbox root. Dot-prefixed names keep them out of the watched tree.
func WithDirs(processed, failed string) Option {
	return func(in *Ingester) {
		if processed != "" {
			in.processed = processed
		}
		if failed != "" {
			in.failed = failed
		}
	}
}

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) Option {
	return func(in *Ingester) {
		if d > 0 {
			in.debounce = d
		}
	}
}

// OnCommit registers cb for every committed file.
func OnCommit(cb CommitCallback) Option {
	return func(in *Ingester) { in.onCommit = cb }
}

// New creates an Ingester over the inbox store.
func New(store storage.Provider, committer Committer, opts ...Option) *Ingester {
	in := &Ingester{
		store:     store,
		committer: committer,
		logger:    slog.Default(),
		processed: defaultProcessedDir,
		failed:    defaultFailedDir,
		debounce:  defaultDebounce,
		seen:      make(map[string]models.VersionID),
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Sync commits every batch document waiting in the inbox, oldest first,
// and returns how many produced a new version.
func (in *Ingester) Sync(ctx context.Context) (int, error) {
	files, err := in.store.List("", parser.Supported)
	if err != nil {
		return 0, fmt.Errorf("ingest: sync: %w", err)
	}
	committed := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return committed, err
		}
		ok, err := in.Ingest(ctx, f.Path)
		if err != nil {
			if !rejected(err) {
				return committed, err
			}
			continue
		}
		if ok {
			committed++
		}
	}
	return committed, nil
}

// Ingest commits the batch document at path (relative to the inbox root).
// It reports whether a new version was created: a batch whose content was
// already committed is moved to the processed directory without a commit.
// Rejected documents are moved to the failed directory and the rejection
// is returned; transient failures leave the file in place.
func (in *Ingester) Ingest(ctx context.Context, path string) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.loadProcessed(); err != nil {
		return false, err
	}

	data, err := in.store.Read(path)
	if err != nil {
		return false, fmt.Errorf("ingest: %w", err)
	}
	batch, err := parser.Parse(path, data)
	if err != nil {
		return false, in.reject(path, err)
	}
	sum, err := checksum.Batch(batch.Mutations)
	if err != nil {
		return false, err
	}

	if v, dup := in.seen[sum]; dup {
		in.logger.Info("ingest: duplicate batch skipped",
			slog.String("path", path),
			slog.Int64("version", int64(v)))
		return false, in.archive(path, v)
	}

	v, err := in.committer.Commit(ctx, batch.Mutations, batch.Summary)
	if err != nil {
		if rejected(err) {
			return false, in.reject(path, err)
		}
		in.logger.Warn("ingest: commit failed, will retry",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return false, fmt.Errorf("ingest: commit %s: %w", path, err)
	}
	in.seen[sum] = v.ID
	in.logger.Info("ingest: committed",
		slog.String("path", path),
		slog.Int64("version", int64(v.ID)),
		slog.Int("changes", len(v.Changes)))

	if err := in.archive(path, v.ID); err != nil {
		return true, err
	}
	if in.onCommit != nil {
		in.onCommit(path, v)
	}
	return true, nil
}

// loadProcessed seeds the duplicate set from the processed directory once.
func (in *Ingester) loadProcessed() error {
	if in.loaded {
		return nil
	}
	files, err := in.store.List(in.processed, parser.Supported)
	if err != nil {
		// No processed directory yet.
		in.loaded = true
		return nil
	}
	for _, f := range files {
		data, err := in.store.Read(f.Path)
		if err != nil {
			continue
		}
		batch, err := parser.Parse(f.Path, data)
		if err != nil {
			continue
		}
		if sum, err := checksum.Batch(batch.Mutations); err == nil {
			in.seen[sum] = models.Latest
		}
	}
	in.loaded = true
	in.logger.Debug("ingest: processed batches loaded", slog.Int("count", len(in.seen)))
	return nil
}

// archive moves a committed file to <processed>/<version>-<name>.
func (in *Ingester) archive(path string, v models.VersionID) error {
	dest := filepath.Join(in.processed, fmt.Sprintf("%06d-%s", v, filepath.Base(path)))
	if err := in.store.Move(path, dest); err != nil {
		return fmt.Errorf("ingest: archive %s: %w", path, err)
	}
	return nil
}

// reject moves path to the failed directory with an error report and
// returns cause.
func (in *Ingester) reject(path string, cause error) error {
	in.logger.Warn("ingest: batch rejected",
		slog.String("path", path),
		slog.String("error", cause.Error()))
	dest := filepath.Join(in.failed, filepath.Base(path))
	if err := in.store.Move(path, dest); err != nil {
		return errors.Join(cause, fmt.Errorf("ingest: move to failed: %w", err))
	}
	report := fmt.Sprintf("%s\n%s\n", time.Now().UTC().Format(time.RFC3339), cause.Error())
	if err := in.store.Write(dest+".error", []byte(report)); err != nil {
		return errors.Join(cause, fmt.Errorf("ingest: write error report: %w", err))
	}
	return cause
}

// rejected reports whether retrying err cannot succeed without editing the
// document.
func rejected(err error) bool {
	return errors.Is(err, apperr.ErrInvalidMutation) ||
		errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrConflict)
}
