// Package version assigns graph versions, pins read snapshots and fans out
// commit notifications.
package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/graphstore"
	"github.com/starford/veritas/internal/metrics"
	"github.com/starford/veritas/internal/models"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 50 * time.Millisecond
	defaultBuffer     = 16
)

// Manager is safe for concurrent use.
type Manager struct {
	graph      graphstore.Graph
	logger     *slog.Logger
	metrics    *metrics.Collector
	maxRetries int
	baseDelay  time.Duration

	// commitMu orders graph commits with their publication.
	commitMu sync.Mutex

	mu     sync.Mutex
	subs   map[int]chan models.Version
	nextID int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records commits on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithRetry bounds rebase attempts for unpinned commits.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(m *Manager) {
		if maxRetries > 0 {
			m.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			m.baseDelay = baseDelay
		}
	}
}

// New creates a Manager over g.
func New(g graphstore.Graph, opts ...Option) *Manager {
	m := &Manager{
		graph:      g,
		logger:     slog.Default(),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		subs:       make(map[int]chan models.Version),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Commit applies batch as one new version.
//
// A batch with BaseVersion set is checked against that version and a
// conflict is returned as is. A batch without one is rebased on the latest
// version and retried with exponential backoff when a concurrent commit
// touches the same vertices.
func (m *Manager) Commit(ctx context.Context, batch models.Mutations, summary string) (models.Version, error) {
	pinned := batch.BaseVersion != 0
	attempts := 1
	if !pinned {
		attempts = m.maxRetries
	}

	var lastErr error
	for attempt := range attempts {
		v, err := m.commitOnce(ctx, batch, summary, pinned)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !errors.Is(err, apperr.ErrConflict) {
			m.metrics.CommitDone(0, err)
			return models.Version{}, err
		}
		m.metrics.CommitConflict()
		if pinned || attempt == attempts-1 {
			break
		}
		delay := m.baseDelay * time.Duration(1<<attempt)
		m.logger.Debug("version: conflict, rebasing",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return models.Version{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return models.Version{}, fmt.Errorf("version: commit after %d attempt(s): %w", attempts, lastErr)
}

// commitOnce commits and publishes under commitMu so subscribers see
// versions in id order.
func (m *Manager) commitOnce(ctx context.Context, batch models.Mutations, summary string, pinned bool) (models.Version, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if !pinned {
		latest, err := m.graph.Latest(ctx)
		if err != nil {
			return models.Version{}, err
		}
		batch.BaseVersion = latest
	}
	v, err := m.graph.Commit(ctx, batch, summary)
	if err != nil {
		return models.Version{}, err
	}
	m.metrics.CommitDone(int64(v.ID), nil)
	m.logger.Info("version: committed",
		slog.Int64("version", int64(v.ID)),
		slog.Int("changes", len(v.Changes)),
		slog.String("summary", summary))
	m.publish(v)
	return v, nil
}

// Latest returns the newest committed version (0 when empty).
func (m *Manager) Latest(ctx context.Context) (models.VersionID, error) {
	return m.graph.Latest(ctx)
}

// At returns a read handle pinned to v. models.Latest pins the newest
// version at call time; an uncommitted v is ErrNotFound.
func (m *Manager) At(ctx context.Context, v models.VersionID) (*graphstore.Snapshot, error) {
	if v != models.Latest {
		if _, err := m.graph.Version(ctx, v); err != nil {
			return nil, err
		}
	}
	return graphstore.Pin(ctx, m.graph, v)
}

// Version returns a committed version's metadata.
func (m *Manager) Version(ctx context.Context, v models.VersionID) (models.Version, error) {
	return m.graph.Version(ctx, v)
}

// Diff returns the ids changed between two versions.
func (m *Manager) Diff(ctx context.Context, from, to models.VersionID) (models.ChangeSet, error) {
	return m.graph.Diff(ctx, from, to)
}

// VersionsAfter returns every version newer than v, oldest first.
func (m *Manager) VersionsAfter(ctx context.Context, v models.VersionID) ([]models.Version, error) {
	return m.graph.VersionsAfter(ctx, v)
}

// Subscribe returns a channel of committed versions and a cancel func.
// Delivery never blocks the committer: when the subscriber's buffer is full
// the notification is dropped, so consumers reconcile via VersionsAfter.
func (m *Manager) Subscribe(buffer int) (<-chan models.Version, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan models.Version, buffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(v models.Version) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- v:
		default:
			m.logger.Warn("version: subscriber lagging, notification dropped",
				slog.Int("subscriber", id),
				slog.Int64("version", int64(v.ID)))
		}
	}
}
