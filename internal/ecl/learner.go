package ecl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/sync/singleflight"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/metrics"
	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/textsim"
)

// Config tunes embedding updates and relevance checks.
type Config struct {
	// Rate is the weight of a new version's embedding when blended into an
	// existing domain record.
	Rate float64 `yaml:"rate"`
	// Threshold is the minimum query/domain cosine for a domain to count
	// as relevant.
	Threshold  float64 `yaml:"threshold"`
	Dimensions int     `yaml:"dimensions"`
}

// DefaultConfig returns the learner defaults.
func DefaultConfig() Config {
	return Config{Rate: 0.3, Threshold: 0.25, Dimensions: defaultDim}
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Rate, validation.Required, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.Threshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.Dimensions, validation.Required, validation.Min(1)),
	)
}

// Source is the part of the graph the learner reads.
type Source interface {
	Latest(ctx context.Context) (models.VersionID, error)
	VersionsAfter(ctx context.Context, after models.VersionID) ([]models.Version, error)
	FetchVertex(ctx context.Context, id string, at models.VersionID) (models.Vertex, error)
	FetchRelationshipsOfPath(ctx context.Context, p models.Path, at models.VersionID) ([]models.Relationship, error)
}

// Learner maintains one embedding record per domain. Updates are eventually
// consistent: Check may observe records that lag the latest commit.
type Learner struct {
	cfg      Config
	source   Source
	records  Records
	embedder Embedder
	logger   *slog.Logger
	metrics  *metrics.Collector
	onUpdate func(domains []string, v models.VersionID)

	group singleflight.Group
	mu    sync.Mutex
	last  models.VersionID
}

// Option configures a Learner.
type Option func(*Learner)

func WithLogger(l *slog.Logger) Option {
	return func(le *Learner) { le.logger = l }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(le *Learner) { le.metrics = c }
}

func WithEmbedder(e Embedder) Option {
	return func(le *Learner) { le.embedder = e }
}

// OnUpdate registers fn to be called after each version's domains are
// updated.
func OnUpdate(fn func(domains []string, v models.VersionID)) Option {
	return func(le *Learner) { le.onUpdate = fn }
}

// New creates a Learner. The embedder defaults to a HashEmbedder of
// cfg.Dimensions.
func New(cfg Config, source Source, records Records, opts ...Option) *Learner {
	l := &Learner{
		cfg:      cfg,
		source:   source,
		records:  records,
		embedder: HashEmbedder{Dim: cfg.Dimensions},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Applied returns the newest version folded into the records.
func (l *Learner) Applied() models.VersionID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Run catches up with the store, then applies versions as they arrive
// until ctx is done or versions is closed. Notifications only trigger a
// sync; dropped or out-of-order notifications are harmless.
func (l *Learner) Run(ctx context.Context, versions <-chan models.Version) error {
	l.logger.Info("learner: started")
	if err := l.Sync(ctx); err != nil && ctx.Err() == nil {
		l.logger.Warn("learner: initial sync failed", slog.String("error", err.Error()))
	}
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("learner: stopped")
			return nil
		case v, ok := <-versions:
			if !ok {
				l.logger.Info("learner: version feed closed")
				return nil
			}
			if v.ID <= l.Applied() {
				continue
			}
			if err := l.Sync(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warn("learner: sync failed",
					slog.Int64("version", int64(v.ID)),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Sync applies every version newer than the last applied one. Concurrent
// callers share a single pass.
func (l *Learner) Sync(ctx context.Context) error {
	_, err, _ := l.group.Do("sync", func() (any, error) {
		pending, err := l.source.VersionsAfter(ctx, l.Applied())
		if err != nil {
			return nil, fmt.Errorf("ecl: versions after %d: %w", l.Applied(), err)
		}
		for _, v := range pending {
			if err := l.apply(ctx, v); err != nil {
				return nil, err
			}
			l.mu.Lock()
			l.last = v.ID
			l.mu.Unlock()
		}
		return nil, nil
	})
	return err
}

// apply folds the text of everything v touched into its domains' records.
// Invalidated entities are read at the version before v.
func (l *Learner) apply(ctx context.Context, v models.Version) error {
	texts := make(map[string][]string)
	for _, c := range v.Changes {
		at := v.ID
		if c.Op == models.OpInvalidated {
			at = v.ID - 1
		}
		if at <= 0 {
			continue
		}
		domain, text, err := l.describe(ctx, c, at)
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrPartialNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		texts[domain] = append(texts[domain], text)
	}

	domains := make([]string, 0, len(texts))
	for d := range texts {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		if err := l.update(ctx, d, strings.Join(texts[d], " "), v.ID); err != nil {
			return err
		}
	}
	if len(domains) > 0 {
		l.logger.Debug("learner: domains updated",
			slog.Int64("version", int64(v.ID)),
			slog.Any("domains", domains))
		if l.onUpdate != nil {
			l.onUpdate(domains, v.ID)
		}
	}
	return nil
}

func (l *Learner) describe(ctx context.Context, c models.Change, at models.VersionID) (string, string, error) {
	if c.Kind == models.KindVertex {
		vx, err := l.source.FetchVertex(ctx, c.ID, at)
		if err != nil {
			return "", "", err
		}
		return vx.Domain(), vertexText(vx), nil
	}
	rels, err := l.source.FetchRelationshipsOfPath(ctx, models.Path{Relationships: []models.Relationship{{ID: c.ID}}}, at)
	if err != nil {
		return "", "", err
	}
	rel := rels[0]
	subj, err := l.source.FetchVertex(ctx, rel.Subject, at)
	if err != nil {
		return "", "", err
	}
	obj, err := l.source.FetchVertex(ctx, rel.Object, at)
	if err != nil {
		return "", "", err
	}
	return subj.Domain(), subj.Label + " " + textsim.Humanize(rel.Predicate) + " " + obj.Label, nil
}

func vertexText(v models.Vertex) string {
	parts := []string{v.Label, v.Type}
	for _, k := range models.SortedKeys(v.Attributes) {
		parts = append(parts, v.Attributes[k])
	}
	return strings.Join(parts, " ")
}

func (l *Learner) update(ctx context.Context, domain, text string, v models.VersionID) error {
	vec, err := l.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("ecl: embed %q: %w", domain, err)
	}
	rec, err := l.records.Get(ctx, domain)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		rec = models.EmbeddingRecord{Domain: domain, Vector: vec}
	case err != nil:
		return err
	default:
		rec.Vector = Blend(rec.Vector, vec, l.cfg.Rate)
	}
	rec.LastVersion = v
	if err := l.records.Put(ctx, rec); err != nil {
		return err
	}
	l.metrics.EmbeddingUpdated()
	return nil
}

// Check reports whether a domain relevant to the query changed after
// pinned. A domain is relevant when it is listed in domains or its
// embedding is within Threshold of the query's. It returns nil when the
// query saw the newest information the learner knows of.
func (l *Learner) Check(ctx context.Context, query string, domains []string, pinned models.VersionID) (*models.Freshness, error) {
	latest, err := l.source.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if latest <= pinned {
		return nil, nil
	}
	qv, err := l.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ecl: embed query: %w", err)
	}
	recs, err := l.records.List(ctx)
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, rec := range recs {
		if rec.LastVersion <= pinned {
			continue
		}
		if slices.Contains(domains, rec.Domain) || Cosine(qv, rec.Vector) >= l.cfg.Threshold {
			stale = append(stale, rec.Domain)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	return &models.Freshness{
		Stale:   true,
		Domains: stale,
		Latest:  latest,
		Message: fmt.Sprintf("newer information may exist: %s changed after version %d (latest %d)",
			strings.Join(stale, ", "), pinned, latest),
	}, nil
}
