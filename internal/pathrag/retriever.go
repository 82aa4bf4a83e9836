// Package pathrag discovers and ranks multi-hop evidence paths for a query.
package pathrag

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/graphstore"
	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/textsim"
)

// Request is one retrieval. Entities, when given, are used as seed phrases
// in addition to the query text.
type Request struct {
	Query    string
	Entities []string
}

// Retriever is safe for concurrent use; per-query state lives in a run.
type Retriever struct {
	cfg    Config
	filter graphstore.Filter
	logger *slog.Logger
}

// New creates a Retriever. The relationship filter is the conjunction of
// cfg.Filter and the cfg.Predicates allow-list, whichever are set.
func New(cfg Config, logger *slog.Logger) (*Retriever, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var expr, preds graphstore.Filter
	if cfg.Filter != "" {
		f, err := graphstore.CompileFilter(cfg.Filter)
		if err != nil {
			return nil, err
		}
		expr = f
	}
	if len(cfg.Predicates) > 0 {
		preds = graphstore.PredicateFilter(cfg.Predicates...)
	}
	return &Retriever{cfg: cfg, filter: graphstore.All(expr, preds), logger: logger}, nil
}

// Config returns the retriever's configuration.
func (r *Retriever) Config() Config { return r.cfg }

// WithLimits returns a copy using the given limits. Zero depth or path
// limits and a nil minScore keep the current setting.
func (r *Retriever) WithLimits(maxDepth, maxPaths int, minScore *float64) *Retriever {
	cp := *r
	if maxDepth > 0 {
		cp.cfg.MaxDepth = maxDepth
	}
	if maxPaths > 0 {
		cp.cfg.MaxPaths = maxPaths
	}
	if minScore != nil {
		cp.cfg.MinScore = *minScore
	}
	return &cp
}

// Retrieve returns up to MaxPaths paths scoring at least MinScore, best
// first. Paths are simple unless AllowCycles is set. No qualifying path yields an empty slice and no error.
func (r *Retriever) Retrieve(ctx context.Context, view graphstore.View, req Request) ([]models.Path, error) {
	if len(textsim.Tokens(req.Query)) == 0 && len(req.Entities) == 0 {
		return nil, apperr.InvalidQuery("query has no searchable terms")
	}
	keywords := textsim.Keywords(strings.Join(append([]string{req.Query}, req.Entities...), " "))
	if len(keywords) == 0 {
		return []models.Path{}, nil
	}

	run := &run{cfg: r.cfg, view: view, keywords: keywords, labels: make(map[string]string)}
	seeds, err := run.seeds(ctx, req)
	if err != nil {
		return nil, err
	}

	best := make(map[string]models.Path)
	for _, seed := range seeds {
		treq := graphstore.TraverseRequest{
			Start:    seed.ID,
			MaxDepth: r.cfg.MaxDepth,
			Filter:   r.filter,
			Score: func(p models.Path) float64 {
				return run.score(ctx, p)
			},
			Prune:       run.prune,
			AllowCycles: r.cfg.AllowCycles,
		}
		for p, err := range view.Traverse(ctx, treq) {
			if err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					break
				}
				return nil, err
			}
			if p.Score < r.cfg.MinScore {
				continue
			}
			if prev, ok := best[p.ID()]; !ok || p.Score > prev.Score {
				best[p.ID()] = p
			}
		}
		if run.err != nil {
			return nil, run.err
		}
	}

	out := make([]models.Path, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	Rank(out)
	if len(out) > r.cfg.MaxPaths {
		out = out[:r.cfg.MaxPaths]
	}
	r.logger.Debug("pathrag: retrieved",
		slog.Int("seeds", len(seeds)),
		slog.Int("paths", len(out)),
		slog.Int64("version", int64(view.Version())))
	return out, nil
}

// Rank orders paths by score, then fewer hops, then path id.
func Rank(paths []models.Path) {
	sort.SliceStable(paths, func(i, j int) bool {
		a, b := paths[i], paths[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Len() != b.Len() {
			return a.Len() < b.Len()
		}
		return a.ID() < b.ID()
	})
}

// run is the state of one Retrieve call.
type run struct {
	cfg      Config
	view     graphstore.View
	keywords []string
	labels   map[string]string
	err      error
}

// seeds resolves seed vertices: the whole query first, then each entity
// phrase, deduplicated in order of discovery.
func (r *run) seeds(ctx context.Context, req Request) ([]models.Vertex, error) {
	phrases := append([]string{}, req.Entities...)
	if strings.TrimSpace(req.Query) != "" {
		phrases = append(phrases, req.Query)
	}
	seen := make(map[string]struct{})
	var out []models.Vertex
	for _, phrase := range phrases {
		vs, err := r.view.SearchVertices(ctx, phrase, r.cfg.MaxSeeds)
		if err != nil {
			return nil, err
		}
		for _, v := range vs {
			if _, dup := seen[v.ID]; dup {
				continue
			}
			seen[v.ID] = struct{}{}
			r.labels[v.ID] = v.Label
			out = append(out, v)
			if len(out) == r.cfg.MaxSeeds {
				return out, nil
			}
		}
	}
	return out, nil
}

func (r *run) label(ctx context.Context, id string) string {
	if l, ok := r.labels[id]; ok {
		return l
	}
	l := id
	v, err := r.view.Vertex(ctx, id)
	switch {
	case err == nil:
		l = v.Label
	case !errors.Is(err, apperr.ErrNotFound) && r.err == nil:
		r.err = err
	}
	r.labels[id] = l
	return l
}

// score computes structural × relevance for p. p.Score holds the prefix
// score on entry, since Extend copies it.
func (r *run) score(ctx context.Context, p models.Path) float64 {
	words := make([]string, 0, 2*p.Len()+1)
	for _, id := range p.Vertices {
		words = append(words, r.label(ctx, id))
	}
	edge := 0.0
	for _, rel := range p.Relationships {
		words = append(words, textsim.Humanize(rel.Predicate))
		edge = math.Max(edge, textsim.Overlap(textsim.Keywords(textsim.Humanize(rel.Predicate)), r.keywords))
	}
	return Score(r.cfg, textsim.Keywords(strings.Join(words, " ")), r.keywords, edge, p.Len(), p.Score)
}

// Score combines the scoring terms. prefix is the score of the path minus
// its last hop (ignored for one-hop paths).
func Score(cfg Config, pathKeywords, queryKeywords []string, edgeRelevance float64, hops int, prefix float64) float64 {
	relevance := cfg.SemanticWeight*textsim.Cosine(pathKeywords, queryKeywords) + cfg.EdgeWeight*edgeRelevance
	structural := math.Pow(cfg.HopDecay, float64(hops-1))
	s := structural * relevance
	after := cfg.MonotoneAfter
	if after <= 0 {
		after = 1
	}
	if hops > after && s > prefix {
		s = prefix
	}
	return s
}

// prune reports whether a partial path falls below the slack-adjusted
// threshold for its remaining depth budget.
func (r *run) prune(p models.Path) bool {
	if r.err != nil {
		return true
	}
	return p.Score < Threshold(r.cfg, p.Len())
}

// Threshold is MinScore·(1 − Slack·remaining/MaxDepth).
func Threshold(cfg Config, hops int) float64 {
	remaining := max(cfg.MaxDepth-hops, 0)
	return cfg.MinScore * (1 - cfg.Slack*float64(remaining)/float64(cfg.MaxDepth))
}
