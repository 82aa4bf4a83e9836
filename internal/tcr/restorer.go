// Package tcr restores textual context for retrieved paths and widens it
// with supplementary lookups driven by generator uncertainty and feedback.
package tcr

import (
	"context"
	"errors"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/graphstore"
	"github.com/starford/veritas/internal/models"
)

const (
	fullConfidence    = 1.0
	partialConfidence = 0.5
)

// Config bounds supplementary context.
type Config struct {
	MaxSupplementary        int     `yaml:"max_supplementary"`
	SupplementaryConfidence float64 `yaml:"supplementary_confidence"`
	SearchLimit             int     `yaml:"search_limit"`
}

// DefaultConfig returns the restorer defaults.
func DefaultConfig() Config {
	return Config{MaxSupplementary: 6, SupplementaryConfidence: 0.6, SearchLimit: 2}
}

// Validate validates the restorer configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxSupplementary, validation.Min(0), validation.Max(100)),
		validation.Field(&c.SupplementaryConfidence, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.SearchLimit, validation.Required, validation.Min(1)),
	)
}

// Request is one restoration. Draft and Uncertainty come from a previous
// generation; Seeds are claims that failed verification.
type Request struct {
	Path          models.Path
	Draft         string
	Uncertainty   []string
	QueryEntities []string
	DraftEntities []string
	Seeds         []models.Claim
}

// Restorer is stateless apart from its configuration.
type Restorer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Restorer.
func New(cfg Config, logger *slog.Logger) *Restorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Restorer{cfg: cfg, logger: logger}
}

// Restore returns the path-derived fragments in path order followed by
// supplementary fragments, which are only produced when the request carries
// uncertainty or feedback seeds.
func (r *Restorer) Restore(ctx context.Context, view graphstore.View, req Request) ([]models.Fragment, error) {
	out, err := r.pathFragments(ctx, view, req.Path)
	if err != nil {
		return nil, err
	}
	phrases := r.lookupPhrases(req)
	if len(phrases) == 0 || r.cfg.MaxSupplementary == 0 {
		return out, nil
	}
	sup, err := r.supplementary(ctx, view, req.Path, phrases)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("tcr: supplementary context",
		slog.Int("phrases", len(phrases)),
		slog.Int("fragments", len(sup)))
	return append(out, sup...), nil
}

// pathFragments renders one fragment per path relationship. The result
// depends only on the path and the view's version.
func (r *Restorer) pathFragments(ctx context.Context, view graphstore.View, p models.Path) ([]models.Fragment, error) {
	rels, err := view.RelationshipsOf(ctx, p)
	if err != nil && !errors.Is(err, apperr.ErrPartialNotFound) {
		return nil, err
	}
	current := make(map[string]models.Relationship, len(rels))
	for _, rel := range rels {
		current[rel.ID] = rel
	}

	out := make([]models.Fragment, 0, p.Len())
	for _, ref := range p.Relationships {
		rel, ok := current[ref.ID]
		confidence := fullConfidence
		if !ok {
			rel = ref
			confidence = partialConfidence
		}
		subj, err := lookup(ctx, view, rel.Subject)
		if err != nil {
			return nil, err
		}
		obj, err := lookup(ctx, view, rel.Object)
		if err != nil {
			return nil, err
		}
		if subj == nil || obj == nil {
			confidence = partialConfidence
		}
		out = append(out, models.Fragment{
			Text:           render(rel, subj, obj),
			RelationshipID: rel.ID,
			Confidence:     confidence,
		})
	}
	return out, nil
}

// lookup returns nil for a vertex missing at the view's version.
func lookup(ctx context.Context, view graphstore.View, id string) (*models.Vertex, error) {
	v, err := view.Vertex(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// lookupPhrases collects, in a fixed order, the entity phrases near
// uncertainty markers, the failing claims' entities, then the query and
// draft entities. Query and draft entities only widen context when there is
// uncertainty or feedback to act on.
func (r *Restorer) lookupPhrases(req Request) []string {
	var phrases []string
	for _, m := range ExtractUncertainty(req.Draft) {
		phrases = append(phrases, EntityPhrases(m.Sentence)...)
	}
	for _, u := range req.Uncertainty {
		phrases = append(phrases, EntityPhrases(u)...)
	}
	for _, c := range req.Seeds {
		phrases = append(phrases, c.Subject, c.Object)
	}
	if len(phrases) == 0 {
		return nil
	}
	phrases = append(phrases, req.QueryEntities...)
	phrases = append(phrases, req.DraftEntities...)
	return dedupe(phrases)
}

func (r *Restorer) supplementary(ctx context.Context, view graphstore.View, p models.Path, phrases []string) ([]models.Fragment, error) {
	onPath := make(map[string]struct{}, p.Len())
	for _, rel := range p.Relationships {
		onPath[rel.ID] = struct{}{}
	}
	seenVertex := make(map[string]struct{})
	var out []models.Fragment

	for _, phrase := range phrases {
		vs, err := view.SearchVertices(ctx, phrase, r.cfg.SearchLimit)
		if err != nil {
			return nil, err
		}
		for _, v := range vs {
			if _, ok := seenVertex[v.ID]; ok {
				continue
			}
			seenVertex[v.ID] = struct{}{}

			rels, err := view.Neighbors(ctx, v.ID)
			if err != nil {
				return nil, err
			}
			if len(rels) == 0 {
				out = append(out, models.Fragment{
					Text:          describe(v),
					VertexID:      v.ID,
					Confidence:    r.cfg.SupplementaryConfidence,
					Supplementary: true,
				})
			}
			for _, rel := range rels {
				if _, ok := onPath[rel.ID]; ok {
					continue
				}
				onPath[rel.ID] = struct{}{}
				subj, err := lookup(ctx, view, rel.Subject)
				if err != nil {
					return nil, err
				}
				obj, err := lookup(ctx, view, rel.Object)
				if err != nil {
					return nil, err
				}
				out = append(out, models.Fragment{
					Text:           render(rel, subj, obj),
					RelationshipID: rel.ID,
					VertexID:       v.ID,
					Confidence:     r.cfg.SupplementaryConfidence,
					Supplementary:  true,
				})
				if len(out) >= r.cfg.MaxSupplementary {
					return out, nil
				}
			}
			if len(out) >= r.cfg.MaxSupplementary {
				return out[:r.cfg.MaxSupplementary], nil
			}
		}
	}
	return out, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
