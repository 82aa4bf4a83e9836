// Package graphcheck verifies the claims of a generated answer against the
// knowledge graph.
package graphcheck

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/veritas/internal/graphstore"
	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/tcr"
	"github.com/starford/veritas/internal/textsim"
)

// Config holds the matching tolerances.
type Config struct {
	// EntityTolerance is the minimum label similarity for a claim entity to
	// resolve to a vertex.
	EntityTolerance float64 `yaml:"entity_tolerance"`
	// PredicateTolerance is the minimum similarity between a claim predicate
	// and a relationship predicate.
	PredicateTolerance float64 `yaml:"predicate_tolerance"`
	// MultiValuedPredicates may hold several objects per subject, so a
	// different object is not a contradiction.
	MultiValuedPredicates []string `yaml:"multi_valued_predicates"`
	CandidateLimit        int      `yaml:"candidate_limit"`
}

// DefaultConfig returns the verifier defaults.
func DefaultConfig() Config {
	return Config{
		EntityTolerance:       0.85,
		PredicateTolerance:    0.7,
		MultiValuedPredicates: []string{"borders", "locatedIn", "memberOf", "knows"},
		CandidateLimit:        5,
	}
}

// Validate validates the verifier configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.EntityTolerance, validation.Required, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.PredicateTolerance, validation.Required, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.CandidateLimit, validation.Required, validation.Min(1)),
	)
}

// Verifier is safe for concurrent use.
type Verifier struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Verifier.
func New(cfg Config, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{cfg: cfg, logger: logger}
}

// Verify extracts the claims of answer and checks each against view.
// The verdict passes only when at least one claim was found and every
// claim is Supported.
func (v *Verifier) Verify(ctx context.Context, view graphstore.View, answer string, fragments []models.Fragment) (models.Verdict, error) {
	vocabulary, err := view.Predicates(ctx)
	if err != nil {
		return models.Verdict{}, err
	}
	evidence := make(map[string]string, len(fragments))
	for _, f := range fragments {
		if f.RelationshipID != "" {
			evidence[f.RelationshipID] = tcr.LeadSentence(f.Text)
		}
	}

	verdict := models.Verdict{Status: models.Pass, Claims: []models.ClaimResult{}}
	for _, c := range ExtractClaims(answer, vocabulary, v.cfg.PredicateTolerance) {
		res, err := v.Check(ctx, view, c)
		if err != nil {
			return models.Verdict{}, err
		}
		if text, ok := evidence[res.Evidence]; ok && res.Status == models.Supported {
			res.Evidence = text
		}
		verdict.Claims = append(verdict.Claims, res)
		if res.Status != models.Supported {
			verdict.Failing = append(verdict.Failing, c)
		}
	}
	if len(verdict.Claims) == 0 || len(verdict.Failing) > 0 {
		verdict.Status = models.Fail
	}
	v.logger.Debug("graphcheck: verified",
		slog.Int("claims", len(verdict.Claims)),
		slog.Int("failing", len(verdict.Failing)),
		slog.Int64("version", int64(view.Version())))
	return verdict, nil
}

// Check classifies one claim. Supported requires a relationship between the
// resolved subject and object whose predicate matches within tolerance.
// Contradicted requires an opposing relationship: the negated predicate
// between the pair, or, for single-valued predicates, the same predicate
// from the subject to a different object. Everything else is Unverifiable.
func (v *Verifier) Check(ctx context.Context, view graphstore.View, c models.Claim) (models.ClaimResult, error) {
	res := models.ClaimResult{Claim: c, Status: models.Unverifiable}

	subjects, err := v.resolve(ctx, view, c.Subject)
	if err != nil {
		return res, err
	}
	objects, err := v.resolve(ctx, view, c.Object)
	if err != nil {
		return res, err
	}
	if len(subjects) == 0 || len(objects) == 0 {
		res.Evidence = "entity not found in graph"
		return res, nil
	}
	claimPred, claimNeg := SplitNegation(c.Predicate)

	objectIDs := make(map[string]struct{}, len(objects))
	for _, o := range objects {
		objectIDs[o.ID] = struct{}{}
	}

	var opposing string
	for _, s := range subjects {
		rels, err := view.FindRelationships(ctx, graphstore.RelationshipQuery{Subject: s.ID})
		if err != nil {
			return res, err
		}
		for _, rel := range rels {
			relPred, relNeg := SplitNegation(rel.Predicate)
			if textsim.Similarity(relPred, claimPred) < v.cfg.PredicateTolerance {
				continue
			}
			_, sameObject := objectIDs[rel.Object]
			switch {
			case sameObject && relNeg == claimNeg:
				res.Status = models.Supported
				res.Evidence = rel.ID
				return res, nil
			case sameObject:
				opposing = rel.ID
			case !claimNeg && !relNeg && !v.multiValued(rel.Predicate) && opposing == "":
				opposing = rel.ID
			}
		}
	}
	if opposing != "" {
		res.Status = models.Contradicted
		res.Evidence = opposing
		return res, nil
	}
	res.Evidence = fmt.Sprintf("no relationship matching %q", c.Predicate)
	return res, nil
}

func (v *Verifier) multiValued(predicate string) bool {
	return slices.Contains(v.cfg.MultiValuedPredicates, predicate)
}

// resolve returns the vertices whose label is within EntityTolerance of text.
func (v *Verifier) resolve(ctx context.Context, view graphstore.View, text string) ([]models.Vertex, error) {
	candidates, err := view.SearchVertices(ctx, text, v.cfg.CandidateLimit)
	if err != nil {
		return nil, err
	}
	var out []models.Vertex
	for _, c := range candidates {
		if textsim.Similarity(c.Label, text) >= v.cfg.EntityTolerance || c.ID == text {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		if vx, err := view.Vertex(ctx, text); err == nil {
			out = append(out, vx)
		}
	}
	return out, nil
}
