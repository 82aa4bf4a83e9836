package graphstore

import (
	"context"
	"iter"

	"github.com/starford/veritas/internal/models"
)

// Traverse lazily enumerates paths from req.Start up to req.MaxDepth hops
// in depth-first order. Neighbors are visited in relationship-id order, so
// the sequence is deterministic for a given version. Unless AllowCycles is
// set only simple paths are produced; even then no relationship repeats.
//
// The consumer may stop at any point; a read error is yielded once and ends
// the sequence.
func (s *Store) Traverse(ctx context.Context, req TraverseRequest, at models.VersionID) iter.Seq2[models.Path, error] {
	return func(yield func(models.Path, error) bool) {
		at, err := s.resolve(ctx, at)
		if err != nil {
			yield(models.Path{}, err)
			return
		}
		if req.MaxDepth <= 0 {
			return
		}
		if _, err := s.FetchVertex(ctx, req.Start, at); err != nil {
			yield(models.Path{}, err)
			return
		}
		w := walker{store: s, req: req, at: at, yield: yield}
		w.walk(ctx, models.Path{Vertices: []string{req.Start}})
	}
}

type walker struct {
	store *Store
	req   TraverseRequest
	at    models.VersionID
	yield func(models.Path, error) bool
}

// walk expands p and reports whether the traversal should continue.
func (w *walker) walk(ctx context.Context, p models.Path) bool {
	if err := ctx.Err(); err != nil {
		w.yield(models.Path{}, err)
		return false
	}
	rels, err := w.store.neighbors(ctx, p.Last(), w.at)
	if err != nil {
		w.yield(models.Path{}, err)
		return false
	}
	for _, r := range rels {
		next := r.Other(p.Last())
		if !w.admissible(p, r, next) {
			continue
		}
		if w.req.Filter != nil && !w.req.Filter(r) {
			continue
		}
		np := p.Extend(r, next)
		if w.req.Score != nil {
			np.Score = w.req.Score(np)
		}
		if w.req.Prune != nil && w.req.Prune(np) {
			continue
		}
		if !w.yield(np, nil) {
			return false
		}
		if np.Len() < w.req.MaxDepth && !w.walk(ctx, np) {
			return false
		}
	}
	return true
}

func (w *walker) admissible(p models.Path, r models.Relationship, next string) bool {
	for _, used := range p.Relationships {
		if used.ID == r.ID {
			return false
		}
	}
	if w.req.AllowCycles {
		return true
	}
	return !p.Contains(next)
}
