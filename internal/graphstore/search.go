package graphstore

import (
	"context"
	"sort"

	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/textsim"
)

const defaultSearchLimit = 20

// SearchVertices returns vertices whose labels match the keywords of text,
// best match first. Ranking is by keyword overlap, then label similarity
// to text, then id.
func (s *Store) SearchVertices(ctx context.Context, text string, at models.VersionID, limit int) ([]models.Vertex, error) {
	at, err := s.resolve(ctx, at)
	if err != nil {
		return nil, err
	}
	keywords := textsim.Keywords(text)
	if len(keywords) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	found, err := s.candidates(ctx, keywords, at)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		v            models.Vertex
		overlap, sim float64
	}
	rs := make([]ranked, 0, len(found))
	for _, v := range found {
		overlap := textsim.Overlap(textsim.Keywords(v.Label), keywords)
		if overlap == 0 {
			continue
		}
		rs = append(rs, ranked{v: v, overlap: overlap, sim: textsim.Similarity(v.Label, text)})
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].overlap != rs[j].overlap {
			return rs[i].overlap > rs[j].overlap
		}
		if rs[i].sim != rs[j].sim {
			return rs[i].sim > rs[j].sim
		}
		return rs[i].v.ID < rs[j].v.ID
	})
	if len(rs) > limit {
		rs = rs[:limit]
	}
	out := make([]models.Vertex, len(rs))
	for i, r := range rs {
		out[i] = r.v
	}
	return out, nil
}
