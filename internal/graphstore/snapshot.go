package graphstore

import (
	"context"
	"iter"

	"github.com/starford/veritas/internal/models"
)

// View is a read handle pinned to one version. Every read through a View
// observes the same version regardless of concurrent commits.
type View interface {
	Version() models.VersionID
	Vertex(ctx context.Context, id string) (models.Vertex, error)
	RelationshipsOf(ctx context.Context, p models.Path) ([]models.Relationship, error)
	Neighbors(ctx context.Context, vertexID string) ([]models.Relationship, error)
	Traverse(ctx context.Context, req TraverseRequest) iter.Seq2[models.Path, error]
	SearchVertices(ctx context.Context, text string, limit int) ([]models.Vertex, error)
	FindRelationships(ctx context.Context, q RelationshipQuery) ([]models.Relationship, error)
	Predicates(ctx context.Context) ([]string, error)
}

// Snapshot implements View over a Reader.
type Snapshot struct {
	r       Reader
	version models.VersionID
}

var _ View = (*Snapshot)(nil)

// NewSnapshot pins r to version v. v must be a committed version; use
// Pin to resolve models.Latest.
func NewSnapshot(r Reader, v models.VersionID) *Snapshot {
	return &Snapshot{r: r, version: v}
}

// Pin resolves at (models.Latest allowed) and returns a Snapshot of it.
func Pin(ctx context.Context, r Reader, at models.VersionID) (*Snapshot, error) {
	if at == models.Latest {
		latest, err := r.Latest(ctx)
		if err != nil {
			return nil, err
		}
		at = latest
	}
	return NewSnapshot(r, at), nil
}

func (s *Snapshot) Version() models.VersionID { return s.version }

func (s *Snapshot) Vertex(ctx context.Context, id string) (models.Vertex, error) {
	return s.r.FetchVertex(ctx, id, s.at())
}

func (s *Snapshot) RelationshipsOf(ctx context.Context, p models.Path) ([]models.Relationship, error) {
	return s.r.FetchRelationshipsOfPath(ctx, p, s.at())
}

func (s *Snapshot) Neighbors(ctx context.Context, vertexID string) ([]models.Relationship, error) {
	return s.r.Neighbors(ctx, vertexID, s.at())
}

func (s *Snapshot) Traverse(ctx context.Context, req TraverseRequest) iter.Seq2[models.Path, error] {
	return s.r.Traverse(ctx, req, s.at())
}

func (s *Snapshot) SearchVertices(ctx context.Context, text string, limit int) ([]models.Vertex, error) {
	return s.r.SearchVertices(ctx, text, s.at(), limit)
}

func (s *Snapshot) FindRelationships(ctx context.Context, q RelationshipQuery) ([]models.Relationship, error) {
	return s.r.FindRelationships(ctx, q, s.at())
}

func (s *Snapshot) Predicates(ctx context.Context) ([]string, error) {
	return s.r.Predicates(ctx, s.at())
}

// at maps the empty store (version 0) to a version no row can satisfy,
// since models.Latest would otherwise float to later commits.
func (s *Snapshot) at() models.VersionID {
	if s.version == models.Latest {
		return emptyVersion
	}
	return s.version
}

const emptyVersion models.VersionID = -1
