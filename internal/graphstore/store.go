package graphstore

import (
	"context"
	"iter"

	"github.com/starford/veritas/internal/models"
)

// Filter selects the relationships a traversal may follow.
type Filter func(models.Relationship) bool

// TraverseRequest describes a bounded traversal from Start.
//
// Edges are followed in both directions. Score, when set, assigns each
// candidate its score; on entry the candidate still carries its prefix's
// score. Prune is then consulted and returning true drops the candidate and
// its subtree.
type TraverseRequest struct {
	Start       string
	MaxDepth    int
	Filter      Filter
	Score       func(models.Path) float64
	Prune       func(models.Path) bool
	AllowCycles bool
}

// RelationshipQuery matches relationships by exact subject, predicate and
// object. Empty fields match anything.
type RelationshipQuery struct {
	Subject   string
	Predicate string
	Object    string
}

// Reader is the read side of the graph. Every read names the version it
// observes; models.Latest resolves to the newest commit.
type Reader interface {
	Latest(ctx context.Context) (models.VersionID, error)
	FetchVertex(ctx context.Context, id string, at models.VersionID) (models.Vertex, error)
	FetchRelationshipsOfPath(ctx context.Context, p models.Path, at models.VersionID) ([]models.Relationship, error)
	Neighbors(ctx context.Context, vertexID string, at models.VersionID) ([]models.Relationship, error)
	Traverse(ctx context.Context, req TraverseRequest, at models.VersionID) iter.Seq2[models.Path, error]
	SearchVertices(ctx context.Context, text string, at models.VersionID, limit int) ([]models.Vertex, error)
	FindRelationships(ctx context.Context, q RelationshipQuery, at models.VersionID) ([]models.Relationship, error)
	Predicates(ctx context.Context, at models.VersionID) ([]string, error)
}

// Writer commits mutation batches as new versions.
type Writer interface {
	Commit(ctx context.Context, m models.Mutations, summary string) (models.Version, error)
}

// History exposes committed version metadata.
type History interface {
	Version(ctx context.Context, id models.VersionID) (models.Version, error)
	VersionsAfter(ctx context.Context, after models.VersionID) ([]models.Version, error)
	Diff(ctx context.Context, from, to models.VersionID) (models.ChangeSet, error)
}

// Graph is the full store surface.
type Graph interface {
	Reader
	Writer
	History
	Ping(ctx context.Context) error
	Close() error
}

var _ Graph = (*Store)(nil)
