package graphstore

import (
	"context"
	"iter"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/starford/veritas/internal/models"
)

const (
	spanRead     = "veritas.graph.read"
	spanTraverse = "veritas.graph.traverse"
	spanSearch   = "veritas.graph.search"
	spanCommit   = "veritas.graph.commit"
	spanHistory  = "veritas.graph.history"
)

// Traced wraps a Graph with OpenTelemetry spans. Safe for concurrent use
// when the inner graph is.
type Traced struct {
	inner  Graph
	tracer trace.Tracer
}

var _ Graph = (*Traced)(nil)

// NewTraced wraps inner with spans created by tracer.
func NewTraced(inner Graph, tracer trace.Tracer) *Traced {
	return &Traced{inner: inner, tracer: tracer}
}

func (t *Traced) start(ctx context.Context, name, op string, at models.VersionID) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("veritas.graph.op", op),
		attribute.Int64("veritas.graph.version", int64(at)),
	))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *Traced) Latest(ctx context.Context) (models.VersionID, error) {
	ctx, span := t.start(ctx, spanHistory, "latest", 0)
	v, err := t.inner.Latest(ctx)
	finish(span, err)
	return v, err
}

func (t *Traced) FetchVertex(ctx context.Context, id string, at models.VersionID) (models.Vertex, error) {
	ctx, span := t.start(ctx, spanRead, "fetch_vertex", at)
	span.SetAttributes(attribute.String("veritas.graph.vertex_id", id))
	v, err := t.inner.FetchVertex(ctx, id, at)
	finish(span, err)
	return v, err
}

func (t *Traced) FetchRelationshipsOfPath(ctx context.Context, p models.Path, at models.VersionID) ([]models.Relationship, error) {
	ctx, span := t.start(ctx, spanRead, "fetch_path", at)
	span.SetAttributes(attribute.Int("veritas.graph.path_len", p.Len()))
	rels, err := t.inner.FetchRelationshipsOfPath(ctx, p, at)
	finish(span, err)
	return rels, err
}

func (t *Traced) Neighbors(ctx context.Context, vertexID string, at models.VersionID) ([]models.Relationship, error) {
	ctx, span := t.start(ctx, spanRead, "neighbors", at)
	span.SetAttributes(attribute.String("veritas.graph.vertex_id", vertexID))
	rels, err := t.inner.Neighbors(ctx, vertexID, at)
	span.SetAttributes(attribute.Int("veritas.graph.result_count", len(rels)))
	finish(span, err)
	return rels, err
}

// Traverse spans the whole enumeration, ending when the consumer stops.
func (t *Traced) Traverse(ctx context.Context, req TraverseRequest, at models.VersionID) iter.Seq2[models.Path, error] {
	return func(yield func(models.Path, error) bool) {
		ctx, span := t.start(ctx, spanTraverse, "traverse", at)
		span.SetAttributes(
			attribute.String("veritas.graph.start", req.Start),
			attribute.Int("veritas.graph.max_depth", req.MaxDepth),
		)
		var (
			n      int
			outErr error
		)
		defer func() {
			span.SetAttributes(attribute.Int("veritas.graph.paths", n))
			finish(span, outErr)
		}()
		for p, err := range t.inner.Traverse(ctx, req, at) {
			if err != nil {
				outErr = err
			} else {
				n++
			}
			if !yield(p, err) {
				return
			}
		}
	}
}

func (t *Traced) SearchVertices(ctx context.Context, text string, at models.VersionID, limit int) ([]models.Vertex, error) {
	ctx, span := t.start(ctx, spanSearch, "search_vertices", at)
	vs, err := t.inner.SearchVertices(ctx, text, at, limit)
	span.SetAttributes(attribute.Int("veritas.graph.result_count", len(vs)))
	finish(span, err)
	return vs, err
}

func (t *Traced) FindRelationships(ctx context.Context, q RelationshipQuery, at models.VersionID) ([]models.Relationship, error) {
	ctx, span := t.start(ctx, spanRead, "find_relationships", at)
	span.SetAttributes(attribute.String("veritas.graph.predicate", q.Predicate))
	rels, err := t.inner.FindRelationships(ctx, q, at)
	finish(span, err)
	return rels, err
}

func (t *Traced) Predicates(ctx context.Context, at models.VersionID) ([]string, error) {
	ctx, span := t.start(ctx, spanRead, "predicates", at)
	ps, err := t.inner.Predicates(ctx, at)
	finish(span, err)
	return ps, err
}

func (t *Traced) Commit(ctx context.Context, m models.Mutations, summary string) (models.Version, error) {
	ctx, span := t.start(ctx, spanCommit, "commit", m.BaseVersion)
	span.SetAttributes(
		attribute.Int("veritas.graph.vertex_mutations", len(m.Vertices)),
		attribute.Int("veritas.graph.relationship_mutations", len(m.Relationships)),
	)
	v, err := t.inner.Commit(ctx, m, summary)
	if err == nil {
		span.SetAttributes(attribute.Int64("veritas.graph.committed_version", int64(v.ID)))
	}
	finish(span, err)
	return v, err
}

func (t *Traced) Version(ctx context.Context, id models.VersionID) (models.Version, error) {
	ctx, span := t.start(ctx, spanHistory, "version", id)
	v, err := t.inner.Version(ctx, id)
	finish(span, err)
	return v, err
}

func (t *Traced) VersionsAfter(ctx context.Context, after models.VersionID) ([]models.Version, error) {
	ctx, span := t.start(ctx, spanHistory, "versions_after", after)
	vs, err := t.inner.VersionsAfter(ctx, after)
	finish(span, err)
	return vs, err
}

func (t *Traced) Diff(ctx context.Context, from, to models.VersionID) (models.ChangeSet, error) {
	ctx, span := t.start(ctx, spanHistory, "diff", to)
	span.SetAttributes(attribute.Int64("veritas.graph.from", int64(from)))
	cs, err := t.inner.Diff(ctx, from, to)
	finish(span, err)
	return cs, err
}

func (t *Traced) Ping(ctx context.Context) error { return t.inner.Ping(ctx) }

func (t *Traced) Close() error { return t.inner.Close() }
