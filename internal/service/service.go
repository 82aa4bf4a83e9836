// Package service is the facade the HTTP API, the MCP server and the CLI
// share: it admits queries into the pipeline and exposes version reads.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/sync/semaphore"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/pipeline"
	"github.com/starford/veritas/internal/version"
)

const (
	defaultMaxConcurrent = 16
	maxQueryLength       = 4096
	maxDepthLimit        = 8
	maxPathsLimit        = 100
	maxFeedbackRounds    = 10
)

// QueryRequest is one user query.
type QueryRequest struct {
	Text      string             `json:"query"`
	Version   models.VersionID   `json:"version,omitempty"`
	Overrides pipeline.Overrides `json:"overrides"`
}

// Validate checks the request shape before it enters the pipeline.
func (r QueryRequest) Validate() error {
	o := r.Overrides
	return validation.Errors{
		"query":   validation.Validate(strings.TrimSpace(r.Text), validation.Required, validation.Length(1, maxQueryLength)),
		"version": validation.Validate(int64(r.Version), validation.Min(int64(0))),
		"overrides": validation.ValidateStruct(&o,
			validation.Field(&o.MaxDepth, validation.Min(0), validation.Max(maxDepthLimit)),
			validation.Field(&o.MaxPaths, validation.Min(0), validation.Max(maxPathsLimit)),
			validation.Field(&o.MinScore, validation.Min(0.0), validation.Max(1.0)),
			validation.Field(&o.FeedbackRounds, validation.Min(0), validation.Max(maxFeedbackRounds)),
		),
	}.Filter()
}

// VertexDetail is a vertex with its live relationships at a version.
type VertexDetail struct {
	Vertex        models.Vertex         `json:"vertex"`
	Relationships []models.Relationship `json:"relationships"`
	Version       models.VersionID      `json:"version"`
}

// Service coordinates the pipeline and the version manager.
type Service struct {
	pipeline *pipeline.Orchestrator
	versions *version.Manager
	admit    *semaphore.Weighted
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMaxConcurrent bounds the number of queries running at once.
func WithMaxConcurrent(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.admit = semaphore.NewWeighted(int64(n))
		}
	}
}

// New creates a new Service.
func New(p *pipeline.Orchestrator, versions *version.Manager, opts ...Option) *Service {
	s := &Service{
		pipeline: p,
		versions: versions,
		admit:    semaphore.NewWeighted(defaultMaxConcurrent),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Query validates req and runs it through the pipeline. It blocks while
// the admission limit is reached and returns ctx's error if ctx ends first.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*pipeline.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, apperr.InvalidQuery("%v", err)
	}
	if err := s.admit.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("service: query: %w", err)
	}
	defer s.admit.Release(1)

	res, err := s.pipeline.Run(ctx, pipeline.Query{
		Text:      req.Text,
		Version:   req.Version,
		Overrides: req.Overrides,
	})
	if err != nil {
		var perr *apperr.PipelineError
		if errors.As(err, &perr) {
			s.logger.Warn("service: query failed",
				slog.String("query_id", perr.QueryID),
				slog.String("stage", perr.Stage),
				slog.String("error", perr.Err.Error()),
			)
		}
		return nil, err
	}
	return res, nil
}

// Commit applies a mutation batch as one new version.
func (s *Service) Commit(ctx context.Context, batch models.Mutations, summary string) (models.Version, error) {
	if batch.IsEmpty() {
		return models.Version{}, fmt.Errorf("%w: empty batch", apperr.ErrInvalidMutation)
	}
	return s.versions.Commit(ctx, batch, summary)
}

// Latest returns the latest committed version id, 0 for an empty graph.
func (s *Service) Latest(ctx context.Context) (models.VersionID, error) {
	return s.versions.Latest(ctx)
}

// Version returns one committed version with its change list.
func (s *Service) Version(ctx context.Context, id models.VersionID) (models.Version, error) {
	if id <= 0 {
		return models.Version{}, apperr.ErrNotFound
	}
	return s.versions.Version(ctx, id)
}

// Diff returns the entities changed between from and to.
func (s *Service) Diff(ctx context.Context, from, to models.VersionID) (models.ChangeSet, error) {
	if from < 0 || to < 0 {
		return models.ChangeSet{}, apperr.InvalidQuery("versions must not be negative")
	}
	return s.versions.Diff(ctx, from, to)
}

// Vertex reads a vertex and its relationships at version at (0 = latest).
func (s *Service) Vertex(ctx context.Context, id string, at models.VersionID) (VertexDetail, error) {
	snap, err := s.versions.At(ctx, at)
	if err != nil {
		return VertexDetail{}, err
	}
	v, err := snap.Vertex(ctx, id)
	if err != nil {
		return VertexDetail{}, err
	}
	rels, err := snap.Neighbors(ctx, id)
	if err != nil {
		return VertexDetail{}, err
	}
	if rels == nil {
		rels = []models.Relationship{}
	}
	return VertexDetail{Vertex: v, Relationships: rels, Version: snap.Version()}, nil
}

// Subscribe forwards version.Manager notifications.
func (s *Service) Subscribe(buffer int) (<-chan models.Version, func()) {
	return s.versions.Subscribe(buffer)
}
