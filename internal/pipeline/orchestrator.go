// Package pipeline drives one query through retrieval, restoration,
// generation and verification, feeding failed claims back until the answer
// verifies or the feedback bound is reached.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/generator"
	"github.com/starford/veritas/internal/graphcheck"
	"github.com/starford/veritas/internal/graphstore"
	"github.com/starford/veritas/internal/metrics"
	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/pathrag"
	"github.com/starford/veritas/internal/tcr"
)

const (
	stagePin       = "pin"
	stageRetrieve  = "retrieve"
	stageRestore   = "restore"
	stageGenerate  = "generate"
	stageVerify    = "verify"
	freshnessLimit = 5
)

// Status is the terminal status of a query.
type Status string

const (
	StatusDone               Status = "done"
	StatusVerificationFailed Status = "verification_failed"
)

// Overrides adjust one query's limits. Zero limits keep the configured
// setting; MinScore and FeedbackRounds are pointers so that 0 is a value.
type Overrides struct {
	MaxDepth       int      `json:"max_depth,omitempty"`
	MaxPaths       int      `json:"max_paths,omitempty"`
	MinScore       *float64 `json:"min_score,omitempty"`
	FeedbackRounds *int     `json:"feedback_rounds,omitempty"`
}

// Query is one pipeline run. Version 0 pins the latest version.
type Query struct {
	Text      string
	Version   models.VersionID
	Overrides Overrides
}

// Result is the single response object every terminal state produces.
type Result struct {
	QueryID       string            `json:"query_id"`
	Status        Status            `json:"status"`
	Answer        string            `json:"answer"`
	Verdict       models.Verdict    `json:"verdict"`
	Paths         []models.Path     `json:"paths"`
	Freshness     *models.Freshness `json:"freshness,omitempty"`
	Version       models.VersionID  `json:"version"`
	Attempts      int               `json:"attempts"`
	LowConfidence bool              `json:"low_confidence"`
	Warning       string            `json:"warning,omitempty"`
}

// Err wraps apperr.ErrVerificationFailed when the answer ran out of
// feedback rounds without passing verification.
func (r *Result) Err() error {
	if r.Status != StatusVerificationFailed {
		return nil
	}
	return fmt.Errorf("%w: %d failing claim(s)", apperr.ErrVerificationFailed, len(r.Verdict.Failing))
}

// Pinner resolves a version to a read snapshot.
type Pinner interface {
	At(ctx context.Context, v models.VersionID) (*graphstore.Snapshot, error)
}

// FreshnessChecker reports newer information beyond a pinned version.
type FreshnessChecker interface {
	Check(ctx context.Context, query string, domains []string, pinned models.VersionID) (*models.Freshness, error)
}

// Orchestrator is safe for concurrent use; each Run owns its own state.
type Orchestrator struct {
	cfg       Config
	pinner    Pinner
	retriever *pathrag.Retriever
	restorer  *tcr.Restorer
	generator generator.Generator
	verifier  *graphcheck.Verifier
	freshness FreshnessChecker
	logger    *slog.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithFreshness enables the freshness check that runs alongside retrieval.
func WithFreshness(f FreshnessChecker) Option {
	return func(o *Orchestrator) { o.freshness = f }
}

// New assembles an Orchestrator from its stages.
func New(cfg Config, pinner Pinner, retriever *pathrag.Retriever, restorer *tcr.Restorer,
	gen generator.Generator, verifier *graphcheck.Verifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		pinner:    pinner,
		retriever: retriever,
		restorer:  restorer,
		generator: gen,
		verifier:  verifier,
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// attempt is one generated answer and its verdict.
type attempt struct {
	resp    generator.Response
	verdict models.Verdict
}

// run is the per-query state threaded through the state machine.
type run struct {
	query     string
	entities  []string
	view      *graphstore.Snapshot
	retriever *pathrag.Retriever
	bound     int

	paths     []models.Path
	fragments []models.Fragment
	resp      generator.Response
	verdict   models.Verdict
	seeds     []models.Claim
	rounds    int
	attempts  int
	best      *attempt
}

// Run executes q and returns its result. An empty or unsearchable query
// fails with ErrInvalidQuery; an unknown pinned version with ErrNotFound.
// Transient failures that outlast the retry budget are returned as
// *apperr.PipelineError. A verification that keeps failing is not an
// error: it yields StatusVerificationFailed with the best attempt.
func (o *Orchestrator) Run(ctx context.Context, q Query) (*Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, apperr.InvalidQuery("query text is empty")
	}
	queryID := uuid.NewString()
	logger := o.logger.With(slog.String("query_id", queryID))
	ctx, span := o.tracer.Start(ctx, "veritas.pipeline.query", trace.WithAttributes(
		attribute.String("veritas.query.id", queryID),
	))
	defer span.End()

	start := time.Now()
	view, err := o.pinner.At(ctx, q.Version)
	o.metrics.ObserveStage(stagePin, time.Since(start), err)
	if err != nil {
		fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("veritas.query.version", int64(view.Version())))

	var (
		g       errgroup.Group
		fresh   *models.Freshness
		checked []string
	)
	if o.freshness != nil {
		g.Go(func() error {
			checked = searchDomains(ctx, view, q.Text)
			fresh = o.checkFreshness(ctx, view, q.Text, checked, logger)
			return nil
		})
	}

	r := &run{
		query:     q.Text,
		entities:  tcr.EntityPhrases(q.Text),
		view:      view,
		retriever: o.retriever.WithLimits(q.Overrides.MaxDepth, q.Overrides.MaxPaths, q.Overrides.MinScore),
		bound:     o.cfg.FeedbackRounds,
	}
	if q.Overrides.FeedbackRounds != nil {
		r.bound = *q.Overrides.FeedbackRounds
	}

	res, err := o.drive(ctx, r, queryID, logger)
	_ = g.Wait()
	if err != nil {
		fail(span, err)
		o.metrics.QueryDone("error", r.rounds, false)
		return nil, err
	}
	if o.freshness != nil {
		// The paths may touch domains the label search missed.
		if domains, grew := mergeDomains(checked, pathDomains(ctx, view, res.Paths)); grew {
			fresh = o.checkFreshness(ctx, view, q.Text, domains, logger)
		}
	}
	res.Freshness = fresh
	o.metrics.QueryDone(string(res.Status), r.rounds, fresh != nil && fresh.Stale)
	span.SetAttributes(
		attribute.String("veritas.query.status", string(res.Status)),
		attribute.Int("veritas.query.attempts", res.Attempts),
	)
	logger.Info("pipeline: query finished",
		slog.String("status", string(res.Status)),
		slog.Int64("version", int64(res.Version)),
		slog.Int("paths", len(res.Paths)),
		slog.Int("attempts", res.Attempts),
		slog.Bool("stale", fresh != nil && fresh.Stale),
		slog.Duration("elapsed", time.Since(start)))
	return res, nil
}

// drive runs the state machine to a terminal state.
func (o *Orchestrator) drive(ctx context.Context, r *run, queryID string, logger *slog.Logger) (*Result, error) {
	var (
		state    = Retrieving
		lastErr  error
		errStage string
		tries    int
	)
	for !state.Terminal() {
		out := outcome{rounds: r.rounds, bound: r.bound}
		stage := ""
		switch state {
		case Retrieving:
			stage = stageRetrieve
			tries, out.err = o.stage(ctx, stage, logger, func(ctx context.Context) error {
				paths, err := r.retriever.Retrieve(ctx, r.view, pathrag.Request{Query: r.query})
				r.paths = paths
				return err
			})
		case Restoring:
			stage = stageRestore
			tries, out.err = o.stage(ctx, stage, logger, func(ctx context.Context) error {
				frags, err := o.restore(ctx, r)
				r.fragments = frags
				return err
			})
		case Generating:
			stage = stageGenerate
			tries, out.err = o.stage(ctx, stage, logger, func(ctx context.Context) error {
				resp, err := o.generator.Generate(ctx, generator.Request{
					Query:     r.query,
					Fragments: r.fragments,
					Avoid:     r.seeds,
				})
				r.resp = resp
				return err
			})
		case Verifying:
			stage = stageVerify
			tries, out.err = o.stage(ctx, stage, logger, func(ctx context.Context) error {
				verdict, err := o.verifier.Verify(ctx, r.view, r.resp.Text, r.fragments)
				r.verdict = verdict
				return err
			})
			if out.err == nil {
				o.recordAttempt(r)
				out.passed = r.verdict.Status == models.Pass
			}
		}

		to, action := next(state, out)
		logger.Debug("pipeline: transition",
			slog.String("from", state.String()),
			slog.String("to", to.String()),
			slog.String("action", action.String()))

		switch action {
		case Retry:
			r.seeds = mergeClaims(r.seeds, r.verdict.Failing)
			r.rounds++
			logger.Info("pipeline: verification failed, feeding back",
				slog.Int("round", r.rounds),
				slog.Int("failing", len(r.verdict.Failing)))
		case Accept:
			return o.result(queryID, r, attempt{resp: r.resp, verdict: r.verdict}, StatusDone), nil
		case GiveUp:
			res := o.result(queryID, r, *r.best, StatusVerificationFailed)
			res.LowConfidence = true
			res.Warning = fmt.Sprintf("answer could not be verified after %d feedback round(s); %d claim(s) not supported",
				r.rounds, len(res.Verdict.Failing))
			logger.Warn("pipeline: feedback exhausted", slog.Int("rounds", r.rounds))
			return res, nil
		case Abort:
			lastErr, errStage = out.err, stage
		}
		state = to
	}

	if errors.Is(lastErr, apperr.ErrInvalidQuery) {
		return nil, lastErr
	}
	logger.Error("pipeline: query failed",
		slog.String("stage", errStage),
		slog.Int("attempts", tries),
		slog.String("error", lastErr.Error()))
	return nil, &apperr.PipelineError{QueryID: queryID, Stage: errStage, Attempts: tries, Err: lastErr}
}

// stage runs fn under the stage's timeout, retrying transient failures with
// exponential backoff. It returns the number of attempts made.
func (o *Orchestrator) stage(ctx context.Context, name string, logger *slog.Logger, fn func(context.Context) error) (int, error) {
	ctx, span := o.tracer.Start(ctx, "veritas.pipeline."+name)
	defer span.End()

	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := o.timed(ctx, name, fn)
		o.metrics.ObserveStage(name, time.Since(start), err)
		if err == nil {
			span.SetAttributes(attribute.Int("veritas.stage.attempts", attempt+1))
			return attempt + 1, nil
		}
		if !apperr.IsRetryable(err) || ctx.Err() != nil || attempt >= o.cfg.StageRetries {
			fail(span, err)
			return attempt + 1, err
		}
		o.metrics.RetryStage(name)
		delay := o.cfg.RetryDelay * time.Duration(1<<attempt)
		logger.Warn("pipeline: stage failed, retrying",
			slog.String("stage", name),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			fail(span, ctx.Err())
			return attempt + 1, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (o *Orchestrator) timed(ctx context.Context, name string, fn func(context.Context) error) error {
	if d := o.cfg.Timeouts.of(name); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return fn(ctx)
}

// restore renders every retrieved path, then adds one round of
// supplementary context driven by the previous draft and failing claims.
func (o *Orchestrator) restore(ctx context.Context, r *run) ([]models.Fragment, error) {
	var (
		out  []models.Fragment
		seen = make(map[string]struct{})
	)
	add := func(f models.Fragment) {
		key := f.RelationshipID
		if key == "" {
			key = "vertex:" + f.VertexID
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}

	for _, p := range r.paths {
		frags, err := o.restorer.Restore(ctx, r.view, tcr.Request{Path: p})
		if err != nil {
			return nil, err
		}
		for _, f := range frags {
			add(f)
		}
	}
	if r.resp.Text == "" && len(r.resp.Uncertainty) == 0 && len(r.seeds) == 0 {
		return out, nil
	}
	sup, err := o.restorer.Restore(ctx, r.view, tcr.Request{
		Draft:         r.resp.Text,
		Uncertainty:   r.resp.Uncertainty,
		QueryEntities: r.entities,
		DraftEntities: tcr.EntityPhrases(r.resp.Text),
		Seeds:         r.seeds,
	})
	if err != nil {
		return nil, err
	}
	for _, f := range sup {
		if f.Supplementary {
			add(f)
		}
	}
	return out, nil
}

func (o *Orchestrator) recordAttempt(r *run) {
	r.attempts++
	for _, c := range r.verdict.Claims {
		o.metrics.ClaimVerified(string(c.Status))
	}
	if r.best == nil || r.verdict.SupportedRatio() > r.best.verdict.SupportedRatio() {
		r.best = &attempt{resp: r.resp, verdict: r.verdict}
	}
}

func (o *Orchestrator) result(queryID string, r *run, a attempt, status Status) *Result {
	paths := r.paths
	if paths == nil {
		paths = []models.Path{}
	}
	return &Result{
		QueryID:  queryID,
		Status:   status,
		Answer:   a.resp.Text,
		Verdict:  a.verdict,
		Paths:    paths,
		Version:  r.view.Version(),
		Attempts: r.attempts,
	}
}

// searchDomains returns the domains of the vertices the query text names.
func searchDomains(ctx context.Context, view graphstore.View, query string) []string {
	var domains []string
	vs, err := view.SearchVertices(ctx, query, freshnessLimit)
	if err != nil {
		return nil
	}
	for _, v := range vs {
		if d := v.Domain(); d != "" && !slices.Contains(domains, d) {
			domains = append(domains, d)
		}
	}
	return domains
}

// pathDomains returns the domains of every vertex on paths. Vertices that
// cannot be read are skipped.
func pathDomains(ctx context.Context, view graphstore.View, paths []models.Path) []string {
	var (
		domains []string
		seen    = make(map[string]struct{})
	)
	for _, p := range paths {
		for _, id := range p.Vertices {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			v, err := view.Vertex(ctx, id)
			if err != nil {
				continue
			}
			if d := v.Domain(); !slices.Contains(domains, d) {
				domains = append(domains, d)
			}
		}
	}
	return domains
}

// mergeDomains appends the domains of add missing from base and reports
// whether any were added.
func mergeDomains(base, add []string) ([]string, bool) {
	out := slices.Clone(base)
	for _, d := range add {
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out, len(out) > len(base)
}

// checkFreshness never fails the query: errors are logged and dropped.
func (o *Orchestrator) checkFreshness(ctx context.Context, view graphstore.View, query string, domains []string, logger *slog.Logger) *models.Freshness {
	ctx, span := o.tracer.Start(ctx, "veritas.pipeline.freshness")
	defer span.End()

	f, err := o.freshness.Check(ctx, query, domains, view.Version())
	if err != nil {
		fail(span, err)
		logger.Warn("pipeline: freshness check failed", slog.String("error", err.Error()))
		return nil
	}
	return f
}

// mergeClaims appends the claims of add not already in seeds.
func mergeClaims(seeds, add []models.Claim) []models.Claim {
	for _, c := range add {
		dup := slices.ContainsFunc(seeds, func(s models.Claim) bool {
			return s.Subject == c.Subject && s.Predicate == c.Predicate && s.Object == c.Object
		})
		if !dup {
			seeds = append(seeds, c)
		}
	}
	return seeds
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
