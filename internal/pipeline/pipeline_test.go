package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/ecl"
	"github.com/starford/veritas/internal/generator"
	"github.com/starford/veritas/internal/graphcheck"
	"github.com/starford/veritas/internal/graphstore"
	"github.com/starford/veritas/internal/metrics"
	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/pathrag"
	"github.com/starford/veritas/internal/tcr"
	gtestutil "github.com/starford/veritas/internal/testutil"
	"github.com/starford/veritas/internal/version"
)

const capitalQuery = "What is the capital of France?"

// scripted answers with a fixed text and records every request.
type scripted struct {
	mu       sync.Mutex
	requests []generator.Request
	answer   func(ctx context.Context, call int, req generator.Request) (generator.Response, error)
}

func (s *scripted) Generate(ctx context.Context, req generator.Request) (generator.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	call := len(s.requests)
	s.mu.Unlock()
	return s.answer(ctx, call, req)
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func always(text string) *scripted {
	return &scripted{answer: func(context.Context, int, generator.Request) (generator.Response, error) {
		return generator.Response{Text: text}, nil
	}}
}

type fixture struct {
	store   *graphstore.Store
	manager *version.Manager
	seed    models.Version
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := gtestutil.TestStore(t)
	m := version.New(store)
	seed, err := m.Commit(context.Background(), gtestutil.Capitals(), "seed")
	require.NoError(t, err)
	return fixture{store: store, manager: m, seed: seed}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func (f fixture) orchestrator(t *testing.T, cfg Config, gen generator.Generator, opts ...Option) *Orchestrator {
	t.Helper()
	retriever, err := pathrag.New(pathrag.DefaultConfig(), nil)
	require.NoError(t, err)
	return New(cfg, f.manager, retriever, tcr.New(tcr.DefaultConfig(), nil), gen,
		graphcheck.New(graphcheck.DefaultConfig(), nil), opts...)
}

func TestNext(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		from   State
		out    outcome
		to     State
		action Action
	}{
		{"retrieved", Retrieving, outcome{}, Restoring, Continue},
		{"restored", Restoring, outcome{}, Generating, Continue},
		{"generated", Generating, outcome{}, Verifying, Continue},
		{"verified", Verifying, outcome{passed: true}, Done, Accept},
		{"feedback", Verifying, outcome{rounds: 0, bound: 2}, Feedback, Retry},
		{"last feedback", Verifying, outcome{rounds: 1, bound: 2}, Feedback, Retry},
		{"exhausted", Verifying, outcome{rounds: 2, bound: 2}, Done, GiveUp},
		{"no feedback allowed", Verifying, outcome{bound: 0}, Done, GiveUp},
		{"feedback restores", Feedback, outcome{}, Restoring, Continue},
		{"stage error", Generating, outcome{err: boom}, Failed, Abort},
		{"verify error", Verifying, outcome{err: boom, passed: true}, Failed, Abort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to, action := next(tt.from, tt.out)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.action, action)
		})
	}
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "verifying", Verifying.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.Equal(t, "give_up", GiveUp.String())
	assert.True(t, Done.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, Feedback.Terminal())
}

// Scenario A: one-hop evidence, a supported answer, a passing verdict.
func TestRun_SupportedAnswer(t *testing.T) {
	f := newFixture(t)
	gen := always("Paris is the capital of France.")
	res, err := f.orchestrator(t, testConfig(), gen).Run(context.Background(), Query{Text: capitalQuery})
	require.NoError(t, err)

	assert.NotEmpty(t, res.QueryID)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, "Paris is the capital of France.", res.Answer)
	assert.Equal(t, models.Pass, res.Verdict.Status)
	require.Len(t, res.Verdict.Claims, 1)
	assert.Equal(t, models.Supported, res.Verdict.Claims[0].Status)
	require.NotEmpty(t, res.Paths)
	assert.Equal(t, "r-paris-capital", res.Paths[0].ID())
	assert.Equal(t, 1, res.Paths[0].Len())
	assert.Equal(t, f.seed.ID, res.Version)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.LowConfidence)
	assert.Empty(t, res.Warning)
	assert.NoError(t, res.Err())

	require.Equal(t, 1, gen.calls())
	assert.Equal(t, "Paris is the capital of France.", tcr.LeadSentence(gen.requests[0].Fragments[0].Text))
}

func TestRun_ExtractiveGenerator(t *testing.T) {
	f := newFixture(t)
	res, err := f.orchestrator(t, testConfig(), generator.Extractive{}).Run(context.Background(), Query{Text: capitalQuery})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Contains(t, res.Answer, "Paris is the capital of France.")
	assert.Equal(t, models.Pass, res.Verdict.Status)
}

// Scenario B: the generator keeps producing a contradicted claim.
func TestRun_FeedbackExhausted(t *testing.T) {
	f := newFixture(t)
	gen := always("Paris is the capital of Germany.")
	m := metrics.New("test")
	res, err := f.orchestrator(t, testConfig(), gen, WithMetrics(m)).Run(context.Background(), Query{Text: capitalQuery})
	require.NoError(t, err)

	assert.Equal(t, StatusVerificationFailed, res.Status)
	assert.True(t, res.LowConfidence)
	assert.NotEmpty(t, res.Warning)
	assert.ErrorIs(t, res.Err(), apperr.ErrVerificationFailed)
	assert.Equal(t, 3, res.Attempts, "first attempt plus two feedback rounds")
	assert.Equal(t, models.Fail, res.Verdict.Status)
	require.Len(t, res.Verdict.Failing, 1)
	assert.Equal(t, "Paris", res.Verdict.Failing[0].Subject)
	assert.Equal(t, "Germany", res.Verdict.Failing[0].Object)
	assert.Equal(t, models.Contradicted, res.Verdict.Claims[0].Status)

	require.Equal(t, 3, gen.calls())
	assert.Empty(t, gen.requests[0].Avoid)
	require.Len(t, gen.requests[1].Avoid, 1)
	assert.Equal(t, "capitalOf", gen.requests[1].Avoid[0].Predicate)
	assert.Len(t, gen.requests[2].Avoid, 1, "repeated failing claims are not duplicated")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queries.WithLabelValues(string(StatusVerificationFailed))))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Claims.WithLabelValues(string(models.Contradicted))))
}

func TestRun_FeedbackRoundsOverride(t *testing.T) {
	f := newFixture(t)
	gen := always("Paris is the capital of Germany.")
	zero := 0
	res, err := f.orchestrator(t, testConfig(), gen).Run(context.Background(),
		Query{Text: capitalQuery, Overrides: Overrides{FeedbackRounds: &zero}})
	require.NoError(t, err)
	assert.Equal(t, StatusVerificationFailed, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, gen.calls())
}

func TestRun_FeedbackRecovers(t *testing.T) {
	f := newFixture(t)
	gen := &scripted{answer: func(_ context.Context, _ int, req generator.Request) (generator.Response, error) {
		if len(req.Avoid) == 0 {
			return generator.Response{Text: "Paris is the capital of Germany."}, nil
		}
		return generator.Response{Text: "Paris is the capital of France."}, nil
	}}
	res, err := f.orchestrator(t, testConfig(), gen).Run(context.Background(), Query{Text: capitalQuery})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, "Paris is the capital of France.", res.Answer)
	assert.Equal(t, 2, res.Attempts)
	assert.False(t, res.LowConfidence)
}

func TestRun_BestAttemptIsKept(t *testing.T) {
	f := newFixture(t)
	gen := &scripted{answer: func(_ context.Context, call int, _ generator.Request) (generator.Response, error) {
		if call == 2 {
			return generator.Response{Text: "Paris is the capital of France. Berlin is the capital of France."}, nil
		}
		return generator.Response{Text: "Paris is the capital of Germany."}, nil
	}}
	res, err := f.orchestrator(t, testConfig(), gen).Run(context.Background(), Query{Text: capitalQuery})
	require.NoError(t, err)
	assert.Equal(t, StatusVerificationFailed, res.Status)
	assert.Equal(t, "Paris is the capital of France. Berlin is the capital of France.", res.Answer)
	assert.InDelta(t, 0.5, res.Verdict.SupportedRatio(), 1e-9)
}

func TestRun_TransientRetryThenSuccess(t *testing.T) {
	f := newFixture(t)
	gen := &scripted{answer: func(_ context.Context, call int, _ generator.Request) (generator.Response, error) {
		if call == 1 {
			return generator.Response{}, fmt.Errorf("test: %w", apperr.ErrGeneratorUnavailable)
		}
		return generator.Response{Text: "Paris is the capital of France."}, nil
	}}
	m := metrics.New("test")
	res, err := f.orchestrator(t, testConfig(), gen, WithMetrics(m)).Run(context.Background(), Query{Text: capitalQuery})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 2, gen.calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageRetries.WithLabelValues(stageGenerate)))
}

func TestRun_TransientRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	gen := &scripted{answer: func(context.Context, int, generator.Request) (generator.Response, error) {
		return generator.Response{}, fmt.Errorf("test: %w", apperr.ErrGeneratorUnavailable)
	}}
	_, err := f.orchestrator(t, testConfig(), gen).Run(context.Background(), Query{Text: capitalQuery})
	require.Error(t, err)

	var perr *apperr.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, stageGenerate, perr.Stage)
	assert.Equal(t, 3, perr.Attempts)
	assert.NotEmpty(t, perr.QueryID)
	assert.ErrorIs(t, err, apperr.ErrPipelineFailed)
	assert.ErrorIs(t, err, apperr.ErrGeneratorUnavailable)
	assert.Equal(t, 3, gen.calls())
}

func TestRun_StageTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t)
	gen := &scripted{answer: func(ctx context.Context, _ int, _ generator.Request) (generator.Response, error) {
		<-ctx.Done()
		return generator.Response{}, ctx.Err()
	}}
	cfg := testConfig()
	cfg.StageRetries = 1
	cfg.Timeouts.Generation = 10 * time.Millisecond

	_, err := f.orchestrator(t, cfg, gen).Run(context.Background(), Query{Text: capitalQuery})
	var perr *apperr.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Attempts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_InvalidQuery(t *testing.T) {
	f := newFixture(t)
	gen := always("unused")
	o := f.orchestrator(t, testConfig(), gen)

	for _, text := range []string{"", "   ", "?!"} {
		_, err := o.Run(context.Background(), Query{Text: text})
		assert.ErrorIs(t, err, apperr.ErrInvalidQuery, "query %q", text)
		var perr *apperr.PipelineError
		assert.False(t, errors.As(err, &perr), "invalid queries are not pipeline failures")
	}
	assert.Zero(t, gen.calls())
}

func TestRun_UnknownVersion(t *testing.T) {
	f := newFixture(t)
	_, err := f.orchestrator(t, testConfig(), always("x")).Run(context.Background(), Query{Text: capitalQuery, Version: 42})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRun_PinnedVersionAndFreshness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Commit(ctx, models.Mutations{
		Vertices: []models.VertexMutation{
			{ID: "lyon", Label: "Lyon", Type: "City", Attributes: map[string]string{"domain": "geography"}},
		},
		Relationships: []models.RelationshipMutation{
			{ID: "r-lyon-france", Subject: "lyon", Predicate: "locatedIn", Object: "france"},
		},
	}, "add lyon")
	require.NoError(t, err)

	learner := ecl.New(ecl.DefaultConfig(), f.store, ecl.NewMemory())
	require.NoError(t, learner.Sync(ctx))
	o := f.orchestrator(t, testConfig(), always("Paris is the capital of France."), WithFreshness(learner))

	res, err := o.Run(ctx, Query{Text: capitalQuery, Version: f.seed.ID})
	require.NoError(t, err)
	assert.Equal(t, f.seed.ID, res.Version)
	require.NotNil(t, res.Freshness)
	assert.True(t, res.Freshness.Stale)
	assert.Contains(t, res.Freshness.Domains, "geography")
	assert.Equal(t, models.VersionID(2), res.Freshness.Latest)

	res, err = o.Run(ctx, Query{Text: capitalQuery})
	require.NoError(t, err)
	assert.Equal(t, models.VersionID(2), res.Version)
	assert.Nil(t, res.Freshness)
}

func TestRun_FreshnessCoversPathDomains(t *testing.T) {
	store := gtestutil.TestStore(t)
	m := version.New(store)
	ctx := context.Background()
	seed, err := m.Commit(ctx, models.Mutations{
		Vertices: []models.VertexMutation{
			{ID: "paris", Label: "Paris", Type: "City", Attributes: map[string]string{"domain": "cities"}},
			{ID: "france", Label: "France", Type: "Country", Attributes: map[string]string{"domain": "countries"}},
		},
		Relationships: []models.RelationshipMutation{
			{ID: "r-paris-capital", Subject: "paris", Predicate: "capitalOf", Object: "france"},
		},
	}, "seed")
	require.NoError(t, err)
	_, err = m.Commit(ctx, models.Mutations{
		Vertices: []models.VertexMutation{
			{ID: "marseille", Label: "Marseille", Type: "City", Attributes: map[string]string{"domain": "cities"}},
		},
	}, "add marseille")
	require.NoError(t, err)

	// Only explicitly touched domains count.
	lcfg := ecl.DefaultConfig()
	lcfg.Threshold = 1
	learner := ecl.New(lcfg, store, ecl.NewMemory())
	require.NoError(t, learner.Sync(ctx))

	f := fixture{store: store, manager: m, seed: seed}
	res, err := f.orchestrator(t, testConfig(), always("Paris is the capital of France."), WithFreshness(learner)).
		Run(ctx, Query{Text: capitalQuery, Version: seed.ID})
	require.NoError(t, err)
	require.NotEmpty(t, res.Paths)
	assert.Contains(t, res.Paths[0].Vertices, "paris")
	require.NotNil(t, res.Freshness, "the search only names france; paris is reached through the path")
	assert.Equal(t, []string{"cities"}, res.Freshness.Domains)
}

func TestMergeDomains(t *testing.T) {
	out, grew := mergeDomains([]string{"a"}, []string{"a", "b", "b"})
	assert.True(t, grew)
	assert.Equal(t, []string{"a", "b"}, out)

	out, grew = mergeDomains([]string{"a", "b"}, []string{"b"})
	assert.False(t, grew)
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestRun_RecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	f := newFixture(t)
	_, err := f.orchestrator(t, testConfig(), always("Paris is the capital of France."), WithTracer(tp.Tracer("test"))).
		Run(context.Background(), Query{Text: capitalQuery})
	require.NoError(t, err)

	names := map[string]int{}
	for _, sp := range rec.Ended() {
		names[sp.Name()]++
	}
	for _, want := range []string{"veritas.pipeline.query", "veritas.pipeline.retrieve", "veritas.pipeline.restore",
		"veritas.pipeline.generate", "veritas.pipeline.verify"} {
		assert.Positive(t, names[want], "missing span %s in %v", want, names)
	}
}
