package pathrag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/graphstore"
	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/testutil"
)

func newRetriever(t *testing.T, cfg Config) *Retriever {
	t.Helper()
	r, err := New(cfg, nil)
	require.NoError(t, err)
	return r
}

func pin(t *testing.T, s *graphstore.Store, at models.VersionID) *graphstore.Snapshot {
	t.Helper()
	snap, err := graphstore.Pin(context.Background(), s, at)
	require.NoError(t, err)
	return snap
}

func TestRetrieve_CapitalOfFrance(t *testing.T) {
	s := testutil.TestStore(t)
	testutil.SeedCapitals(t, s)
	r := newRetriever(t, DefaultConfig())

	paths, err := r.Retrieve(context.Background(), pin(t, s, models.Latest), Request{Query: "What is the capital of France?"})
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	assert.Equal(t, 1, paths[0].Len())
	assert.Equal(t, "r-paris-capital", paths[0].ID())
}

func TestRetrieve_PathsAreSimpleAndAboveMinScore(t *testing.T) {
	s := testutil.TestStore(t)
	testutil.SeedCapitals(t, s)
	snap := pin(t, s, models.Latest)

	for _, minScore := range []float64{0.05, 0.2, 0.3, 0.5, 0.8} {
		cfg := DefaultConfig()
		cfg.MinScore = minScore
		cfg.MaxPaths = 50
		r := newRetriever(t, cfg)
		for _, q := range []string{"capital of France", "Which country borders Germany?", "Europe", "Berlin Paris"} {
			paths, err := r.Retrieve(context.Background(), snap, Request{Query: q})
			require.NoError(t, err)
			for _, p := range paths {
				assert.True(t, p.IsSimple(), "path %s not simple", p.ID())
				assert.GreaterOrEqual(t, p.Score, minScore, "path %s", p.ID())
				assert.LessOrEqual(t, p.Len(), cfg.MaxDepth)
			}
		}
	}
}

func TestRetrieve_VersionPinned(t *testing.T) {
	s := testutil.TestStore(t)
	ctx := context.Background()
	v1 := testutil.SeedCapitals(t, s)
	v2, err := s.Commit(ctx, models.Mutations{
		Vertices:      []models.VertexMutation{{ID: "lyon", Label: "Lyon", Type: "City"}},
		Relationships: []models.RelationshipMutation{{ID: "r-lyon-in", Subject: "lyon", Predicate: "cityOf", Object: "france"}},
	}, "add lyon")
	require.NoError(t, err)

	r := newRetriever(t, DefaultConfig())
	req := Request{Query: "Which city of France?"}

	ids := func(at models.VersionID) []string {
		paths, err := r.Retrieve(ctx, pin(t, s, at), req)
		require.NoError(t, err)
		var out []string
		for _, p := range paths {
			out = append(out, p.ID())
		}
		return out
	}

	old, cur := ids(v1.ID), ids(v2.ID)
	assert.NotContains(t, old, "r-lyon-in")
	assert.Contains(t, cur, "r-lyon-in")
	assert.Equal(t, old, ids(v1.ID), "retrieval at a pinned version is deterministic")
}

func TestRetrieve_NoFabricatedHops(t *testing.T) {
	s := testutil.TestStore(t)
	_, err := s.Commit(context.Background(), models.Mutations{
		Vertices:      []models.VertexMutation{{ID: "x", Label: "Xylophone"}, {ID: "y", Label: "Yarn"}},
		Relationships: []models.RelationshipMutation{{ID: "xy", Subject: "x", Predicate: "madeOf", Object: "y"}},
	}, "")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.MaxDepth = 2
	cfg.MinScore = 0.01
	paths, err := newRetriever(t, cfg).Retrieve(context.Background(), pin(t, s, models.Latest), Request{Query: "xylophone"})
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, 1, paths[0].Len())
}

func TestRetrieve_EmptyAndInvalid(t *testing.T) {
	s := testutil.TestStore(t)
	testutil.SeedCapitals(t, s)
	r := newRetriever(t, DefaultConfig())
	snap := pin(t, s, models.Latest)

	_, err := r.Retrieve(context.Background(), snap, Request{Query: "   ?! "})
	assert.ErrorIs(t, err, apperr.ErrInvalidQuery)

	paths, err := r.Retrieve(context.Background(), snap, Request{Query: "quantum chromodynamics"})
	require.NoError(t, err)
	assert.NotNil(t, paths)
	assert.Empty(t, paths)
}

func TestRetrieve_EntitiesSeed(t *testing.T) {
	s := testutil.TestStore(t)
	testutil.SeedCapitals(t, s)
	r := newRetriever(t, DefaultConfig())

	paths, err := r.Retrieve(context.Background(), pin(t, s, models.Latest), Request{Entities: []string{"Berlin"}, Query: "capital"})
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	assert.Equal(t, "r-berlin-capital", paths[0].ID())
}

func TestRetrieve_FilterExcludesPredicates(t *testing.T) {
	s := testutil.TestStore(t)
	testutil.SeedCapitals(t, s)
	cfg := DefaultConfig()
	cfg.Filter = `predicate != "capitalOf"`
	paths, err := newRetriever(t, cfg).Retrieve(context.Background(), pin(t, s, models.Latest), Request{Query: "capital of France"})
	require.NoError(t, err)
	for _, p := range paths {
		for _, rel := range p.Relationships {
			assert.NotEqual(t, "capitalOf", rel.Predicate)
		}
	}
}

func TestRetrieve_PredicateAllowList(t *testing.T) {
	s := testutil.TestStore(t)
	testutil.SeedCapitals(t, s)
	cfg := DefaultConfig()
	cfg.MinScore = 0.01
	cfg.MaxPaths = 50
	cfg.Predicates = []string{"borders", "locatedIn"}
	paths, err := newRetriever(t, cfg).Retrieve(context.Background(), pin(t, s, models.Latest), Request{Query: "France Germany Europe"})
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, p := range paths {
		for _, rel := range p.Relationships {
			assert.Contains(t, cfg.Predicates, rel.Predicate)
		}
	}
}

func TestRetrieve_AllowCycles(t *testing.T) {
	s := testutil.TestStore(t)
	_, err := s.Commit(context.Background(), models.Mutations{
		Vertices: []models.VertexMutation{
			{ID: "a", Label: "Alpha"}, {ID: "b", Label: "Beta"}, {ID: "c", Label: "Gamma"},
		},
		Relationships: []models.RelationshipMutation{
			{ID: "ab", Subject: "a", Predicate: "links", Object: "b"},
			{ID: "bc", Subject: "b", Predicate: "links", Object: "c"},
			{ID: "ca", Subject: "c", Predicate: "links", Object: "a"},
		},
	}, "triangle")
	require.NoError(t, err)
	snap := pin(t, s, models.Latest)

	cyclic := func(allow bool) int {
		cfg := DefaultConfig()
		cfg.MinScore = 0
		cfg.MaxPaths = 50
		cfg.MaxSeeds = 1
		cfg.AllowCycles = allow
		paths, err := newRetriever(t, cfg).Retrieve(context.Background(), snap, Request{Query: "alpha"})
		require.NoError(t, err)
		n := 0
		for _, p := range paths {
			if !p.IsSimple() {
				n++
			}
		}
		return n
	}

	assert.Zero(t, cyclic(false))
	assert.Positive(t, cyclic(true))
}

func TestRank_TieBreaks(t *testing.T) {
	mk := func(score float64, ids ...string) models.Path {
		p := models.Path{Score: score}
		for _, id := range ids {
			p.Relationships = append(p.Relationships, models.Relationship{ID: id})
		}
		return p
	}
	paths := []models.Path{mk(0.5, "b"), mk(0.5, "a", "c"), mk(0.9, "z"), mk(0.5, "a")}
	Rank(paths)
	got := make([]string, len(paths))
	for i, p := range paths {
		got[i] = p.ID()
	}
	assert.Equal(t, []string{"z", "a", "b", "a/c"}, got)
}

func TestScore_MonotonePastConfiguredDepth(t *testing.T) {
	cfg := DefaultConfig()
	q := []string{"capital", "france"}
	strong := []string{"capital", "france"}

	// Within MonotoneAfter a later hop may redeem a weak prefix.
	redeemed := Score(cfg, strong, q, 1, 2, 0.1)
	assert.Greater(t, redeemed, 0.1)

	// Past it the score never exceeds the prefix.
	capped := Score(cfg, strong, q, 1, cfg.MonotoneAfter+1, 0.2)
	assert.LessOrEqual(t, capped, 0.2)
}

func TestThreshold(t *testing.T) {
	cfg := DefaultConfig()
	assert.InDelta(t, cfg.MinScore, Threshold(cfg, cfg.MaxDepth), 1e-9)
	assert.Less(t, Threshold(cfg, 1), cfg.MinScore)
}

func TestWithLimits(t *testing.T) {
	r := newRetriever(t, DefaultConfig())
	score := 0.7
	o := r.WithLimits(2, 0, &score)
	assert.Equal(t, 2, o.Config().MaxDepth)
	assert.Equal(t, DefaultConfig().MaxPaths, o.Config().MaxPaths)
	assert.Equal(t, 0.7, o.Config().MinScore)
	assert.Equal(t, 3, r.Config().MaxDepth)

	assert.Equal(t, DefaultConfig().MinScore, r.WithLimits(0, 0, nil).Config().MinScore)
	zero := 0.0
	assert.Equal(t, 0.0, r.WithLimits(0, 0, &zero).Config().MinScore, "an explicit zero is kept")
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	cfg.MaxDepth = 0
	assert.Error(t, cfg.Validate())
}
