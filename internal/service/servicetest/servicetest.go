// Package servicetest assembles a Service over a temporary graph store for
// transport tests.
package servicetest

import (
	"testing"
	"time"

	"github.com/starford/veritas/internal/generator"
	"github.com/starford/veritas/internal/graphcheck"
	"github.com/starford/veritas/internal/graphstore"
	"github.com/starford/veritas/internal/pathrag"
	"github.com/starford/veritas/internal/pipeline"
	"github.com/starford/veritas/internal/service"
	"github.com/starford/veritas/internal/tcr"
	"github.com/starford/veritas/internal/testutil"
	"github.com/starford/veritas/internal/version"
)

// Stack is a wired service with direct access to its store and manager.
type Stack struct {
	Store    *graphstore.Store
	Versions *version.Manager
	Service  *service.Service
}

// New builds a Stack answering with gen; a nil gen uses the extractive
// generator. The store starts empty.
func New(t *testing.T, gen generator.Generator, opts ...service.Option) Stack {
	t.Helper()
	if gen == nil {
		gen = generator.Extractive{}
	}
	store := testutil.TestStore(t)
	versions := version.New(store)

	retriever, err := pathrag.New(pathrag.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("retriever: %v", err)
	}
	cfg := pipeline.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	orch := pipeline.New(cfg, versions, retriever, tcr.New(tcr.DefaultConfig(), nil), gen,
		graphcheck.New(graphcheck.DefaultConfig(), nil))

	return Stack{
		Store:    store,
		Versions: versions,
		Service:  service.New(orch, versions, opts...),
	}
}

// Seeded is New with the capitals fixture committed as version 1.
func Seeded(t *testing.T, gen generator.Generator, opts ...service.Option) Stack {
	t.Helper()
	s := New(t, gen, opts...)
	testutil.SeedCapitals(t, s.Versions)
	return s
}
