// Package testutil provides shared test helpers for setting up graph stores.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/starford/veritas/internal/graphstore"
	"github.com/starford/veritas/internal/models"
)

// TestStore creates a temporary SQLite graph store that is automatically cleaned up.
func TestStore(t *testing.T) *graphstore.Store {
	t.Helper()
	store, err := graphstore.Open(filepath.Join(t.TempDir(), "veritas-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// Capitals is a small geography graph: two capitals, their countries and
// the continent both countries lie in.
func Capitals() models.Mutations {
	geo := map[string]string{"domain": "geography"}
	return models.Mutations{
		Vertices: []models.VertexMutation{
			{ID: "paris", Label: "Paris", Type: "City", Attributes: geo},
			{ID: "france", Label: "France", Type: "Country", Attributes: geo},
			{ID: "berlin", Label: "Berlin", Type: "City", Attributes: geo},
			{ID: "germany", Label: "Germany", Type: "Country", Attributes: geo},
			{ID: "europe", Label: "Europe", Type: "Continent", Attributes: geo},
		},
		Relationships: []models.RelationshipMutation{
			{ID: "r-paris-capital", Subject: "paris", Predicate: "capitalOf", Object: "france"},
			{ID: "r-berlin-capital", Subject: "berlin", Predicate: "capitalOf", Object: "germany"},
			{ID: "r-france-europe", Subject: "france", Predicate: "locatedIn", Object: "europe"},
			{ID: "r-germany-europe", Subject: "germany", Predicate: "locatedIn", Object: "europe"},
			{ID: "r-france-germany", Subject: "france", Predicate: "borders", Object: "germany"},
		},
	}
}

// SeedCapitals commits Capitals to w and returns the version.
func SeedCapitals(t *testing.T, w graphstore.Writer) models.Version {
	t.Helper()
	v, err := w.Commit(context.Background(), Capitals(), "seed capitals")
	if err != nil {
		t.Fatalf("seed capitals: %v", err)
	}
	return v
}
