package checksum

import (
	"testing"

	"github.com/starford/veritas/internal/models"
)

func TestSum_Stable(t *testing.T) {
	a := Sum([]byte("paris"))
	if a != Sum([]byte("paris")) {
		t.Fatal("Sum not deterministic")
	}
	if a == Sum([]byte("berlin")) {
		t.Fatal("distinct inputs share a digest")
	}
	if len(a) != 64 {
		t.Errorf("len = %d, want 64", len(a))
	}
}

func TestBatch_IgnoresBaseVersion(t *testing.T) {
	m := models.Mutations{
		Vertices: []models.VertexMutation{{ID: "paris", Label: "Paris", Attributes: map[string]string{"b": "2", "a": "1"}}},
	}
	first, err := Batch(m)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	m.BaseVersion = 7
	second, err := Batch(m)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if first != second {
		t.Errorf("digest changed with base version: %s vs %s", first, second)
	}
}
