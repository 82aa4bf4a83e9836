package graphstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSchemaCreation(t *testing.T) {
	s := testStore(t)
	for _, table := range []string{"versions", "version_changes", "vertices", "relationships"} {
		var count int
		err := s.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&count)
		require.NoError(t, err, "%s table missing", table)
	}
}

func TestResolve(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	v, err := s.resolve(ctx, models.Latest)
	require.NoError(t, err)
	assert.Equal(t, models.VersionID(0), v)

	_, err = s.resolve(ctx, 3)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	v, err = s.resolve(ctx, emptyVersion)
	require.NoError(t, err)
	assert.Equal(t, emptyVersion, v)
}

func TestWrap_ClosedIsUnavailable(t *testing.T) {
	s := testStore(t)
	s.Close()
	_, err := s.Latest(context.Background())
	assert.ErrorIs(t, err, apperr.ErrGraphUnavailable)
	assert.True(t, apperr.IsRetryable(err), "closed database should be retryable")
}

func TestCommit_RejectsDuplicateVertex(t *testing.T) {
	s := testStore(t)
	_, err := s.Commit(context.Background(), models.Mutations{
		Vertices: []models.VertexMutation{{ID: "a"}, {ID: "a", Label: "again"}},
	}, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidMutation)
}

func TestCommit_EmptyBatch(t *testing.T) {
	s := testStore(t)
	_, err := s.Commit(context.Background(), models.Mutations{}, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidMutation)
}
