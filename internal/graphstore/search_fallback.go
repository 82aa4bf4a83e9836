//go:build !sqlite_fts5

package graphstore

import (
	"context"
	"database/sql"
	"strings"

	"github.com/starford/veritas/internal/models"
)

func initSearch(_ *sql.DB) error { return nil }

func searchInsert(_ context.Context, _ *sql.Tx, _ string, _ models.VersionID, _ string) error {
	return nil
}

// candidates returns vertices visible at version at whose label contains
// any keyword (case-insensitive LIKE).
func (s *Store) candidates(ctx context.Context, keywords []string, at models.VersionID) ([]models.Vertex, error) {
	var (
		like = make([]string, len(keywords))
		args = []any{at, at}
	)
	for i, k := range keywords {
		like[i] = "label LIKE ?"
		args = append(args, "%"+k+"%")
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+vertexColumns+`
		FROM vertices
		WHERE `+visibleAt+` AND (`+strings.Join(like, " OR ")+`)
		ORDER BY id
	`, args...)
	if err != nil {
		return nil, wrap("search", err)
	}
	return collectVertices(rows)
}
