//go:build sqlite_fts5

package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/starford/veritas/internal/models"
)

func initSearch(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS vertices_fts USING fts5(
			id UNINDEXED,
			created_version UNINDEXED,
			label,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func searchInsert(ctx context.Context, tx *sql.Tx, id string, v models.VersionID, label string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO vertices_fts (id, created_version, label) VALUES (?, ?, ?)`, id, v, label)
	if err != nil {
		return fmt.Errorf("graphstore: index label: %w", err)
	}
	return nil
}

// candidates returns vertices visible at version at whose label matches any
// keyword, using the FTS5 index.
func (s *Store) candidates(ctx context.Context, keywords []string, at models.VersionID) ([]models.Vertex, error) {
	terms := make([]string, len(keywords))
	for i, k := range keywords {
		terms[i] = `"` + strings.ReplaceAll(k, `"`, `""`) + `"`
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT v.id, v.label, v.type, v.attributes, v.created_version, v.deleted_version
		FROM vertices_fts f
		JOIN vertices v ON v.id = f.id AND v.created_version = f.created_version
		WHERE vertices_fts MATCH ?
		  AND v.created_version <= ? AND (v.deleted_version IS NULL OR v.deleted_version > ?)
		ORDER BY rank
	`, strings.Join(terms, " OR "), at, at)
	if err != nil {
		return nil, wrap("search", err)
	}
	return collectVertices(rows)
}
