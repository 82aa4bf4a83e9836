package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/models"
)

const vertexColumns = `id, label, type, attributes, created_version, deleted_version`

const relationshipColumns = `id, subject, predicate, object, attributes, created_version, deleted_version`

type scanner interface {
	Scan(dest ...any) error
}

func scanVertex(row scanner) (models.Vertex, error) {
	var (
		v       models.Vertex
		attrs   string
		deleted sql.NullInt64
	)
	if err := row.Scan(&v.ID, &v.Label, &v.Type, &attrs, &v.CreatedAt, &deleted); err != nil {
		return models.Vertex{}, err
	}
	if err := decodeAttrs(attrs, &v.Attributes); err != nil {
		return models.Vertex{}, err
	}
	if deleted.Valid {
		d := models.VersionID(deleted.Int64)
		v.DeletedAt = &d
	}
	return v, nil
}

func scanRelationship(row scanner) (models.Relationship, error) {
	var (
		r       models.Relationship
		attrs   string
		deleted sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Subject, &r.Predicate, &r.Object, &attrs, &r.CreatedAt, &deleted); err != nil {
		return models.Relationship{}, err
	}
	if err := decodeAttrs(attrs, &r.Attributes); err != nil {
		return models.Relationship{}, err
	}
	if deleted.Valid {
		d := models.VersionID(deleted.Int64)
		r.DeletedAt = &d
	}
	return r, nil
}

func decodeAttrs(raw string, dst *map[string]string) error {
	if raw == "" || raw == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode attributes: %w", err)
	}
	return nil
}

func encodeAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(attrs)
	return string(b)
}

// FetchVertex returns the vertex visible at version at.
func (s *Store) FetchVertex(ctx context.Context, id string, at models.VersionID) (models.Vertex, error) {
	at, err := s.resolve(ctx, at)
	if err != nil {
		return models.Vertex{}, err
	}
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+vertexColumns+` FROM vertices WHERE id = ? AND `+visibleAt, id, at, at)
	v, err := scanVertex(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Vertex{}, fmt.Errorf("graphstore: vertex %q at version %d: %w", id, at, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Vertex{}, wrap("fetch vertex", err)
	}
	return v, nil
}

// FetchRelationshipsOfPath returns the path's relationships as visible at
// version at, in path order. When some are missing the found subset is
// returned together with ErrPartialNotFound.
func (s *Store) FetchRelationshipsOfPath(ctx context.Context, p models.Path, at models.VersionID) ([]models.Relationship, error) {
	at, err := s.resolve(ctx, at)
	if err != nil {
		return nil, err
	}
	var (
		out     []models.Relationship
		missing []string
	)
	for _, ref := range p.Relationships {
		row := s.conn.QueryRowContext(ctx,
			`SELECT `+relationshipColumns+` FROM relationships WHERE id = ? AND `+visibleAt, ref.ID, at, at)
		r, err := scanRelationship(row)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, ref.ID)
			continue
		}
		if err != nil {
			return nil, wrap("fetch relationship", err)
		}
		out = append(out, r)
	}
	if len(missing) > 0 {
		return out, fmt.Errorf("graphstore: relationships %s at version %d: %w",
			strings.Join(missing, ","), at, apperr.ErrPartialNotFound)
	}
	return out, nil
}

// Neighbors returns the relationships incident to vertexID in either
// direction, ordered by id.
func (s *Store) Neighbors(ctx context.Context, vertexID string, at models.VersionID) ([]models.Relationship, error) {
	at, err := s.resolve(ctx, at)
	if err != nil {
		return nil, err
	}
	return s.neighbors(ctx, vertexID, at)
}

func (s *Store) neighbors(ctx context.Context, vertexID string, at models.VersionID) ([]models.Relationship, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+relationshipColumns+`
		FROM relationships
		WHERE (subject = ? OR object = ?) AND `+visibleAt+`
		ORDER BY id
	`, vertexID, vertexID, at, at)
	if err != nil {
		return nil, wrap("neighbors", err)
	}
	return collectRelationships(rows)
}

// FindRelationships returns the relationships matching q at version at.
func (s *Store) FindRelationships(ctx context.Context, q RelationshipQuery, at models.VersionID) ([]models.Relationship, error) {
	at, err := s.resolve(ctx, at)
	if err != nil {
		return nil, err
	}
	var (
		where = []string{visibleAt}
		args  = []any{at, at}
	)
	if q.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, q.Subject)
	}
	if q.Predicate != "" {
		where = append(where, "predicate = ?")
		args = append(args, q.Predicate)
	}
	if q.Object != "" {
		where = append(where, "object = ?")
		args = append(args, q.Object)
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE `+strings.Join(where, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, wrap("find relationships", err)
	}
	return collectRelationships(rows)
}

// Predicates returns the distinct predicates in use at version at.
func (s *Store) Predicates(ctx context.Context, at models.VersionID) ([]string, error) {
	at, err := s.resolve(ctx, at)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT DISTINCT predicate FROM relationships WHERE `+visibleAt+` ORDER BY predicate`, at, at)
	if err != nil {
		return nil, wrap("predicates", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, wrap("predicates", err)
		}
		out = append(out, p)
	}
	return out, wrap("predicates", rows.Err())
}

func collectRelationships(rows *sql.Rows) ([]models.Relationship, error) {
	defer rows.Close()
	var out []models.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, wrap("scan relationship", err)
		}
		out = append(out, r)
	}
	return out, wrap("scan relationship", rows.Err())
}

func collectVertices(rows *sql.Rows) ([]models.Vertex, error) {
	defer rows.Close()
	var out []models.Vertex
	for rows.Next() {
		v, err := scanVertex(rows)
		if err != nil {
			return nil, wrap("scan vertex", err)
		}
		out = append(out, v)
	}
	return out, wrap("scan vertex", rows.Err())
}
