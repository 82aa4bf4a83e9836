package graphstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/models"
)

// Version returns the metadata and change-set of a committed version.
func (s *Store) Version(ctx context.Context, id models.VersionID) (models.Version, error) {
	var v models.Version
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, committed_at, summary, checksum FROM versions WHERE id = ?`, id).
		Scan(&v.ID, &v.CommittedAt, &v.Summary, &v.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Version{}, fmt.Errorf("graphstore: version %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Version{}, wrap("version", err)
	}
	changes, err := s.changes(ctx, `version_id = ?`, id)
	if err != nil {
		return models.Version{}, err
	}
	v.Changes = changes
	return v, nil
}

// VersionsAfter returns every version newer than after, oldest first.
func (s *Store) VersionsAfter(ctx context.Context, after models.VersionID) ([]models.Version, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id FROM versions WHERE id > ? ORDER BY id`, after)
	if err != nil {
		return nil, wrap("versions after", err)
	}
	var ids []models.VersionID
	for rows.Next() {
		var id models.VersionID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, wrap("versions after", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap("versions after", err)
	}

	out := make([]models.Version, 0, len(ids))
	for _, id := range ids {
		v, err := s.Version(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Diff returns the ids created or invalidated by any version in
// (min(from,to), max(from,to)].
func (s *Store) Diff(ctx context.Context, from, to models.VersionID) (models.ChangeSet, error) {
	lo, hi := from, to
	if lo > hi {
		lo, hi = hi, lo
	}
	for _, v := range []models.VersionID{lo, hi} {
		if v == 0 {
			continue
		}
		if _, err := s.resolve(ctx, v); err != nil {
			return models.ChangeSet{}, err
		}
	}
	changes, err := s.changes(ctx, `version_id > ? AND version_id <= ?`, lo, hi)
	if err != nil {
		return models.ChangeSet{}, err
	}

	cs := models.ChangeSet{From: from, To: to, Vertices: []string{}, Relationships: []string{}}
	seen := make(map[models.Change]struct{})
	for _, c := range changes {
		key := models.Change{Kind: c.Kind, ID: c.ID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		switch c.Kind {
		case models.KindVertex:
			cs.Vertices = append(cs.Vertices, c.ID)
		case models.KindRelationship:
			cs.Relationships = append(cs.Relationships, c.ID)
		}
	}
	sort.Strings(cs.Vertices)
	sort.Strings(cs.Relationships)
	return cs, nil
}

func (s *Store) changes(ctx context.Context, where string, args ...any) ([]models.Change, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT kind, entity_id, op FROM version_changes WHERE `+where+` ORDER BY version_id, rowid`, args...)
	if err != nil {
		return nil, wrap("changes", err)
	}
	defer rows.Close()

	var out []models.Change
	for rows.Next() {
		var c models.Change
		if err := rows.Scan(&c.Kind, &c.ID, &c.Op); err != nil {
			return nil, wrap("changes", err)
		}
		out = append(out, c)
	}
	return out, wrap("changes", rows.Err())
}
