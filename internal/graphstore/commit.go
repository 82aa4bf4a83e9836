package graphstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/checksum"
	"github.com/starford/veritas/internal/models"
)

// Commit applies m atomically as a new version.
//
// Vertex mutations apply first, in order; deleting a vertex invalidates its
// live relationships. Relationship mutations follow and must reference live
// endpoints. When m.BaseVersion is set and a later version touched any
// vertex the batch touches, the commit fails with ErrConflict and nothing
// is written.
func (s *Store) Commit(ctx context.Context, m models.Mutations, summary string) (models.Version, error) {
	if err := validateBatch(m); err != nil {
		return models.Version{}, err
	}
	sum, err := checksum.Batch(m)
	if err != nil {
		return models.Version{}, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Version{}, wrap("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	var latest models.VersionID
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM versions`).Scan(&latest); err != nil {
		return models.Version{}, wrap("latest", err)
	}
	if m.BaseVersion > latest {
		return models.Version{}, fmt.Errorf("graphstore: base version %d beyond latest %d: %w",
			m.BaseVersion, latest, apperr.ErrInvalidMutation)
	}
	if m.BaseVersion > 0 && m.BaseVersion < latest {
		if err := checkConflict(ctx, tx, m); err != nil {
			return models.Version{}, err
		}
	}

	ver := models.Version{
		ID:          latest + 1,
		CommittedAt: time.Now().UTC(),
		Summary:     summary,
		Checksum:    sum,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO versions (id, committed_at, summary, checksum) VALUES (?, ?, ?, ?)`,
		ver.ID, ver.CommittedAt, ver.Summary, ver.Checksum); err != nil {
		return models.Version{}, wrap("insert version", err)
	}

	c := committer{ctx: ctx, tx: tx, v: ver.ID}
	for _, vm := range m.Vertices {
		if err := c.applyVertex(vm); err != nil {
			return models.Version{}, err
		}
	}
	for _, rm := range m.Relationships {
		if err := c.applyRelationship(rm); err != nil {
			return models.Version{}, err
		}
	}
	for _, ch := range c.changes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO version_changes (version_id, kind, entity_id, op) VALUES (?, ?, ?, ?)`,
			ver.ID, ch.Kind, ch.ID, ch.Op); err != nil {
			return models.Version{}, wrap("record change", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Version{}, wrap("commit", err)
	}
	ver.Changes = c.changes
	return ver, nil
}

func validateBatch(m models.Mutations) error {
	if m.IsEmpty() {
		return fmt.Errorf("graphstore: empty batch: %w", apperr.ErrInvalidMutation)
	}
	seen := make(map[string]struct{}, len(m.Vertices))
	for _, vm := range m.Vertices {
		if vm.ID == "" {
			return fmt.Errorf("graphstore: vertex without id: %w", apperr.ErrInvalidMutation)
		}
		if _, dup := seen[vm.ID]; dup {
			return fmt.Errorf("graphstore: vertex %q mutated twice in one batch: %w", vm.ID, apperr.ErrInvalidMutation)
		}
		seen[vm.ID] = struct{}{}
	}
	seen = make(map[string]struct{}, len(m.Relationships))
	for _, rm := range m.Relationships {
		if rm.Delete && rm.ID == "" {
			return fmt.Errorf("graphstore: relationship delete without id: %w", apperr.ErrInvalidMutation)
		}
		if !rm.Delete && (rm.Subject == "" || rm.Predicate == "" || rm.Object == "") {
			return fmt.Errorf("graphstore: relationship %q needs subject, predicate and object: %w",
				rm.ID, apperr.ErrInvalidMutation)
		}
		if rm.ID == "" {
			continue
		}
		if _, dup := seen[rm.ID]; dup {
			return fmt.Errorf("graphstore: relationship %q mutated twice in one batch: %w", rm.ID, apperr.ErrInvalidMutation)
		}
		seen[rm.ID] = struct{}{}
	}
	return nil
}

// checkConflict fails when a version after m.BaseVersion touched a vertex
// the batch touches, directly or through a relationship endpoint.
func checkConflict(ctx context.Context, tx *sql.Tx, m models.Mutations) error {
	touched := make(map[string]struct{})
	for _, vm := range m.Vertices {
		touched[vm.ID] = struct{}{}
	}
	for _, rm := range m.Relationships {
		if rm.Subject != "" {
			touched[rm.Subject] = struct{}{}
		}
		if rm.Object != "" {
			touched[rm.Object] = struct{}{}
		}
		if rm.ID != "" {
			rows, err := tx.QueryContext(ctx, `SELECT subject, object FROM relationships WHERE id = ?`, rm.ID)
			if err != nil {
				return wrap("conflict check", err)
			}
			for rows.Next() {
				var subj, obj string
				if err := rows.Scan(&subj, &obj); err != nil {
					rows.Close()
					return wrap("conflict check", err)
				}
				touched[subj] = struct{}{}
				touched[obj] = struct{}{}
			}
			rows.Close()
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT c.entity_id FROM version_changes c
		WHERE c.version_id > ? AND c.kind = 'vertex'
		UNION
		SELECT r.subject FROM version_changes c
		JOIN relationships r ON r.id = c.entity_id
		WHERE c.version_id > ? AND c.kind = 'relationship'
		UNION
		SELECT r.object FROM version_changes c
		JOIN relationships r ON r.id = c.entity_id
		WHERE c.version_id > ? AND c.kind = 'relationship'
	`, m.BaseVersion, m.BaseVersion, m.BaseVersion)
	if err != nil {
		return wrap("conflict check", err)
	}
	defer rows.Close()

	var overlap []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return wrap("conflict check", err)
		}
		if _, ok := touched[id]; ok {
			overlap = append(overlap, id)
		}
	}
	if err := rows.Err(); err != nil {
		return wrap("conflict check", err)
	}
	if len(overlap) > 0 {
		sort.Strings(overlap)
		return fmt.Errorf("graphstore: vertices %s changed after version %d: %w",
			strings.Join(overlap, ","), m.BaseVersion, apperr.ErrConflict)
	}
	return nil
}

type committer struct {
	ctx     context.Context
	tx      *sql.Tx
	v       models.VersionID
	changes []models.Change
}

func (c *committer) record(kind models.ChangeKind, id string, op models.ChangeOp) {
	c.changes = append(c.changes, models.Change{Kind: kind, ID: id, Op: op})
}

func (c *committer) applyVertex(vm models.VertexMutation) error {
	res, err := c.tx.ExecContext(c.ctx,
		`UPDATE vertices SET deleted_version = ? WHERE id = ? AND deleted_version IS NULL`, c.v, vm.ID)
	if err != nil {
		return wrap("invalidate vertex", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.record(models.KindVertex, vm.ID, models.OpInvalidated)
	}

	if vm.Delete {
		if n == 0 {
			return fmt.Errorf("graphstore: delete vertex %q: %w", vm.ID, apperr.ErrNotFound)
		}
		return c.cascade(vm.ID)
	}

	label := vm.Label
	if label == "" {
		label = vm.ID
	}
	if _, err := c.tx.ExecContext(c.ctx, `
		INSERT INTO vertices (id, created_version, label, type, attributes)
		VALUES (?, ?, ?, ?, ?)
	`, vm.ID, c.v, label, vm.Type, encodeAttrs(vm.Attributes)); err != nil {
		return wrap("insert vertex", err)
	}
	if err := searchInsert(c.ctx, c.tx, vm.ID, c.v, label); err != nil {
		return err
	}
	c.record(models.KindVertex, vm.ID, models.OpCreated)
	return nil
}

// cascade invalidates every live relationship incident to vertexID.
func (c *committer) cascade(vertexID string) error {
	rows, err := c.tx.QueryContext(c.ctx,
		`SELECT id FROM relationships WHERE (subject = ? OR object = ?) AND deleted_version IS NULL ORDER BY id`,
		vertexID, vertexID)
	if err != nil {
		return wrap("cascade", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return wrap("cascade", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrap("cascade", err)
	}
	for _, id := range ids {
		if _, err := c.tx.ExecContext(c.ctx,
			`UPDATE relationships SET deleted_version = ? WHERE id = ? AND deleted_version IS NULL`, c.v, id); err != nil {
			return wrap("cascade", err)
		}
		c.record(models.KindRelationship, id, models.OpInvalidated)
	}
	return nil
}

func (c *committer) applyRelationship(rm models.RelationshipMutation) error {
	var n int64
	if rm.ID != "" {
		res, err := c.tx.ExecContext(c.ctx,
			`UPDATE relationships SET deleted_version = ? WHERE id = ? AND deleted_version IS NULL`, c.v, rm.ID)
		if err != nil {
			return wrap("invalidate relationship", err)
		}
		n, _ = res.RowsAffected()
		if n > 0 {
			c.record(models.KindRelationship, rm.ID, models.OpInvalidated)
		}
	}
	if rm.Delete {
		if n == 0 {
			return fmt.Errorf("graphstore: delete relationship %q: %w", rm.ID, apperr.ErrNotFound)
		}
		return nil
	}

	for _, endpoint := range []string{rm.Subject, rm.Object} {
		if err := c.requireLive(endpoint); err != nil {
			return err
		}
	}
	id := rm.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := c.tx.ExecContext(c.ctx, `
		INSERT INTO relationships (id, created_version, subject, predicate, object, attributes)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, c.v, rm.Subject, rm.Predicate, rm.Object, encodeAttrs(rm.Attributes)); err != nil {
		return wrap("insert relationship", err)
	}
	c.record(models.KindRelationship, id, models.OpCreated)
	return nil
}

func (c *committer) requireLive(vertexID string) error {
	var one int
	err := c.tx.QueryRowContext(c.ctx,
		`SELECT 1 FROM vertices WHERE id = ? AND deleted_version IS NULL`, vertexID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("graphstore: endpoint %q is not a live vertex: %w", vertexID, apperr.ErrInvalidMutation)
	}
	if err != nil {
		return wrap("endpoint check", err)
	}
	return nil
}
