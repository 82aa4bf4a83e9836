package models

import "time"

// ChangeKind distinguishes vertex and relationship changes.
type ChangeKind string

const (
	KindVertex       ChangeKind = "vertex"
	KindRelationship ChangeKind = "relationship"
)

// ChangeOp is what a version did to an entity.
type ChangeOp string

const (
	OpCreated     ChangeOp = "created"
	OpInvalidated ChangeOp = "invalidated"
)

// Change is one entry of a version's change-set.
type Change struct {
	Kind ChangeKind `json:"kind"`
	ID   string     `json:"id"`
	Op   ChangeOp   `json:"op"`
}

// Version is an immutable, atomically committed snapshot point.
type Version struct {
	ID          VersionID `json:"id"`
	CommittedAt time.Time `json:"committed_at"`
	Summary     string    `json:"summary,omitempty"`
	Checksum    string    `json:"checksum"`
	Changes     []Change  `json:"changes,omitempty"`
}

// VertexIDs returns the ids of vertices touched by the version.
func (v Version) VertexIDs() []string {
	return v.idsOf(KindVertex)
}

// RelationshipIDs returns the ids of relationships touched by the version.
func (v Version) RelationshipIDs() []string {
	return v.idsOf(KindRelationship)
}

func (v Version) idsOf(kind ChangeKind) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range v.Changes {
		if c.Kind != kind {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c.ID)
	}
	return out
}

// VertexMutation creates, replaces or deletes a vertex.
type VertexMutation struct {
	ID         string            `json:"id" yaml:"id"`
	Label      string            `json:"label,omitempty" yaml:"label,omitempty"`
	Type       string            `json:"type,omitempty" yaml:"type,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Delete     bool              `json:"delete,omitempty" yaml:"delete,omitempty"`
}

// RelationshipMutation creates, replaces or deletes a relationship. An empty
// ID on creation is assigned by the store.
type RelationshipMutation struct {
	ID         string            `json:"id,omitempty" yaml:"id,omitempty"`
	Subject    string            `json:"subject,omitempty" yaml:"subject,omitempty"`
	Predicate  string            `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Object     string            `json:"object,omitempty" yaml:"object,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Delete     bool              `json:"delete,omitempty" yaml:"delete,omitempty"`
}

// Mutations is one batch applied atomically as a single version.
// BaseVersion is the version the writer observed; 0 lets the version
// manager rebase on the latest commit.
type Mutations struct {
	BaseVersion   VersionID              `json:"base_version,omitempty" yaml:"base_version,omitempty"`
	Vertices      []VertexMutation       `json:"vertices,omitempty" yaml:"vertices,omitempty"`
	Relationships []RelationshipMutation `json:"relationships,omitempty" yaml:"relationships,omitempty"`
}

// IsEmpty reports whether the batch carries no changes.
func (m Mutations) IsEmpty() bool {
	return len(m.Vertices) == 0 && len(m.Relationships) == 0
}

// ChangeSet is the set of entity ids that differ between two versions.
type ChangeSet struct {
	From          VersionID `json:"from"`
	To            VersionID `json:"to"`
	Vertices      []string  `json:"vertices"`
	Relationships []string  `json:"relationships"`
}
