// Package models defines the domain types shared by the graph store and the
// retrieval pipeline.
package models

import (
	"sort"
	"strings"
)

// VersionID identifies a committed graph version. Versions are totally
// ordered by commit sequence.
type VersionID int64

// Latest asks a read for the most recently committed version.
const Latest VersionID = 0

// Vertex is an entity in the knowledge graph.
type Vertex struct {
	ID         string            `json:"id"`
	Label      string            `json:"label"`
	Type       string            `json:"type,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  VersionID         `json:"created_at"`
	DeletedAt  *VersionID        `json:"deleted_at,omitempty"`
}

// Domain returns the topic the vertex belongs to for embedding purposes.
func (v Vertex) Domain() string {
	if d := v.Attributes["domain"]; d != "" {
		return d
	}
	if v.Type != "" {
		return v.Type
	}
	return "default"
}

// Relationship is a directed edge: Subject -Predicate-> Object.
type Relationship struct {
	ID         string            `json:"id"`
	Subject    string            `json:"subject"`
	Predicate  string            `json:"predicate"`
	Object     string            `json:"object"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  VersionID         `json:"created_at"`
	DeletedAt  *VersionID        `json:"deleted_at,omitempty"`
}

// Other returns the endpoint opposite to vertexID.
func (r Relationship) Other(vertexID string) string {
	if r.Subject == vertexID {
		return r.Object
	}
	return r.Subject
}

// Path is an ordered chain of relationships. Vertices holds the visited
// vertex ids in order, so len(Vertices) == len(Relationships)+1.
type Path struct {
	Relationships []Relationship `json:"relationships"`
	Vertices      []string       `json:"vertices"`
	Score         float64        `json:"score"`
}

// Len returns the hop count.
func (p Path) Len() int { return len(p.Relationships) }

// ID is the slash-joined relationship ids, used for deterministic tie-breaks.
func (p Path) ID() string {
	ids := make([]string, len(p.Relationships))
	for i, r := range p.Relationships {
		ids[i] = r.ID
	}
	return strings.Join(ids, "/")
}

// IsSimple reports whether no vertex repeats.
func (p Path) IsSimple() bool {
	seen := make(map[string]struct{}, len(p.Vertices))
	for _, v := range p.Vertices {
		if _, dup := seen[v]; dup {
			return false
		}
		seen[v] = struct{}{}
	}
	return true
}

// Contains reports whether vertexID is on the path.
func (p Path) Contains(vertexID string) bool {
	for _, v := range p.Vertices {
		if v == vertexID {
			return true
		}
	}
	return false
}

// Last returns the final vertex id, or "" for an empty path.
func (p Path) Last() string {
	if len(p.Vertices) == 0 {
		return ""
	}
	return p.Vertices[len(p.Vertices)-1]
}

// Extend returns a copy of p with rel appended, arriving at next.
func (p Path) Extend(rel Relationship, next string) Path {
	out := Path{
		Relationships: make([]Relationship, len(p.Relationships), len(p.Relationships)+1),
		Vertices:      make([]string, len(p.Vertices), len(p.Vertices)+1),
		Score:         p.Score,
	}
	copy(out.Relationships, p.Relationships)
	copy(out.Vertices, p.Vertices)
	out.Relationships = append(out.Relationships, rel)
	out.Vertices = append(out.Vertices, next)
	return out
}

// SortedKeys returns attribute keys in lexical order.
func SortedKeys(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
