// Package parser decodes mutation batch documents: YAML or JSON batches and
// Markdown fact notes whose body lists [[Subject]] predicate [[Object]] lines.
package parser

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/models"
)

var (
	wikilinkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)
	tripleRe   = regexp.MustCompile(`^\s*(?:[-*]\s+)?\[\[([^\]]+)\]\]\s+([A-Za-z][A-Za-z0-9_:-]*)\s+\[\[([^\]]+)\]\]\s*\.?\s*$`)
	predRe     = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_:-]*$`)
)

const maxSummaryLength = 512

// Batch is one decoded document: a mutation batch plus its commit summary.
type Batch struct {
	Summary          string `yaml:"summary" json:"summary"`
	models.Mutations `yaml:",inline"`
}

// Extensions lists the file extensions Parse understands.
var Extensions = []string{".yaml", ".yml", ".json", ".md"}

// Supported reports whether name has a batch document extension.
func Supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Parse decodes data according to name's extension and validates the
// result. Malformed documents are reported as apperr.ErrInvalidMutation.
func Parse(name string, data []byte) (*Batch, error) {
	var (
		b   *Batch
		err error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		b, err = decodeDocument(data)
	case ".md":
		b, err = decodeNote(data)
	default:
		return nil, fmt.Errorf("%w: unsupported document %q", apperr.ErrInvalidMutation, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperr.ErrInvalidMutation, name, err)
	}
	if b.Summary == "" {
		b.Summary = "ingest " + filepath.Base(name)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperr.ErrInvalidMutation, name, err)
	}
	return b, nil
}

// decodeDocument reads a YAML batch. JSON is valid YAML, so one decoder
// serves both.
func decodeDocument(data []byte) (*Batch, error) {
	var b Batch
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

// decodeNote reads a Markdown fact note. The optional frontmatter is a
// batch header (summary, base_version, vertices); each body line of the
// form [[Subject]] predicate [[Object]] becomes a relationship.
func decodeNote(data []byte) (*Batch, error) {
	header, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	b := &Batch{}
	if header != nil {
		dec := yaml.NewDecoder(bytes.NewReader(header))
		dec.KnownFields(true)
		if err := dec.Decode(b); err != nil {
			return nil, fmt.Errorf("frontmatter: %w", err)
		}
	}
	if b.Summary == "" {
		b.Summary = deriveTitle(body)
	}
	b.Relationships = append(b.Relationships, extractTriples(body)...)
	return b, nil
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the Markdown body. If no frontmatter is found the entire content is body.
func splitFrontmatter(data []byte) ([]byte, string, error) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), nil
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, "", fmt.Errorf("frontmatter: missing closing delimiter")
	}

	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")
	return rest[:idx], body, nil
}

// extractTriples returns one relationship per fact line, in document order.
// Wikilink targets become vertex ids; [[Target|Alias]] uses Target.
func extractTriples(body string) []models.RelationshipMutation {
	var out []models.RelationshipMutation
	for _, line := range strings.Split(body, "\n") {
		m := tripleRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		subject, object := VertexID(m[1]), VertexID(m[3])
		if subject == "" || object == "" {
			continue
		}
		out = append(out, models.RelationshipMutation{Subject: subject, Predicate: m[2], Object: object})
	}
	return out
}

// Links returns the deduplicated vertex ids referenced by wikilinks in body.
func Links(body string) []string {
	matches := wikilinkRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		id := VertexID(m[1])
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// VertexID normalises a wikilink target to a vertex id: alias dropped,
// lower-cased, inner whitespace replaced by dashes.
func VertexID(target string) string {
	if i := strings.Index(target, "|"); i >= 0 {
		target = target[:i]
	}
	return strings.ToLower(strings.Join(strings.Fields(target), "-"))
}

// deriveTitle returns the first H1 heading, otherwise empty string.
func deriveTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

// Validate checks the batch shape. Referential checks are left to the
// graph store.
func (b *Batch) Validate() error {
	if b.IsEmpty() {
		return fmt.Errorf("batch has no vertices or relationships")
	}
	if err := validation.ValidateStruct(b,
		validation.Field(&b.Summary, validation.Length(0, maxSummaryLength)),
		validation.Field(&b.BaseVersion, validation.Min(models.VersionID(0))),
	); err != nil {
		return err
	}
	for i := range b.Vertices {
		v := &b.Vertices[i]
		if err := validation.ValidateStruct(v,
			validation.Field(&v.ID, validation.Required),
		); err != nil {
			return fmt.Errorf("vertices[%d]: %w", i, err)
		}
	}
	for i := range b.Relationships {
		r := &b.Relationships[i]
		err := validation.ValidateStruct(r,
			validation.Field(&r.ID, validation.When(r.Delete, validation.Required)),
			validation.Field(&r.Subject, validation.When(!r.Delete, validation.Required)),
			validation.Field(&r.Object, validation.When(!r.Delete, validation.Required)),
			validation.Field(&r.Predicate, validation.When(!r.Delete, validation.Required, validation.Match(predRe))),
		)
		if err != nil {
			return fmt.Errorf("relationships[%d]: %w", i, err)
		}
	}
	return nil
}
