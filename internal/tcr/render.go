package tcr

import (
	"strings"

	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/textsim"
)

var prepositions = map[string]struct{}{
	"of": {}, "in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "with": {}, "from": {}, "by": {},
}

// Phrase renders a predicate as a verb phrase:
// capitalOf → "is the capital of", locatedIn → "is located in",
// borders → "borders".
func Phrase(predicate string) string {
	words := textsim.Tokens(predicate)
	if len(words) == 0 {
		return predicate
	}
	first, last := words[0], words[len(words)-1]
	human := strings.Join(words, " ")
	switch {
	case first == "is" || first == "has" || first == "was":
		return human
	case strings.HasSuffix(first, "ed"):
		return "is " + human
	case len(words) > 1:
		if _, ok := prepositions[last]; ok {
			return "is the " + human
		}
	}
	return human
}

// Fact renders one relationship as a sentence.
func Fact(subject, predicate, object string) string {
	return subject + " " + Phrase(predicate) + " " + object + "."
}

// describe renders a vertex's type and attributes in key order.
func describe(v models.Vertex) string {
	var b strings.Builder
	b.WriteString(v.Label)
	if v.Type != "" {
		b.WriteString(" (")
		b.WriteString(v.Type)
		b.WriteString(")")
	}
	keys := models.SortedKeys(v.Attributes)
	if len(keys) > 0 {
		b.WriteString(":")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(v.Attributes[k])
		}
	}
	b.WriteString(".")
	return b.String()
}

// render builds fragment text for rel. A nil endpoint falls back to its id.
func render(rel models.Relationship, subj, obj *models.Vertex) string {
	sl, ol := rel.Subject, rel.Object
	if subj != nil {
		sl = subj.Label
	}
	if obj != nil {
		ol = obj.Label
	}
	parts := []string{Fact(sl, rel.Predicate, ol)}
	for _, k := range models.SortedKeys(rel.Attributes) {
		parts = append(parts, "("+k+": "+rel.Attributes[k]+")")
	}
	if subj != nil {
		parts = append(parts, describe(*subj))
	}
	if obj != nil {
		parts = append(parts, describe(*obj))
	}
	return strings.Join(parts, " ")
}

// LeadSentence returns the fact sentence a fragment starts with.
func LeadSentence(text string) string {
	if i := strings.Index(text, ". "); i >= 0 {
		return text[:i+1]
	}
	return text
}
