package tcr

import (
	"regexp"
	"sort"
	"strings"

	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/textsim"
)

// hedges are phrases that signal the generator was unsure.
var hedges = []string{
	"not sure", "unsure", "uncertain", "unclear", "unknown", "possibly",
	"perhaps", "probably", "might", "may be", "i think", "i believe",
	"it seems", "cannot confirm", "can't confirm", "no information",
	"not certain", "unverified",
}

var (
	hedgeRE    = regexp.MustCompile(`(?i)\b(` + hedgeAlternation() + `)\b`)
	sentenceRE = regexp.MustCompile(`[^.!?\n]+[.!?]?`)
	wordRE     = regexp.MustCompile(`[\p{L}\p{N}]+`)
)

func hedgeAlternation() string {
	quoted := make([]string, len(hedges))
	for i, h := range hedges {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(h), " ", `\s+`)
	}
	// Longest first so "not sure" wins over shorter overlaps.
	sort.SliceStable(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
	return strings.Join(quoted, "|")
}

// Marker is one hedge found in a draft, with the sentence around it.
type Marker struct {
	Phrase   string
	Span     models.Span
	Sentence string
}

// ExtractUncertainty scans draft for hedge phrases. It is a pure function
// of its input.
func ExtractUncertainty(draft string) []Marker {
	var out []Marker
	for _, s := range sentenceRE.FindAllStringIndex(draft, -1) {
		sentence := draft[s[0]:s[1]]
		for _, m := range hedgeRE.FindAllStringIndex(sentence, -1) {
			out = append(out, Marker{
				Phrase:   strings.ToLower(sentence[m[0]:m[1]]),
				Span:     models.Span{Start: s[0] + m[0], End: s[0] + m[1]},
				Sentence: strings.TrimSpace(sentence),
			})
		}
	}
	return out
}

// EntityPhrases returns the runs of contiguous content words in text,
// skipping stop words and hedge vocabulary, in order of appearance.
func EntityPhrases(text string) []string {
	var (
		out []string
		run []string
	)
	flush := func() {
		if len(run) > 0 {
			out = append(out, strings.Join(run, " "))
			run = nil
		}
	}
	for _, seg := range hedgeRE.Split(text, -1) {
		for _, w := range wordRE.FindAllString(seg, -1) {
			if textsim.IsStopWord(strings.ToLower(w)) {
				flush()
				continue
			}
			run = append(run, w)
		}
		flush()
	}
	return out
}
