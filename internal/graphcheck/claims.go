package graphcheck

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/textsim"
)

var (
	tripleRE   = regexp.MustCompile(`\(\s*([^,()]+?)\s*,\s*([^,()]+?)\s*,\s*([^,()]+?)\s*\)`)
	sentenceRE = regexp.MustCompile(`[^.!?\n]+[.!?]?`)
	wordRE     = regexp.MustCompile(`[\p{L}\p{N}]+(?:'[\p{L}]+)?`)
)

var negations = map[string]struct{}{"not": {}, "no": {}, "never": {}, "isn't": {}, "aren't": {}, "wasn't": {}}

type word struct {
	text       string
	lower      string
	start, end int
}

// ExtractClaims finds claims in answer. Explicit "(subject, predicate,
// object)" triples are taken verbatim; other sentences are matched against
// the predicate vocabulary, taking the nearest content words before and
// after the predicate phrase as subject and object. Predicates of
// sentence claims are the vocabulary entries, prefixed with "not" when the
// sentence negates them. A sentence yields at most one claim.
func ExtractClaims(answer string, vocabulary []string, predicateTolerance float64) []models.Claim {
	var claims []models.Claim

	masked := []byte(answer)
	for _, m := range tripleRE.FindAllStringSubmatchIndex(answer, -1) {
		claims = append(claims, models.Claim{
			Subject:   answer[m[2]:m[3]],
			Predicate: answer[m[4]:m[5]],
			Object:    answer[m[6]:m[7]],
			Span:      models.Span{Start: m[0], End: m[1]},
			Text:      answer[m[0]:m[1]],
		})
		for i := m[0]; i < m[1]; i++ {
			masked[i] = ' '
		}
	}

	text := string(masked)
	for _, s := range sentenceRE.FindAllStringIndex(text, -1) {
		c, ok := sentenceClaim(text[s[0]:s[1]], s[0], vocabulary, predicateTolerance)
		if !ok {
			continue
		}
		c.Text = strings.TrimSpace(answer[s[0]:s[1]])
		claims = append(claims, c)
	}
	return claims
}

func sentenceClaim(sentence string, offset int, vocabulary []string, tol float64) (models.Claim, bool) {
	var words []word
	for _, m := range wordRE.FindAllStringIndex(sentence, -1) {
		w := sentence[m[0]:m[1]]
		words = append(words, word{text: w, lower: strings.ToLower(w), start: m[0], end: m[1]})
	}
	if len(words) < 3 {
		return models.Claim{}, false
	}

	pred, from, to, score := "", 0, 0, 0.0
	for _, p := range vocabulary {
		n := len(textsim.Tokens(p))
		if n == 0 || n > len(words)-2 {
			continue
		}
		human := textsim.Humanize(p)
		for i := 1; i+n < len(words); i++ {
			window := joinLower(words[i : i+n])
			s := textsim.Similarity(window, human)
			if s >= tol && s > score {
				pred, from, to, score = p, i, i+n, s
			}
		}
	}
	if pred == "" {
		return models.Claim{}, false
	}

	subj, ok := lastRun(sentence, words[:from])
	if !ok {
		return models.Claim{}, false
	}
	obj, ok := firstRun(sentence, words[to:])
	if !ok {
		return models.Claim{}, false
	}
	for _, w := range words[:from] {
		if _, neg := negations[w.lower]; neg {
			pred = Negate(pred)
			break
		}
	}
	return models.Claim{
		Subject:   subj,
		Predicate: pred,
		Object:    obj,
		Span:      models.Span{Start: offset + strings.Index(sentence, strings.TrimSpace(sentence)), End: offset + len(strings.TrimRight(sentence, " \t"))},
	}, true
}

func joinLower(ws []word) string {
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = w.lower
	}
	return strings.Join(parts, " ")
}

func isContent(w word) bool {
	if _, neg := negations[w.lower]; neg {
		return false
	}
	return !textsim.IsStopWord(w.lower)
}

// lastRun returns the last contiguous run of content words.
func lastRun(sentence string, ws []word) (string, bool) {
	end := -1
	for i := len(ws) - 1; i >= 0; i-- {
		if isContent(ws[i]) {
			end = i
			break
		}
	}
	if end < 0 {
		return "", false
	}
	start := end
	for start > 0 && isContent(ws[start-1]) {
		start--
	}
	return sentence[ws[start].start:ws[end].end], true
}

// firstRun returns the first contiguous run of content words.
func firstRun(sentence string, ws []word) (string, bool) {
	start := -1
	for i, w := range ws {
		if isContent(w) {
			start = i
			break
		}
	}
	if start < 0 {
		return "", false
	}
	end := start
	for end+1 < len(ws) && isContent(ws[end+1]) {
		end++
	}
	return sentence[ws[start].start:ws[end].end], true
}

// Negate returns the negated form of a predicate: capitalOf → notCapitalOf.
func Negate(predicate string) string {
	r := []rune(predicate)
	if len(r) == 0 {
		return predicate
	}
	r[0] = unicode.ToUpper(r[0])
	return "not" + string(r)
}

// SplitNegation returns the humanized positive predicate and whether it
// was negated: "notCapitalOf" → ("capital of", true).
func SplitNegation(predicate string) (string, bool) {
	words := textsim.Tokens(predicate)
	if len(words) > 1 && words[0] == "not" {
		return strings.Join(words[1:], " "), true
	}
	return strings.Join(words, " "), false
}
