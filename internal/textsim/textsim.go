// Package textsim provides the lexical similarity primitives used for seed
// matching, path scoring and claim matching.
package textsim

import (
	"math"
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an the is are was were be been being of in on at to for by with
		and or not what which who whom whose where when why how does do did has have had it its
		this that these those as from about tell me please can could would should i you we they he she
		there their our your my his her them us any some am whether if than then so but also very will`) {
		stopWords[w] = struct{}{}
	}
}

// IsStopWord reports whether w (lowercase) carries no retrieval signal.
func IsStopWord(w string) bool {
	_, ok := stopWords[w]
	return ok
}

// Tokens splits text into lowercase alphanumeric tokens, breaking camelCase
// identifiers ("capitalOf" → "capital", "of"). Order is preserved.
func Tokens(text string) []string {
	var (
		out  []string
		cur  strings.Builder
		prev rune
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			flush()
			cur.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(unicode.ToLower(r))
		default:
			flush()
		}
		prev = r
	}
	flush()
	return out
}

// Keywords returns the deduplicated non-stop-word tokens of text.
func Keywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range Tokens(text) {
		if IsStopWord(t) {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Humanize renders a predicate identifier as words: "capitalOf" → "capital of".
func Humanize(predicate string) string {
	return strings.Join(Tokens(predicate), " ")
}

// Normalize returns a canonical comparison key for a label or phrase.
func Normalize(s string) string {
	kw := Keywords(s)
	if len(kw) == 0 {
		kw = Tokens(s)
	}
	return strings.Join(kw, " ")
}

func set(tokens []string) map[string]struct{} {
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func intersect(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for t := range a {
		if _, ok := b[t]; ok {
			n++
		}
	}
	return n
}

// Cosine is the set cosine |A∩B| / sqrt(|A|·|B|).
func Cosine(a, b []string) float64 {
	sa, sb := set(a), set(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	return float64(intersect(sa, sb)) / math.Sqrt(float64(len(sa)*len(sb)))
}

// Jaccard is |A∩B| / |A∪B|.
func Jaccard(a, b []string) float64 {
	sa, sb := set(a), set(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 0
	}
	inter := intersect(sa, sb)
	return float64(inter) / float64(len(sa)+len(sb)-inter)
}

// Overlap is |A∩B| / min(|A|,|B|).
func Overlap(a, b []string) float64 {
	sa, sb := set(a), set(b)
	m := min(len(sa), len(sb))
	if m == 0 {
		return 0
	}
	return float64(intersect(sa, sb)) / float64(m)
}

// Similarity scores two short strings (labels, predicate phrases) in [0,1]:
// the better of token Dice and edit-distance ratio over normalized forms.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	ta, tb := strings.Fields(na), strings.Fields(nb)
	sa, sb := set(ta), set(tb)
	dice := 2 * float64(intersect(sa, sb)) / float64(len(sa)+len(sb))
	return math.Max(dice, editRatio(na, nb))
}

func editRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
