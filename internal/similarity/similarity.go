// Package similarity scores textual closeness between research queries.
//
// Scores combine four metrics over a normalized form of each query:
// token Jaccard, normalized edit distance, token overlap and character
// 3-gram Jaccard. Every metric is symmetric, so Score(a, b) == Score(b, a).
package similarity

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultThreshold = 0.75

	jaccardWeight = 0.3
	editWeight    = 0.2
	overlapWeight = 0.3
	ngramWeight   = 0.2

	ngramSize = 3
)

var contractions = strings.NewReplacer(
	"what's", "what is",
	"that's", "that is",
	"there's", "there is",
	"who's", "who is",
	"where's", "where is",
	"when's", "when is",
	"why's", "why is",
	"how's", "how is",
	"it's", "it is",
	"here's", "here is",
	"let's", "let us",
	"i'm", "i am",
	"can't", "cannot",
	"won't", "will not",
	"n't", " not",
	"'re", " are",
	"'ve", " have",
	"'ll", " will",
)

// Matcher finds the closest prior query above a threshold. The zero value
// is not usable; construct with NewMatcher.
type Matcher struct {
	threshold float64
}

func NewMatcher(threshold float64) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Matcher{threshold: threshold}
}

func (m *Matcher) Threshold() float64 { return m.threshold }

// Match is the winning candidate of FindBestMatch.
type Match struct {
	Index     int
	Candidate string
	Score     float64
}

// Score returns a value in [0,1]; identical inputs score 1.0.
func (m *Matcher) Score(a, b string) float64 {
	return score(newProfile(a), newProfile(b))
}

// FindBestMatch returns the highest-scoring candidate at or above the
// threshold. Ties keep the first candidate in iteration order.
func (m *Matcher) FindBestMatch(query string, candidates []string) (Match, bool) {
	q := newProfile(query)

	best := Match{Index: -1}
	for i, c := range candidates {
		s := score(q, newProfile(c))
		if s < m.threshold {
			continue
		}
		if best.Index < 0 || s > best.Score {
			best = Match{Index: i, Candidate: c, Score: s}
		}
	}
	return best, best.Index >= 0
}

// Normalize lower-cases, expands common contractions, strips diacritics and
// punctuation, and collapses whitespace.
func Normalize(s string) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = strings.NewReplacer("’", "'", "‘", "'").Replace(folded)
	folded = contractions.Replace(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			// dropped punctuation does not split words: "tort-based" -> "tortbased"
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

type profile struct {
	text   string
	runes  []rune
	tokens map[string]struct{}
	grams  map[string]struct{}
}

func newProfile(s string) profile {
	n := Normalize(s)
	p := profile{
		text:   n,
		runes:  []rune(n),
		tokens: make(map[string]struct{}),
		grams:  make(map[string]struct{}),
	}
	for _, tok := range strings.Fields(n) {
		p.tokens[tok] = struct{}{}
	}
	if len(p.runes) > 0 && len(p.runes) < ngramSize {
		p.grams[n] = struct{}{}
	}
	for i := 0; i+ngramSize <= len(p.runes); i++ {
		p.grams[string(p.runes[i:i+ngramSize])] = struct{}{}
	}
	return p
}

func score(a, b profile) float64 {
	if a.text == b.text {
		return 1.0
	}
	if a.text == "" || b.text == "" {
		return 0
	}

	s := jaccardWeight*jaccard(a.tokens, b.tokens) +
		editWeight*editSimilarity(a.runes, b.runes) +
		overlapWeight*overlap(a.tokens, b.tokens) +
		ngramWeight*jaccard(a.grams, b.grams)

	if s > 1 {
		return 1
	}
	if s < 0 {
		return 0
	}
	return s
}

func intersection(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func jaccard(a, b map[string]struct{}) float64 {
	inter := intersection(a, b)
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// overlap is the share of the smaller token set found in the larger one.
func overlap(a, b map[string]struct{}) float64 {
	smaller := min(len(a), len(b))
	if smaller == 0 {
		return 0
	}
	return float64(intersection(a, b)) / float64(smaller)
}

func editSimilarity(a, b []rune) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// levenshtein keeps two rows instead of the full matrix.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
