// Package quality grades completion answers after they are returned.
package quality

import (
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/HanTheDev/legal-research-gateway/internal/models"
)

// Dimensions are the per-axis scores, each in [0,1].
type Dimensions struct {
	Completeness  float64 `json:"completeness"`
	Authority     float64 `json:"authority"`
	Structure     float64 `json:"structure"`
	Depth         float64 `json:"depth"`
	Actionability float64 `json:"actionability"`
}

// Score is the graded result for one answer. Degraded marks a best-effort
// score produced from malformed or empty answer text.
type Score struct {
	Dimensions
	Mode     models.Mode `json:"mode"`
	Overall  float64     `json:"overall"`
	Grade    string      `json:"grade"`
	Feedback []string    `json:"feedback"`
	Degraded bool        `json:"degraded"`
}

// Weights combine dimensions into the overall score. They sum to 1.
type Weights struct {
	Completeness, Authority, Structure, Depth, Actionability float64
}

var (
	ThoroughWeights = Weights{Completeness: 0.15, Authority: 0.30, Structure: 0.15, Depth: 0.25, Actionability: 0.15}
	FastWeights     = Weights{Completeness: 0.35, Authority: 0.10, Structure: 0.10, Depth: 0.15, Actionability: 0.30}
)

func WeightsFor(mode models.Mode) Weights {
	if mode == models.ModeThorough {
		return ThoroughWeights
	}
	return FastWeights
}

// authority saturates at this many distinct references
const (
	thoroughAuthorityCeiling = 8
	fastAuthorityCeiling     = 3
)

var (
	reporterCite = regexp.MustCompile(`\b\d{1,4}\s+(?:U\.S\.|S\.\s?Ct\.|L\.\s?Ed\.(?:\s?2d)?|F\.(?:\s?Supp\.)?(?:\s?[234]d|\s?4th)?|[A-Z][A-Za-z]*\.(?:\s?[A-Z][A-Za-z]*\.)*(?:\s?[23]d)?)\s+\d{1,5}\b`)
	statuteRef   = regexp.MustCompile(`(?:\b\d+\s+U\.S\.C\.\s*§*\s*\d+|§+\s*\d+[\w.()-]*|\b(?:Rule|Section|Article)\s+\d+[\w.()-]*)`)

	markdownHeader = regexp.MustCompile(`(?m)^\s*(?:#{1,6}\s+\S|\*\*[^*\n]+\*\*\s*:?\s*$|[A-Z][A-Za-z /&-]{2,60}:\s*$)`)
	bulletLine     = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+\S`)
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)

	conclusion = regexp.MustCompile(`(?i)\b(?:in conclusion|in summary|to summarize|therefore|accordingly|bottom line|overall,)`)

	actionFamilies = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:recommend\w*|advise\w*|should)\b`),
		regexp.MustCompile(`(?i)\b(?:next steps?|action items?|immediately|promptly)\b`),
		regexp.MustCompile(`(?i)\b(?:deadline|within \d+ days|due by|statute of limitations|no later than)\b`),
		regexp.MustCompile(`(?i)\b(?:alternative\w*|option\w*|otherwise|in the alternative)\b`),
	}

	wordRe = regexp.MustCompile(`[\p{L}\p{N}']+`)
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "can": true, "could": true, "do": true, "does": true, "for": true, "from": true,
	"how": true, "i": true, "if": true, "in": true, "is": true, "it": true, "its": true,
	"my": true, "of": true, "on": true, "or": true, "our": true, "should": true, "that": true,
	"the": true, "their": true, "there": true, "this": true, "to": true, "under": true,
	"was": true, "we": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "will": true, "with": true, "would": true, "you": true, "your": true,
}

// Scorer is stateless and safe for concurrent use.
type Scorer struct{}

func NewScorer() *Scorer {
	return &Scorer{}
}

// Score grades answer against query for mode. It never fails: empty or
// malformed text yields a degraded partial score.
func (s *Scorer) Score(answer, query string, mode models.Mode) Score {
	if mode != models.ModeThorough {
		mode = models.ModeFast
	}
	out := Score{Mode: mode}

	if !utf8.ValidString(answer) {
		answer = strings.ToValidUTF8(answer, " ")
		out.Degraded = true
		out.Feedback = append(out.Feedback, "answer text contained invalid encoding; score is partial")
	}
	if strings.TrimSpace(answer) == "" {
		out.Degraded = true
		out.Grade = GradeFor(0)
		out.Feedback = append(out.Feedback, "answer is empty")
		return out
	}

	out.Completeness = completeness(answer, query)
	out.Authority = authority(answer, mode)
	out.Structure = structure(answer)
	out.Depth = depth(answer, mode)
	out.Actionability = actionability(answer)

	w := WeightsFor(mode)
	out.Overall = round(w.Completeness*out.Completeness +
		w.Authority*out.Authority +
		w.Structure*out.Structure +
		w.Depth*out.Depth +
		w.Actionability*out.Actionability)
	out.Grade = GradeFor(out.Overall)
	out.Feedback = append(out.Feedback, feedback(out.Dimensions, mode)...)
	return out
}

// GradeFor maps an overall score to a letter grade.
func GradeFor(overall float64) string {
	switch {
	case overall >= 0.9:
		return "A"
	case overall >= 0.8:
		return "B"
	case overall >= 0.7:
		return "C"
	case overall >= 0.6:
		return "D"
	}
	return "F"
}

func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range wordRe.FindAllString(strings.ToLower(query), -1) {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

func completeness(answer, query string) float64 {
	terms := queryTerms(query)
	lower := strings.ToLower(answer)

	coverage := 1.0
	if len(terms) > 0 {
		found := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				found++
			}
		}
		coverage = float64(found) / float64(len(terms))
	}
	score := 0.85 * coverage
	if conclusion.MatchString(answer) {
		score += 0.15
	}
	return round(math.Min(score, 1))
}

// NamedCases returns the distinct "X v. Y" case names in text, in order of
// first appearance. Citation signals before the plaintiff and anything past
// a sentence break are not part of the name, so repeated citations of one
// case count once.
func NamedCases(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(text, "\n") {
		toks := strings.Fields(line)
		for i, t := range toks {
			if t != "v." && t != "vs." {
				continue
			}
			name, ok := caseAt(toks, i)
			if !ok {
				continue
			}
			key := strings.ToLower(name)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, name)
		}
	}
	return out
}

var citationSignals = map[string]bool{
	"in": true, "see": true, "under": true, "following": true, "cf.": true, "cf": true,
	"also": true, "but": true, "compare": true, "accord": true, "contra": true, "per": true,
	"citing": true, "applying": true, "unlike": true, "like": true, "as": true, "and": true,
}

var nameAbbreviations = map[string]bool{
	"inc.": true, "co.": true, "corp.": true, "ltd.": true, "bros.": true, "dept.": true,
	"st.": true, "mr.": true, "mrs.": true, "dr.": true, "jr.": true, "sr.": true, "no.": true,
	"ass'n.": true, "univ.": true, "bd.": true, "cnty.": true, "u.s.": true,
}

var partyConnectors = map[string]bool{"of": true, "&": true, "for": true, "the": true, "de": true}

// sentenceEnd reports a token that closes a sentence. Abbreviations and
// single initials such as "J." do not.
func sentenceEnd(tok string) bool {
	if !strings.HasSuffix(tok, ".") || nameAbbreviations[strings.ToLower(tok)] {
		return false
	}
	return len([]rune(strings.TrimSuffix(tok, "."))) > 1
}

func capitalized(tok string) bool {
	r, _ := utf8.DecodeRuneInString(tok)
	return unicode.IsUpper(r)
}

// caseAt builds the case name around the "v." at toks[vi].
func caseAt(toks []string, vi int) (string, bool) {
	var plaintiff []string
	for j := vi - 1; j >= 0; j-- {
		tok := strings.TrimLeft(toks[j], "(\"'“")
		if tok == "" {
			break
		}
		if j < vi-1 && (sentenceEnd(tok) || strings.ContainsAny(tok[len(tok)-1:], ",;:)")) {
			break
		}
		if !capitalized(tok) && !(partyConnectors[tok] && len(plaintiff) > 0) {
			break
		}
		plaintiff = append([]string{tok}, plaintiff...)
		if tok != toks[j] {
			break
		}
	}
	for len(plaintiff) > 0 && (citationSignals[strings.ToLower(plaintiff[0])] || partyConnectors[plaintiff[0]]) {
		plaintiff = plaintiff[1:]
	}

	var defendant []string
	for k := vi + 1; k < len(toks); k++ {
		tok := strings.TrimLeft(toks[k], "(\"'“")
		trimmed := strings.TrimRight(tok, ",;:)\"'”")
		if trimmed == "" || (!capitalized(trimmed) && !(partyConnectors[trimmed] && k+1 < len(toks) && capitalized(toks[k+1]))) {
			break
		}
		if sentenceEnd(trimmed) {
			defendant = append(defendant, strings.TrimSuffix(trimmed, "."))
			break
		}
		defendant = append(defendant, trimmed)
		if trimmed != tok {
			break
		}
	}
	for len(defendant) > 0 && partyConnectors[defendant[len(defendant)-1]] {
		defendant = defendant[:len(defendant)-1]
	}

	if len(plaintiff) == 0 || len(defendant) == 0 {
		return "", false
	}
	return strings.Join(plaintiff, " ") + " v. " + strings.Join(defendant, " "), true
}

func distinctCount(re *regexp.Regexp, text string) int {
	seen := make(map[string]bool)
	for _, m := range re.FindAllString(text, -1) {
		seen[strings.Join(strings.Fields(m), " ")] = true
	}
	return len(seen)
}

func authority(answer string, mode models.Mode) float64 {
	refs := len(NamedCases(answer)) + distinctCount(reporterCite, answer) + distinctCount(statuteRef, answer)
	ceiling := fastAuthorityCeiling
	if mode == models.ModeThorough {
		ceiling = thoroughAuthorityCeiling
	}
	return round(math.Min(float64(refs)/float64(ceiling), 1))
}

func structure(answer string) float64 {
	score := 0.0
	if markdownHeader.MatchString(answer) {
		score += 0.4
	}
	if bulletLine.MatchString(answer) {
		score += 0.3
	}
	paragraphs := len(paragraphBreak.Split(strings.TrimSpace(answer), -1))
	switch {
	case paragraphs >= 3:
		score += 0.3
	case paragraphs == 2:
		score += 0.15
	}
	return round(score)
}

func depth(answer string, mode models.Mode) float64 {
	words := float64(len(strings.Fields(answer)))
	if mode == models.ModeThorough {
		switch {
		case words >= 800:
			return 1
		case words >= 400:
			return round(0.8 + 0.2*(words-400)/400)
		}
		return round(0.8 * words / 400)
	}

	switch {
	case words > 300:
		return round(math.Max(0.3, 1-(words-300)/600))
	case words >= 50:
		return 1
	}
	return round(0.4 + 0.6*words/50)
}

func actionability(answer string) float64 {
	score := 0.0
	for _, re := range actionFamilies {
		if re.MatchString(answer) {
			score += 0.25
		}
	}
	return math.Min(score, 1)
}

func feedback(d Dimensions, mode models.Mode) []string {
	var out []string
	if d.Completeness < 0.5 {
		out = append(out, "answer leaves key terms of the question unaddressed")
	}
	if d.Authority < 0.5 {
		if mode == models.ModeThorough {
			out = append(out, "cite more controlling cases and statutes")
		} else {
			out = append(out, "reference at least one supporting authority")
		}
	}
	if d.Structure < 0.4 {
		out = append(out, "organize the answer with headings or lists")
	}
	if d.Depth < 0.5 {
		if mode == models.ModeThorough {
			out = append(out, "analysis is too brief for a thorough review")
		} else {
			out = append(out, "answer length is outside the quick-answer range")
		}
	}
	if d.Actionability < 0.5 {
		out = append(out, "add concrete recommendations, deadlines or alternatives")
	}
	return out
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
