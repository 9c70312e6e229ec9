// Package mode recommends FAST or THOROUGH execution for a research query.
package mode

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/HanTheDev/legal-research-gateway/internal/models"
)

const (
	ThoroughThreshold = 0.7
	FastThreshold     = 0.3

	// MinHistory is the number of prior queries needed before a user's
	// habits influence a moderate recommendation.
	MinHistory = 10
)

// Source names what drove a selection.
type Source string

const (
	SourceOverride   Source = "override"
	SourceComplexity Source = "complexity"
	SourceHistory    Source = "history"
	SourceDefault    Source = "default"
)

// History exposes a user's past mode mix within a tenant.
type History interface {
	QueryMix(tenantID, userID string) (fast, thorough int64)
}

// Selection is the chosen mode and how it was reached.
type Selection struct {
	Mode models.Mode `json:"mode"`
	// Confidence is in [0, 1]: 1 for an explicit override, the complexity
	// score for THOROUGH and 1-score for FAST, 0.5+|ratio-0.5| when the
	// user's thorough ratio decides, and 0.5 for the moderate default.
	Confidence float64 `json:"confidence"`
	Reason     string      `json:"reason"`
	Complexity float64     `json:"complexity"`
	Source     Source      `json:"source"`
}

type signal struct {
	label  string
	weight float64
	match  func(raw, lower string) bool
}

func containsAny(words ...string) func(string, string) bool {
	return func(_, lower string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}
}

var (
	conjunctionPair = regexp.MustCompile(`\b(and|or|but|whereas|versus|vs\.?|while|however)\b.+\b(and|or|but|whereas|versus|vs\.?|while|however)\b`)
	clausePunct     = regexp.MustCompile(`[;:]`)
)

func multiClause(raw, lower string) bool {
	return clausePunct.MatchString(raw) ||
		strings.Count(raw, ",") >= 2 ||
		conjunctionPair.MatchString(lower)
}

var signals = []signal{
	{"long query", 0.2, func(raw, _ string) bool { return len([]rune(raw)) > 200 }},
	{"short query", -0.1, func(raw, _ string) bool { return len([]rune(raw)) < 50 }},
	{"multi-clause structure", 0.3, multiClause},
	{"comparison or analysis language", 0.25, containsAny("compare", "comparison", "versus", " vs", "contrast", "difference between", "distinguish", "analyze", "analyse", "analysis", "evaluate")},
	{"strategic advice language", 0.25, containsAny("strategy", "strategic", "recommend", "should we", "should i", "should my client", "best approach", "advise", "likelihood of success", "leverage")},
	{"comprehensiveness language", 0.2, containsAny("comprehensive", "thorough", "detailed", "in depth", "in-depth", "exhaustive", "all relevant", "every ")},
	{"simple definition language", -0.3, containsAny("what is", "what's", "define", "definition", "meaning of", "stand for")},
	{"drafting language", 0.2, containsAny("draft", "prepare a", "write a", "motion", "memorandum", "pleading", "brief for")},
}

type Selector struct {
	history History
}

// NewSelector builds a selector; history may be nil.
func NewSelector(history History) *Selector {
	return &Selector{history: history}
}

// Complexity scores a query in [0,1] and lists the heuristics that fired.
func Complexity(query string) (float64, []string) {
	raw := strings.TrimSpace(query)
	lower := strings.ToLower(raw)

	score := 0.0
	var fired []string
	for _, s := range signals {
		if s.match(raw, lower) {
			score += s.weight
			fired = append(fired, s.label)
		}
	}
	if extra := strings.Count(raw, "?") - 1; extra > 0 {
		score += 0.15 * float64(extra)
		fired = append(fired, fmt.Sprintf("%d additional questions", extra))
	}
	return math.Max(0, math.Min(1, score)), fired
}

// Select returns requested verbatim when it is explicit; otherwise it
// recommends a mode from query complexity and, for moderate queries, the
// user's history.
func (s *Selector) Select(tenantID, userID, query string, requested models.Mode) Selection {
	if requested.Explicit() {
		return Selection{
			Mode:       requested,
			Confidence: 1.0,
			Reason:     "User selected " + string(requested) + " mode",
			Source:     SourceOverride,
		}
	}

	score, fired := Complexity(query)
	why := "no complexity signals"
	if len(fired) > 0 {
		why = strings.Join(fired, ", ")
	}

	switch {
	case score >= ThoroughThreshold:
		return Selection{
			Mode:       models.ModeThorough,
			Confidence: round(score),
			Reason:     "Complex query: " + why,
			Complexity: score,
			Source:     SourceComplexity,
		}
	case score <= FastThreshold:
		return Selection{
			Mode:       models.ModeFast,
			Confidence: round(1 - score),
			Reason:     "Simple query: " + why,
			Complexity: score,
			Source:     SourceComplexity,
		}
	}

	if s.history != nil {
		fast, thorough := s.history.QueryMix(tenantID, userID)
		if total := fast + thorough; total > MinHistory {
			ratio := float64(thorough) / float64(total)
			conf := round(0.5 + math.Abs(ratio-0.5))
			switch {
			case ratio < 0.2:
				return Selection{
					Mode:       models.ModeFast,
					Confidence: conf,
					Reason:     fmt.Sprintf("Moderate query; you usually choose FAST (%.0f%% thorough)", ratio*100),
					Complexity: score,
					Source:     SourceHistory,
				}
			case ratio > 0.8:
				return Selection{
					Mode:       models.ModeThorough,
					Confidence: conf,
					Reason:     fmt.Sprintf("Moderate query; you usually choose THOROUGH (%.0f%% thorough)", ratio*100),
					Complexity: score,
					Source:     SourceHistory,
				}
			}
		}
	}

	return Selection{
		Mode:       models.ModeFast,
		Confidence: 0.5,
		Reason:     "Moderate query (" + why + "); defaulting to FAST",
		Complexity: score,
		Source:     SourceDefault,
	}
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
