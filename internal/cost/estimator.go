// Package cost predicts the spend of a research query before it runs.
// Predictions are advisory: they feed the UI and the mode decision and are
// never used for billing.
package cost

import (
	"fmt"
	"math"
	"strings"

	"github.com/HanTheDev/legal-research-gateway/internal/models"
)

const (
	ThoroughBaseCost = 1.50
	ToolCallCost     = 0.10
	DefaultToolCalls = 2
	MaxToolCalls     = 5

	FastBaseCost      = 0.15
	FastLengthCap     = 1000
	fastRangeFraction = 0.2
)

// toolFamilies map keyword families to the auxiliary tool each one triggers
// during a thorough run.
var toolFamilies = []struct {
	tool     string
	keywords []string
}{
	{"deadline_calculator", []string{"deadline", "due date", "within", "days", "statute of limitations", "limitations period", "filing date", "time limit"}},
	{"case_law_search", []string{"case law", "precedent", "court held", "ruling", " v. ", " vs ", "decision", "appellate", "holding"}},
	{"statute_lookup", []string{"statute", "code section", "§", "u.s.c", "regulation", " rule ", " act "}},
	{"template_generator", []string{"template", "draft", " form ", "letter", "agreement", "motion", "pleading"}},
	{"calendar", []string{"calendar", "schedule", "hearing", "appointment", "trial date", "docket"}},
}

// cacheHitStems are phrasings that repeat often enough to usually be served
// from cache.
var cacheHitStems = []string{
	"what is",
	"what's",
	"what are",
	"define",
	"definition of",
	"how do i",
	"how to",
	"explain",
}

type LineItem struct {
	Label string  `json:"label"`
	Cost  float64 `json:"cost"`
}

type Prediction struct {
	Mode        models.Mode `json:"mode"`
	Estimate    float64     `json:"estimate"`
	Min         float64     `json:"min"`
	Max         float64     `json:"max"`
	Explanation string      `json:"explanation"`
	Breakdown   []LineItem  `json:"breakdown"`
	// LikelyCached is set when the question-stem heuristic fired.
	LikelyCached bool `json:"likely_cached"`
	// Fallback is set when the query could not be classified and the FAST
	// default band was used instead.
	Fallback bool `json:"fallback"`
}

type Estimator struct{}

func NewEstimator() *Estimator {
	return &Estimator{}
}

// Predict applies the stem heuristic before pricing the query.
func (e *Estimator) Predict(query string, mode models.Mode) Prediction {
	if LikelyCacheHit(query) {
		return Prediction{
			Mode:         mode,
			Explanation:  "Common question pattern; likely served from cache at no cost",
			Breakdown:    []LineItem{},
			LikelyCached: true,
		}
	}
	return e.PredictUncached(query, mode)
}

// PredictUncached prices the query assuming the completion call will run.
// Callers that already know the cache missed use this directly.
func (e *Estimator) PredictUncached(query string, mode models.Mode) Prediction {
	q := strings.TrimSpace(query)
	switch {
	case q == "":
		return e.fallback(mode, "empty query")
	case mode == models.ModeThorough:
		return e.thorough(q)
	case mode == models.ModeFast:
		return e.fast(q)
	default:
		return e.fallback(mode, fmt.Sprintf("unknown mode %q", mode))
	}
}

func (e *Estimator) thorough(q string) Prediction {
	tools := ToolCalls(q)
	toolCost := float64(len(tools)) * ToolCallCost

	breakdown := []LineItem{{Label: "base analysis", Cost: ThoroughBaseCost}}
	for _, t := range tools {
		breakdown = append(breakdown, LineItem{Label: t, Cost: ToolCallCost})
	}

	lo := round(ThoroughBaseCost + toolCost*0.5)
	hi := round(ThoroughBaseCost + toolCost*1.5)
	return Prediction{
		Mode:        models.ModeThorough,
		Estimate:    round((lo + hi) / 2),
		Min:         lo,
		Max:         hi,
		Explanation: fmt.Sprintf("Thorough analysis with an estimated %d tool calls", len(tools)),
		Breakdown:   breakdown,
	}
}

func (e *Estimator) fast(q string) Prediction {
	mult := LengthMultiplier(q)
	est := round(FastBaseCost * mult)
	return Prediction{
		Mode:        models.ModeFast,
		Estimate:    est,
		Min:         round(est * (1 - fastRangeFraction)),
		Max:         round(est * (1 + fastRangeFraction)),
		Explanation: fmt.Sprintf("Fast answer, length multiplier %.2f", mult),
		Breakdown:   []LineItem{{Label: "fast completion", Cost: est}},
	}
}

func (e *Estimator) fallback(mode models.Mode, why string) Prediction {
	p := Prediction{
		Mode:      mode,
		Estimate:  FastBaseCost,
		Min:       round(FastBaseCost * (1 - fastRangeFraction)),
		Max:       round(FastBaseCost * 2),
		Breakdown: []LineItem{{Label: "fast completion", Cost: FastBaseCost}},
		Fallback:  true,
	}
	p.Explanation = "Estimate unavailable (" + why + "); using the fast default band"
	return p
}

// LikelyCacheHit reports whether the query opens with a common question stem.
func LikelyCacheHit(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, stem := range cacheHitStems {
		if strings.HasPrefix(q, stem) {
			return true
		}
	}
	return false
}

// ToolCalls lists the auxiliary tools a thorough run is expected to invoke.
// With no family matching, the default count of generic calls is assumed.
func ToolCalls(query string) []string {
	q := " " + strings.ToLower(query) + " "
	var tools []string
	for _, fam := range toolFamilies {
		for _, kw := range fam.keywords {
			if strings.Contains(q, kw) {
				tools = append(tools, fam.tool)
				break
			}
		}
	}
	if len(tools) == 0 {
		for i := 0; i < DefaultToolCalls; i++ {
			tools = append(tools, "research_step")
		}
	}
	if len(tools) > MaxToolCalls {
		tools = tools[:MaxToolCalls]
	}
	return tools
}

// LengthMultiplier grows linearly from 1.0 to 2.0 over the first
// FastLengthCap characters.
func LengthMultiplier(query string) float64 {
	n := min(len([]rune(query)), FastLengthCap)
	return 1.0 + float64(n)/FastLengthCap
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
