package cost

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/legal-research-gateway/internal/models"
)

func TestThoroughDefaultToolCount(t *testing.T) {
	e := NewEstimator()
	p := e.Predict("Summarize the negligence exposure for our client", models.ModeThorough)

	assert.False(t, p.LikelyCached)
	assert.InDelta(t, 1.70, p.Estimate, 1e-9)
	assert.InDelta(t, 1.60, p.Min, 1e-9)
	assert.InDelta(t, 1.80, p.Max, 1e-9)
	assert.Len(t, p.Breakdown, 3)
}

func TestThoroughToolFamilies(t *testing.T) {
	e := NewEstimator()
	q := "Find precedent on the filing deadline under the statute, draft a motion template and schedule the hearing on the calendar"
	p := e.Predict(q, models.ModeThorough)

	assert.Equal(t, MaxToolCalls, len(ToolCalls(q)))
	assert.InDelta(t, ThoroughBaseCost+MaxToolCalls*ToolCallCost, p.Estimate, 1e-9)
	assert.LessOrEqual(t, p.Min, p.Estimate)
	assert.GreaterOrEqual(t, p.Max, p.Estimate)
}

func TestFastLengthMultiplier(t *testing.T) {
	e := NewEstimator()

	short := e.Predict("Elements of adverse possession", models.ModeFast)
	long := e.Predict("Elements of adverse possession "+strings.Repeat("x", 2000), models.ModeFast)

	assert.Greater(t, long.Estimate, short.Estimate)
	assert.InDelta(t, FastBaseCost*2, long.Estimate, 1e-9, "multiplier caps at 2.0")
	assert.GreaterOrEqual(t, short.Estimate, FastBaseCost)
}

func TestLikelyCacheHitCollapsesToZero(t *testing.T) {
	e := NewEstimator()
	for _, mode := range []models.Mode{models.ModeFast, models.ModeThorough} {
		p := e.Predict("What is a tolling agreement?", mode)
		assert.True(t, p.LikelyCached)
		assert.Zero(t, p.Estimate)
		assert.Zero(t, p.Min)
		assert.Zero(t, p.Max)
	}
}

func TestPredictUncachedIgnoresStem(t *testing.T) {
	e := NewEstimator()
	p := e.PredictUncached("What is a tolling agreement?", models.ModeFast)
	assert.False(t, p.LikelyCached)
	assert.Greater(t, p.Estimate, 0.0)
}

func TestThoroughNeverCheaperThanFast(t *testing.T) {
	e := NewEstimator()
	queries := []string{
		"Assess liability for a slip and fall in a grocery store",
		"Draft a demand letter for unpaid invoices",
		strings.Repeat("Analyze the indemnification clause. ", 40),
	}
	for _, q := range queries {
		fast := e.Predict(q, models.ModeFast)
		thorough := e.Predict(q, models.ModeThorough)
		require.False(t, fast.LikelyCached)
		assert.GreaterOrEqual(t, thorough.Estimate, fast.Estimate, q)
	}
}

func TestFallbackBand(t *testing.T) {
	e := NewEstimator()

	p := e.Predict("   ", models.ModeThorough)
	assert.True(t, p.Fallback)
	assert.InDelta(t, FastBaseCost, p.Estimate, 1e-9)

	p = e.Predict("Assess liability", models.ModeAuto)
	assert.True(t, p.Fallback)
	assert.Contains(t, p.Explanation, "unknown mode")
}
