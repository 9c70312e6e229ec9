package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/legal-research-gateway/internal/models"
)

func TestGatePassesCompleteAnswer(t *testing.T) {
	res := CounselReadyGate(thoroughAnswer, models.ModeThorough)
	assert.True(t, res.Applicable)
	assert.True(t, res.Passed, "issues=%v notes=%v", res.Issues, res.Notes)
	assert.Equal(t, GateMaxScore, res.Score)
	assert.Empty(t, res.Issues)
}

func TestGateFailsThinAuthority(t *testing.T) {
	answer := `## Authority

In Smith v. Jones, 512 U.S. 100 (1994), the court held that tolling applies.
Brown v. Allen, 344 U.S. 443 (1953), is in accord.

Here, the agreement was signed in time, so the risk of dismissal is low.`

	res := CounselReadyGate(answer, models.ModeThorough)
	assert.True(t, res.Applicable)
	assert.False(t, res.Passed)
	require.NotEmpty(t, res.Issues)
	assert.Contains(t, res.Issues, "missing strategic assessment section")
	assert.Contains(t, res.Issues, "only 2 named cases cited; at least 3 required")
}

func TestGatePartialCaseCredit(t *testing.T) {
	answer := `## Authority

Smith v. Jones held that tolling applies. Brown v. Allen and Miller v. Davis agree.

## Strategy

Here, the risk is low.`

	res := CounselReadyGate(answer, models.ModeThorough)
	assert.Empty(t, res.Issues)
	assert.Equal(t, 4, res.Score)
	assert.True(t, res.Passed)
	assert.NotEmpty(t, res.Notes)
}

func TestGatePlaceholderIsHardIssue(t *testing.T) {
	res := CounselReadyGate(thoroughAnswer+"\n\nSee [insert citation] for the appellate history.", models.ModeThorough)
	assert.Equal(t, GateMaxScore, res.Score)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Issues, "answer contains placeholder text")
}

func TestGateNotApplicableToFast(t *testing.T) {
	res := CounselReadyGate(thoroughAnswer, models.ModeFast)
	assert.False(t, res.Applicable)
	assert.False(t, res.Passed)
	assert.Zero(t, res.Score)
}

func TestGateDoesNotChangeScore(t *testing.T) {
	s := NewScorer()
	before := s.Score(thoroughAnswer, "tolling agreement", models.ModeThorough)
	CounselReadyGate(thoroughAnswer, models.ModeThorough)
	after := s.Score(thoroughAnswer, "tolling agreement", models.ModeThorough)
	assert.Equal(t, before, after)
}

func TestGateCountsRepeatedCitationsOnce(t *testing.T) {
	answer := `## Legal Authority

In Smith v. Jones, 512 U.S. 100 (1994), the court held that tolling applies.
See Smith v. Jones. Under Smith v. Jones the agreement binds both parties.
Brown v. Allen, 344 U.S. 443 (1953), is in accord. Following Brown v. Allen, the claim is timely.

## Strategic Assessment

Here, your client signed in time, so the risk of dismissal is low.`

	assert.Equal(t, []string{"Smith v. Jones", "Brown v. Allen"}, NamedCases(answer))

	res := CounselReadyGate(answer, models.ModeThorough)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Issues, "only 2 named cases cited; at least 3 required")
}
