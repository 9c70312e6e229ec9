package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var samples = []string{
	"",
	"a",
	"What is a tolling agreement?",
	"what's a tolling agreement",
	"Compare the statute of limitations in contract versus tort claims",
	"Draft a motion to compel discovery responses",
	"Qu'est-ce qu'un délai de prescription ?",
	"   multiple    spaces\tand\nnewlines   ",
}

func TestScoreReflexive(t *testing.T) {
	m := NewMatcher(DefaultThreshold)
	for _, s := range samples {
		assert.Equal(t, 1.0, m.Score(s, s), "Score(%q, %q)", s, s)
	}
}

func TestScoreSymmetric(t *testing.T) {
	m := NewMatcher(DefaultThreshold)
	for _, a := range samples {
		for _, b := range samples {
			assert.Equal(t, m.Score(a, b), m.Score(b, a), "Score(%q, %q)", a, b)
		}
	}
}

func TestScoreBounds(t *testing.T) {
	m := NewMatcher(DefaultThreshold)
	for _, a := range samples {
		for _, b := range samples {
			s := m.Score(a, b)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"What is a Tolling Agreement?", "what is a tolling agreement"},
		{"what's a tolling agreement", "what is a tolling agreement"},
		{"What’s the deadline", "what is the deadline"},
		{"  Res   judicata,\tcollateral estoppel. ", "res judicata collateral estoppel"},
		{"Délai de prescription", "delai de prescription"},
		{"I can't file", "i cannot file"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNearDuplicateScoresAboveThreshold(t *testing.T) {
	m := NewMatcher(DefaultThreshold)
	assert.GreaterOrEqual(t, m.Score("what is a tolling agreement?", "what's a tolling agreement"), DefaultThreshold)
	assert.GreaterOrEqual(t, m.Score("elements of breach of contract claim", "elements of a breach of contract claim"), DefaultThreshold)
}

func TestUnrelatedScoresBelowThreshold(t *testing.T) {
	m := NewMatcher(DefaultThreshold)
	assert.Less(t, m.Score("what is a tolling agreement", "draft a motion to compel discovery"), DefaultThreshold)
}

func TestFindBestMatch(t *testing.T) {
	m := NewMatcher(DefaultThreshold)
	candidates := []string{
		"draft a motion to compel discovery",
		"what is a tolling agreement",
		"what is a tolling agreement in california",
	}

	match, ok := m.FindBestMatch("What's a tolling agreement?", candidates)
	require.True(t, ok)
	assert.Equal(t, 1, match.Index)
	assert.Equal(t, 1.0, match.Score)

	_, ok = m.FindBestMatch("how are punitive damages calculated", candidates)
	assert.False(t, ok)

	_, ok = m.FindBestMatch("anything", nil)
	assert.False(t, ok)
}

func TestFindBestMatchTieKeepsFirst(t *testing.T) {
	m := NewMatcher(DefaultThreshold)
	match, ok := m.FindBestMatch("summary judgment standard", []string{
		"Summary judgment standard",
		"summary judgment standard!",
	})
	require.True(t, ok)
	assert.Equal(t, 0, match.Index)
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 3, levenshtein([]rune("kitten"), []rune("sitting")))
	assert.Equal(t, 0, levenshtein([]rune("tort"), []rune("tort")))
	assert.Equal(t, 4, levenshtein(nil, []rune("tort")))
}
