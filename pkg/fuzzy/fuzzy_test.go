package fuzzy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		s1, s2 string
		want   int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"budget", "budget", 0},
		{"budget", "Budget", 0}, // normalization lowercases
		{"flaw", "lawn", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevenshteinDistance(tt.s1, tt.s2), "%q vs %q", tt.s1, tt.s2)
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		query, text string
		threshold   int
		want        bool
	}{
		{"budget", "quarterly budget review", 1, true},  // substring
		{"budgte", "quarterly budget review", 2, true},  // typo within threshold
		{"bud", "quarterly budget review", 0, true},     // word prefix
		{"lunch", "quarterly budget review", 1, false},  // no match
		{"BUDGET", "Quarterly Budget Review", 0, true},  // case-insensitive
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.query, tt.text, tt.threshold), "%q in %q", tt.query, tt.text)
	}
}

func TestThresholdScalesWithLength(t *testing.T) {
	assert.Equal(t, 1, Threshold("ab"))
	assert.Equal(t, 2, Threshold("budget"))
	assert.Equal(t, 3, Threshold("quarterly"))
}

func TestScoreOrdering(t *testing.T) {
	exact := Score("budget", "budget")
	prefix := Score("budget", "budget report")
	contains := Score("budget", "the budget file")
	typo := Score("budgte", "budget")
	miss := Score("budget", "lunch plans")

	assert.Equal(t, 100.0, exact)
	assert.Greater(t, exact, prefix)
	assert.Greater(t, prefix, contains)
	assert.Greater(t, contains, typo)
	assert.Greater(t, typo, 0.0)
	assert.Zero(t, miss)
}

func TestScoreShorterPrefixCompletionWins(t *testing.T) {
	assert.Greater(t, Score("bud", "budget"), Score("bud", "budget quarterly report"))
}
