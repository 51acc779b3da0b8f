package addressbook

import (
	"strings"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// fuzzyScore ranks how well term matches text on a 0-100 scale, layering
// fzf's non-contiguous fuzzy matcher over a substring fallback: exact
// match always wins outright, a plain substring hit is guaranteed a
// respectable floor, and everything else falls back to fzf's positional
// score so that "ali" still surfaces "alice" ahead of an unrelated alias.
func fuzzyScore(text, term string, slab *util.Slab) int {
	if term == "" {
		return 0
	}

	lowerText := strings.ToLower(text)
	lowerTerm := strings.ToLower(term)

	if lowerText == lowerTerm {
		return 100
	}
	if strings.Contains(lowerText, lowerTerm) {
		return 75
	}

	chars := util.ToChars([]byte(lowerText))
	result, _ := algo.FuzzyMatchV2(false, true, true, &chars, []rune(lowerTerm), false, slab)
	if result.Score <= 0 {
		return 0
	}

	score := result.Score
	if score > 74 {
		score = 74
	}
	return score
}
