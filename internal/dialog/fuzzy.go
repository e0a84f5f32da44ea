package dialog

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// MatchThreshold is the minimum fuzzy score for a resident name to be
// accepted during validation.
const MatchThreshold = 75

// Score compares two names on a 0–100 scale using the maximum of full,
// partial, and token-sort Levenshtein ratios. Comparison is case-insensitive
// and ignores whitespace and Portuguese connector particles ("dos", "de"…),
// so "daniel reis" matches "Daniel dos Reis" exactly.
func Score(a, b string) float64 {
	a, b = normalizeName(a), normalizeName(b)
	score := fullRatio(a, b)
	if s := partialRatio(a, b); s > score {
		score = s
	}
	if s := tokenSortRatio(a, b); s > score {
		score = s
	}
	return score
}

// BestMatch returns the candidate with the highest Score against name and
// whether that score clears [MatchThreshold].
func BestMatch(name string, candidates []string) (string, float64, bool) {
	var (
		best      string
		bestScore float64
	)
	for _, c := range candidates {
		if s := Score(name, c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, bestScore, bestScore >= MatchThreshold
}

// particles are name connectors carrying no identity; both transcriptions
// and directory entries are inconsistent about them.
var particles = map[string]bool{
	"da": true, "das": true, "de": true, "do": true, "dos": true, "e": true,
}

func normalizeName(s string) string {
	tokens := strings.Fields(strings.ToLower(s))
	kept := tokens[:0]
	for _, t := range tokens {
		if !particles[t] {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		kept = tokens
	}
	return strings.Join(kept, " ")
}

// fullRatio is the plain Levenshtein similarity ratio.
func fullRatio(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	if la+lb == 0 {
		return 100
	}
	d := matchr.Levenshtein(a, b)
	return float64(la+lb-2*d) / float64(la+lb) * 100
}

// partialRatio slides the shorter string over same-length windows of the
// longer one and takes the best full ratio.
func partialRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	if len(ra) == 0 {
		return fullRatio(string(ra), string(rb))
	}
	var best float64
	for i := 0; i+len(ra) <= len(rb); i++ {
		if s := fullRatio(string(ra), string(rb[i:i+len(ra)])); s > best {
			best = s
		}
	}
	return best
}

// tokenSortRatio compares the words of each name in sorted order, so
// "reis daniel" still matches "daniel reis".
func tokenSortRatio(a, b string) float64 {
	return fullRatio(sortTokens(a), sortTokens(b))
}

func sortTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
