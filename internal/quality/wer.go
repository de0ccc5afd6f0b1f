// internal/quality/wer.go
package quality

import (
	"strings"
	"unicode"
)

// normalizeTokens lowercases, strips punctuation and splits on whitespace.
// Both hypothesis and reference go through the same normalization so that
// casing and punctuation differences never count as word errors.
func normalizeTokens(s string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}

// WordErrorRate computes the Levenshtein edit distance over normalized word
// tokens, divided by the reference length. An empty reference with a
// non-empty hypothesis scores 1.0; two empty strings score 0.
func WordErrorRate(hypothesis, reference string) float64 {
	hyp := normalizeTokens(hypothesis)
	ref := normalizeTokens(reference)

	if len(ref) == 0 {
		if len(hyp) == 0 {
			return 0
		}
		return 1.0
	}

	// Single-row DP: prev[j] is the distance between hyp[:i-1] and ref[:j].
	prev := make([]int, len(ref)+1)
	curr := make([]int, len(ref)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(hyp); i++ {
		curr[0] = i
		for j := 1; j <= len(ref); j++ {
			cost := 1
			if hyp[i-1] == ref[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return float64(prev[len(ref)]) / float64(len(ref))
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
