// Package fuzz provides the token-set similarity ratio used by the
// matcher. The metric is commutative, insensitive to token order and
// duplicates, and deterministic for a fixed input.
package fuzz

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Ratio returns a 0-100 similarity between two strings based on edit
// distance over the combined length. Two empty strings are identical.
func Ratio(a, b string) int {
	la, lb := len([]rune(a)), len([]rune(b))
	if la+lb == 0 {
		return 100
	}
	dist := levenshtein.ComputeDistance(a, b)
	score := float64(la+lb-dist) / float64(la+lb) * 100
	return int(score + 0.5)
}

// TokenSetRatio tokenizes both strings into sets and scores the best of
// intersection-vs-intersection+remainder comparisons, so reordered or
// duplicated tokens do not lower the score. Identical token sets score 100.
func TokenSetRatio(a, b string) int {
	sa, sb := tokenSet(a), tokenSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 100
	}
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	var inter, onlyA, onlyB []string
	for t := range sa {
		if sb[t] {
			inter = append(inter, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range sb {
		if !sa[t] {
			onlyB = append(onlyB, t)
		}
	}
	sort.Strings(inter)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(inter, " ")
	combA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	combB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := Ratio(base, combA)
	if r := Ratio(base, combB); r > best {
		best = r
	}
	if r := Ratio(combA, combB); r > best {
		best = r
	}
	return best
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(strings.TrimSpace(s))) {
		out[t] = true
	}
	return out
}
