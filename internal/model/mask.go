package model

import "strings"

// MaskWord renders word with spaces preserved, revealed positions
// uppercased, and every other character replaced with an underscore,
// joined by single spaces (spec Glossary "Masked word"). Rendering is
// idempotent under repeated calls with the same revealed set (P9).
func MaskWord(word string, revealed map[int]bool) string {
	runes := []rune(word)
	masked := make([]string, len(runes))
	for i, r := range runes {
		switch {
		case r == ' ':
			masked[i] = " "
		case revealed[i]:
			masked[i] = strings.ToUpper(string(r))
		default:
			masked[i] = "_"
		}
	}
	return strings.Join(masked, " ")
}

// HintCandidates returns the positions eligible for reveal: not a space,
// not already revealed (spec §4.F "Hint reveal").
func HintCandidates(word string, revealed map[int]bool) []int {
	runes := []rune(word)
	candidates := make([]int, 0, len(runes))
	for i, r := range runes {
		if r == ' ' || revealed[i] {
			continue
		}
		candidates = append(candidates, i)
	}
	return candidates
}
