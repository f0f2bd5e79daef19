package classify

import "strings"

// homoglyphs maps visually confusable code points to their plain ASCII
// counterpart. Applied after lowercasing.
var homoglyphs = map[rune]rune{
	'0': 'o',
	'1': 'l',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'8': 'b',
	'9': 'g',
	'|': 'l',
	'!': 'i',
	'$': 's',
	'@': 'a',
	// Cyrillic
	'а': 'a',
	'е': 'e',
	'о': 'o',
	'р': 'p',
	'с': 'c',
	'х': 'x',
	'у': 'y',
	'і': 'i',
	'ѕ': 's',
	'ј': 'j',
	// Greek
	'ο': 'o',
	'α': 'a',
	'ε': 'e',
	'ν': 'v',
}

// zeroWidthRunes are invisible code points sometimes embedded in process
// names to defeat naive string comparison. Escaped literals only: the code
// points themselves are invisible in source.
var zeroWidthRunes = map[rune]bool{
	'\u200b': true, // zero width space
	'\u200c': true, // zero width non-joiner
	'\u200d': true, // zero width joiner
	'\u2060': true, // word joiner
	'\ufeff': true, // zero width no-break space
	'\u00ad': true, // soft hyphen
}

func containsZeroWidth(s string) bool {
	for _, r := range s {
		if zeroWidthRunes[r] {
			return true
		}
	}
	return false
}

func normalizeHomoglyphs(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if mapped, ok := homoglyphs[r]; ok {
			r = mapped
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.', ' ':
			return -1
		}
		return r
	}, strings.ToLower(s))
}

// levenshtein returns the edit distance between two strings, early-exiting
// when the length difference alone already exceeds max.
func levenshtein(a, b string, max int) int {
	ra, rb := []rune(a), []rune(b)
	if diff := len(ra) - len(rb); diff > max || -diff > max {
		return max + 1
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, min(cur[j-1]+1, prev[j-1]+cost))
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// matchSystemProcess reports whether name mimics a well-known system process
// name without being one. Similarity is: homoglyph-normalized equality,
// separator-stripped equality, or edit distance <= 2 for names of at least 5
// characters.
func matchSystemProcess(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	for _, sys := range wellKnownSystemProcesses {
		if name == sys {
			return "", false
		}
	}
	for _, sys := range wellKnownSystemProcesses {
		if normalizeHomoglyphs(name) == normalizeHomoglyphs(sys) {
			return sys, true
		}
		if stripSeparators(name) == stripSeparators(sys) {
			return sys, true
		}
		if len([]rune(name)) >= 5 &&
			levenshtein(strings.ToLower(name), strings.ToLower(sys), 2) <= 2 {
			return sys, true
		}
	}
	return "", false
}
