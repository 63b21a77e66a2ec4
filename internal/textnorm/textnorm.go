// Package textnorm normalizes free-text clinical narrative for keyword
// matching: Unicode NFKC, smart-punctuation translation, whitespace
// collapsing, and negation-window suppression.
package textnorm

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NegationWindowWords is the number of words scanned backwards from a
// keyword match for a negation cue. The sources do not pin this value; it
// is a documented rulebook parameter.
const NegationWindowWords = 4

// negationCues suppress a keyword match when found immediately before it.
// Multi-word cues are matched against the joined window text.
var negationCues = []string{
	"no",
	"denies",
	"denied",
	"without",
	"negative for",
	"not",
}

var punctReplacer = strings.NewReplacer(
	"‘", "'",
	"’", "'",
	"“", `"`,
	"”", `"`,
	"–", "-",
	"—", "-",
)

// Normalize applies NFKC and translates common Unicode punctuation to ASCII
// so keyword matching is robust against copy-pasted narrative.
func Normalize(s string) string {
	return punctReplacer.Replace(norm.NFKC.String(s))
}

// Fold returns the lowercase, whitespace-collapsed normalization of s. This
// is the form all catalog matching runs against.
func Fold(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(Normalize(s))), " ")
}

// ContainsTerm reports whether the folded text contains at least one
// occurrence of term that is not inside a negation window. term must
// already be lowercase; text must already be folded.
func ContainsTerm(text, term string) bool {
	if term == "" {
		return false
	}
	offset := 0
	for {
		idx := strings.Index(text[offset:], term)
		if idx < 0 {
			return false
		}
		abs := offset + idx
		if !negatedAt(text, abs) {
			return true
		}
		offset = abs + len(term)
		if offset >= len(text) {
			return false
		}
	}
}

// cuePunct is trimmed from window words so cues followed by punctuation
// ("denies:", "no,") still match.
const cuePunct = ".,;:!?()\"'"

// negatedAt reports whether a match starting at byte offset idx sits inside
// a negation window: one of the cues appears within NegationWindowWords
// words immediately preceding the match.
func negatedAt(text string, idx int) bool {
	prefix := strings.TrimSpace(text[:idx])
	if prefix == "" {
		return false
	}
	words := strings.Fields(prefix)
	start := len(words) - NegationWindowWords
	if start < 0 {
		start = 0
	}
	window := make([]string, 0, NegationWindowWords)
	for _, w := range words[start:] {
		window = append(window, strings.Trim(w, cuePunct))
	}
	joined := " " + strings.Join(window, " ") + " "
	for _, cue := range negationCues {
		if strings.Contains(joined, " "+cue+" ") {
			return true
		}
	}
	return false
}
