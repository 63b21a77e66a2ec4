// Package privacy implements best-effort PHI/PII heuristics. The detectors
// are not comprehensive; the goal is a practical guardrail that keeps
// obvious identifiers from leaving the process. Only pattern names are ever
// recorded, never matched text.
package privacy

import "regexp"

type pattern struct {
	name string
	re   *regexp.Regexp
}

var phiPatterns = []pattern{
	{"email", regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`)},
	{"phone", regexp.MustCompile(`(?:\+?1[\s.-]?)?(?:\(\d{3}\)|\d{3})[\s.-]?\d{3}[\s.-]?\d{4}`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"mrn", regexp.MustCompile(`(?i)\b(?:mrn|medical\s*record\s*(?:number|no\.?))\b\s*[:#-]?\s*\d{5,}\b`)},
	{"dob", regexp.MustCompile(`(?i)\b(?:dob|date\s*of\s*birth)\b\s*[:#-]?\s*(?:\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{4}[/-]\d{1,2}[/-]\d{1,2})\b`)},
}

// DetectHits returns the names of PHI patterns found in text, deduplicated,
// in catalog order.
func DetectHits(text string) []string {
	if text == "" {
		return nil
	}
	var hits []string
	for _, p := range phiPatterns {
		if p.re.MatchString(text) {
			hits = append(hits, p.name)
		}
	}
	return hits
}

// DetectFieldHits scans named fields and returns "field:pattern_name" pairs
// in field order then catalog order.
func DetectFieldHits(fields map[string]string, order []string) []string {
	var out []string
	for _, field := range order {
		for _, name := range DetectHits(fields[field]) {
			out = append(out, field+":"+name)
		}
	}
	return out
}
