package inference

import (
	"regexp"
	"strings"
)

// Prompt hardening: patient-provided narrative is untrusted and may carry
// prompt-injection attempts. Before it is embedded into a user message,
// lines carrying role markers or instruction-override phrases are stripped.
var (
	roleLineRe   = regexp.MustCompile(`(?i)^\s*(SYSTEM|ASSISTANT)\s*:`)
	ignorePrevRe = regexp.MustCompile(`(?i)ignore (the )?previous instructions`)
	fencedRoleRe = regexp.MustCompile(`(?i)^\s*(system|assistant)\b`)
)

// HardenUntrusted removes lines that could be interpreted as control text:
// role-marker lines, instruction-override phrases, and role markers inside
// fenced code blocks.
func HardenUntrusted(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	inFence := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if roleLineRe.MatchString(line) {
			continue
		}
		if ignorePrevRe.MatchString(line) {
			continue
		}
		if inFence && fencedRoleRe.MatchString(line) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
