package detector

import (
	"regexp"
	"strings"
)

// readyPattern is one prioritized readiness rule. Lower rank wins when
// several match in the same tick.
type readyPattern struct {
	name  string
	rank  int
	match func(lines []string, raw string) bool
}

var (
	// ansiEscape strips CSI/OSC color and cursor noise before textual checks.
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

	// promptBoxPattern matches the assistant's styled input box: a box-drawing
	// bar followed by the prompt chevron, e.g. "│ > " at the start of a line.
	promptBoxPattern = regexp.MustCompile(`│\s*>\s*$|│\s*>\s`)

	// trailingPromptPattern matches a bare shell-style prompt at end of line.
	trailingPromptPattern = regexp.MustCompile(`[>$]\s*$`)

	// yesNoPattern matches inline confirmation forms such as [y/N], [Y/n], (y/n).
	yesNoPattern = regexp.MustCompile(`(?i)\[y/n\]|\[n/y\]|\(y/n\)|\(n/y\)`)
)

// readyPatterns, priority descending. Primary sentinels are the literal
// shortcut hint and the styled prompt box; secondary is a trailing prompt
// character; tertiary are contextual strings the CLI prints when idle.
var readyPatterns = []readyPattern{
	{name: "shortcut-hint", rank: 0, match: func(lines []string, raw string) bool {
		return containsFold(raw, "? for shortcuts")
	}},
	{name: "prompt-box", rank: 1, match: func(lines []string, raw string) bool {
		if promptBoxPattern.MatchString(stripANSI(raw)) {
			return true
		}
		for _, line := range lines {
			if promptBoxPattern.MatchString(line) {
				return true
			}
		}
		return false
	}},
	{name: "trailing-prompt", rank: 2, match: func(lines []string, raw string) bool {
		return endsWithPrompt(raw)
	}},
	{name: "bypassing-permissions", rank: 3, match: func(lines []string, raw string) bool {
		return containsFold(raw, "bypassing permissions")
	}},
	{name: "welcome-banner", rank: 4, match: func(lines []string, raw string) bool {
		return containsFold(raw, "welcome to claude")
	}},
	{name: "prompt-glyph", rank: 5, match: func(lines []string, raw string) bool {
		tail := tailLines(stripANSI(raw), 5)
		return strings.Contains(tail, "❯") || strings.Contains(tail, "⟩")
	}},
}

// permissionPhrases are matched case-insensitively anywhere on screen.
var permissionPhrases = []string{
	"do you want to",
	"proceed with",
	"continue?",
	"are you sure",
	"press enter to continue",
}

// completionPhrases release a latched permission state: the operation the
// prompt guarded has finished.
var completionPhrases = []string{
	"successfully",
	"changes applied",
	"task finished",
}

// matchReady returns the highest-priority matching ready pattern name,
// or "" if none match.
func matchReady(lines []string, raw string) string {
	for _, p := range readyPatterns {
		if p.match(lines, raw) {
			return p.name
		}
	}
	return ""
}

// matchPermission reports whether any permission prompt form is visible.
func matchPermission(lines []string, raw string) bool {
	plain := stripANSI(raw)
	lower := strings.ToLower(plain)
	for _, phrase := range permissionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	if yesNoPattern.MatchString(plain) {
		return true
	}
	for _, line := range lines {
		lowerLine := strings.ToLower(line)
		for _, phrase := range permissionPhrases {
			if strings.Contains(lowerLine, phrase) {
				return true
			}
		}
		if yesNoPattern.MatchString(line) {
			return true
		}
	}
	return false
}

// matchCompletion reports whether an operation-finished phrase is visible.
func matchCompletion(raw string) bool {
	lower := strings.ToLower(stripANSI(raw))
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(stripANSI(s)), substr)
}

// endsWithPrompt reports whether the snapshot, after stripping styling
// and trailing whitespace, ends with a prompt character.
func endsWithPrompt(raw string) bool {
	plain := strings.TrimRight(stripANSI(raw), " \t\r\n")
	if plain == "" {
		return false
	}
	return trailingPromptPattern.MatchString(plain)
}

// tailLines returns the last n lines of s.
func tailLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
