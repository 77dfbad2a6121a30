// ABOUTME: Title inference for threads still carrying the default title
// ABOUTME: Derives a short title from the first user (or assistant) message

package store

import "strings"

const (
	titleMaxLen = 50
	titleMinLen = 10
)

// InferTitle derives a thread title from the first user message: first line,
// leading markdown heading markers stripped, truncated to 50 characters with
// "..." appended. If the candidate comes out shorter than 10 characters the
// same extraction runs over the first assistant message and the longer of
// the two candidates wins.
func InferTitle(messages []Message) string {
	// Lengths are counted in runes, matching the truncation bound.
	candidate := titleFrom(firstText(messages, true))
	if len([]rune(candidate)) < titleMinLen {
		if alt := titleFrom(firstText(messages, false)); len([]rune(alt)) > len([]rune(candidate)) {
			candidate = alt
		}
	}
	return candidate
}

func firstText(messages []Message, isUser bool) string {
	for _, m := range messages {
		if m.IsUser == isUser {
			return m.Text
		}
	}
	return ""
}

func titleFrom(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	// Strip a leading run of markdown heading markers and whitespace.
	line = strings.TrimLeft(line, "# \t")
	line = strings.TrimSpace(line)

	runes := []rune(line)
	if len(runes) > titleMaxLen {
		return string(runes[:titleMaxLen]) + "..."
	}
	return line
}
