package manager

import (
	"regexp"
	"strings"
)

var thinkBlock = regexp.MustCompile(`(?is)<think>.*?</think>`)

// CleanGeneratedText removes every <think>...</think> section (any case, may
// span lines) and trims surrounding whitespace.
func CleanGeneratedText(s string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(s, ""))
}
