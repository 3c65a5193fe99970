package delivery

import (
	"regexp"
	"strings"
)

var (
	thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	thinkOpenRe  = regexp.MustCompile(`(?s)<think>.*$`)
)

// StripThink removes <think>…</think> segments from text destined for
// external surfaces. An unterminated open tag swallows the rest of the text.
func StripThink(text string) string {
	text = thinkBlockRe.ReplaceAllString(text, "")
	text = thinkOpenRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
