// Package delivery turns final agent output into outbound transport
// payloads: chunking, think-segment stripping, and media cap enforcement.
package delivery

import (
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

// DefaultChunkChars is the split size used when a channel does not set
// maxChunkChars. WhatsApp and WebChat tolerate ~4000 chars per message.
const DefaultChunkChars = 4000

// Chunk splits text into pieces of at most max chars, preferring newline
// boundaries, then word boundaries, before hard-cutting. Hard cuts fall on
// rune boundaries.
func Chunk(text string, max int) []string {
	if max <= 0 {
		max = DefaultChunkChars
	}
	var out []string
	for len(text) > 0 {
		if len(text) <= max {
			out = append(out, text)
			break
		}
		cut := cutPoint(text, max)
		out = append(out, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	return out
}

// cutPoint picks the split index within text[:max]. A newline in the second
// half wins, then a space in the second half, then a rune-safe hard cut.
func cutPoint(text string, max int) int {
	window := text[:max]
	if idx := strings.LastIndexByte(window, '\n'); idx > max/2 {
		return idx + 1
	}
	if idx := strings.LastIndexByte(window, ' '); idx > max/2 {
		return idx + 1
	}
	// Hard cut, backed up to a rune boundary.
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		return max
	}
	return cut
}

// Truncate shortens s to max chars on a rune boundary, appending an ellipsis
// when cut.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return runewidth.Truncate(s, max, "…")
}
