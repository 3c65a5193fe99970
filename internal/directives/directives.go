// Package directives parses slash-prefixed user commands before agent
// invocation: /think, /verbose, /queue, /new, /model, /status, /restart,
// plus the stop-word abort shortcut.
package directives

import (
	"regexp"
	"strings"
)

// Kind identifies a directive.
type Kind string

const (
	KindThink   Kind = "think"
	KindVerbose Kind = "verbose"
	KindQueue   Kind = "queue"
	KindNew     Kind = "new"
	KindModel   Kind = "model"
	KindStatus  Kind = "status"
	KindRestart Kind = "restart"
)

// Directive is one parsed command.
//
// Inline is true when other text follows the directive token: the directive
// then applies to the current turn only and Rest carries the remaining
// prompt. A directive-only message pins the session instead.
type Directive struct {
	Kind   Kind
	Value  string
	Inline bool
	Rest   string
}

// stopWords abort the in-flight run when a message matches one exactly.
var stopWords = map[string]bool{
	"stop": true, "esc": true, "abort": true, "wait": true, "exit": true,
}

// IsStopWord reports whether the normalized body is exactly a stop word.
func IsStopWord(body string) bool {
	return stopWords[strings.ToLower(strings.TrimSpace(body))]
}

// historyFence marks a batched history block: a body whose first line opens a
// code fence labelled "history". Directive tokens inside such a block belong
// to replayed messages, not the current turn.
var historyFence = regexp.MustCompile("(?i)^```\\s*history\\b")

// InHistoryBlock reports whether body starts a batched history block.
func InHistoryBlock(body string) bool {
	return historyFence.MatchString(strings.TrimLeft(body, " \t"))
}

// timestampPrefix matches leading "[HH:MM]"/"[HH:MM:SS]"-style prefixes, and
// quotePrefix matches leading "> " quote headers. Both are stripped before
// directive matching so forwarded or quoted text still parses.
var (
	timestampPrefix = regexp.MustCompile(`^\s*\[\d{1,2}:\d{2}(:\d{2})?\]\s*`)
	quotePrefix     = regexp.MustCompile(`^\s*>\s?[^\n]*\n`)
)

// StripPrefixes removes timestamp and quote prefixes from the body.
func StripPrefixes(body string) string {
	for {
		next := timestampPrefix.ReplaceAllString(body, "")
		next = quotePrefix.ReplaceAllString(next, "")
		if next == body {
			return body
		}
		body = next
	}
}

var directiveRe = regexp.MustCompile(`(?i)^/(think|verbose|queue|new|model|status|restart)(?:[:= ]\s*(\S+))?\s*`)

// Parse matches a directive at the start of body (case-insensitive, after
// prefix stripping). Returns nil when no directive is present or the body is
// a batched history block.
func Parse(body string) *Directive {
	if InHistoryBlock(body) {
		return nil
	}
	body = StripPrefixes(body)
	m := directiveRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	d := &Directive{
		Kind:  Kind(strings.ToLower(m[1])),
		Value: strings.ToLower(m[2]),
	}
	rest := strings.TrimSpace(body[len(m[0]):])

	switch d.Kind {
	case KindNew, KindStatus, KindRestart:
		// These take no value; anything captured is part of the prompt.
		if d.Value != "" {
			rest = strings.TrimSpace(m[2] + " " + rest)
			d.Value = ""
		}
	case KindModel:
		// Model refs are case-sensitive.
		d.Value = m[2]
	}

	if rest != "" {
		d.Inline = true
		d.Rest = rest
	}
	return d
}
