package agentrt

import "github.com/clawdis/clawdis/internal/store"

// thinkingCues maps a level to the prompt cue appended when the worker does
// not accept a --thinking flag.
var thinkingCues = map[store.ThinkingLevel]string{
	store.ThinkMinimal: "",
	store.ThinkLow:     "think",
	store.ThinkMedium:  "think hard",
	store.ThinkHigh:    "think harder",
	store.ThinkMax:     "ultrathink",
}

// applyThinking resolves how a thinking level reaches the worker. When the
// worker accepts the flag, the level is passed verbatim (omitted for off).
// Otherwise the matching cue token is appended to the prompt.
func applyThinking(req *WorkerRequest, level store.ThinkingLevel, workerHasFlag bool) {
	if level == "" || level == store.ThinkOff {
		return
	}
	if workerHasFlag {
		req.Thinking = string(level)
		return
	}
	if cue := thinkingCues[level]; cue != "" {
		req.Body += "\n" + cue
	}
}
