package agentrt

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/clawdis/clawdis/internal/store"
)

const (
	coalesceWindow  = 1000 * time.Millisecond
	previewMaxChars = 200
)

// previewTools is the curated set whose result previews are forwarded at
// verbose=full.
var previewTools = map[string]bool{
	"bash": true, "read": true, "edit": true, "write": true, "attach": true,
}

// ToolCoalescer batches verbose tool events into transport metadata lines.
// Successive events for the same tool within the window merge into one
// message: [🛠️ tool] arg1, arg2.
type ToolCoalescer struct {
	level store.VerboseLevel
	emit  func(text string)

	mu      sync.Mutex
	tool    string
	args    []string
	preview string
	timer   *time.Timer
}

// NewToolCoalescer builds a coalescer for one run. emit receives each batched
// metadata line; it is never called when level is off.
func NewToolCoalescer(level store.VerboseLevel, emit func(string)) *ToolCoalescer {
	return &ToolCoalescer{level: level, emit: emit}
}

// OnToolStart records a tool invocation.
func (c *ToolCoalescer) OnToolStart(tool, arg string) {
	if c.level == store.VerboseOff {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tool != "" && c.tool != tool {
		c.flushLocked()
	}
	c.tool = tool
	if arg != "" {
		c.args = append(c.args, arg)
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(coalesceWindow, c.Flush)
}

// OnToolEnd records a result preview for verbose=full on curated tools.
func (c *ToolCoalescer) OnToolEnd(tool, preview string) {
	if c.level != store.VerboseFull || preview == "" || !previewTools[tool] {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(preview) > previewMaxChars {
		cut := previewMaxChars
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut] + "…"
	}
	c.preview = preview
}

// Flush emits any pending batch immediately. Called on the coalesce timer and
// at run end.
func (c *ToolCoalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *ToolCoalescer) flushLocked() {
	if c.tool == "" {
		return
	}
	var line string
	switch {
	case len(c.args) == 1:
		line = fmt.Sprintf("[🛠️ %s %s]", c.tool, c.args[0])
	case len(c.args) > 1:
		line = fmt.Sprintf("[🛠️ %s] %s", c.tool, strings.Join(c.args, ", "))
	default:
		line = fmt.Sprintf("[🛠️ %s]", c.tool)
	}
	if c.preview != "" {
		line += "\n" + c.preview
	}
	c.tool = ""
	c.args = nil
	c.preview = ""
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.emit(line)
}
