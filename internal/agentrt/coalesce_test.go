package agentrt

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/clawdis/clawdis/internal/store"
)

func collectCoalescer(level store.VerboseLevel) (*ToolCoalescer, *[]string) {
	var lines []string
	c := NewToolCoalescer(level, func(text string) {
		lines = append(lines, text)
	})
	return c, &lines
}

func TestToolCoalescer_OffEmitsNothing(t *testing.T) {
	c, lines := collectCoalescer(store.VerboseOff)
	c.OnToolStart("bash", "ls -la")
	c.Flush()
	if len(*lines) != 0 {
		t.Fatalf("emitted %v at verbose=off, want nothing", *lines)
	}
}

func TestToolCoalescer_Batching(t *testing.T) {
	tests := []struct {
		name  string
		drive func(c *ToolCoalescer)
		want  []string
	}{
		{
			name: "bare tool",
			drive: func(c *ToolCoalescer) {
				c.OnToolStart("bash", "")
				c.Flush()
			},
			want: []string{"[🛠️ bash]"},
		},
		{
			name: "single arg inline",
			drive: func(c *ToolCoalescer) {
				c.OnToolStart("read", "main.go")
				c.Flush()
			},
			want: []string{"[🛠️ read main.go]"},
		},
		{
			name: "repeat same tool merges args",
			drive: func(c *ToolCoalescer) {
				c.OnToolStart("read", "main.go")
				c.OnToolStart("read", "util.go")
				c.OnToolStart("read", "api.go")
				c.Flush()
			},
			want: []string{"[🛠️ read] main.go, util.go, api.go"},
		},
		{
			name: "tool change flushes previous batch",
			drive: func(c *ToolCoalescer) {
				c.OnToolStart("read", "main.go")
				c.OnToolStart("bash", "go vet")
				c.Flush()
			},
			want: []string{"[🛠️ read main.go]", "[🛠️ bash go vet]"},
		},
		{
			name: "double flush is a no-op",
			drive: func(c *ToolCoalescer) {
				c.OnToolStart("bash", "")
				c.Flush()
				c.Flush()
			},
			want: []string{"[🛠️ bash]"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, lines := collectCoalescer(store.VerboseOn)
			tt.drive(c)
			if len(*lines) != len(tt.want) {
				t.Fatalf("emitted %v, want %v", *lines, tt.want)
			}
			for i := range tt.want {
				if (*lines)[i] != tt.want[i] {
					t.Errorf("line %d = %q, want %q", i, (*lines)[i], tt.want[i])
				}
			}
		})
	}
}

func TestToolCoalescer_Previews(t *testing.T) {
	t.Run("full appends curated preview", func(t *testing.T) {
		c, lines := collectCoalescer(store.VerboseFull)
		c.OnToolStart("bash", "uptime")
		c.OnToolEnd("bash", "up 12 days")
		c.Flush()
		if len(*lines) != 1 {
			t.Fatalf("emitted %d lines, want 1", len(*lines))
		}
		if want := "[🛠️ bash uptime]\nup 12 days"; (*lines)[0] != want {
			t.Errorf("line = %q, want %q", (*lines)[0], want)
		}
	})
	t.Run("on level ignores previews", func(t *testing.T) {
		c, lines := collectCoalescer(store.VerboseOn)
		c.OnToolStart("bash", "uptime")
		c.OnToolEnd("bash", "up 12 days")
		c.Flush()
		if (*lines)[0] != "[🛠️ bash uptime]" {
			t.Errorf("line = %q, want no preview", (*lines)[0])
		}
	})
	t.Run("uncurated tool preview dropped", func(t *testing.T) {
		c, lines := collectCoalescer(store.VerboseFull)
		c.OnToolStart("websearch", "go generics")
		c.OnToolEnd("websearch", "ten results")
		c.Flush()
		if (*lines)[0] != "[🛠️ websearch go generics]" {
			t.Errorf("line = %q, want no preview", (*lines)[0])
		}
	})
	t.Run("long preview truncated", func(t *testing.T) {
		c, lines := collectCoalescer(store.VerboseFull)
		c.OnToolStart("read", "big.log")
		c.OnToolEnd("read", strings.Repeat("x", previewMaxChars+50))
		c.Flush()
		_, preview, ok := strings.Cut((*lines)[0], "\n")
		if !ok {
			t.Fatalf("line %q has no preview", (*lines)[0])
		}
		if want := strings.Repeat("x", previewMaxChars) + "…"; preview != want {
			t.Errorf("preview length %d, want %d with ellipsis", len(preview), len(want))
		}
	})
	t.Run("truncation lands on a rune boundary", func(t *testing.T) {
		c, lines := collectCoalescer(store.VerboseFull)
		c.OnToolStart("read", "emoji.log")
		// Multibyte runes straddle the cut point; the truncated preview
		// must still be valid UTF-8.
		c.OnToolEnd("read", strings.Repeat("世", previewMaxChars))
		c.Flush()
		_, preview, ok := strings.Cut((*lines)[0], "\n")
		if !ok {
			t.Fatalf("line %q has no preview", (*lines)[0])
		}
		if !utf8.ValidString(preview) {
			t.Fatalf("preview %q is not valid UTF-8", preview)
		}
		if !strings.HasSuffix(preview, "…") {
			t.Errorf("preview %q missing ellipsis", preview)
		}
	})
}

func TestApplyThinking(t *testing.T) {
	tests := []struct {
		name     string
		level    store.ThinkingLevel
		hasFlag  bool
		wantFlag string
		wantBody string
	}{
		{"off is a no-op", store.ThinkOff, true, "", "prompt"},
		{"flag passes level verbatim", store.ThinkHigh, true, "high", "prompt"},
		{"cue appended without flag", store.ThinkHigh, false, "", "prompt\nthink harder"},
		{"max cue", store.ThinkMax, false, "", "prompt\nultrathink"},
		{"minimal has no cue", store.ThinkMinimal, false, "", "prompt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &WorkerRequest{Body: "prompt"}
			applyThinking(req, tt.level, tt.hasFlag)
			if req.Thinking != tt.wantFlag {
				t.Errorf("Thinking = %q, want %q", req.Thinking, tt.wantFlag)
			}
			if req.Body != tt.wantBody {
				t.Errorf("Body = %q, want %q", req.Body, tt.wantBody)
			}
		})
	}
}
