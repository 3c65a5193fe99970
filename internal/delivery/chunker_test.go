package delivery

import (
	"strings"
	"testing"

	"github.com/clawdis/clawdis/internal/bus"
)

// TestChunk verifies split-point preference: newline in the second half of
// the window wins over space, space wins over a hard cut.
func TestChunk(t *testing.T) {
	t.Run("short text passes through", func(t *testing.T) {
		got := Chunk("hello", 100)
		if len(got) != 1 || got[0] != "hello" {
			t.Errorf("Chunk = %v", got)
		}
	})

	t.Run("prefers newline boundary", func(t *testing.T) {
		text := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
		got := Chunk(text, 100)
		if len(got) != 2 {
			t.Fatalf("expected 2 chunks, got %d", len(got))
		}
		if got[0] != strings.Repeat("a", 60) {
			t.Errorf("first chunk = %q", got[0])
		}
		if got[1] != strings.Repeat("b", 60) {
			t.Errorf("second chunk = %q", got[1])
		}
	})

	t.Run("falls back to space boundary", func(t *testing.T) {
		text := strings.Repeat("a", 60) + " " + strings.Repeat("b", 60)
		got := Chunk(text, 100)
		if len(got) != 2 {
			t.Fatalf("expected 2 chunks, got %d", len(got))
		}
		if got[0] != strings.Repeat("a", 60)+" " && got[0] != strings.Repeat("a", 60) {
			t.Errorf("first chunk = %q", got[0])
		}
	})

	t.Run("hard cut without separators", func(t *testing.T) {
		text := strings.Repeat("x", 250)
		got := Chunk(text, 100)
		if len(got) != 3 {
			t.Fatalf("expected 3 chunks, got %d", len(got))
		}
		for i, c := range got {
			if len(c) > 100 {
				t.Errorf("chunk %d length %d exceeds max", i, len(c))
			}
		}
		if strings.Join(got, "") != text {
			t.Error("hard cuts lost content")
		}
	})

	t.Run("hard cut never splits a rune", func(t *testing.T) {
		text := strings.Repeat("日", 100)
		for _, c := range Chunk(text, 50) {
			for _, r := range c {
				if r != '日' {
					t.Fatalf("rune split produced %q", c)
				}
			}
		}
	})
}

// TestTruncate verifies the ellipsis behavior of rune-safe truncation.
func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("Truncate(short) = %q", got)
	}
	got := Truncate(strings.Repeat("x", 200), 10)
	if !strings.HasSuffix(got, "…") {
		t.Errorf("Truncate missing ellipsis: %q", got)
	}
}

// TestStripThink covers closed blocks, multiple blocks, and the
// unterminated-tag edge where the rest of the text is swallowed.
func TestStripThink(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "no think content",
			in:   "plain answer",
			want: "plain answer",
		},
		{
			name: "single block",
			in:   "before <think>internal</think> after",
			want: "before  after",
		},
		{
			name: "multiline block",
			in:   "answer\n<think>line1\nline2</think>\ndone",
			want: "answer\n\ndone",
		},
		{
			name: "multiple blocks",
			in:   "<think>a</think>x<think>b</think>y",
			want: "xy",
		},
		{
			name: "unterminated tag swallows the rest",
			in:   "visible <think>never closed and still going",
			want: "visible",
		},
		{
			name: "only think content",
			in:   "<think>everything</think>",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripThink(tt.in); got != strings.TrimSpace(tt.want) {
				t.Errorf("StripThink(%q) = %q, want %q", tt.in, got, strings.TrimSpace(tt.want))
			}
		})
	}
}

// TestCheckMedia exercises the per-kind byte caps.
func TestCheckMedia(t *testing.T) {
	tests := []struct {
		name    string
		media   bus.Media
		wantErr bool
	}{
		{
			name:  "image under cap",
			media: bus.Media{Kind: bus.MediaImage, SizeBytes: ImageCapBytes - 1},
		},
		{
			name:    "image over cap",
			media:   bus.Media{Kind: bus.MediaImage, SizeBytes: ImageCapBytes + 1},
			wantErr: true,
		},
		{
			name:    "audio over cap",
			media:   bus.Media{Kind: bus.MediaAudio, SizeBytes: AudioCapBytes + 1},
			wantErr: true,
		},
		{
			name:  "document under its larger cap",
			media: bus.Media{Kind: bus.MediaDocument, SizeBytes: AudioCapBytes + 1},
		},
		{
			name:  "size derived from bytes when unset",
			media: bus.Media{Kind: bus.MediaImage, Bytes: make([]byte, 16)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckMedia(tt.media)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckMedia() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestDegradeCaption checks the caption-only fallback text.
func TestDegradeCaption(t *testing.T) {
	m := bus.Media{Kind: bus.MediaVideo, Caption: "holiday clip"}
	got := DegradeCaption(m)
	if !strings.HasPrefix(got, "holiday clip\n") {
		t.Errorf("caption lost: %q", got)
	}
	if !strings.Contains(got, "could not deliver video attachment") {
		t.Errorf("warning missing: %q", got)
	}

	bare := DegradeCaption(bus.Media{Kind: bus.MediaImage})
	if !strings.Contains(bare, "could not deliver image attachment") {
		t.Errorf("bare warning = %q", bare)
	}
}
