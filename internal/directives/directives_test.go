package directives

import "testing"

// TestParse covers the directive grammar: token forms, inline one-shots,
// value normalization, and case-sensitivity of model refs.
func TestParse(t *testing.T) {
	tests := []struct {
		name string
		body string
		want *Directive
	}{
		{
			name: "pin form",
			body: "/think high",
			want: &Directive{Kind: KindThink, Value: "high"},
		},
		{
			name: "colon separator",
			body: "/think:medium",
			want: &Directive{Kind: KindThink, Value: "medium"},
		},
		{
			name: "equals separator",
			body: "/verbose=full",
			want: &Directive{Kind: KindVerbose, Value: "full"},
		},
		{
			name: "inline one-shot",
			body: "/think high what is the weather",
			want: &Directive{Kind: KindThink, Value: "high", Inline: true, Rest: "what is the weather"},
		},
		{
			name: "case-insensitive token",
			body: "/THINK HIGH",
			want: &Directive{Kind: KindThink, Value: "high"},
		},
		{
			name: "model value keeps case",
			body: "/model anthropic/Claude-Opus",
			want: &Directive{Kind: KindModel, Value: "anthropic/Claude-Opus"},
		},
		{
			name: "new with trailing text keeps the text",
			body: "/new tell me a joke",
			want: &Directive{Kind: KindNew, Inline: true, Rest: "tell me a joke"},
		},
		{
			name: "status",
			body: "/status",
			want: &Directive{Kind: KindStatus},
		},
		{
			name: "restart",
			body: "/restart",
			want: &Directive{Kind: KindRestart},
		},
		{
			name: "timestamp prefix stripped",
			body: "[12:34] /think low",
			want: &Directive{Kind: KindThink, Value: "low"},
		},
		{
			name: "quote header stripped",
			body: "> someone said something\n/status",
			want: &Directive{Kind: KindStatus},
		},
		{
			name: "no directive",
			body: "hello there",
			want: nil,
		},
		{
			name: "slash mid-message is not a directive",
			body: "look at /think in the docs",
			want: nil,
		},
		{
			name: "unknown directive",
			body: "/frobnicate now",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.body)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("Parse(%q) = %+v, want nil", tt.body, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("Parse(%q) = nil, want %+v", tt.body, tt.want)
			}
			if *got != *tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.body, got, tt.want)
			}
		})
	}
}

// TestParse_HistoryBlock verifies that directive tokens inside a batched
// history fence are ignored.
func TestParse_HistoryBlock(t *testing.T) {
	body := "```history\n/think high\nolder message\n```"
	if d := Parse(body); d != nil {
		t.Errorf("Parse inside history block = %+v, want nil", d)
	}
	if !InHistoryBlock("```HISTORY\nx") {
		t.Error("history fence should match case-insensitively")
	}
	if InHistoryBlock("```go\ncode") {
		t.Error("ordinary code fence misdetected as history block")
	}
}

// TestIsStopWord checks stop-word matching is exact after normalization.
func TestIsStopWord(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{"stop", true},
		{" STOP ", true},
		{"esc", true},
		{"abort", true},
		{"wait", true},
		{"exit", true},
		{"stop it", false},
		{"please stop", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsStopWord(tt.body); got != tt.want {
			t.Errorf("IsStopWord(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}

// TestStripPrefixes verifies repeated stripping of stacked prefixes.
func TestStripPrefixes(t *testing.T) {
	got := StripPrefixes("[09:05:12] > quoted line\n[09:06] actual message")
	if got != "actual message" {
		t.Errorf("StripPrefixes = %q, want %q", got, "actual message")
	}
}
