package agentrt

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFallbackWorthy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"wrapped cancellation", fmt.Errorf("run aborted: %w", context.Canceled), false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"http 401", &RunError{Message: "bad key", Kind: "http_401"}, true},
		{"http 429", &RunError{Message: "slow down", Kind: "http_429"}, true},
		{"http 500 not retried", &RunError{Message: "server blew up", Kind: "http_500"}, false},
		{"socket timeout kind", &RunError{Message: "read failed", Kind: "ETIMEDOUT"}, true},
		{"connection reset kind", &RunError{Message: "peer gone", Kind: "ECONNRESET"}, true},
		{"rate limit by message", errors.New("provider says: Rate limit exceeded"), true},
		{"overloaded by message", errors.New("model is overloaded, retry later"), true},
		{"auth hint by message", errors.New("Invalid API key supplied"), true},
		{"plain failure", errors.New("tool produced malformed output"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fallbackWorthy(tt.err); got != tt.want {
				t.Errorf("fallbackWorthy(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"soft timeout", &RunError{Message: "run exceeded 600s", Kind: "TIMEOUT"}, true},
		{"wrapped soft timeout", fmt.Errorf("model anthropic/opus: %w", &RunError{Message: "run exceeded 600s", Kind: "TIMEOUT"}), true},
		{"socket timeout kind", &RunError{Message: "read failed", Kind: "ETIMEDOUT"}, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"plain failure", errors.New("tool produced malformed output"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTimeout(tt.err); got != tt.want {
				t.Errorf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		ref  string
		want ModelRef
	}{
		{"anthropic/claude-sonnet", ModelRef{Provider: "anthropic", Model: "claude-sonnet"}},
		{"claude-sonnet", ModelRef{Model: "claude-sonnet"}},
		{"openrouter/meta/llama-3", ModelRef{Provider: "openrouter", Model: "meta/llama-3"}},
		{"/leading-slash", ModelRef{Model: "/leading-slash"}},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got := ParseModelRef(tt.ref)
			if got != tt.want {
				t.Errorf("ParseModelRef(%q) = %+v, want %+v", tt.ref, got, tt.want)
			}
			if tt.want.Provider != "" && got.String() != tt.ref {
				t.Errorf("String() = %q, want round trip to %q", got.String(), tt.ref)
			}
		})
	}
}

func TestCandidates(t *testing.T) {
	refs := func(ms []ModelRef) []string {
		out := make([]string, len(ms))
		for i, m := range ms {
			out[i] = m.String()
		}
		return out
	}
	equal := func(a, b []string) bool {
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}

	tests := []struct {
		name      string
		primary   string
		fallbacks []string
		allowlist []string
		want      []string
	}{
		{
			name:    "primary only",
			primary: "anthropic/opus",
			want:    []string{"anthropic/opus"},
		},
		{
			name:      "primary then fallbacks in order",
			primary:   "anthropic/opus",
			fallbacks: []string{"anthropic/sonnet", "openai/gpt-4o"},
			want:      []string{"anthropic/opus", "anthropic/sonnet", "openai/gpt-4o"},
		},
		{
			name:      "duplicate of primary dropped",
			primary:   "anthropic/opus",
			fallbacks: []string{"anthropic/opus", "anthropic/sonnet", "anthropic/sonnet"},
			want:      []string{"anthropic/opus", "anthropic/sonnet"},
		},
		{
			name:      "allowlist filters fallbacks not primary",
			primary:   "custom/private",
			fallbacks: []string{"anthropic/sonnet", "openai/gpt-4o"},
			allowlist: []string{"openai/gpt-4o"},
			want:      []string{"custom/private", "openai/gpt-4o"},
		},
		{
			name:      "empty refs skipped",
			primary:   "",
			fallbacks: []string{"", "anthropic/sonnet"},
			want:      []string{"anthropic/sonnet"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := refs(candidates(tt.primary, tt.fallbacks, tt.allowlist))
			if !equal(got, tt.want) {
				t.Errorf("candidates(%q, %v, %v) = %v, want %v", tt.primary, tt.fallbacks, tt.allowlist, got, tt.want)
			}
		})
	}
}
